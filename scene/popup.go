package scene

import (
	"fmt"
	"html"
	"strings"

	"github.com/zond/mapscript/protocol"
)

const (
	// PopupLayer is the object layer popups are anchored in.
	PopupLayer = "floorLayer"
)

// popupHTML renders the popup markup. Every guest provided string is
// escaped.
func popupHTML(ev protocol.OpenPopupEvent) string {
	b := &strings.Builder{}
	fmt.Fprintf(b, "<div id=\"container\" hidden><div class=\"nes-container with-title is-centered\">\n%s\n</div> ", html.EscapeString(ev.Message))
	b.WriteString(`<div class="buttonContainer">`)
	for i, button := range ev.Buttons {
		fmt.Fprintf(b, `<button type="button" class="nes-btn is-%s" id="popup-%d-%d">%s</button>`,
			html.EscapeString(button.ClassName), ev.PopupID, i, html.EscapeString(button.Label))
	}
	b.WriteString("</div></div>")
	return b.String()
}
