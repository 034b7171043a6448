package scene

import (
	"fmt"
	"io"
	"log"
	"maps"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/tilemap"
)

type actionButton struct {
	message string
	onClick func()
}

type tileKey struct {
	layer string
	x, y  int
}

// Headless is a Scene and Opener without rendering. It keeps the state a
// renderer would show, so it can be inspected and clicked from a console.
type Headless struct {
	m      *tilemap.Map
	logger *log.Logger

	mu               sync.Mutex
	snapshot         WorldSnapshot
	popups           map[int]Popup
	clicked          map[int]map[int]bool
	controlsDisabled bool
	bubble           bool
	actionButtons    map[string]actionButton
	actionOrder      []string
	tiles            map[tileKey]int
	pages            []string
	menu             map[string]func()
	menuOrder        []string
	sounds           map[string]bool
	playing          map[string]*protocol.SoundConfig
	chat             []string
	tabs             []string
	navigations      []string
	coWebsite        string
}

func NewHeadless(m *tilemap.Map, snapshot WorldSnapshot, w io.Writer) *Headless {
	if w == nil {
		w = io.Discard
	}
	if snapshot.Remote == nil {
		snapshot.Remote = map[string]protocol.PlayerState{}
	}
	return &Headless{
		m:             m,
		logger:        log.New(w, "", 0),
		snapshot:      snapshot,
		popups:        map[int]Popup{},
		clicked:       map[int]map[int]bool{},
		actionButtons: map[string]actionButton{},
		tiles:         map[tileKey]int{},
		menu:          map[string]func(){},
		sounds:        map[string]bool{},
		playing:       map[string]*protocol.SoundConfig{},
	}
}

func (h *Headless) ShowPopup(popup Popup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.popups[popup.ID] = popup
	delete(h.clicked, popup.ID)
	h.logger.Printf("popup %v at %v,%v: %s", popup.ID, popup.Object.X, popup.Object.Y, popup.HTML)
}

func (h *Headless) ClosePopup(id int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, found := h.popups[id]
	delete(h.popups, id)
	delete(h.clicked, id)
	if found {
		h.logger.Printf("popup %v closed", id)
	}
	return found
}

// Popups returns the open popups ordered by id.
func (h *Headless) Popups() []Popup {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := slices.Collect(maps.Values(h.popups))
	slices.SortFunc(result, func(a, b Popup) int { return a.ID - b.ID })
	return result
}

// ClickPopupButton clicks a button. Like a rendered button it only works
// once per popup.
func (h *Headless) ClickPopupButton(popupID, button int) error {
	h.mu.Lock()
	popup, found := h.popups[popupID]
	if !found {
		h.mu.Unlock()
		return errors.Errorf("no popup %v", popupID)
	}
	if button < 0 || button >= len(popup.Buttons) {
		h.mu.Unlock()
		return errors.Errorf("popup %v has no button %v", popupID, button)
	}
	if h.clicked[popupID][button] {
		h.mu.Unlock()
		return errors.Errorf("button %v of popup %v is disabled", button, popupID)
	}
	if h.clicked[popupID] == nil {
		h.clicked[popupID] = map[int]bool{}
	}
	h.clicked[popupID][button] = true
	onClick := popup.Buttons[button].OnClick
	h.mu.Unlock()
	if onClick != nil {
		onClick()
	}
	return nil
}

func (h *Headless) DisableControls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controlsDisabled = true
	h.logger.Printf("controls disabled")
}

func (h *Headless) RestoreControls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.controlsDisabled = false
	h.logger.Printf("controls restored")
}

func (h *Headless) ControlsDisabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlsDisabled
}

func (h *Headless) DisplayBubble() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bubble = true
	h.logger.Printf("bubble displayed at %v,%v", h.snapshot.Player.X+25, h.snapshot.Player.Y)
}

func (h *Headless) RemoveBubble() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bubble = false
	h.logger.Printf("bubble removed")
}

func (h *Headless) Bubble() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bubble
}

func (h *Headless) AddActionButton(uuid, message string, onClick func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.actionButtons[uuid]; !found {
		h.actionOrder = append(h.actionOrder, uuid)
	}
	h.actionButtons[uuid] = actionButton{message: message, onClick: onClick}
	h.logger.Printf("action %q: %s", uuid, message)
}

func (h *Headless) RemoveActionButton(uuid string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.actionButtons[uuid]; !found {
		return
	}
	delete(h.actionButtons, uuid)
	h.actionOrder = slices.DeleteFunc(h.actionOrder, func(candidate string) bool { return candidate == uuid })
	h.logger.Printf("action %q removed", uuid)
}

// ActionButtons returns the uuids of the current action buttons, oldest
// first.
func (h *Headless) ActionButtons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.actionOrder)
}

func (h *Headless) ClickActionButton(uuid string) error {
	h.mu.Lock()
	button, found := h.actionButtons[uuid]
	h.mu.Unlock()
	if !found {
		return errors.Errorf("no action button %q", uuid)
	}
	if button.onClick != nil {
		button.onClick()
	}
	return nil
}

func (h *Headless) SetTile(layerName string, x, y, gid int) bool {
	layer, found := h.m.FindLayer(layerName)
	if !found || layer.Type != tilemap.TileLayer {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	key := tileKey{layer: layerName, x: x, y: y}
	if _, overridden := h.tiles[key]; !overridden {
		if _, present := h.m.TileAt(layer, x, y); !present {
			return false
		}
	}
	h.tiles[key] = gid
	h.logger.Printf("tile %v,%v in %q is now %v", x, y, layerName, gid)
	return true
}

// Tile returns the tile currently shown at x, y in the named layer.
func (h *Headless) Tile(layerName string, x, y int) (int, bool) {
	h.mu.Lock()
	gid, overridden := h.tiles[tileKey{layer: layerName, x: x, y: y}]
	h.mu.Unlock()
	if overridden {
		return gid, true
	}
	layer, found := h.m.FindLayer(layerName)
	if !found {
		return 0, false
	}
	return h.m.TileAt(layer, x, y)
}

func (h *Headless) LoadPage(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pages = append(h.pages, url)
	h.logger.Printf("loading %q", url)
}

func (h *Headless) Pages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.pages)
}

func (h *Headless) Snapshot() WorldSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	result := h.snapshot
	result.Remote = maps.Clone(h.snapshot.Remote)
	return result
}

func (h *Headless) MovePlayer(x, y float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot.Player = protocol.Position{X: x, Y: y}
}

// SetRemote places another avatar, or removes it when state is nil.
func (h *Headless) SetRemote(name string, state *protocol.PlayerState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if state == nil {
		delete(h.snapshot.Remote, name)
	} else {
		h.snapshot.Remote[name] = *state
	}
}

func (h *Headless) AddMenuItem(name string, onClick func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, found := h.menu[name]; !found {
		h.menuOrder = append(h.menuOrder, name)
	}
	h.menu[name] = onClick
	h.logger.Printf("menu item %q", name)
}

func (h *Headless) MenuItems() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.menuOrder)
}

func (h *Headless) ClickMenuItem(name string) error {
	h.mu.Lock()
	onClick, found := h.menu[name]
	h.mu.Unlock()
	if !found {
		return errors.Errorf("no menu item %q", name)
	}
	if onClick != nil {
		onClick()
	}
	return nil
}

func (h *Headless) LoadSound(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sounds[url] = true
	h.logger.Printf("sound %q loaded", url)
}

func (h *Headless) PlaySound(url string, config *protocol.SoundConfig) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sounds[url] = true
	h.playing[url] = config
	h.logger.Printf("playing %q", url)
}

func (h *Headless) StopSound(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.playing, url)
	h.logger.Printf("stopped %q", url)
}

// Playing returns the urls of the sounds playing, sorted.
func (h *Headless) Playing() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.playing))
}

func (h *Headless) ShowChat(author, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	line := message
	if author != "" {
		line = fmt.Sprintf("%s: %s", author, message)
	}
	h.chat = append(h.chat, line)
	h.logger.Printf("chat %s", line)
}

func (h *Headless) Chat() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.chat)
}

func (h *Headless) OpenTab(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tabs = append(h.tabs, url)
	h.logger.Printf("tab %q opened", url)
}

func (h *Headless) Tabs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.tabs)
}

func (h *Headless) GoToPage(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.navigations = append(h.navigations, url)
	h.logger.Printf("navigating to %q", url)
}

func (h *Headless) Navigations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.navigations)
}

func (h *Headless) OpenCoWebsite(url string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coWebsite = url
	h.logger.Printf("co-website %q opened", url)
}

func (h *Headless) CloseCoWebsite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.coWebsite = ""
	h.logger.Printf("co-website closed")
}

func (h *Headless) CoWebsite() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.coWebsite
}
