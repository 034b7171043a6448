package protocol

import (
	"strconv"

	"github.com/pkg/errors"

	goccy "github.com/goccy/go-json"
)

type ChatEvent struct {
	Message string `json:"message"`
	Author  string `json:"author,omitempty"`
}

type ButtonDescriptor struct {
	Label     string `json:"label"`
	ClassName string `json:"className,omitempty"`
}

type OpenPopupEvent struct {
	PopupID      int                `json:"popupId"`
	TargetObject string             `json:"targetObject"`
	Message      string             `json:"message"`
	Buttons      []ButtonDescriptor `json:"buttons"`
}

type ClosePopupEvent struct {
	PopupID int `json:"popupId"`
}

type OpenTabEvent struct {
	URL string `json:"url"`
}

type GoToPageEvent struct {
	URL string `json:"url"`
}

type OpenCoWebSiteEvent struct {
	URL string `json:"url"`
}

type LoadPageEvent struct {
	URL string `json:"url"`
}

type TriggerMessageEvent struct {
	Message string `json:"message"`
	UUID    string `json:"uuid"`
}

// MessageReferenceEvent points at a message created by a TriggerMessageEvent.
type MessageReferenceEvent struct {
	UUID string `json:"uuid"`
}

// TileRef is either a global tile id or the name of a tile type declared in
// a tileset.
type TileRef struct {
	ID   int
	Type string
}

func TileID(id int) TileRef {
	return TileRef{ID: id}
}

func TileType(name string) TileRef {
	return TileRef{Type: name}
}

// IsType reports whether the reference names a tile type rather than an id.
func (t TileRef) IsType() bool {
	return t.Type != ""
}

func (t TileRef) String() string {
	if t.IsType() {
		return t.Type
	}
	return strconv.Itoa(t.ID)
}

func (t TileRef) MarshalJSON() ([]byte, error) {
	if t.IsType() {
		return goccy.Marshal(t.Type)
	}
	return goccy.Marshal(t.ID)
}

func (t *TileRef) UnmarshalJSON(b []byte) error {
	var v any
	if err := goccy.Unmarshal(b, &v); err != nil {
		return err
	}
	ref, ok := tileRefOf(v)
	if !ok {
		return errors.Errorf("%s is neither a tile id nor a tile type", b)
	}
	*t = ref
	return nil
}

type TileUpdate struct {
	Layer string  `json:"layer"`
	X     int     `json:"x"`
	Y     int     `json:"y"`
	Tile  TileRef `json:"tile"`
}

// UpdateTileEvent is an ordered batch of tile changes.
type UpdateTileEvent []TileUpdate

type LoadSoundEvent struct {
	URL string `json:"url"`
}

type SoundConfig struct {
	Volume *float64 `json:"volume,omitempty"`
	Loop   *bool    `json:"loop,omitempty"`
	Rate   *float64 `json:"rate,omitempty"`
	Detune *float64 `json:"detune,omitempty"`
	Delay  *float64 `json:"delay,omitempty"`
	Seek   *float64 `json:"seek,omitempty"`
	Mute   *bool    `json:"mute,omitempty"`
}

type PlaySoundEvent struct {
	URL    string       `json:"url"`
	Config *SoundConfig `json:"config,omitempty"`
}

type StopSoundEvent struct {
	URL string `json:"url"`
}

type MenuItemRegisterEvent struct {
	MenuItem string `json:"menuItem"`
}

// Host->guest payloads.

type UserInputChatEvent struct {
	Message string `json:"message"`
}

type EnterLeaveEvent struct {
	Name string `json:"name"`
}

type ButtonClickedEvent struct {
	PopupID  int `json:"popupId"`
	ButtonID int `json:"buttonId"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type PlayerState struct {
	Position Position `json:"position"`
	PusherID string   `json:"pusherId,omitempty"`
}

type GameStateEvent struct {
	MapURL         string                 `json:"mapUrl"`
	NickName       string                 `json:"nickName"`
	StartLayerName string                 `json:"startLayerName,omitempty"`
	UUID           string                 `json:"uuid,omitempty"`
	RoomID         string                 `json:"roomId"`
	Players        map[string]PlayerState `json:"players"`
}

type HasPlayerMovedEvent struct {
	Direction string  `json:"direction"`
	Moving    bool    `json:"moving"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type MenuItemClickedEvent struct {
	MenuItem string `json:"menuItem"`
}
