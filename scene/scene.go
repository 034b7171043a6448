// Package scene connects the router's guest channels and the zone engine to
// the game world, and turns player activity into host events.
package scene

import (
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/tilemap"
)

// PopupButton is a rendered popup button. OnClick reports the click to the
// guests.
type PopupButton struct {
	Label     string
	ClassName string
	OnClick   func()
}

type Popup struct {
	ID int
	// Object is the map object the popup is anchored to.
	Object  tilemap.Object
	HTML    string
	Buttons []PopupButton
}

// WorldSnapshot is the live state needed to answer getState.
type WorldSnapshot struct {
	MapURL     string
	PlayerName string
	StartLayer string
	RoomID     string
	PusherID   string
	Player     protocol.Position
	// Remote maps display names of other avatars to their state.
	Remote map[string]protocol.PlayerState
}

// Scene is the rendering layer guests act upon.
type Scene interface {
	ShowPopup(popup Popup)
	ClosePopup(id int) bool
	DisableControls()
	RestoreControls()
	DisplayBubble()
	RemoveBubble()
	AddActionButton(uuid, message string, onClick func())
	RemoveActionButton(uuid string)
	// SetTile replaces an existing tile and reports whether there was one.
	SetTile(layer string, x, y, gid int) bool
	LoadPage(url string)
	Snapshot() WorldSnapshot
	MovePlayer(x, y float64)
	AddMenuItem(name string, onClick func())
	LoadSound(url string)
	PlaySound(url string, config *protocol.SoundConfig)
	StopSound(url string)
	ShowChat(author, message string)
}

// Opener opens things outside the game canvas.
type Opener interface {
	OpenTab(url string)
	GoToPage(url string)
	OpenCoWebsite(url string)
	CloseCoWebsite()
}

// MoveEvent describes the player's movement after it happened.
type MoveEvent struct {
	X         float64
	Y         float64
	Direction string
	Moving    bool
}
