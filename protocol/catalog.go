// Package protocol defines the closed catalog of messages exchanged between
// the host and sandboxed guest scripts, their payload shapes, and one
// validator per payload shape.
//
// Every message travels in an Envelope, {"type": kind, "data": payload}.
// Kinds outside the catalog are dropped by the receiver, never erred.
package protocol

// GuestKind names a message sent from a guest script to the host.
type GuestKind string

const (
	Chat                  GuestKind = "chat"
	OpenPopup             GuestKind = "openPopup"
	ClosePopup            GuestKind = "closePopup"
	OpenTab               GuestKind = "openTab"
	GoToPage              GuestKind = "goToPage"
	OpenCoWebSite         GuestKind = "openCoWebSite"
	CloseCoWebSite        GuestKind = "closeCoWebSite"
	DisablePlayerControls GuestKind = "disablePlayerControls"
	RestorePlayerControls GuestKind = "restorePlayerControls"
	DisplayBubble         GuestKind = "displayBubble"
	RemoveBubble          GuestKind = "removeBubble"
	TriggerMessage        GuestKind = "triggerMessage"
	RemoveTriggerMessage  GuestKind = "removeTriggerMessage"
	LoadPage              GuestKind = "loadPage"
	UpdateTile            GuestKind = "updateTile"
	LoadSound             GuestKind = "loadSound"
	PlaySound             GuestKind = "playSound"
	StopSound             GuestKind = "stopSound"
	RegisterMenuCommand   GuestKind = "registerMenuCommand"
	GetState              GuestKind = "getState"
)

// HostKind names a message sent from the host to every guest script.
type HostKind string

const (
	UserInputChat       HostKind = "userInputChat"
	EnterEvent          HostKind = "enterEvent"
	LeaveEvent          HostKind = "leaveEvent"
	ButtonClicked       HostKind = "buttonClickedEvent"
	GameState           HostKind = "gameState"
	MessageTriggered    HostKind = "messageTriggered"
	HasPlayerMoved      HostKind = "hasPlayerMoved"
	ListenersRegistered HostKind = "listenersRegistered"
	MenuItemClicked     HostKind = "menuItemClicked"
)

var (
	guestKinds = []GuestKind{
		Chat,
		OpenPopup,
		ClosePopup,
		OpenTab,
		GoToPage,
		OpenCoWebSite,
		CloseCoWebSite,
		DisablePlayerControls,
		RestorePlayerControls,
		DisplayBubble,
		RemoveBubble,
		TriggerMessage,
		RemoveTriggerMessage,
		LoadPage,
		UpdateTile,
		LoadSound,
		PlaySound,
		StopSound,
		RegisterMenuCommand,
		GetState,
	}
	hostKinds = []HostKind{
		UserInputChat,
		EnterEvent,
		LeaveEvent,
		ButtonClicked,
		GameState,
		MessageTriggered,
		HasPlayerMoved,
		ListenersRegistered,
		MenuItemClicked,
	}
)

// GuestKinds returns the guest->host catalog in declaration order.
func GuestKinds() []GuestKind {
	return append([]GuestKind(nil), guestKinds...)
}

// HostKinds returns the host->guest catalog in declaration order.
func HostKinds() []HostKind {
	return append([]HostKind(nil), hostKinds...)
}

// Known reports whether k is part of the guest->host catalog.
func (k GuestKind) Known() bool {
	_, found := guestValidators[k]
	return found
}

// Known reports whether k is part of the host->guest catalog.
func (k HostKind) Known() bool {
	_, found := hostValidators[k]
	return found
}

// UserActivation reports whether delivering k to a guest happens as the
// direct result of a user gesture.
func (k HostKind) UserActivation() bool {
	switch k {
	case ButtonClicked, MenuItemClicked, MessageTriggered, UserInputChat:
		return true
	}
	return false
}
