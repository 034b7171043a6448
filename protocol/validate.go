package protocol

import (
	"math"

	goccy "github.com/goccy/go-json"
)

// Validator checks a raw payload against one payload shape. It returns the
// decoded payload and true, or nil and false. It never coerces.
type Validator func(raw []byte) (any, bool)

var (
	guestValidators = map[GuestKind]Validator{
		Chat:                  validateChat,
		OpenPopup:             validateOpenPopup,
		ClosePopup:            validateClosePopup,
		OpenTab:               urlValidator(func(u string) any { return OpenTabEvent{URL: u} }),
		GoToPage:              urlValidator(func(u string) any { return GoToPageEvent{URL: u} }),
		OpenCoWebSite:         urlValidator(func(u string) any { return OpenCoWebSiteEvent{URL: u} }),
		CloseCoWebSite:        validateEmpty,
		DisablePlayerControls: validateEmpty,
		RestorePlayerControls: validateEmpty,
		DisplayBubble:         validateEmpty,
		RemoveBubble:          validateEmpty,
		TriggerMessage:        validateTriggerMessage,
		RemoveTriggerMessage:  validateMessageReference,
		LoadPage:              urlValidator(func(u string) any { return LoadPageEvent{URL: u} }),
		UpdateTile:            validateUpdateTile,
		LoadSound:             urlValidator(func(u string) any { return LoadSoundEvent{URL: u} }),
		PlaySound:             validatePlaySound,
		StopSound:             urlValidator(func(u string) any { return StopSoundEvent{URL: u} }),
		RegisterMenuCommand:   validateMenuItemRegister,
		GetState:              validateEmpty,
	}
	hostValidators = map[HostKind]Validator{
		UserInputChat:       validateUserInputChat,
		EnterEvent:          validateEnterLeave,
		LeaveEvent:          validateEnterLeave,
		ButtonClicked:       validateButtonClicked,
		GameState:           validateGameState,
		MessageTriggered:    validateMessageReference,
		HasPlayerMoved:      validateHasPlayerMoved,
		ListenersRegistered: validateEmpty,
		MenuItemClicked:     validateMenuItemClicked,
	}
)

// ValidateGuest validates raw against the payload shape bound to kind.
// Unknown kinds are rejected.
func ValidateGuest(kind GuestKind, raw []byte) (any, bool) {
	v, found := guestValidators[kind]
	if !found {
		return nil, false
	}
	return v(raw)
}

// ValidateHost validates raw against the payload shape bound to kind.
// Unknown kinds are rejected.
func ValidateHost(kind HostKind, raw []byte) (any, bool) {
	v, found := hostValidators[kind]
	if !found {
		return nil, false
	}
	return v(raw)
}

type object map[string]any

func decode(raw []byte) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var v any
	if err := goccy.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

func asObject(raw []byte) (object, bool) {
	v, ok := decode(raw)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return object(m), ok
}

func (o object) str(name string) (string, bool) {
	s, ok := o[name].(string)
	return s, ok
}

// optStr accepts an absent or null field as "".
func (o object) optStr(name string) (string, bool) {
	v, found := o[name]
	if !found || v == nil {
		return "", true
	}
	s, ok := v.(string)
	return s, ok
}

func (o object) number(name string) (float64, bool) {
	f, ok := o[name].(float64)
	return f, ok
}

func (o object) optNumber(name string) (*float64, bool) {
	v, found := o[name]
	if !found || v == nil {
		return nil, true
	}
	f, ok := v.(float64)
	if !ok {
		return nil, false
	}
	return &f, true
}

func (o object) optBool(name string) (*bool, bool) {
	v, found := o[name]
	if !found || v == nil {
		return nil, true
	}
	b, ok := v.(bool)
	if !ok {
		return nil, false
	}
	return &b, true
}

func (o object) integer(name string) (int, bool) {
	f, ok := o[name].(float64)
	if !ok {
		return 0, false
	}
	return integral(f)
}

func integral(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func tileRefOf(v any) (TileRef, bool) {
	switch t := v.(type) {
	case float64:
		id, ok := integral(t)
		if !ok || id < 0 {
			return TileRef{}, false
		}
		return TileID(id), true
	case string:
		if t == "" {
			return TileRef{}, false
		}
		return TileType(t), true
	}
	return TileRef{}, false
}

func validateEmpty([]byte) (any, bool) {
	return nil, true
}

func urlValidator(build func(string) any) Validator {
	return func(raw []byte) (any, bool) {
		o, ok := asObject(raw)
		if !ok {
			return nil, false
		}
		u, ok := o.str("url")
		if !ok {
			return nil, false
		}
		return build(u), true
	}
}

func validateChat(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	msg, ok := o.str("message")
	if !ok {
		return nil, false
	}
	author, ok := o.optStr("author")
	if !ok {
		return nil, false
	}
	return ChatEvent{Message: msg, Author: author}, true
}

func validateOpenPopup(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	result := OpenPopupEvent{}
	if result.PopupID, ok = o.integer("popupId"); !ok {
		return nil, false
	}
	if result.TargetObject, ok = o.str("targetObject"); !ok {
		return nil, false
	}
	if result.Message, ok = o.str("message"); !ok {
		return nil, false
	}
	buttons, ok := o["buttons"].([]any)
	if !ok {
		return nil, false
	}
	result.Buttons = make([]ButtonDescriptor, 0, len(buttons))
	for _, b := range buttons {
		m, ok := b.(map[string]any)
		if !ok {
			return nil, false
		}
		bo := object(m)
		desc := ButtonDescriptor{}
		if desc.Label, ok = bo.str("label"); !ok {
			return nil, false
		}
		if desc.ClassName, ok = bo.optStr("className"); !ok {
			return nil, false
		}
		result.Buttons = append(result.Buttons, desc)
	}
	return result, true
}

func validateClosePopup(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	id, ok := o.integer("popupId")
	if !ok {
		return nil, false
	}
	return ClosePopupEvent{PopupID: id}, true
}

func validateTriggerMessage(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	msg, ok := o.str("message")
	if !ok {
		return nil, false
	}
	id, ok := o.str("uuid")
	if !ok || id == "" {
		return nil, false
	}
	return TriggerMessageEvent{Message: msg, UUID: id}, true
}

func validateMessageReference(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	id, ok := o.str("uuid")
	if !ok || id == "" {
		return nil, false
	}
	return MessageReferenceEvent{UUID: id}, true
}

func validateUpdateTile(raw []byte) (any, bool) {
	v, ok := decode(raw)
	if !ok {
		return nil, false
	}
	list, ok := v.([]any)
	if !ok {
		return nil, false
	}
	result := make(UpdateTileEvent, 0, len(list))
	for _, elem := range list {
		m, ok := elem.(map[string]any)
		if !ok {
			return nil, false
		}
		o := object(m)
		update := TileUpdate{}
		if update.Layer, ok = o.str("layer"); !ok {
			return nil, false
		}
		if update.X, ok = o.integer("x"); !ok {
			return nil, false
		}
		if update.Y, ok = o.integer("y"); !ok {
			return nil, false
		}
		if update.Tile, ok = tileRefOf(o["tile"]); !ok {
			return nil, false
		}
		result = append(result, update)
	}
	return result, true
}

func validatePlaySound(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	result := PlaySoundEvent{}
	if result.URL, ok = o.str("url"); !ok {
		return nil, false
	}
	rawConfig, found := o["config"]
	if !found || rawConfig == nil {
		return result, true
	}
	m, ok := rawConfig.(map[string]any)
	if !ok {
		return nil, false
	}
	co := object(m)
	config := &SoundConfig{}
	for name, dst := range map[string]**float64{
		"volume": &config.Volume,
		"rate":   &config.Rate,
		"detune": &config.Detune,
		"delay":  &config.Delay,
		"seek":   &config.Seek,
	} {
		if *dst, ok = co.optNumber(name); !ok {
			return nil, false
		}
	}
	if config.Loop, ok = co.optBool("loop"); !ok {
		return nil, false
	}
	if config.Mute, ok = co.optBool("mute"); !ok {
		return nil, false
	}
	result.Config = config
	return result, true
}

func validateMenuItemRegister(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	item, ok := o.str("menuItem")
	if !ok || item == "" {
		return nil, false
	}
	return MenuItemRegisterEvent{MenuItem: item}, true
}

func validateUserInputChat(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	msg, ok := o.str("message")
	if !ok {
		return nil, false
	}
	return UserInputChatEvent{Message: msg}, true
}

func validateEnterLeave(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	name, ok := o.str("name")
	if !ok {
		return nil, false
	}
	return EnterLeaveEvent{Name: name}, true
}

func validateButtonClicked(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	result := ButtonClickedEvent{}
	if result.PopupID, ok = o.integer("popupId"); !ok {
		return nil, false
	}
	if result.ButtonID, ok = o.integer("buttonId"); !ok {
		return nil, false
	}
	return result, true
}

func validateGameState(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	result := GameStateEvent{}
	if result.MapURL, ok = o.str("mapUrl"); !ok {
		return nil, false
	}
	if result.NickName, ok = o.str("nickName"); !ok {
		return nil, false
	}
	if result.RoomID, ok = o.str("roomId"); !ok {
		return nil, false
	}
	if result.StartLayerName, ok = o.optStr("startLayerName"); !ok {
		return nil, false
	}
	if result.UUID, ok = o.optStr("uuid"); !ok {
		return nil, false
	}
	players, ok := o["players"].(map[string]any)
	if !ok {
		return nil, false
	}
	result.Players = make(map[string]PlayerState, len(players))
	for name, rawPlayer := range players {
		m, ok := rawPlayer.(map[string]any)
		if !ok {
			return nil, false
		}
		po := object(m)
		pos, ok := po["position"].(map[string]any)
		if !ok {
			return nil, false
		}
		state := PlayerState{}
		if state.Position.X, ok = object(pos).number("x"); !ok {
			return nil, false
		}
		if state.Position.Y, ok = object(pos).number("y"); !ok {
			return nil, false
		}
		if state.PusherID, ok = po.optStr("pusherId"); !ok {
			return nil, false
		}
		result.Players[name] = state
	}
	return result, true
}

func validateHasPlayerMoved(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	result := HasPlayerMovedEvent{}
	if result.Direction, ok = o.str("direction"); !ok {
		return nil, false
	}
	if result.Moving, ok = o["moving"].(bool); !ok {
		return nil, false
	}
	if result.X, ok = o.number("x"); !ok {
		return nil, false
	}
	if result.Y, ok = o.number("y"); !ok {
		return nil, false
	}
	return result, true
}

func validateMenuItemClicked(raw []byte) (any, bool) {
	o, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	item, ok := o.str("menuItem")
	if !ok {
		return nil, false
	}
	return MenuItemClickedEvent{MenuItem: item}, true
}
