package scene

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/loader"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/router"
	"github.com/zond/mapscript/tilemap"
	"github.com/zond/mapscript/zone"
)

var (
	ErrObjectNotFound = errors.New("object not found")
)

// Bridge subscribes to the router on behalf of one game session.
type Bridge struct {
	router  *router.Router
	m       *tilemap.Map
	engine  *zone.Engine
	scene   Scene
	opener  Opener
	session string

	mu           sync.Mutex
	unsubscribes []func()
}

func NewBridge(r *router.Router, m *tilemap.Map, scene Scene, opener Opener) *Bridge {
	return &Bridge{
		router:  r,
		m:       m,
		engine:  zone.New(m),
		scene:   scene,
		opener:  opener,
		session: uuid.NewString(),
	}
}

func (b *Bridge) Engine() *zone.Engine {
	return b.engine
}

// Session is the id this session reports in game state.
func (b *Bridge) Session() string {
	return b.session
}

func subscribe[T any](b *Bridge, c *router.Channel[T], f func(T)) {
	b.unsubscribes = append(b.unsubscribes, c.Subscribe(f))
}

// Register subscribes to every guest channel and the zone triggers, then
// tells the guests that the host listens.
func (b *Bridge) Register() {
	b.mu.Lock()
	r := b.router
	subscribe(b, &r.Chat, func(ev protocol.ChatEvent) {
		b.scene.ShowChat(ev.Author, ev.Message)
	})
	subscribe(b, &r.OpenPopup, func(ev protocol.OpenPopupEvent) {
		if err := b.openPopup(ev); err != nil {
			log.Printf("opening popup %v: %v", ev.PopupID, err)
		}
	})
	subscribe(b, &r.ClosePopup, func(ev protocol.ClosePopupEvent) {
		if !b.scene.ClosePopup(ev.PopupID) {
			log.Printf("closing popup %v: maybe it has already been closed?", ev.PopupID)
		}
	})
	subscribe(b, &r.OpenTab, func(ev protocol.OpenTabEvent) {
		b.opener.OpenTab(ev.URL)
	})
	subscribe(b, &r.GoToPage, func(ev protocol.GoToPageEvent) {
		b.opener.GoToPage(ev.URL)
	})
	subscribe(b, &r.OpenCoWebSite, func(ev protocol.OpenCoWebSiteEvent) {
		b.opener.OpenCoWebsite(ev.URL)
	})
	subscribe(b, &r.CloseCoWebSite, func(struct{}) {
		b.opener.CloseCoWebsite()
	})
	subscribe(b, &r.DisablePlayerControls, func(struct{}) {
		b.scene.DisableControls()
	})
	subscribe(b, &r.RestorePlayerControls, func(struct{}) {
		b.scene.RestoreControls()
	})
	subscribe(b, &r.DisplayBubble, func(struct{}) {
		b.scene.DisplayBubble()
	})
	subscribe(b, &r.RemoveBubble, func(struct{}) {
		b.scene.RemoveBubble()
	})
	subscribe(b, &r.TriggerMessage, func(ev protocol.TriggerMessageEvent) {
		b.scene.AddActionButton(ev.UUID, ev.Message, func() {
			b.router.SendMessageTriggered(ev.UUID)
			b.scene.RemoveActionButton(ev.UUID)
		})
	})
	subscribe(b, &r.RemoveTriggerMessage, func(ev protocol.MessageReferenceEvent) {
		b.scene.RemoveActionButton(ev.UUID)
	})
	subscribe(b, &r.LoadPage, func(ev protocol.LoadPageEvent) {
		b.scene.LoadPage(b.resolve(ev.URL))
	})
	subscribe(b, &r.UpdateTile, func(ev protocol.UpdateTileEvent) {
		b.updateTiles(ev)
	})
	subscribe(b, &r.LoadSound, func(ev protocol.LoadSoundEvent) {
		b.scene.LoadSound(ev.URL)
	})
	subscribe(b, &r.PlaySound, func(ev protocol.PlaySoundEvent) {
		b.scene.PlaySound(ev.URL, ev.Config)
	})
	subscribe(b, &r.StopSound, func(ev protocol.StopSoundEvent) {
		b.scene.StopSound(ev.URL)
	})
	subscribe(b, &r.RegisterMenuCommand, func(ev protocol.MenuItemRegisterEvent) {
		b.scene.AddMenuItem(ev.MenuItem, func() {
			b.router.SendMenuItemClicked(ev.MenuItem)
		})
	})
	subscribe(b, &r.GetState, func(struct{}) {
		b.router.SendGameState(b.GameState())
	})
	b.unsubscribes = append(b.unsubscribes, b.BindZones(b.engine))
	b.mu.Unlock()

	b.router.SendListenersRegistered()
}

// Unregister drops every subscription made by Register.
func (b *Bridge) Unregister() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, unsubscribe := range b.unsubscribes {
		unsubscribe()
	}
	b.unsubscribes = nil
}

func (b *Bridge) resolve(url string) string {
	return loader.Resolve(b.scene.Snapshot().MapURL, url)
}

func (b *Bridge) openPopup(ev protocol.OpenPopupEvent) error {
	obj, found := b.m.FindObject(PopupLayer, ev.TargetObject)
	if !found {
		return errors.Wrapf(ErrObjectNotFound, "no object %q in %q; popups must target a rectangle object in that layer", ev.TargetObject, PopupLayer)
	}
	popup := Popup{
		ID:     ev.PopupID,
		Object: *obj,
		HTML:   popupHTML(ev),
	}
	for i, button := range ev.Buttons {
		popup.Buttons = append(popup.Buttons, PopupButton{
			Label:     button.Label,
			ClassName: button.ClassName,
			OnClick: func() {
				b.router.SendButtonClickedEvent(ev.PopupID, i)
			},
		})
	}
	b.scene.ShowPopup(popup)
	return nil
}

// updateTiles applies a batch in order. A tile that cannot be resolved or
// placed is skipped and the rest of the batch still applies.
func (b *Bridge) updateTiles(ev protocol.UpdateTileEvent) {
	for _, update := range ev {
		gid := update.Tile.ID
		if update.Tile.IsType() {
			var err error
			if gid, err = b.m.TileIDForType(update.Tile.Type); err != nil {
				log.Printf("updating tile %v,%v in %q: %v", update.X, update.Y, update.Layer, err)
				continue
			}
		}
		if !b.scene.SetTile(update.Layer, update.X, update.Y, gid) {
			log.Printf("updating tile %v,%v in %q: no such tile", update.X, update.Y, update.Layer)
		}
	}
}

// GameState describes the session as guests see it.
func (b *Bridge) GameState() protocol.GameStateEvent {
	snap := b.scene.Snapshot()
	players := map[string]protocol.PlayerState{
		snap.PlayerName: {Position: snap.Player, PusherID: snap.PusherID},
	}
	for name, state := range snap.Remote {
		players[name] = state
	}
	return protocol.GameStateEvent{
		MapURL:         snap.MapURL,
		NickName:       snap.PlayerName,
		StartLayerName: snap.StartLayer,
		UUID:           b.session,
		RoomID:         snap.RoomID,
		Players:        players,
	}
}

// PlayerMoved updates the zone engine and tells the guests.
func (b *Bridge) PlayerMoved(ev MoveEvent) {
	b.engine.SetPosition(ev.X, ev.Y)
	b.router.SendHasPlayerMoved(protocol.HasPlayerMovedEvent{
		Direction: ev.Direction,
		Moving:    ev.Moving,
		X:         ev.X,
		Y:         ev.Y,
	})
}

// MoveTo moves the player in the scene and reports the movement.
func (b *Bridge) MoveTo(x, y float64, direction string) {
	b.scene.MovePlayer(x, y)
	b.PlayerMoved(MoveEvent{X: x, Y: y, Direction: direction, Moving: true})
}

// GeoUpdate moves the player to where a geolocation reading puts it on the
// map. It does nothing if that is less than a pixel away.
func (b *Bridge) GeoUpdate(c zone.Coordinates) error {
	target, err := b.engine.GeoToMapPosition(c)
	if err != nil {
		return mapscript.WithStack(err)
	}
	current := b.scene.Snapshot().Player
	delta := target.Sub(zone.Vector2{X: current.X, Y: current.Y}).Round()
	if delta == (zone.Vector2{}) {
		return nil
	}
	b.MoveTo(current.X+delta.X, current.Y+delta.Y, b.engine.Direction(c))
	return nil
}

func (b *Bridge) UserChat(message string) {
	b.router.SendUserInputChat(message)
}

func (b *Bridge) AvatarEntered(name string) {
	b.router.SendEnterEvent(name)
}

func (b *Bridge) AvatarLeft(name string) {
	b.router.SendLeaveEvent(name)
}

// BindZones connects the zone properties the host understands to their
// effects. The returned function disconnects them.
func (b *Bridge) BindZones(engine *zone.Engine) func() {
	cancels := []func(){
		engine.OnPropertyChange("zone", func(newValue, oldValue any, _ zone.Snapshot) {
			if oldValue != nil {
				b.router.SendLeaveEvent(fmt.Sprint(oldValue))
			}
			if newValue != nil {
				b.router.SendEnterEvent(fmt.Sprint(newValue))
			}
		}),
		engine.OnPropertyChange("exitUrl", func(newValue, _ any, _ zone.Snapshot) {
			if newValue != nil {
				b.scene.LoadPage(b.resolve(fmt.Sprint(newValue)))
			}
		}),
		engine.OnPropertyChange("openWebsite", func(newValue, _ any, _ zone.Snapshot) {
			if newValue != nil {
				b.opener.OpenCoWebsite(fmt.Sprint(newValue))
			} else {
				b.opener.CloseCoWebsite()
			}
		}),
		engine.OnPropertyChange("openTab", func(newValue, _ any, _ zone.Snapshot) {
			if newValue != nil {
				b.opener.OpenTab(fmt.Sprint(newValue))
			}
		}),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
