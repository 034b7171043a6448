// Package router is the host side of the guest message protocol. It accepts
// messages only from trusted contexts, validates them and publishes them on
// typed channels, and broadcasts host events to every trusted context.
package router

import (
	"context"
	"encoding/hex"
	"io"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/sandbox"
	"github.com/zond/mapscript/trust"
)

var (
	ErrNotFound = errors.New("context not registered")
	ErrLoading  = errors.New("script registration in progress")
)

// ScriptCapabilities is exactly what a registered script is granted.
var ScriptCapabilities = trust.Capabilities{
	RunScripts:                    true,
	TopNavigationByUserActivation: true,
}

// Script is a router owned guest context.
type Script interface {
	trust.Context
	io.Closer
}

// ScriptFactory creates and starts a guest context. The context lives until
// ctx is cancelled or it is closed.
type ScriptFactory func(ctx context.Context, cfg sandbox.Config) (Script, error)

// SourceFunc fetches the source code of a script.
type SourceFunc func(ctx context.Context, locator string) (string, error)

type Options struct {
	NewScript ScriptFactory
	Source    SourceFunc
	// Console returns where a script's log output goes.
	Console func(locator string) io.Writer
	Timeout time.Duration
	// Debug logs every dropped message.
	Debug bool
}

// StartScript is the default ScriptFactory, running each script in its own
// v8 isolate.
func StartScript(ctx context.Context, cfg sandbox.Config) (Script, error) {
	s, err := sandbox.New(cfg)
	if err != nil {
		return nil, mapscript.WithStack(err)
	}
	go func() {
		if err := s.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("script %q stopped: %v", cfg.Locator, err)
		}
	}()
	return s, nil
}

// ScriptID returns the deterministic context id of the script at locator.
func ScriptID(locator string) string {
	sum := blake3.Sum256([]byte(locator))
	return "script" + hex.EncodeToString(sum[:])[:32]
}

type Router struct {
	Chat                  Channel[protocol.ChatEvent]
	OpenPopup             Channel[protocol.OpenPopupEvent]
	ClosePopup            Channel[protocol.ClosePopupEvent]
	OpenTab               Channel[protocol.OpenTabEvent]
	GoToPage              Channel[protocol.GoToPageEvent]
	OpenCoWebSite         Channel[protocol.OpenCoWebSiteEvent]
	CloseCoWebSite        Channel[struct{}]
	DisablePlayerControls Channel[struct{}]
	RestorePlayerControls Channel[struct{}]
	DisplayBubble         Channel[struct{}]
	RemoveBubble          Channel[struct{}]
	TriggerMessage        Channel[protocol.TriggerMessageEvent]
	RemoveTriggerMessage  Channel[protocol.MessageReferenceEvent]
	LoadPage              Channel[protocol.LoadPageEvent]
	UpdateTile            Channel[protocol.UpdateTileEvent]
	LoadSound             Channel[protocol.LoadSoundEvent]
	PlaySound             Channel[protocol.PlaySoundEvent]
	StopSound             Channel[protocol.StopSoundEvent]
	RegisterMenuCommand   Channel[protocol.MenuItemRegisterEvent]
	GetState              Channel[struct{}]

	opts       Options
	registry   *trust.Registry
	publishers map[protocol.GuestKind]func(context.Context, any)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	scripts map[string]Script
	loading map[string]bool

	frames *mapscript.SyncMap[string, trust.Context]
}

func New(opts Options) *Router {
	if opts.NewScript == nil {
		opts.NewScript = StartScript
	}
	r := &Router{
		opts:     opts,
		registry: trust.NewRegistry(),
		scripts:  map[string]Script{},
		loading:  map[string]bool{},
		frames:   mapscript.NewSyncMap[string, trust.Context](),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.publishers = map[protocol.GuestKind]func(context.Context, any){
		protocol.Chat:                  publisher(protocol.Chat, &r.Chat),
		protocol.OpenPopup:             publisher(protocol.OpenPopup, &r.OpenPopup),
		protocol.ClosePopup:            publisher(protocol.ClosePopup, &r.ClosePopup),
		protocol.OpenTab:               publisher(protocol.OpenTab, &r.OpenTab),
		protocol.GoToPage:              publisher(protocol.GoToPage, &r.GoToPage),
		protocol.OpenCoWebSite:         publisher(protocol.OpenCoWebSite, &r.OpenCoWebSite),
		protocol.CloseCoWebSite:        publisher(protocol.CloseCoWebSite, &r.CloseCoWebSite),
		protocol.DisablePlayerControls: publisher(protocol.DisablePlayerControls, &r.DisablePlayerControls),
		protocol.RestorePlayerControls: publisher(protocol.RestorePlayerControls, &r.RestorePlayerControls),
		protocol.DisplayBubble:         publisher(protocol.DisplayBubble, &r.DisplayBubble),
		protocol.RemoveBubble:          publisher(protocol.RemoveBubble, &r.RemoveBubble),
		protocol.TriggerMessage:        publisher(protocol.TriggerMessage, &r.TriggerMessage),
		protocol.RemoveTriggerMessage:  publisher(protocol.RemoveTriggerMessage, &r.RemoveTriggerMessage),
		protocol.LoadPage:              publisher(protocol.LoadPage, &r.LoadPage),
		protocol.UpdateTile:            publisher(protocol.UpdateTile, &r.UpdateTile),
		protocol.LoadSound:             publisher(protocol.LoadSound, &r.LoadSound),
		protocol.PlaySound:             publisher(protocol.PlaySound, &r.PlaySound),
		protocol.StopSound:             publisher(protocol.StopSound, &r.StopSound),
		protocol.RegisterMenuCommand:   publisher(protocol.RegisterMenuCommand, &r.RegisterMenuCommand),
		protocol.GetState:              publisher(protocol.GetState, &r.GetState),
	}
	return r
}

func publisher[T any](kind protocol.GuestKind, c *Channel[T]) func(context.Context, any) {
	c.name = string(kind)
	return func(ctx context.Context, payload any) {
		var v T
		if payload != nil {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("%s payload is %T, not %T", kind, payload, v)
				return
			}
			v = typed
		}
		c.PublishContext(ctx, v)
	}
}

func (r *Router) drop(sourceID string, message []byte, reason string) {
	if r.opts.Debug {
		log.Printf("dropping message from %q (%s): %.200s", sourceID, reason, message)
	}
}

// Receive handles a message arriving from the context identified by
// sourceID. Messages from untrusted contexts, malformed envelopes and
// payloads failing validation are dropped.
func (r *Router) Receive(sourceID string, message []byte) {
	r.ReceiveContext(context.Background(), sourceID, message)
}

// ReceiveContext is Receive for messages injected by a subscriber, which
// continues the dispatch chain of ctx.
func (r *Router) ReceiveContext(ctx context.Context, sourceID string, message []byte) {
	if !r.registry.IsTrusted(sourceID) {
		r.drop(sourceID, message, "untrusted source")
		return
	}
	env, ok := protocol.DecodeEnvelope(message)
	if !ok {
		r.drop(sourceID, message, "malformed envelope")
		return
	}
	kind := protocol.GuestKind(env.Kind)
	payload, ok := protocol.ValidateGuest(kind, env.Data)
	if !ok {
		r.drop(sourceID, message, "invalid payload")
		return
	}
	r.publishers[kind](ctx, payload)
}

func (r *Router) broadcast(kind protocol.HostKind, payload any) {
	b, err := protocol.EncodeEnvelope(kind, payload)
	if err != nil {
		log.Printf("encoding %s: %v", kind, err)
		return
	}
	for ctx := range r.registry.Each() {
		if err := ctx.Post(b); err != nil {
			log.Printf("posting %s to %q: %v", kind, ctx.Locator(), err)
		}
	}
}

func (r *Router) SendUserInputChat(message string) {
	r.broadcast(protocol.UserInputChat, protocol.UserInputChatEvent{Message: message})
}

func (r *Router) SendEnterEvent(name string) {
	r.broadcast(protocol.EnterEvent, protocol.EnterLeaveEvent{Name: name})
}

func (r *Router) SendLeaveEvent(name string) {
	r.broadcast(protocol.LeaveEvent, protocol.EnterLeaveEvent{Name: name})
}

func (r *Router) SendButtonClickedEvent(popupID, buttonID int) {
	r.broadcast(protocol.ButtonClicked, protocol.ButtonClickedEvent{PopupID: popupID, ButtonID: buttonID})
}

func (r *Router) SendGameState(state protocol.GameStateEvent) {
	r.broadcast(protocol.GameState, state)
}

func (r *Router) SendMessageTriggered(uuid string) {
	r.broadcast(protocol.MessageTriggered, protocol.MessageReferenceEvent{UUID: uuid})
}

func (r *Router) SendHasPlayerMoved(ev protocol.HasPlayerMovedEvent) {
	r.broadcast(protocol.HasPlayerMoved, ev)
}

func (r *Router) SendListenersRegistered() {
	r.broadcast(protocol.ListenersRegistered, nil)
}

func (r *Router) SendMenuItemClicked(item string) {
	r.broadcast(protocol.MenuItemClicked, protocol.MenuItemClickedEvent{MenuItem: item})
}

// RegisterScript loads the script at locator into a new sandboxed context
// and trusts it. A script already registered at locator is replaced.
func (r *Router) RegisterScript(ctx context.Context, locator string) (trust.Context, error) {
	r.mu.Lock()
	if r.loading[locator] {
		r.mu.Unlock()
		return nil, errors.Wrapf(ErrLoading, "script %q", locator)
	}
	r.loading[locator] = true
	r.mu.Unlock()
	script, err := r.loadScript(ctx, locator)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.loading, locator)
	if err != nil {
		return nil, err
	}
	r.scripts[locator] = script
	r.registry.Register(script)
	return script, nil
}

// loadScript replaces any script already at locator and runs the new one.
// The caller marks locator as loading, which keeps UnregisterScript and
// other registrations away until the script is stored.
func (r *Router) loadScript(ctx context.Context, locator string) (Script, error) {
	source := ""
	if r.opts.Source != nil {
		var err error
		if source, err = r.opts.Source(ctx, locator); err != nil {
			return nil, mapscript.WithStack(err)
		}
	}
	cfg := sandbox.Config{
		ID:           ScriptID(locator),
		Locator:      locator,
		Source:       source,
		Capabilities: ScriptCapabilities,
		Sink:         r.Receive,
		Timeout:      r.opts.Timeout,
	}
	if r.opts.Console != nil {
		cfg.Console = r.opts.Console(locator)
	}
	r.mu.Lock()
	old, replacing := r.scripts[locator]
	delete(r.scripts, locator)
	r.mu.Unlock()
	if replacing {
		r.registry.Unregister(old)
		if err := old.Close(); err != nil {
			log.Printf("closing replaced script %q: %v", locator, err)
		}
	}
	// Trusted before its top level code runs, so messages posted while
	// loading are accepted.
	pending := &pendingScript{id: cfg.ID, locator: locator}
	r.registry.Register(pending)
	script, err := r.opts.NewScript(r.ctx, cfg)
	if err != nil {
		r.registry.Unregister(pending)
		return nil, mapscript.WithStack(err)
	}
	return script, nil
}

// UnregisterScript stops trusting the script at locator and closes it.
// A script still loading can't be unregistered, ErrLoading is returned.
func (r *Router) UnregisterScript(locator string) error {
	r.mu.Lock()
	if r.loading[locator] {
		r.mu.Unlock()
		return errors.Wrapf(ErrLoading, "script %q", locator)
	}
	script, known := r.scripts[locator]
	if !known {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "script %q", locator)
	}
	delete(r.scripts, locator)
	r.registry.Unregister(script)
	r.mu.Unlock()
	return mapscript.WithStack(script.Close())
}

// RegisterFrame trusts a context created outside the router, e.g. a remote
// frame connected over a websocket.
func (r *Router) RegisterFrame(ctx trust.Context) {
	r.frames.Set(ctx.ID(), ctx)
	r.registry.Register(ctx)
}

func (r *Router) UnregisterFrame(ctx trust.Context) error {
	if _, found := r.frames.Pop(ctx.ID()); !found {
		return errors.Wrapf(ErrNotFound, "frame %q", ctx.ID())
	}
	r.registry.Unregister(ctx)
	return nil
}

// Scripts returns the registered script locators, sorted.
func (r *Router) Scripts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, 0, len(r.scripts))
	for locator := range r.scripts {
		result = append(result, locator)
	}
	sort.Strings(result)
	return result
}

// Frames returns the ids of the registered frames, sorted.
func (r *Router) Frames() []string {
	return slices.Sorted(r.frames.Keys())
}

// IsTrusted reports whether messages from id are currently accepted.
func (r *Router) IsTrusted(id string) bool {
	return r.registry.IsTrusted(id)
}

// TrustedIDs lists the trusted context ids in registration order.
func (r *Router) TrustedIDs() []string {
	return r.registry.IDs()
}

// Close unregisters and closes every script, and stops trusting frames.
func (r *Router) Close() error {
	var firstErr error
	for _, locator := range r.Scripts() {
		if err := r.UnregisterScript(locator); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, id := range r.Frames() {
		if frame, found := r.frames.Pop(id); found {
			r.registry.Unregister(frame)
		}
	}
	r.cancel()
	return firstErr
}

// pendingScript holds a script's place in the registry while its top level
// code runs. Nothing can be posted to it yet.
type pendingScript struct {
	id      string
	locator string
}

func (p *pendingScript) ID() string                       { return p.id }
func (p *pendingScript) Locator() string                  { return p.locator }
func (p *pendingScript) Capabilities() trust.Capabilities { return ScriptCapabilities }
func (p *pendingScript) Post([]byte) error                { return nil }
