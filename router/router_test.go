package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/sandbox"
	"github.com/zond/mapscript/trust"
)

type fakeContext struct {
	id      string
	locator string
	caps    trust.Capabilities
	sink    sandbox.Sink

	mu       sync.Mutex
	posts    []string
	closed   bool
	closeErr error
	postErr  error
}

func (f *fakeContext) ID() string                       { return f.id }
func (f *fakeContext) Locator() string                  { return f.locator }
func (f *fakeContext) Capabilities() trust.Capabilities { return f.caps }

func (f *fakeContext) Post(message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, string(message))
	return f.postErr
}

func (f *fakeContext) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeContext) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts...)
}

// emit sends message to the router as this context would.
func (f *fakeContext) emit(message string) {
	f.sink(f.id, []byte(message))
}

type fakeFactory struct {
	mu      sync.Mutex
	created map[string]*fakeContext
	// onLoad runs while the script is being created, like top level code.
	onLoad func(f *fakeContext)
}

func (ff *fakeFactory) newScript(_ context.Context, cfg sandbox.Config) (Script, error) {
	f := &fakeContext{id: cfg.ID, locator: cfg.Locator, caps: cfg.Capabilities, sink: cfg.Sink}
	if ff.onLoad != nil {
		ff.onLoad(f)
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.created == nil {
		ff.created = map[string]*fakeContext{}
	}
	ff.created[cfg.Locator] = f
	return f, nil
}

func (ff *fakeFactory) get(locator string) *fakeContext {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[locator]
}

func newTestRouter(t *testing.T) (*Router, *fakeFactory) {
	t.Helper()
	ff := &fakeFactory{}
	r := New(Options{NewScript: ff.newScript})
	t.Cleanup(func() { r.Close() })
	return r, ff
}

func TestScriptID(t *testing.T) {
	a := ScriptID("https://example.com/a.js")
	if a != ScriptID("https://example.com/a.js") {
		t.Error("ScriptID should be deterministic")
	}
	if a == ScriptID("https://example.com/b.js") {
		t.Error("different locators should have different ids")
	}
	if !strings.HasPrefix(a, "script") || len(a) != len("script")+32 {
		t.Errorf("got %q, want script followed by 32 hex digits", a)
	}
}

func TestRegisterScriptCapabilities(t *testing.T) {
	r, ff := newTestRouter(t)
	ctx, err := r.RegisterScript(context.Background(), "a.js")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(ScriptCapabilities, ctx.Capabilities()); diff != "" {
		t.Errorf("capabilities mismatch (-want +got):\n%s", diff)
	}
	if ff.get("a.js").caps != ScriptCapabilities {
		t.Error("sandbox should be created with exactly the script capabilities")
	}
	if !r.IsTrusted(ScriptID("a.js")) {
		t.Error("registered script should be trusted")
	}
}

func TestChatFromRegisteredScript(t *testing.T) {
	r, ff := newTestRouter(t)
	got := []protocol.ChatEvent{}
	r.Chat.Subscribe(func(ev protocol.ChatEvent) {
		got = append(got, ev)
	})
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	ff.get("a.js").emit(`{"type":"chat","data":{"message":"hello"}}`)
	if diff := cmp.Diff([]protocol.ChatEvent{{Message: "hello"}}, got); diff != "" {
		t.Errorf("chat mismatch (-want +got):\n%s", diff)
	}
}

func TestMessagesDuringLoadAccepted(t *testing.T) {
	r, ff := newTestRouter(t)
	ff.onLoad = func(f *fakeContext) {
		f.emit(`{"type":"chat","data":{"message":"loading"}}`)
	}
	got := 0
	r.Chat.Subscribe(func(protocol.ChatEvent) { got++ })
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("got %v chats, want 1", got)
	}
}

func TestDrops(t *testing.T) {
	tests := []struct {
		name    string
		trusted bool
		message string
	}{
		{"untrusted source", false, `{"type":"chat","data":{"message":"hi"}}`},
		{"numeric type", true, `{"type":4,"data":{"message":"hi"}}`},
		{"missing type", true, `{"data":{"message":"hi"}}`},
		{"unknown kind", true, `{"type":"formatDisk","data":{}}`},
		{"bad payload", true, `{"type":"chat","data":{"message":7}}`},
		{"not json", true, `chat hi`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t)
			published := 0
			r.Chat.Subscribe(func(protocol.ChatEvent) { published++ })
			source := &fakeContext{id: "frame1"}
			if tt.trusted {
				r.RegisterFrame(source)
			}
			r.Receive(source.id, []byte(tt.message))
			if published != 0 {
				t.Errorf("got %v publications, want 0", published)
			}
		})
	}
}

func TestUnregisteredStopsTrust(t *testing.T) {
	r, ff := newTestRouter(t)
	published := 0
	r.Chat.Subscribe(func(protocol.ChatEvent) { published++ })
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	f := ff.get("a.js")
	if err := r.UnregisterScript("a.js"); err != nil {
		t.Fatal(err)
	}
	if !f.closed {
		t.Error("unregistered script should be closed")
	}
	f.emit(`{"type":"chat","data":{"message":"late"}}`)
	if published != 0 {
		t.Errorf("got %v publications from an unregistered script, want 0", published)
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r, _ := newTestRouter(t)
	if err := r.UnregisterScript("nothing.js"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want %v", err, ErrNotFound)
	}
	if err := r.UnregisterFrame(&fakeContext{id: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want %v", err, ErrNotFound)
	}
}

func TestRegisterRoundTrip(t *testing.T) {
	r, _ := newTestRouter(t)
	before := r.TrustedIDs()
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	if err := r.UnregisterScript("a.js"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, r.TrustedIDs()); diff != "" {
		t.Errorf("trusted set changed (-before +after):\n%s", diff)
	}
	if len(r.Scripts()) != 0 {
		t.Errorf("got scripts %v, want none", r.Scripts())
	}
}

func TestUnregisterTrustRemovedEvenIfCloseFails(t *testing.T) {
	r, ff := newTestRouter(t)
	ff.onLoad = func(f *fakeContext) { f.closeErr = errors.New("stuck") }
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	if err := r.UnregisterScript("a.js"); err == nil {
		t.Error("wanted the close error")
	}
	if r.IsTrusted(ScriptID("a.js")) {
		t.Error("script should no longer be trusted")
	}
}

func TestReregisterReplaces(t *testing.T) {
	r, ff := newTestRouter(t)
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	first := ff.get("a.js")
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	second := ff.get("a.js")
	if first == second {
		t.Fatal("wanted a new context")
	}
	if !first.closed {
		t.Error("replaced script should be closed")
	}
	if diff := cmp.Diff([]string{ScriptID("a.js")}, r.TrustedIDs()); diff != "" {
		t.Errorf("trusted ids mismatch (-want +got):\n%s", diff)
	}
}

func TestUnregisterWhileLoading(t *testing.T) {
	r, ff := newTestRouter(t)
	var unregisterErr, registerErr error
	ff.onLoad = func(f *fakeContext) {
		unregisterErr = r.UnregisterScript("a.js")
		_, registerErr = r.RegisterScript(context.Background(), "a.js")
	}
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	if !errors.Is(unregisterErr, ErrLoading) {
		t.Errorf("got %v, want %v", unregisterErr, ErrLoading)
	}
	if !errors.Is(registerErr, ErrLoading) {
		t.Errorf("got %v, want %v", registerErr, ErrLoading)
	}
	if diff := cmp.Diff([]string{"a.js"}, r.Scripts()); diff != "" {
		t.Errorf("scripts mismatch (-want +got):\n%s", diff)
	}
	if !r.IsTrusted(ScriptID("a.js")) {
		t.Error("loaded script should be trusted")
	}
	ff.onLoad = nil
	if err := r.UnregisterScript("a.js"); err != nil {
		t.Fatal(err)
	}
	if r.IsTrusted(ScriptID("a.js")) || len(r.Scripts()) != 0 {
		t.Error("unregistered script should be gone")
	}
	if !ff.get("a.js").closed {
		t.Error("unregistered script should be closed")
	}
}

func TestBroadcastReachesEveryContext(t *testing.T) {
	r, ff := newTestRouter(t)
	for _, locator := range []string{"a.js", "b.js"} {
		if _, err := r.RegisterScript(context.Background(), locator); err != nil {
			t.Fatal(err)
		}
	}
	frame := &fakeContext{id: "frame", postErr: errors.New("gone")}
	r.RegisterFrame(frame)
	r.SendEnterEvent("kitchen")
	r.SendListenersRegistered()
	want := []string{
		`{"type":"enterEvent","data":{"name":"kitchen"}}`,
		`{"type":"listenersRegistered"}`,
	}
	for _, f := range []*fakeContext{ff.get("a.js"), ff.get("b.js"), frame} {
		if diff := cmp.Diff(want, f.received()); diff != "" {
			t.Errorf("%q received mismatch (-want +got):\n%s", f.id, diff)
		}
	}
}

func TestSenders(t *testing.T) {
	tests := []struct {
		name string
		send func(r *Router)
		want string
	}{
		{"user input chat", func(r *Router) { r.SendUserInputChat("hi") }, `{"type":"userInputChat","data":{"message":"hi"}}`},
		{"leave", func(r *Router) { r.SendLeaveEvent("z") }, `{"type":"leaveEvent","data":{"name":"z"}}`},
		{"button", func(r *Router) { r.SendButtonClickedEvent(2, 1) }, `{"type":"buttonClickedEvent","data":{"popupId":2,"buttonId":1}}`},
		{"message triggered", func(r *Router) { r.SendMessageTriggered("u1") }, `{"type":"messageTriggered","data":{"uuid":"u1"}}`},
		{"menu item", func(r *Router) { r.SendMenuItemClicked("Help") }, `{"type":"menuItemClicked","data":{"menuItem":"Help"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRouter(t)
			frame := &fakeContext{id: "frame"}
			r.RegisterFrame(frame)
			tt.send(r)
			got := frame.received()
			if len(got) != 1 {
				t.Fatalf("got %v messages, want 1", len(got))
			}
			kind, _, ok := protocol.ParseHost([]byte(got[0]))
			if !ok {
				t.Fatalf("%s does not validate", got[0])
			}
			if diff := cmp.Diff(tt.want, got[0]); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", kind, diff)
			}
		})
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	r, _ := newTestRouter(t)
	frame := &fakeContext{id: "frame"}
	r.RegisterFrame(frame)
	got := []string{}
	r.OpenTab.Subscribe(func(protocol.OpenTabEvent) { panic("boom") })
	r.OpenTab.Subscribe(func(ev protocol.OpenTabEvent) { got = append(got, ev.URL) })
	r.Receive("frame", []byte(`{"type":"openTab","data":{"url":"https://x"}}`))
	if diff := cmp.Diff([]string{"https://x"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestReceiveContextGuardsCrossChannelCycles(t *testing.T) {
	r, _ := newTestRouter(t)
	r.RegisterFrame(&fakeContext{id: "frame"})
	chats, tabs := 0, 0
	r.Chat.SubscribeContext(func(ctx context.Context, ev protocol.ChatEvent) {
		chats++
		r.ReceiveContext(ctx, "frame", []byte(`{"type":"openTab","data":{"url":"https://x"}}`))
	})
	r.OpenTab.SubscribeContext(func(ctx context.Context, ev protocol.OpenTabEvent) {
		tabs++
		r.ReceiveContext(ctx, "frame", []byte(`{"type":"chat","data":{"message":"again"}}`))
	})
	r.Receive("frame", []byte(`{"type":"chat","data":{"message":"hi"}}`))
	if chats+tabs != MaxDispatchDepth {
		t.Errorf("got %v chats and %v tabs, want %v publications in total", chats, tabs, MaxDispatchDepth)
	}
}

func TestEmptyPayloadKinds(t *testing.T) {
	r, _ := newTestRouter(t)
	r.RegisterFrame(&fakeContext{id: "frame"})
	got := 0
	r.DisablePlayerControls.Subscribe(func(struct{}) { got++ })
	r.Receive("frame", []byte(`{"type":"disablePlayerControls"}`))
	r.Receive("frame", []byte(`{"type":"disablePlayerControls","data":{"ignored":true}}`))
	if got != 2 {
		t.Errorf("got %v publications, want 2", got)
	}
}

func TestCloseUnregistersEverything(t *testing.T) {
	ff := &fakeFactory{}
	r := New(Options{NewScript: ff.newScript})
	if _, err := r.RegisterScript(context.Background(), "a.js"); err != nil {
		t.Fatal(err)
	}
	r.RegisterFrame(&fakeContext{id: "frame"})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if ids := r.TrustedIDs(); len(ids) != 0 {
		t.Errorf("got trusted ids %v, want none", ids)
	}
	if !ff.get("a.js").closed {
		t.Error("script should be closed")
	}
}

func TestSourceErrorDoesNotRegister(t *testing.T) {
	r := New(Options{
		NewScript: (&fakeFactory{}).newScript,
		Source: func(context.Context, string) (string, error) {
			return "", errors.New("404")
		},
	})
	defer r.Close()
	if _, err := r.RegisterScript(context.Background(), "a.js"); err == nil {
		t.Error("wanted source error")
	}
	if r.IsTrusted(ScriptID("a.js")) {
		t.Error("script with unavailable source should not be trusted")
	}
}
