package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/trust"
)

type collector struct {
	mu       sync.Mutex
	messages []string
	arrived  chan struct{}
}

func newCollector() *collector {
	return &collector{arrived: make(chan struct{}, 64)}
}

func (c *collector) sink(sourceID string, message []byte) {
	c.mu.Lock()
	c.messages = append(c.messages, sourceID+" "+string(message))
	c.mu.Unlock()
	c.arrived <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for range n {
		select {
		case <-c.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %v messages", n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

func start(t *testing.T, cfg Config) *Script {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	t.Cleanup(func() {
		s.Close()
		cancel()
	})
	return s
}

func TestRequiresRunScripts(t *testing.T) {
	_, err := New(Config{ID: "s", Source: `1`})
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("got %v, want %v", err, ErrCapabilityDenied)
	}
}

func TestPostMessageDuringLoad(t *testing.T) {
	c := newCollector()
	start(t, Config{
		ID:           "s1",
		Locator:      "TestPostMessageDuringLoad",
		Source:       `postMessage({type: "chat", data: {message: "hello"}});`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Sink:         c.sink,
	})
	got := c.wait(t, 1)
	if diff := cmp.Diff([]string{`s1 {"type":"chat","data":{"message":"hello"}}`}, got); diff != "" {
		t.Errorf("posted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestEchoListener(t *testing.T) {
	c := newCollector()
	s := start(t, Config{
		ID:      "echo",
		Locator: "TestEchoListener",
		Source: `
addEventListener("message", (ev) => {
  if (ev.data.type === "userInputChat") {
    postMessage({type: "chat", data: {message: "echo " + ev.data.data.message}});
  }
});
`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Sink:         c.sink,
	})
	b, err := protocol.EncodeEnvelope(protocol.UserInputChat, protocol.UserInputChatEvent{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Post(b); err != nil {
		t.Fatal(err)
	}
	got := c.wait(t, 1)
	if diff := cmp.Diff([]string{`echo {"type":"chat","data":{"message":"echo hi"}}`}, got); diff != "" {
		t.Errorf("posted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoveEventListener(t *testing.T) {
	c := newCollector()
	s := start(t, Config{
		ID:      "rm",
		Locator: "TestRemoveEventListener",
		Source: `
const first = (ev) => postMessage({type: "chat", data: {message: "first"}});
addEventListener("message", first);
addEventListener("message", (ev) => {
  removeEventListener("message", first);
  postMessage({type: "chat", data: {message: "second"}});
});
`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Sink:         c.sink,
	})
	b, err := protocol.EncodeEnvelope(protocol.ListenersRegistered, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := s.Post(b); err != nil {
			t.Fatal(err)
		}
	}
	got := c.wait(t, 3)
	want := []string{
		`rm {"type":"chat","data":{"message":"first"}}`,
		`rm {"type":"chat","data":{"message":"second"}}`,
		`rm {"type":"chat","data":{"message":"second"}}`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("posted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestNavigateTop(t *testing.T) {
	source := `
addEventListener("message", (ev) => {
  try {
    navigateTop("https://example.com/" + ev.data.type);
  } catch (e) {
    postMessage({type: "chat", data: {message: String(e)}});
  }
});
`
	t.Run("not granted", func(t *testing.T) {
		c := newCollector()
		s := start(t, Config{
			ID:           "nav",
			Source:       source,
			Capabilities: trust.Capabilities{RunScripts: true},
			Sink:         c.sink,
		})
		b, _ := protocol.EncodeEnvelope(protocol.ButtonClicked, protocol.ButtonClickedEvent{PopupID: 1})
		if err := s.Post(b); err != nil {
			t.Fatal(err)
		}
		got := c.wait(t, 1)
		if !strings.Contains(got[0], "navigateTop is not defined") {
			t.Errorf("got %q, want a reference error", got[0])
		}
	})
	t.Run("without activation", func(t *testing.T) {
		c := newCollector()
		s := start(t, Config{
			ID:           "nav",
			Source:       source,
			Capabilities: trust.Capabilities{RunScripts: true, TopNavigationByUserActivation: true},
			Sink:         c.sink,
		})
		b, _ := protocol.EncodeEnvelope(protocol.EnterEvent, protocol.EnterLeaveEvent{Name: "zone"})
		if err := s.Post(b); err != nil {
			t.Fatal(err)
		}
		got := c.wait(t, 1)
		if !strings.Contains(got[0], "requires user activation") {
			t.Errorf("got %q, want an activation error", got[0])
		}
	})
	t.Run("with activation", func(t *testing.T) {
		c := newCollector()
		s := start(t, Config{
			ID:           "nav",
			Source:       source,
			Capabilities: trust.Capabilities{RunScripts: true, TopNavigationByUserActivation: true},
			Sink:         c.sink,
		})
		b, _ := protocol.EncodeEnvelope(protocol.ButtonClicked, protocol.ButtonClickedEvent{PopupID: 1})
		if err := s.Post(b); err != nil {
			t.Fatal(err)
		}
		got := c.wait(t, 1)
		if diff := cmp.Diff([]string{`nav {"type":"goToPage","data":{"url":"https://example.com/buttonClickedEvent"}}`}, got); diff != "" {
			t.Errorf("posted messages mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLoadTimeout(t *testing.T) {
	_, err := New(Config{
		ID:           "loop",
		Source:       `while (true) {}`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Timeout:      50 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want %v", err, ErrTimeout)
	}
}

func TestListenerTimeoutKeepsScriptAlive(t *testing.T) {
	c := newCollector()
	console := &bytes.Buffer{}
	s := start(t, Config{
		ID:      "slow",
		Locator: "TestListenerTimeoutKeepsScriptAlive",
		Source: `
addEventListener("message", (ev) => {
  if (ev.data.type === "enterEvent") {
    while (true) {}
  }
  postMessage({type: "chat", data: {message: "alive"}});
});
`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Sink:         c.sink,
		Console:      console,
		Timeout:      50 * time.Millisecond,
	})
	enter, _ := protocol.EncodeEnvelope(protocol.EnterEvent, protocol.EnterLeaveEvent{Name: "z"})
	leave, _ := protocol.EncodeEnvelope(protocol.LeaveEvent, protocol.EnterLeaveEvent{Name: "z"})
	if err := s.Post(enter); err != nil {
		t.Fatal(err)
	}
	if err := s.Post(leave); err != nil {
		t.Fatal(err)
	}
	got := c.wait(t, 1)
	if diff := cmp.Diff([]string{`slow {"type":"chat","data":{"message":"alive"}}`}, got); diff != "" {
		t.Errorf("posted messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLog(t *testing.T) {
	console := &bytes.Buffer{}
	s, err := New(Config{
		ID:           "log",
		Source:       `log("hello", {a: 1});`,
		Capabilities: trust.Capabilities{RunScripts: true},
		Console:      console,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got, want := console.String(), "hello {\"a\":1}\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPostAfterClose(t *testing.T) {
	s, err := New(Config{ID: "c", Source: `1`, Capabilities: trust.Capabilities{RunScripts: true}})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Post([]byte(`{"type":"listenersRegistered"}`)); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want %v", err, ErrClosed)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
