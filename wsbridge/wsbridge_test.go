package wsbridge

import (
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/router"
)

func waitFor(t *testing.T, what string, f func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !f() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dial(t *testing.T, r *router.Router, messagesPerSecond float64) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(r, messagesPerSecond))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/frame", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, "frame registration", func() bool { return len(r.Frames()) == 1 })
	return conn
}

func TestFrameMessagesReachChannels(t *testing.T) {
	r := router.New(router.Options{})
	defer r.Close()
	got := make(chan protocol.ChatEvent, 1)
	r.Chat.Subscribe(func(ev protocol.ChatEvent) { got <- ev })

	conn := dial(t, r, 0)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","data":{"message":"hi","author":"frame"}}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-got:
		if diff := cmp.Diff(protocol.ChatEvent{Message: "hi", Author: "frame"}, ev); diff != "" {
			t.Errorf("mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat never published")
	}
}

func TestHostEventsReachFrame(t *testing.T) {
	r := router.New(router.Options{})
	defer r.Close()
	conn := dial(t, r, 0)

	r.SendUserInputChat("hello frame")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	kind, payload, ok := protocol.ParseHost(message)
	if !ok || kind != protocol.UserInputChat {
		t.Fatalf("got %s, want a user input chat", message)
	}
	if diff := cmp.Diff(protocol.UserInputChatEvent{Message: "hello frame"}, payload); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDisconnectRevokesTrust(t *testing.T) {
	r := router.New(router.Options{})
	defer r.Close()
	conn := dial(t, r, 0)
	id := r.Frames()[0]
	if !r.IsTrusted(id) {
		t.Fatalf("%q should be trusted while connected", id)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, "frame removal", func() bool { return len(r.Frames()) == 0 })
	if r.IsTrusted(id) {
		t.Errorf("%q should not be trusted after disconnecting", id)
	}
}

func TestRateLimit(t *testing.T) {
	r := router.New(router.Options{})
	defer r.Close()
	count := atomic.Int32{}
	r.DisplayBubble.Subscribe(func(struct{}) { count.Add(1) })

	conn := dial(t, r, 0.001)
	for range 5 {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"displayBubble"}`)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "first message", func() bool { return count.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("got %v messages through the limiter, want 1", got)
	}
}

func TestPostAfterClose(t *testing.T) {
	f := newFrame(nil, "ws://test")
	f.close()
	if err := f.Post([]byte(`{}`)); err == nil {
		t.Error("wanted error posting to closed frame")
	}
}

func TestPostFullOutbox(t *testing.T) {
	f := newFrame(nil, "ws://test")
	for range outboxSize {
		if err := f.Post([]byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.Post([]byte(`{}`)); err == nil {
		t.Error("wanted error posting to full outbox")
	}
}
