// Package sandbox runs one untrusted guest script per v8 isolate. The guest
// sees only the globals granted here: postMessage, addEventListener,
// removeEventListener, log, and navigateTop when its capabilities allow it.
package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/protocol"
	"github.com/zond/mapscript/trust"
	"rogchap.com/v8go"
)

const (
	defaultTimeout   = 200 * time.Millisecond
	defaultInboxSize = 64
	messageEventType = "message"
)

var (
	ErrCapabilityDenied = errors.New("capability denied")
	ErrTimeout          = errors.New("script timed out")
	ErrClosed           = errors.New("script closed")
	ErrInboxFull        = errors.New("script inbox full")
)

// Sink receives messages posted by a guest, tagged with the guest's id.
type Sink func(sourceID string, message []byte)

type Config struct {
	ID           string
	Locator      string
	Source       string
	Capabilities trust.Capabilities
	Sink         Sink
	Console      io.Writer
	Timeout      time.Duration
	InboxSize    int
}

// Script is a sandboxed guest context backed by its own v8 isolate.
type Script struct {
	cfg Config

	mu         sync.Mutex
	iso        *v8go.Isolate
	vctx       *v8go.Context
	listeners  map[string][]*v8go.Function
	outbox     [][]byte
	activation bool

	inbox     chan []byte
	closing   chan struct{}
	done      chan struct{}
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates the isolate, installs the granted globals and runs the guest
// source once. Delivery of posted messages starts with Start.
func New(cfg Config) (*Script, error) {
	if !cfg.Capabilities.RunScripts {
		return nil, mapscript.WithStack(ErrCapabilityDenied)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	s := &Script{
		cfg:       cfg,
		iso:       v8go.NewIsolate(),
		listeners: map[string][]*v8go.Function{},
		inbox:     make(chan []byte, cfg.InboxSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.vctx = v8go.NewContext(s.iso)
	if err := s.installGlobals(); err != nil {
		s.dispose()
		return nil, mapscript.WithStack(err)
	}
	s.mu.Lock()
	_, err := s.withTimeout(func() (*v8go.Value, error) {
		return s.vctx.RunScript(cfg.Source, cfg.Locator)
	})
	outbox := s.takeOutbox()
	s.mu.Unlock()
	if err != nil {
		s.dispose()
		return nil, mapscript.WithStack(err)
	}
	s.flush(outbox)
	return s, nil
}

func (s *Script) ID() string {
	return s.cfg.ID
}

func (s *Script) Locator() string {
	return s.cfg.Locator
}

func (s *Script) Capabilities() trust.Capabilities {
	return s.cfg.Capabilities
}

// Post queues message for delivery to the guest's message listeners.
func (s *Script) Post(message []byte) error {
	select {
	case <-s.closing:
		return mapscript.WithStack(ErrClosed)
	default:
	}
	select {
	case s.inbox <- message:
		return nil
	default:
		return mapscript.WithStack(ErrInboxFull)
	}
}

// Start delivers queued messages until the context is cancelled or the
// script is closed.
func (s *Script) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.Errorf("script %q already started", s.cfg.Locator)
	}
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return mapscript.WithStack(ctx.Err())
		case <-s.closing:
			return nil
		case message := <-s.inbox:
			if err := s.deliver(message); err != nil {
				s.logf("-- error delivering to %q --\n%v\n", s.cfg.Locator, err)
			}
		}
	}
}

// Close stops delivery and releases the isolate. It is safe to call more
// than once.
func (s *Script) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.started.Load() {
			<-s.done
		}
		s.dispose()
	})
	return nil
}

func (s *Script) dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vctx != nil {
		s.vctx.Close()
		s.vctx = nil
	}
	if s.iso != nil {
		s.iso.Dispose()
		s.iso = nil
	}
}

func (s *Script) logf(format string, args ...any) {
	if s.cfg.Console != nil {
		log.New(s.cfg.Console, "", 0).Printf(format, args...)
	}
}

func (s *Script) deliver(message []byte) error {
	env, ok := protocol.DecodeEnvelope(message)
	if !ok {
		return errors.Errorf("refusing to deliver malformed envelope %q", message)
	}
	s.mu.Lock()
	if s.vctx == nil {
		s.mu.Unlock()
		return mapscript.WithStack(ErrClosed)
	}
	listeners := append([]*v8go.Function(nil), s.listeners[messageEventType]...)
	if len(listeners) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.activation = protocol.HostKind(env.Kind).UserActivation()
	var err error
	for _, listener := range listeners {
		if _, err = s.withTimeout(func() (*v8go.Value, error) {
			event, err := v8go.JSONParse(s.vctx, fmt.Sprintf(`{"data":%s}`, message))
			if err != nil {
				return nil, err
			}
			return listener.Call(s.vctx.Global(), event)
		}); err != nil {
			break
		}
	}
	s.activation = false
	outbox := s.takeOutbox()
	s.mu.Unlock()
	s.flush(outbox)
	return err
}

func (s *Script) takeOutbox() [][]byte {
	outbox := s.outbox
	s.outbox = nil
	return outbox
}

// flush hands posted messages to the sink outside the isolate lock, so host
// handlers may post back to this script.
func (s *Script) flush(outbox [][]byte) {
	if s.cfg.Sink == nil {
		return
	}
	for _, message := range outbox {
		s.cfg.Sink(s.cfg.ID, message)
	}
}

type result struct {
	value *v8go.Value
	err   error
}

func (s *Script) withTimeout(f func() (*v8go.Value, error)) (*v8go.Value, error) {
	results := make(chan result, 1)
	go func() {
		val, err := f()
		results <- result{value: val, err: err}
	}()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case res := <-results:
		if res.err != nil {
			s.logf("-- error in %q --\n%v\n", s.cfg.Locator, res.err)
		}
		return res.value, mapscript.WithStack(res.err)
	case <-timer.C:
		s.iso.TerminateExecution()
		<-results
		s.logf("-- timeout in %q --\n", s.cfg.Locator)
		return nil, mapscript.WithStack(ErrTimeout)
	}
}
