package console

import (
	"slices"
	"sync"

	"golang.org/x/term"
)

const (
	// historySize is how many log lines are kept per script, replayed to
	// terminals attaching with /debug.
	historySize = 64
)

// history is a fixed size ring of log lines.
type history struct {
	lines [][]byte
	next  int
	full  bool
}

func (h *history) add(line []byte) {
	if h.lines == nil {
		h.lines = make([][]byte, historySize)
	}
	h.lines[h.next] = slices.Clone(line)
	h.next = (h.next + 1) % historySize
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) all() [][]byte {
	if !h.full {
		return slices.Clone(h.lines[:h.next])
	}
	return append(slices.Clone(h.lines[h.next:]), h.lines[:h.next]...)
}

// Switchboard routes script log output to the terminals debugging each
// script, keyed by script locator.
type Switchboard struct {
	mu        sync.RWMutex
	terminals map[string]map[*term.Terminal]bool
	histories map[string]*history
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{
		terminals: map[string]map[*term.Terminal]bool{},
		histories: map[string]*history{},
	}
}

// Attach starts sending the log output of locator to t, and returns the
// lines logged before.
func (s *Switchboard) Attach(locator string, t *term.Terminal) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminals[locator] == nil {
		s.terminals[locator] = map[*term.Terminal]bool{}
	}
	s.terminals[locator][t] = true
	if h := s.histories[locator]; h != nil {
		return h.all()
	}
	return nil
}

func (s *Switchboard) Detach(locator string, t *term.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detach(locator, t)
}

func (s *Switchboard) detach(locator string, t *term.Terminal) {
	if ts := s.terminals[locator]; ts != nil {
		delete(ts, t)
		if len(ts) == 0 {
			delete(s.terminals, locator)
		}
	}
}

// DetachAll removes t from every script it debugs.
func (s *Switchboard) DetachAll(t *term.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for locator := range s.terminals {
		s.detach(locator, t)
	}
}

func (s *Switchboard) IsAttached(locator string, t *term.Terminal) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminals[locator][t]
}

// History returns the remembered log lines of locator, oldest first.
func (s *Switchboard) History(locator string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h := s.histories[locator]; h != nil {
		return h.all()
	}
	return nil
}

// Writer returns the log destination of the script at locator.
func (s *Switchboard) Writer(locator string) *Writer {
	return &Writer{s: s, locator: locator}
}

// Writer fans log output of one script out to the attached terminals.
// Terminals failing a write are detached.
type Writer struct {
	s       *Switchboard
	locator string
}

// Write never fails, whatever happens to the individual terminals.
func (w *Writer) Write(b []byte) (int, error) {
	w.s.mu.Lock()
	h := w.s.histories[w.locator]
	if h == nil {
		h = &history{}
		w.s.histories[w.locator] = h
	}
	h.add(b)
	targets := make([]*term.Terminal, 0, len(w.s.terminals[w.locator]))
	for t := range w.s.terminals[w.locator] {
		targets = append(targets, t)
	}
	w.s.mu.Unlock()

	// Terminals are written without the lock, so a slow terminal cannot
	// stall other scripts.
	failed := []*term.Terminal{}
	for _, t := range targets {
		if _, err := t.Write(b); err != nil {
			failed = append(failed, t)
		}
	}
	if len(failed) > 0 {
		w.s.mu.Lock()
		for _, t := range failed {
			w.s.detach(w.locator, t)
		}
		w.s.mu.Unlock()
	}
	return len(b), nil
}
