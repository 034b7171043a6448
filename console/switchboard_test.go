package console

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/term"
)

func testTerminal(t *testing.T) (*term.Terminal, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	rw := &testReadWriter{Reader: &bytes.Buffer{}, Writer: buf}
	return term.NewTerminal(rw, ""), buf
}

func failingTerminal(t *testing.T) *term.Terminal {
	t.Helper()
	rw := &testReadWriter{Reader: &bytes.Buffer{}, Writer: &failingWriter{}}
	return term.NewTerminal(rw, "")
}

type testReadWriter struct {
	Reader io.Reader
	Writer io.Writer
}

func (rw *testReadWriter) Read(p []byte) (int, error) {
	return rw.Reader.Read(p)
}

func (rw *testReadWriter) Write(p []byte) (int, error) {
	return rw.Writer.Write(p)
}

type failingWriter struct{}

func (w *failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestSwitchboardAttachDetach(t *testing.T) {
	s := NewSwitchboard()
	terminal1, _ := testTerminal(t)
	terminal2, _ := testTerminal(t)

	if s.IsAttached("a.js", terminal1) {
		t.Error("terminal1 should not be attached initially")
	}
	s.Attach("a.js", terminal1)
	if !s.IsAttached("a.js", terminal1) {
		t.Error("terminal1 should be attached after Attach")
	}
	if s.IsAttached("a.js", terminal2) {
		t.Error("terminal2 should not be attached")
	}
	if s.IsAttached("b.js", terminal1) {
		t.Error("terminal1 should not be attached to b.js")
	}
	s.Detach("a.js", terminal1)
	if s.IsAttached("a.js", terminal1) {
		t.Error("terminal1 should not be attached after Detach")
	}
	// Detaching twice is harmless.
	s.Detach("a.js", terminal1)
}

func TestSwitchboardWriterFansOut(t *testing.T) {
	s := NewSwitchboard()
	terminal1, buf1 := testTerminal(t)
	terminal2, buf2 := testTerminal(t)
	other, otherBuf := testTerminal(t)
	s.Attach("a.js", terminal1)
	s.Attach("a.js", terminal2)
	s.Attach("b.js", other)

	n, err := s.Writer("a.js").Write([]byte("hello\n"))
	if err != nil || n != 6 {
		t.Fatalf("got %v, %v, want 6, nil", n, err)
	}
	for i, buf := range []*bytes.Buffer{buf1, buf2} {
		if !strings.Contains(buf.String(), "hello") {
			t.Errorf("terminal %v got %q, want hello", i+1, buf.String())
		}
	}
	if otherBuf.Len() != 0 {
		t.Errorf("terminal of b.js got %q, want nothing", otherBuf.String())
	}
}

func TestSwitchboardDetachesFailingTerminals(t *testing.T) {
	s := NewSwitchboard()
	bad := failingTerminal(t)
	good, buf := testTerminal(t)
	s.Attach("a.js", bad)
	s.Attach("a.js", good)

	if _, err := s.Writer("a.js").Write([]byte("line\n")); err != nil {
		t.Fatalf("Write should never fail, got %v", err)
	}
	if s.IsAttached("a.js", bad) {
		t.Error("failing terminal should have been detached")
	}
	if !s.IsAttached("a.js", good) {
		t.Error("working terminal should still be attached")
	}
	if !strings.Contains(buf.String(), "line") {
		t.Errorf("got %q, want line", buf.String())
	}
}

func TestSwitchboardDetachAll(t *testing.T) {
	s := NewSwitchboard()
	terminal, _ := testTerminal(t)
	s.Attach("a.js", terminal)
	s.Attach("b.js", terminal)
	s.DetachAll(terminal)
	for _, locator := range []string{"a.js", "b.js"} {
		if s.IsAttached(locator, terminal) {
			t.Errorf("terminal still attached to %q", locator)
		}
	}
}

func TestSwitchboardHistory(t *testing.T) {
	s := NewSwitchboard()
	w := s.Writer("a.js")
	want := []string{}
	for i := range historySize + 5 {
		line := fmt.Sprintf("line %d\n", i)
		w.Write([]byte(line))
		if i >= 5 {
			want = append(want, line)
		}
	}
	toStrings := func(lines [][]byte) []string {
		result := []string{}
		for _, line := range lines {
			result = append(result, string(line))
		}
		return result
	}
	if diff := cmp.Diff(want, toStrings(s.History("a.js"))); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	terminal, _ := testTerminal(t)
	if diff := cmp.Diff(want, toStrings(s.Attach("a.js", terminal))); diff != "" {
		t.Errorf("attach replay mismatch (-want +got):\n%s", diff)
	}
	if got := s.History("unknown.js"); got != nil {
		t.Errorf("got %q, want no history", got)
	}
}

func TestSwitchboardHistoryPartial(t *testing.T) {
	s := NewSwitchboard()
	w := s.Writer("a.js")
	w.Write([]byte("one\n"))
	buf := []byte("two\n")
	w.Write(buf)
	buf[0] = 'x'
	got := s.History("a.js")
	if len(got) != 2 || string(got[0]) != "one\n" || string(got[1]) != "two\n" {
		t.Errorf("got %q, want [one two]", got)
	}
}
