package ui

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestModel_QuitClearsRunning(t *testing.T) {
	var running int32 = 1
	m := NewModel("eth0", "", &running)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if atomic.LoadInt32(&running) != 0 {
		t.Error("q did not clear the running flag")
	}
	if cmd == nil {
		t.Error("q did not quit")
	}
	if v := next.(Model).View(); v != "" {
		t.Errorf("quitting view = %q", v)
	}
}

func TestModel_AssetTailBounded(t *testing.T) {
	m := NewModel("eth0", "", nil)
	var cur tea.Model = m
	for i := 0; i < maxRecent+10; i++ {
		cur, _ = cur.(Model).Update(Event{Type: EvtAsset, Line: "asset line\n"})
	}
	if n := len(cur.(Model).recent); n != maxRecent {
		t.Errorf("recent = %d, want %d", n, maxRecent)
	}
}

func TestModel_ViewShowsStats(t *testing.T) {
	m := NewModel("eth0", "not port 22", nil)
	next, _ := m.Update(Stats{Frames: 42, Assets: 7, Elapsed: 3 * time.Second})
	v := next.(Model).View()
	if !strings.Contains(v, "assets 7") || !strings.Contains(v, "frames 42") {
		t.Errorf("stats missing from view:\n%s", v)
	}
	if !strings.Contains(v, "eth0") {
		t.Errorf("iface missing from view:\n%s", v)
	}
}

func TestTextPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &TextPrinter{Out: &buf}
	p.PrintEvent(Event{Type: EvtAsset, Line: "line one\n"})
	p.PrintEvent(Event{Type: EvtInfo, Msg: "quiet info"}) // verbose off
	if got := buf.String(); got != "line one\n" {
		t.Errorf("output = %q", got)
	}

	buf.Reset()
	p.Verbose = true
	p.PrintEvent(Event{Type: EvtInfo, Msg: "loud info"})
	if !strings.Contains(buf.String(), "loud info") {
		t.Errorf("verbose info missing: %q", buf.String())
	}
}
