package ui

import (
	"fmt"
	"strings"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"
)

const maxRecent = 50

// Model is the bubbletea TUI model: a live header, counters and a
// rolling tail of new assets. It observes the sensor and never
// touches its state beyond the shared running flag.
type Model struct {
	Iface  string
	Filter string

	recent []string
	infos  []string
	stats  Stats

	width, height int
	quitting      bool

	Running *int32
}

func NewModel(iface, filter string, running *int32) Model {
	return Model{Iface: iface, Filter: filter, Running: running}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			if m.Running != nil {
				atomic.StoreInt32(m.Running, 0)
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case Event:
		switch msg.Type {
		case EvtAsset:
			m.recent = append(m.recent, strings.TrimRight(msg.Line, "\n"))
			if len(m.recent) > maxRecent {
				m.recent = m.recent[len(m.recent)-maxRecent:]
			}
		case EvtInfo:
			m.infos = append(m.infos, msg.Msg)
			if len(m.infos) > 5 {
				m.infos = m.infos[len(m.infos)-5:]
			}
		}
	case Stats:
		m.stats = msg
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder

	b.WriteString(styleHeader.Render("prads — passive real-time asset detection"))
	b.WriteString("\n")
	meta := fmt.Sprintf("iface %s", m.Iface)
	if m.Filter != "" {
		meta += fmt.Sprintf("  filter %q", m.Filter)
	}
	b.WriteString(styleDim.Render(meta))
	b.WriteString("\n\n")

	s := m.stats
	b.WriteString(styleAccent.Render(fmt.Sprintf("assets %d", s.Assets)))
	b.WriteString(styleDim.Render(fmt.Sprintf(
		"   frames %d  arp %d  tcp %d  udp %d  icmp %d  drops %d  up %s",
		s.Frames, s.ARP, s.TCP, s.UDP, s.ICMP, s.Drops, s.Elapsed.Truncate(1e9))))
	b.WriteString("\n\n")

	rows := m.visibleRows()
	start := 0
	if len(m.recent) > rows {
		start = len(m.recent) - rows
	}
	for _, line := range m.recent[start:] {
		b.WriteString(styleAsset.Render(line))
		b.WriteString("\n")
	}
	for _, msg := range m.infos {
		b.WriteString(styleInfo.Render(msg))
		b.WriteString("\n")
	}

	b.WriteString(styleHelp.Render("q: quit"))
	b.WriteString("\n")
	return b.String()
}

// visibleRows bounds the asset tail to the terminal height, leaving
// room for chrome.
func (m Model) visibleRows() int {
	if m.height == 0 {
		return 15
	}
	rows := m.height - 8 - len(m.infos)
	if rows < 1 {
		rows = 1
	}
	return rows
}
