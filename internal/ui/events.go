package ui

import "time"

// EventType classifies sensor events for the UI.
type EventType int

const (
	EvtAsset EventType = iota
	EvtInfo
)

// Event is a single event emitted by the sensor to the UI.
type Event struct {
	Type EventType
	Line string // rendered asset line (EvtAsset)
	Msg  string // for EvtInfo
}

// Stats contains periodic counters for the UI.
type Stats struct {
	Frames  uint64
	ARP     uint64
	TCP     uint64
	UDP     uint64
	ICMP    uint64
	Drops   uint64
	Assets  int
	Elapsed time.Duration
}

// Mode selects the UI output mode.
type Mode int

const (
	ModeTUI    Mode = iota // full bubbletea interactive
	ModeText               // plain asset lines on stdout; no periodic status
	ModeSilent             // no terminal output
)
