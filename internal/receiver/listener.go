// Package receiver owns packet acquisition: a live capture handle on
// an interface, or replay of a pcap file. PRADS never transmits; the
// handles here are read-only taps.
package receiver

import "github.com/google/gopacket"

// SnapLen is the capture snapshot length.
const SnapLen = 65535

// CaptureHandle abstracts AF_PACKET (linux) vs pcap vs file replay.
type CaptureHandle interface {
	ReadPacket() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Listener wraps one capture handle: a live interface or a replayed file.
type Listener struct {
	Handle CaptureHandle
}

func (l *Listener) Close() { l.Handle.Close() }
