//go:build darwin

package receiver

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

// pcapHandle wraps *pcap.Handle to implement CaptureHandle.
type pcapHandle struct {
	h *pcap.Handle
}

func (p *pcapHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return p.h.ReadPacketData()
}

func (p *pcapHandle) Close() {
	p.h.Close()
}

// NewListener opens a promiscuous pcap handle (macOS/BPF). The 500ms
// read timeout lets the loop drain queued signal events.
func NewListener(iface string) (*Listener, error) {
	handle, err := pcap.OpenLive(iface, SnapLen, true, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("pcap init failed: %w", err)
	}
	return &Listener{Handle: &pcapHandle{h: handle}}, nil
}

// NewPcapListener on darwin is the same as NewListener.
func NewPcapListener(iface string) (*Listener, error) {
	return NewListener(iface)
}

func (l *Listener) SetBPF(iface, filter string) error {
	if filter == "" {
		return nil
	}
	h := l.Handle.(*pcapHandle)
	return h.h.SetBPFFilter(filter)
}

// SocketStats returns pcap capture statistics.
func (l *Listener) SocketStats() (received, dropped uint64) {
	h := l.Handle.(*pcapHandle)
	stats, err := h.h.Stats()
	if err != nil {
		return 0, 0
	}
	return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped)
}
