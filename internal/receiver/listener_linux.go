//go:build linux

package receiver

import (
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// afpacketHandle wraps *afpacket.TPacket to implement CaptureHandle.
type afpacketHandle struct {
	tp *afpacket.TPacket
}

func (h *afpacketHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return h.tp.ZeroCopyReadPacketData()
}

func (h *afpacketHandle) Close() {
	h.tp.Close()
}

// pcapHandle wraps *pcap.Handle for interfaces where AF_PACKET does
// not work (tunnels and the like).
type pcapHandle struct {
	h *pcap.Handle
}

func (h *pcapHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return h.h.ZeroCopyReadPacketData()
}

func (h *pcapHandle) Close() {
	h.h.Close()
}

// NewListener opens an AF_PACKET TPacket V2 handle. AF_PACKET sees
// every frame on the interface, which is exactly what a passive
// sensor wants; the 500ms poll timeout keeps the loop responsive to
// queued signal events.
func NewListener(iface string) (*Listener, error) {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(2048),
		afpacket.OptBlockSize(1024*1024),
		afpacket.OptNumBlocks(128),
		afpacket.OptPollTimeout(500*time.Millisecond),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion2),
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket init failed: %w", err)
	}
	return &Listener{Handle: &afpacketHandle{tp: handle}}, nil
}

// NewPcapListener opens a classic promiscuous libpcap handle. Used as
// the fallback when AF_PACKET is unavailable on the interface.
func NewPcapListener(iface string) (*Listener, error) {
	handle, err := pcap.OpenLive(iface, SnapLen, true, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("pcap open failed on %s: %w", iface, err)
	}
	return &Listener{Handle: &pcapHandle{h: handle}}, nil
}

// SetBPF installs a filter expression. For AF_PACKET the expression is
// compiled through a throwaway pcap handle into raw instructions.
func (l *Listener) SetBPF(iface, filter string) error {
	if filter == "" {
		return nil
	}
	switch h := l.Handle.(type) {
	case *afpacketHandle:
		pcapHandle, err := pcap.OpenLive(iface, SnapLen, true, pcap.BlockForever)
		if err != nil {
			return err
		}
		defer pcapHandle.Close()

		bpfInsts, err := pcapHandle.CompileBPFFilter(filter)
		if err != nil {
			return err
		}

		raw := make([]bpf.RawInstruction, len(bpfInsts))
		for i, ins := range bpfInsts {
			raw[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
		}
		return h.tp.SetBPF(raw)

	case *pcapHandle:
		return h.h.SetBPFFilter(filter)

	default:
		return fmt.Errorf("unsupported handle type for BPF")
	}
}

// SocketStats returns (received, dropped) counts for the HUP dump.
func (l *Listener) SocketStats() (received, dropped uint64) {
	switch h := l.Handle.(type) {
	case *afpacketHandle:
		_, stats, err := h.tp.SocketStats()
		if err != nil {
			return 0, 0
		}
		return uint64(stats.Packets()), uint64(stats.Drops())
	case *pcapHandle:
		stats, err := h.h.Stats()
		if err != nil {
			return 0, 0
		}
		return uint64(stats.PacketsReceived), uint64(stats.PacketsDropped)
	default:
		return 0, 0
	}
}
