// Package dissect decodes link and network headers and hands typed
// feature records to the matchers. Transport headers are walked by
// hand so that malformed packets degrade into fingerprint quirks
// instead of decode failures.
package dissect

import (
	"encoding/binary"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Ethertypes the dissector routes on.
const (
	etherIPv4 = 0x0800
	etherARP  = 0x0806
	etherVLAN = 0x8100
	etherQinQ = 0x9100
)

// Stats counts what the capture loop saw. The capture goroutine is
// the only writer; counters are bumped atomically so a UI goroutine
// can sample them mid-frame.
type Stats struct {
	Frames     uint64
	VLAN       uint64
	ARP        uint64
	IPv4       uint64
	TCP        uint64
	UDP        uint64
	ICMP       uint64
	OtherEther uint64
	OtherProto uint64
	Fragments  uint64
	Truncated  uint64
}

// ARPInfo describes one IPv4 ARP packet.
type ARPInfo struct {
	Ts        time.Time
	Operation uint16
	SenderMAC net.HardwareAddr
	SenderIP  net.IP
}

// IPInfo carries the IPv4 header fields every transport record shares.
type IPInfo struct {
	Ts      time.Time
	SrcIP   net.IP
	DstIP   net.IP
	TTL     uint8
	TOS     uint8
	ID      uint16
	TotLen  int
	Flags   int  // raw 3-bit flags field
	DF      bool // flags == 2, exactly
	FragOff int
	OptsLen int // IP options length in bytes, 0 when none
}

// TCPInfo describes one TCP segment over IPv4.
type TCPInfo struct {
	IPInfo
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Win      int
	Urg      uint16
	Reserved bool   // any reserved header bits set
	OptBytes []byte // raw option bytes, valid only during the callback
	Payload  []byte
}

func (t *TCPInfo) SYN() bool { return t.Flags&0x02 != 0 }
func (t *TCPInfo) ACK() bool { return t.Flags&0x10 != 0 }

// FlagsBeyondSYNACK reports flag bits outside SYN|ACK.
func (t *TCPInfo) FlagsBeyondSYNACK() bool { return t.Flags&^uint8(0x12) != 0 }

// UDPInfo describes one UDP datagram over IPv4.
type UDPInfo struct {
	IPInfo
	SrcPort uint16
	DstPort uint16
	UDPLen  int
	Payload []byte
}

// ICMPInfo describes one ICMPv4 packet.
type ICMPInfo struct {
	IPInfo
	Type uint8
	Code uint8
}

// Hooks receive decoded records. A nil hook drops that traffic class.
// Slices inside the records alias the capture buffer and are only
// valid until the callback returns.
type Hooks struct {
	ARP  func(*ARPInfo)
	TCP  func(*TCPInfo)
	UDP  func(*UDPInfo)
	ICMP func(*ICMPInfo)
}

// Dissector is not safe for concurrent use; one capture loop owns it.
type Dissector struct {
	hooks Hooks
	stats Stats

	arp layers.ARP
	ip4 layers.IPv4
}

func New(hooks Hooks) *Dissector {
	return &Dissector{hooks: hooks}
}

func bump(c *uint64) {
	atomic.AddUint64(c, 1)
}

// Stats returns a snapshot of the counters.
func (d *Dissector) Stats() Stats {
	s := &d.stats
	return Stats{
		Frames:     atomic.LoadUint64(&s.Frames),
		VLAN:       atomic.LoadUint64(&s.VLAN),
		ARP:        atomic.LoadUint64(&s.ARP),
		IPv4:       atomic.LoadUint64(&s.IPv4),
		TCP:        atomic.LoadUint64(&s.TCP),
		UDP:        atomic.LoadUint64(&s.UDP),
		ICMP:       atomic.LoadUint64(&s.ICMP),
		OtherEther: atomic.LoadUint64(&s.OtherEther),
		OtherProto: atomic.LoadUint64(&s.OtherProto),
		Fragments:  atomic.LoadUint64(&s.Fragments),
		Truncated:  atomic.LoadUint64(&s.Truncated),
	}
}

// Process dissects one link-layer frame.
func (d *Dissector) Process(data []byte, ci gopacket.CaptureInfo) {
	bump(&d.stats.Frames)
	if len(data) < 14 {
		bump(&d.stats.Truncated)
		return
	}
	ethertype := binary.BigEndian.Uint16(data[12:14])
	off := 14

	// Strip up to two VLAN headers (802.1Q, Q-in-Q).
	for tags := 0; (ethertype == etherVLAN || ethertype == etherQinQ) && tags < 2; tags++ {
		if len(data) < off+4 {
			bump(&d.stats.Truncated)
			return
		}
		bump(&d.stats.VLAN)
		ethertype = binary.BigEndian.Uint16(data[off+2 : off+4])
		off += 4
	}

	switch ethertype {
	case etherARP:
		d.processARP(data[off:], ci.Timestamp)
	case etherIPv4:
		d.processIPv4(data[off:], ci.Timestamp)
	default:
		bump(&d.stats.OtherEther)
	}
}

func (d *Dissector) processARP(data []byte, ts time.Time) {
	bump(&d.stats.ARP)
	if d.hooks.ARP == nil {
		return
	}
	if err := d.arp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		bump(&d.stats.Truncated)
		return
	}
	if d.arp.Protocol != layers.EthernetTypeIPv4 || d.arp.ProtAddressSize != 4 {
		return
	}
	d.hooks.ARP(&ARPInfo{
		Ts:        ts,
		Operation: d.arp.Operation,
		SenderMAC: net.HardwareAddr(d.arp.SourceHwAddress),
		SenderIP:  net.IP(d.arp.SourceProtAddress),
	})
}

func (d *Dissector) processIPv4(data []byte, ts time.Time) {
	if err := d.ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		bump(&d.stats.Truncated)
		return
	}
	bump(&d.stats.IPv4)

	ip := IPInfo{
		Ts:      ts,
		SrcIP:   d.ip4.SrcIP,
		DstIP:   d.ip4.DstIP,
		TTL:     d.ip4.TTL,
		TOS:     d.ip4.TOS,
		ID:      d.ip4.Id,
		TotLen:  int(d.ip4.Length),
		Flags:   int(d.ip4.Flags),
		DF:      d.ip4.Flags == layers.IPv4DontFragment,
		FragOff: int(d.ip4.FragOffset),
		OptsLen: int(d.ip4.IHL)*4 - 20,
	}
	if ip.OptsLen < 0 {
		ip.OptsLen = 0
	}

	// Non-first fragments carry no transport header.
	if ip.FragOff != 0 {
		bump(&d.stats.Fragments)
		return
	}

	p := d.ip4.Payload
	switch d.ip4.Protocol {
	case layers.IPProtocolTCP:
		d.processTCP(ip, p)
	case layers.IPProtocolUDP:
		d.processUDP(ip, p)
	case layers.IPProtocolICMPv4:
		d.processICMP(ip, p)
	default:
		bump(&d.stats.OtherProto)
	}
}

func (d *Dissector) processTCP(ip IPInfo, p []byte) {
	if len(p) < 20 {
		bump(&d.stats.Truncated)
		return
	}
	off := int(p[12]>>4) * 4
	if off < 20 || off > len(p) {
		bump(&d.stats.Truncated)
		return
	}
	bump(&d.stats.TCP)
	if d.hooks.TCP == nil {
		return
	}
	d.hooks.TCP(&TCPInfo{
		IPInfo:   ip,
		SrcPort:  binary.BigEndian.Uint16(p[0:2]),
		DstPort:  binary.BigEndian.Uint16(p[2:4]),
		Seq:      binary.BigEndian.Uint32(p[4:8]),
		Ack:      binary.BigEndian.Uint32(p[8:12]),
		Flags:    p[13],
		Win:      int(binary.BigEndian.Uint16(p[14:16])),
		Urg:      binary.BigEndian.Uint16(p[18:20]),
		Reserved: p[12]&0x0f != 0,
		OptBytes: p[20:off],
		Payload:  p[off:],
	})
}

func (d *Dissector) processUDP(ip IPInfo, p []byte) {
	if len(p) < 8 {
		bump(&d.stats.Truncated)
		return
	}
	bump(&d.stats.UDP)
	if d.hooks.UDP == nil {
		return
	}
	d.hooks.UDP(&UDPInfo{
		IPInfo:  ip,
		SrcPort: binary.BigEndian.Uint16(p[0:2]),
		DstPort: binary.BigEndian.Uint16(p[2:4]),
		UDPLen:  int(binary.BigEndian.Uint16(p[4:6])),
		Payload: p[8:],
	})
}

func (d *Dissector) processICMP(ip IPInfo, p []byte) {
	if len(p) < 4 {
		bump(&d.stats.Truncated)
		return
	}
	bump(&d.stats.ICMP)
	if d.hooks.ICMP == nil {
		return
	}
	d.hooks.ICMP(&ICMPInfo{
		IPInfo: ip,
		Type:   p[0],
		Code:   p[1],
	})
}
