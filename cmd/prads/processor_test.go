package main

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rs/zerolog"

	"prads/internal/assets"
	"prads/internal/config"
	"prads/internal/dissect"
	"prads/internal/osfp"
	"prads/internal/oui"
	"prads/internal/service"
)

var captureTime = time.Unix(1300312195, 0)

func testSigSet(t *testing.T) *sigSet {
	t.Helper()
	syn, err := osfp.LoadTCPSigs(strings.NewReader(`S4:64:1:60:M*,S,T0,N,W7:.:Linux:2.6`))
	if err != nil {
		t.Fatalf("syn sigs: %v", err)
	}
	synack, err := osfp.LoadTCPSigs(strings.NewReader(`S4:64:1:60:M*,S,T0,N,W7:A:Linux:2.6`))
	if err != nil {
		t.Fatalf("synack sigs: %v", err)
	}
	icmp, err := osfp.LoadICMPSigs(strings.NewReader(`8:0:64:1:.:84:2:0:*:Linux:2.4/2.6`))
	if err != nil {
		t.Fatalf("icmp sigs: %v", err)
	}
	udpOS, err := osfp.LoadUDPSigs(strings.NewReader(`0:64:1:.:0:0:Linux:2.6`))
	if err != nil {
		t.Fatalf("udp sigs: %v", err)
	}
	servTCP, err := service.Load(strings.NewReader(`www,v/Apache/$1/,Server: Apache/([\S]+)`))
	if err != nil {
		t.Fatalf("service sigs: %v", err)
	}
	mac, err := oui.Load(strings.NewReader("00:1B:21\tIntel\tIntel Corporate"))
	if err != nil {
		t.Fatalf("mac sigs: %v", err)
	}
	mtu, err := osfp.LoadMTUs(strings.NewReader(`1500,"ethernet"`))
	if err != nil {
		t.Fatalf("mtu: %v", err)
	}
	return &sigSet{
		syn: syn, synack: synack, icmp: icmp, udpOS: udpOS,
		servTCP: servTCP, servUDP: servTCP, mac: mac, mtu: mtu,
	}
}

// newTestSensor returns a wired dissector plus the backing store.
func newTestSensor(t *testing.T, mutate func(*config.Config)) (*dissect.Dissector, *assets.Store) {
	t.Helper()
	cfg := config.New("")
	if mutate != nil {
		mutate(cfg)
	}
	st := assets.NewStore("sensor-test", nil)
	s := newSensor(cfg, testSigSet(t), st, zerolog.Nop())
	return dissect.New(s.hooks()), st
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func eth() *layers.Ethernet {
	return &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x00, 0x1b, 0x21, 0xaa, 0xbb, 0xcc},
		DstMAC:       net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
		EthernetType: layers.EthernetTypeIPv4,
	}
}

func onlyAsset(t *testing.T, st *assets.Store) *assets.Asset {
	t.Helper()
	if st.Len() != 1 {
		t.Fatalf("store holds %d assets, want 1", st.Len())
	}
	var got *assets.Asset
	st.ForEach(func(a *assets.Asset) { got = a })
	return got
}

func TestScenario_Linux26SYN(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Id: 0x1234,
		Flags: layers.IPv4DontFragment, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IP{10, 0, 0, 5}, DstIP: net.IP{10, 0, 0, 1},
	}
	tcp := &layers.TCP{
		SrcPort: 51234, DstPort: 80, SYN: true, Window: 5840,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
			{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: make([]byte, 8)},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}
	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, eth(), ip, tcp), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindSYN || a.IP != "10.0.0.5" {
		t.Fatalf("asset = %+v", a)
	}
	if a.FP != "S4:64:1:60:M1460,S,T0,N,W7:." {
		t.Errorf("FP = %q", a.FP)
	}
	if a.OS != "Linux" || a.Details != "2.6" {
		t.Errorf("os = %s/%s", a.OS, a.Details)
	}
	if a.Distance != 0 || a.Link != "ethernet" {
		t.Errorf("distance/link = %d/%s", a.Distance, a.Link)
	}
	if a.FirstSeen != captureTime.Unix() {
		t.Errorf("FirstSeen = %d", a.FirstSeen)
	}
}

func TestScenario_ARPReply(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPReply,
		SourceHwAddress: []byte{0x00, 0x1b, 0x21, 0xaa, 0xbb, 0xcc}, SourceProtAddress: []byte{10, 0, 0, 5},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 1},
	}
	e := eth()
	e.EthernetType = layers.EthernetTypeARP

	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, e, arp), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindARP || a.IP != "10.0.0.5" {
		t.Fatalf("asset = %+v", a)
	}
	if a.OS != "Intel" {
		t.Errorf("vendor = %q", a.OS)
	}
	if a.FP != "001b21" {
		t.Errorf("FP = %q", a.FP)
	}
	if a.MAC != "00:1b:21:aa:bb:cc" {
		t.Errorf("MAC = %q", a.MAC)
	}
	if a.Link != "ethernet" || a.Distance != 1 {
		t.Errorf("link/distance = %s/%d", a.Link, a.Distance)
	}
}

func TestScenario_ARPProbeIgnored(t *testing.T) {
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: []byte{0x00, 0x1b, 0x21, 0xaa, 0xbb, 0xcc}, SourceProtAddress: []byte{0, 0, 0, 0},
		DstHwAddress: []byte{0, 0, 0, 0, 0, 0}, DstProtAddress: []byte{10, 0, 0, 1},
	}
	e := eth()
	e.EthernetType = layers.EthernetTypeARP

	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, e, arp), gopacket.CaptureInfo{Timestamp: captureTime})
	if st.Len() != 0 {
		t.Error("ARP probe with zero sender produced an asset")
	}
}

func TestScenario_UDP53WellKnown(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 9}, DstIP: net.IP{10, 0, 0, 1},
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 49152}
	payload := gopacket.Payload([]byte{0x12, 0x34, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0})

	// Regex UDP matching off: only the hard-coded rules apply. UDP OS
	// fingerprinting is off too so the service asset stands alone.
	d, st := newTestSensor(t, func(c *config.Config) {
		c.ServiceUDP = false
		c.OSUDP = false
	})
	d.Process(serialize(t, eth(), ip, udp, payload), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindServiceUDP {
		t.Fatalf("kind = %s", a.Service)
	}
	if a.OS != "-" || a.Details != "DNS" {
		t.Errorf("vendor/info = %q/%q", a.OS, a.Details)
	}
	if a.FP != "10.0.0.9:53" {
		t.Errorf("FP = %q", a.FP)
	}
}

func TestScenario_UDPWellKnownSuppressedByRegex(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP,
		SrcIP: net.IP{10, 0, 0, 9}, DstIP: net.IP{10, 0, 0, 1},
	}
	udp := &layers.UDP{SrcPort: 53, DstPort: 49152}
	payload := gopacket.Payload([]byte("nothing the signatures know"))

	d, st := newTestSensor(t, func(c *config.Config) {
		c.OSUDP = false // isolate the service path
	})
	d.Process(serialize(t, eth(), ip, udp, payload), gopacket.CaptureInfo{Timestamp: captureTime})
	if st.Len() != 0 {
		t.Error("hard-coded port rule fired while regex matching was on")
	}
}

func TestScenario_ServiceTCP(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Flags: layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 80}, DstIP: net.IP{10, 0, 0, 1},
	}
	tcp := &layers.TCP{SrcPort: 80, DstPort: 51234, ACK: true, PSH: true, Window: 500}
	banner := gopacket.Payload([]byte("HTTP/1.1 200 OK\r\nServer: Apache/2.4.57\r\n\r\n"))

	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, eth(), ip, tcp, banner), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindServiceTCP {
		t.Fatalf("kind = %s", a.Service)
	}
	if a.OS != "Apache" || a.Details != "2.4.57" {
		t.Errorf("vendor/version = %q/%q", a.OS, a.Details)
	}
	if a.FP != "10.0.0.80:80" {
		t.Errorf("FP = %q", a.FP)
	}
}

func TestScenario_ICMPUnknownStillRecorded(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 128, Protocol: layers.IPProtocolICMPv4,
		SrcIP: net.IP{10, 0, 0, 77}, DstIP: net.IP{10, 0, 0, 1},
	}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(13, 0)}

	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, eth(), ip, icmp), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindICMP {
		t.Fatalf("kind = %s", a.Service)
	}
	if a.OS != "?" || a.Details != "?" {
		t.Errorf("unknown not normalized: %q/%q", a.OS, a.Details)
	}
}

func TestScenario_SYNACKQuirkA(t *testing.T) {
	ip := &layers.IPv4{
		Version: 4, IHL: 5, TTL: 64, Id: 9, Flags: layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP{10, 0, 0, 80}, DstIP: net.IP{10, 0, 0, 1},
	}
	tcp := &layers.TCP{
		SrcPort: 80, DstPort: 51234, SYN: true, ACK: true, Ack: 1001, Window: 5840,
		Options: []layers.TCPOption{
			{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}},
			{OptionType: layers.TCPOptionKindSACKPermitted, OptionLength: 2},
			{OptionType: layers.TCPOptionKindTimestamps, OptionLength: 10, OptionData: make([]byte, 8)},
			{OptionType: layers.TCPOptionKindNop, OptionLength: 1},
			{OptionType: layers.TCPOptionKindWindowScale, OptionLength: 3, OptionData: []byte{7}},
		},
	}

	d, st := newTestSensor(t, nil)
	d.Process(serialize(t, eth(), ip, tcp), gopacket.CaptureInfo{Timestamp: captureTime})

	a := onlyAsset(t, st)
	if a.Service != assets.KindSYNACK {
		t.Fatalf("kind = %s", a.Service)
	}
	if a.OS != "Linux" {
		t.Errorf("os = %q (A-quirk signature should match)", a.OS)
	}
	if !strings.HasSuffix(a.FP, ":A") {
		t.Errorf("FP = %q, want trailing A quirk", a.FP)
	}
}
