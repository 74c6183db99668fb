package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"prads/internal/assets"
	"prads/internal/config"
	"prads/internal/dissect"
	"prads/internal/osfp"
	"prads/internal/oui"
	"prads/internal/service"
)

// sigSet is every signature database the sensor can consult. Entries
// are nil when the corresponding detection is disabled.
type sigSet struct {
	syn     *osfp.TCPSigDB
	synack  *osfp.TCPSigDB
	icmp    *osfp.ICMPSigDB
	udpOS   *osfp.UDPSigDB
	servTCP *service.DB
	servUDP *service.DB
	mac     *oui.Trie
	mtu     osfp.MTUMap
}

// loadSignatures reads the databases the configuration enables.
// An unreadable or malformed file is fatal for the caller.
func loadSignatures(cfg *config.Config, log zerolog.Logger) (*sigSet, error) {
	ss := &sigSet{}
	var err error

	if cfg.OSSynFingerprint {
		if ss.syn, err = osfp.LoadTCPSigFile(cfg.SigFileSyn); err != nil {
			return nil, err
		}
		for _, w := range ss.syn.Warnings {
			log.Warn().Msg(w)
		}
	}
	if cfg.OSSynAckFingerprint {
		if ss.synack, err = osfp.LoadTCPSigFile(cfg.SigFileSynAck); err != nil {
			return nil, err
		}
		for _, w := range ss.synack.Warnings {
			log.Warn().Msg(w)
		}
	}
	if cfg.OSICMP {
		if ss.icmp, err = osfp.LoadICMPSigFile(cfg.SigFileICMP); err != nil {
			return nil, err
		}
	}
	if cfg.OSUDP {
		if ss.udpOS, err = osfp.LoadUDPSigFile(cfg.SigFileUDPOS); err != nil {
			return nil, err
		}
	}
	if cfg.ServiceTCP {
		if ss.servTCP, err = service.LoadFile(cfg.SigFileServTCP); err != nil {
			return nil, err
		}
	}
	if cfg.ServiceUDP {
		// A dedicated UDP service file is optional; without one the
		// TCP signatures double for UDP payloads, as they always have.
		if _, statErr := os.Stat(cfg.SigFileServUDP); statErr == nil {
			if ss.servUDP, err = service.LoadFile(cfg.SigFileServUDP); err != nil {
				return nil, err
			}
		} else {
			if ss.servTCP == nil {
				if ss.servTCP, err = service.LoadFile(cfg.SigFileServTCP); err != nil {
					return nil, err
				}
			}
			ss.servUDP = ss.servTCP
			log.Debug().Str("file", cfg.SigFileServTCP).Msg("reusing TCP service signatures for UDP")
		}
	}
	if cfg.ARP {
		if ss.mac, err = oui.LoadFile(cfg.MACFile); err != nil {
			return nil, err
		}
	}
	// The MTU table only feeds the link label; a missing file just
	// means every link reads UNKNOWN.
	if _, statErr := os.Stat(cfg.MTUFile); statErr == nil {
		if ss.mtu, err = osfp.LoadMTUFile(cfg.MTUFile); err != nil {
			return nil, err
		}
	} else {
		ss.mtu = make(osfp.MTUMap)
		log.Debug().Str("file", cfg.MTUFile).Msg("no MTU table, link labels disabled")
	}
	return ss, nil
}

// sensor connects the dissector to the matchers and the asset store.
// Everything here runs on the capture goroutine.
type sensor struct {
	cfg   *config.Config
	sigs  *sigSet
	store *assets.Store
	log   zerolog.Logger
}

func newSensor(cfg *config.Config, sigs *sigSet, store *assets.Store, log zerolog.Logger) *sensor {
	return &sensor{cfg: cfg, sigs: sigs, store: store, log: log}
}

// hooks wires the sensor into a dissector.
func (s *sensor) hooks() dissect.Hooks {
	return dissect.Hooks{
		ARP:  s.onARP,
		TCP:  s.onTCP,
		UDP:  s.onUDP,
		ICMP: s.onICMP,
	}
}

func (s *sensor) onARP(ai *dissect.ARPInfo) {
	if !s.cfg.ARP {
		return
	}
	ip := ai.SenderIP.String()
	if ip == "0.0.0.0" { // ARP probe, no usable address
		return
	}
	mac := ai.SenderMAC.String()
	fp := hex.EncodeToString(ai.SenderMAC)
	if len(fp) > 6 {
		fp = fp[:6]
	}
	var osName, details string
	if s.sigs.mac != nil {
		if v := s.sigs.mac.Lookup(mac); v != nil {
			osName, details, fp = v.Name, v.Note, v.Prefix
		}
	}
	s.store.Update(ai.Ts.Unix(), assets.Observation{
		Kind: assets.KindARP, IP: ip, FP: fp, MAC: mac,
		OS: osName, Details: details,
		Link: "ethernet", Distance: 1,
	})
}

func (s *sensor) onTCP(ti *dissect.TCPInfo) {
	if ti.SYN() {
		s.fingerprintSYN(ti)
	}
	if s.cfg.ServiceTCP && len(ti.Payload) > 0 && !ti.SYN() {
		s.matchService(assets.KindServiceTCP, s.sigs.servTCP,
			ti.Ts.Unix(), ti.SrcIP.String(), ti.SrcPort, int(ti.TTL), ti.Payload)
	}
}

func (s *sensor) fingerprintSYN(ti *dissect.TCPInfo) {
	// The SYN+ACK tree is used iff it is enabled; otherwise even a
	// SYN+ACK descends the SYN tree, as the original always did.
	var db *osfp.TCPSigDB
	kind := assets.KindSYN
	if ti.ACK() {
		kind = assets.KindSYNACK
	}
	if ti.ACK() && s.cfg.OSSynAckFingerprint {
		db = s.sigs.synack
	} else {
		if !s.cfg.OSSynFingerprint {
			return
		}
		db = s.sigs.syn
	}
	if db == nil {
		return
	}

	opt := osfp.ParseOptions(ti.OptBytes)
	quirks := opt.Quirks
	if ti.ID == 0 {
		quirks |= osfp.QuirkZeroID
	}
	if ti.OptsLen > 0 {
		quirks |= osfp.QuirkIPOpts
	}
	if ti.Urg != 0 {
		quirks |= osfp.QuirkUrg
	}
	if ti.Reserved {
		quirks |= osfp.QuirkReserved
	}
	if ti.Ack != 0 {
		quirks |= osfp.QuirkAck
	}
	if ti.FlagsBeyondSYNACK() {
		quirks |= osfp.QuirkFlags
	}
	if len(ti.Payload) > 0 {
		quirks |= osfp.QuirkData
	}

	sig := &osfp.PacketSig{
		TotLen: ti.TotLen,
		TTL:    int(ti.TTL),
		DF:     ti.DF,
		Win:    ti.Win,
		Opt:    opt,
		Quirks: quirks,
	}

	var osName, details string
	entries, guess := db.Match(sig)
	if len(entries) > 0 {
		osName, details = entries[0].OS, entries[0].Details
		if guess {
			details += " (guess)"
		}
	}
	s.log.Trace().Str("fp", sig.FPString()).Str("os", osName).Bool("guess", guess).
		Int("candidates", len(entries)).Msg("tcp fingerprint")
	s.store.Update(ti.Ts.Unix(), assets.Observation{
		Kind: kind, IP: ti.SrcIP.String(), FP: sig.FPString(),
		OS: osName, Details: details,
		Link:     s.sigs.mtu.LinkFromMSS(opt.MSS),
		Distance: sig.Distance(),
	})
}

func (s *sensor) onUDP(ui *dissect.UDPInfo) {
	if s.cfg.OSUDP && s.sigs.udpOS != nil {
		fplen := ui.TotLen - ui.UDPLen
		if fplen < 0 {
			fplen = 0
		}
		sig := &osfp.UDPSig{
			FPLen: fplen, TTL: int(ui.TTL), DF: ui.DF,
			IPOpts: ui.OptsLen, IPFlags: ui.Flags, FragOff: ui.FragOff,
		}
		if e, ok := s.sigs.udpOS.Match(sig); ok {
			s.store.Update(ui.Ts.Unix(), assets.Observation{
				Kind: assets.KindUDP, IP: ui.SrcIP.String(), FP: sig.FPString(),
				OS: e.OS, Details: e.Details,
				Distance: osfp.NormalizeTTL(int(ui.TTL)) - int(ui.TTL),
				Link:     "UNKNOWN",
			})
		}
	}

	if s.cfg.ServiceUDP {
		s.matchService(assets.KindServiceUDP, s.sigs.servUDP,
			ui.Ts.Unix(), ui.SrcIP.String(), ui.SrcPort, int(ui.TTL), ui.Payload)
		return
	}
	// Regex matching off: only the two well-known ports are reported.
	if res, ok := service.WellKnownUDP(ui.SrcPort); ok {
		s.recordService(assets.KindServiceUDP, res, ui.Ts.Unix(),
			ui.SrcIP.String(), ui.SrcPort, int(ui.TTL))
	}
}

func (s *sensor) onICMP(ii *dissect.ICMPInfo) {
	if !s.cfg.ICMP {
		return
	}
	sig := &osfp.ICMPSig{
		Type: int(ii.Type), Code: int(ii.Code),
		TTL: int(ii.TTL), DF: ii.DF,
		IPOpts: ii.OptsLen, IPLen: ii.TotLen,
		IPFlags: ii.Flags, FragOff: ii.FragOff, TOS: int(ii.TOS),
	}
	entry := osfp.SigEntry{OS: "UNKNOWN", Details: "UNKNOWN"}
	if s.cfg.OSICMP && s.sigs.icmp != nil {
		entry = s.sigs.icmp.Match(sig)
	}
	s.store.Update(ii.Ts.Unix(), assets.Observation{
		Kind: assets.KindICMP, IP: ii.SrcIP.String(), FP: sig.FPString(),
		OS: entry.OS, Details: entry.Details,
		Distance: osfp.NormalizeTTL(int(ii.TTL)) - int(ii.TTL),
		Link:     "UNKNOWN",
	})
}

func (s *sensor) matchService(kind assets.Kind, db *service.DB, now int64, ip string, srcPort uint16, ttl int, payload []byte) {
	if db == nil || len(payload) == 0 {
		return
	}
	res, ok := db.Match(payload)
	if !ok {
		return
	}
	s.recordService(kind, res, now, ip, srcPort, ttl)
}

func (s *sensor) recordService(kind assets.Kind, res *service.Result, now int64, ip string, srcPort uint16, ttl int) {
	s.store.Update(now, assets.Observation{
		Kind: kind, IP: ip,
		FP:       fmt.Sprintf("%s:%d", ip, srcPort),
		OS:       res.Vendor,
		Details:  res.DetailString(),
		Distance: osfp.NormalizeTTL(ttl) - ttl,
		Link:     "UNKNOWN",
	})
}
