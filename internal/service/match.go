package service

import (
	"strings"
)

// Result is one identified service.
type Result struct {
	Service string
	Vendor  string
	Version string
	Info    string
}

// DetailString joins version and info for the asset record.
func (r *Result) DetailString() string {
	return strings.TrimSpace(strings.TrimSpace(r.Version) + " " + strings.TrimSpace(r.Info))
}

// Match scans the payload prefix against the ordered list; the first
// regex that hits wins. The interpolated template is split on "/" into
// vendor, version and info.
func (db *DB) Match(payload []byte) (*Result, bool) {
	if len(payload) == 0 {
		return nil, false
	}
	if len(payload) > MaxPayload {
		payload = payload[:MaxPayload]
	}
	for i := range db.sigs {
		s := &db.sigs[i]
		m := s.Re.FindSubmatchIndex(payload)
		if m == nil {
			continue
		}
		expanded := string(s.Re.Expand(nil, []byte(s.Template), payload, m))
		res := &Result{Service: s.Service}
		parts := strings.SplitN(expanded, "/", 3)
		if len(parts) > 0 {
			res.Vendor = parts[0]
		}
		if len(parts) > 1 {
			res.Version = parts[1]
		}
		if len(parts) > 2 {
			res.Info = strings.TrimSuffix(parts[2], "/")
		}
		return res, true
	}
	return nil, false
}

// WellKnownUDP is the hard-coded fallback used only when regex matching
// of UDP payloads is disabled.
func WellKnownUDP(srcPort uint16) (*Result, bool) {
	switch srcPort {
	case 53:
		return &Result{Service: "dns", Vendor: "-", Info: "DNS"}, true
	case 1194:
		return &Result{Service: "openvpn", Vendor: "-", Info: "OpenVPN"}, true
	}
	return nil, false
}
