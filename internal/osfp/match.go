package osfp

import (
	"fmt"
)

// PacketSig carries the SYN/SYN-ACK features the matcher consumes. The
// dissector fills it; Quirks holds the merged IP- and option-level mask.
type PacketSig struct {
	TotLen int
	TTL    int
	DF     bool
	Win    int
	Opt    OptionInfo
	Quirks Quirks
}

// GTTL is the normalized initial TTL.
func (p *PacketSig) GTTL() int {
	return NormalizeTTL(p.TTL)
}

// Distance is the estimated hop count to the sender.
func (p *PacketSig) Distance() int {
	return p.GTTL() - p.TTL
}

// FPString renders the canonical wss:ttl:df:sz:opts:quirks form.
func (p *PacketSig) FPString() string {
	return fmt.Sprintf("%s:%d:%d:%d:%s:%s",
		NormalizeWSS(p.Win, p.Opt.MSS),
		p.GTTL(),
		boolIdx(p.DF),
		SizeBucket(p.TotLen),
		p.Opt.OptString(),
		p.Quirks)
}

// Match descends the tree for the packet. The returned guess flag is set
// when only fuzzy window candidates survived. An empty result means
// unknown.
func (db *TCPSigDB) Match(p *PacketSig) (entries []SigEntry, guess bool) {
	cl := db.root[SizeBucket(p.TotLen)]
	if cl == nil {
		return nil, false
	}
	fc := cl.byCnt[p.Opt.OptCount()]
	if fc == nil {
		return nil, false
	}
	ql := fc.cells[boolIdx(p.Opt.T0())][boolIdx(p.DF)]
	if ql == nil {
		return nil, false
	}

	// Quirk sets must be equal, not merely compatible. First equal
	// child wins, in file order.
	var mssL *mssLevel
	for _, k := range ql.kids {
		if k.q == p.Quirks {
			mssL = k.next
			break
		}
	}
	if mssL == nil {
		return nil, false
	}

	// Window candidates, split into exact-rule and fuzzy arms.
	var primary, fuzzy []*optLevel
	for _, mk := range mssL.kids {
		if !mk.key.matches(p.Opt.MSS) {
			continue
		}
		wl := mk.next.exact[p.Opt.WScale]
		if wl == nil {
			wl = mk.next.any
		}
		if wl == nil {
			continue
		}
		for _, wk := range wl.kids {
			hit, fz := wk.key.matches(p.Win, p.Opt.MSS)
			if !hit {
				continue
			}
			if fz {
				fuzzy = append(fuzzy, wk.next)
			} else {
				primary = append(primary, wk.next)
			}
		}
	}
	cands := primary
	if len(cands) == 0 {
		cands = fuzzy
		guess = true
	}
	if len(cands) == 0 {
		return nil, false
	}

	gttl := p.GTTL()
	for _, ol := range cands {
		for _, ok := range ol.kids {
			if !MatchOpts(ok.toks, p.Opt.Opts) {
				continue
			}
			lf := ok.next.byTTL[gttl]
			if lf == nil && gttl < 255 {
				// One extra hop away.
				lf = ok.next.byTTL[NormalizeTTL(gttl+1)]
			}
			if lf != nil {
				entries = append(entries, lf.entries...)
			}
			break
		}
	}
	if len(entries) == 0 {
		return nil, false
	}

	// Generic "@" entries only survive on their own.
	specific := false
	for _, e := range entries {
		if !e.Generic() {
			specific = true
			break
		}
	}
	if specific {
		kept := entries[:0]
		for _, e := range entries {
			if !e.Generic() {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	return entries, guess
}
