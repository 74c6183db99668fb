package osfp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// wtree is a fixed-depth lookup tree whose levels fall back from an
// exact key to "*". ICMP and UDP signatures both use it; the TCP tree
// has no wildcard descent and does not.
type wtree struct {
	kids  map[string]*wtree
	entry *SigEntry
}

func newWtree() *wtree {
	return &wtree{kids: make(map[string]*wtree)}
}

func (t *wtree) insert(keys []string, e SigEntry) {
	n := t
	for _, k := range keys {
		next := n.kids[k]
		if next == nil {
			next = newWtree()
			n.kids[k] = next
		}
		n = next
	}
	n.entry = &e
}

func (t *wtree) lookup(vals []string) *SigEntry {
	n := t
	for _, v := range vals {
		next := n.kids[v]
		if next == nil {
			next = n.kids["*"]
		}
		if next == nil {
			return nil
		}
		n = next
	}
	return n.entry
}

// ICMPSigDB matches echo-style ICMP packets by IP-level features.
type ICMPSigDB struct {
	root  *wtree
	Count int
	Lines []string
}

// ICMPSig is the feature tuple for one ICMP packet.
type ICMPSig struct {
	Type    int
	Code    int
	TTL     int
	DF      bool
	IPOpts  int // length of IP options, 0 when none
	IPLen   int
	IPFlags int
	FragOff int
	TOS     int
}

// FPString renders itype:icode:ttl:df:io:il:if:fo:tos with the TTL
// normalized.
func (s *ICMPSig) FPString() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d:%d:%d:%d",
		s.Type, s.Code, NormalizeTTL(s.TTL), boolIdx(s.DF),
		s.IPOpts, s.IPLen, s.IPFlags, s.FragOff, s.TOS)
}

// LoadICMPSigs parses the 11-field format
// itype:icode:ttl:df:io:il:if:fo:tos:os:details.
func LoadICMPSigs(r io.Reader) (*ICMPSigDB, error) {
	db := &ICMPSigDB{root: newWtree()}
	err := eachRecord(r, func(line string) error {
		f := strings.SplitN(line, ":", 11)
		if len(f) != 11 {
			return fmt.Errorf("want 11 fields, got %d", len(f))
		}
		itype, icode, ttl, df := f[0], f[1], f[2], f[3]
		io_, il, if_, fo, tos := normDot(f[4]), f[5], f[6], f[7], f[8]
		// Descent order differs from the file order.
		db.root.insert([]string{itype, icode, il, ttl, df, if_, fo, io_, tos},
			SigEntry{OS: f[9], Details: f[10]})
		db.Count++
		db.Lines = append(db.Lines, line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// LoadICMPSigFile loads an ICMP signature file from disk.
func LoadICMPSigFile(path string) (*ICMPSigDB, error) {
	return loadFromFile(path, LoadICMPSigs)
}

// Match returns the matching entry, or ("UNKNOWN","UNKNOWN"); ICMP
// always produces an asset record even without a match.
func (db *ICMPSigDB) Match(s *ICMPSig) SigEntry {
	e := db.root.lookup([]string{
		strconv.Itoa(s.Type),
		strconv.Itoa(s.Code),
		strconv.Itoa(s.IPLen),
		strconv.Itoa(NormalizeTTL(s.TTL)),
		strconv.Itoa(boolIdx(s.DF)),
		strconv.Itoa(s.IPFlags),
		strconv.Itoa(s.FragOff),
		strconv.Itoa(s.IPOpts),
		strconv.Itoa(s.TOS),
	})
	if e == nil {
		return SigEntry{OS: "UNKNOWN", Details: "UNKNOWN"}
	}
	return *e
}

// UDPSigDB matches plain UDP datagrams by IP-level features.
type UDPSigDB struct {
	root  *wtree
	Count int
	Lines []string
}

// UDPSig is the feature tuple for one UDP packet. FPLen is
// max(0, ip_len - udp_len).
type UDPSig struct {
	FPLen   int
	TTL     int
	DF      bool
	IPOpts  int
	IPFlags int
	FragOff int
}

// FPString renders fplen:ttl:df:io:if:fo with the TTL normalized.
func (s *UDPSig) FPString() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d",
		s.FPLen, NormalizeTTL(s.TTL), boolIdx(s.DF),
		s.IPOpts, s.IPFlags, s.FragOff)
}

// LoadUDPSigs parses the 8-field format fplen:ttl:df:io:if:fo:os:details.
func LoadUDPSigs(r io.Reader) (*UDPSigDB, error) {
	db := &UDPSigDB{root: newWtree()}
	err := eachRecord(r, func(line string) error {
		f := strings.SplitN(line, ":", 8)
		if len(f) != 8 {
			return fmt.Errorf("want 8 fields, got %d", len(f))
		}
		fplen, ttl, df := f[0], f[1], f[2]
		io_, if_, fo := normDot(f[3]), f[4], f[5]
		db.root.insert([]string{fplen, ttl, df, if_, fo, io_},
			SigEntry{OS: f[6], Details: f[7]})
		db.Count++
		db.Lines = append(db.Lines, line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// LoadUDPSigFile loads a UDP signature file from disk.
func LoadUDPSigFile(path string) (*UDPSigDB, error) {
	return loadFromFile(path, LoadUDPSigs)
}

// Match returns the matching entry; a UDP miss produces no asset.
func (db *UDPSigDB) Match(s *UDPSig) (SigEntry, bool) {
	e := db.root.lookup([]string{
		strconv.Itoa(s.FPLen),
		strconv.Itoa(NormalizeTTL(s.TTL)),
		strconv.Itoa(boolIdx(s.DF)),
		strconv.Itoa(s.IPFlags),
		strconv.Itoa(s.FragOff),
		strconv.Itoa(s.IPOpts),
	})
	if e == nil {
		return SigEntry{}, false
	}
	return *e, true
}

// normDot maps the "." spelling of an empty field to "0".
func normDot(s string) string {
	if s == "." {
		return "0"
	}
	return s
}

func eachRecord(r io.Reader, fn func(line string) error) error {
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return sc.Err()
}

func loadFromFile[T any](path string, load func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	db, err := load(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}
