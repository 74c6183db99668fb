package osfp

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// SigEntry is one OS label at a tree leaf. An OS starting with "@" is a
// generic signature, filtered out when a specific match coexists.
type SigEntry struct {
	OS      string
	Details string
}

// Generic reports whether the entry is an "@"-prefixed fallback.
func (e SigEntry) Generic() bool {
	return strings.HasPrefix(e.OS, "@")
}

// numKey is a signature key that is a literal, a "%n" modulo rule, or "*".
type numKey struct {
	kind int // literal / mod / any
	n    int
}

const (
	keyLiteral = iota
	keyMod
	keyAny
)

func parseNumKey(s string) (numKey, error) {
	switch {
	case s == "*":
		return numKey{kind: keyAny}, nil
	case strings.HasPrefix(s, "%"):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n <= 0 {
			return numKey{}, fmt.Errorf("bad modulo key %q", s)
		}
		return numKey{kind: keyMod, n: n}, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return numKey{}, fmt.Errorf("bad numeric key %q", s)
		}
		return numKey{kind: keyLiteral, n: n}, nil
	}
}

// matches tests a packet value; v < 0 means "absent" and only "*" matches.
func (k numKey) matches(v int) bool {
	switch k.kind {
	case keyAny:
		return true
	case keyMod:
		return v >= 0 && v%k.n == 0
	default:
		return v >= 0 && v == k.n
	}
}

// wssKey adds the MSS-relative window forms to numKey. "Sn" is n times
// MSS; "Tn" (and its "Mn" spelling) is n times MSS+40.
type wssKey struct {
	kind int // wssLiteral / wssTimesMSS / wssTimesMTU / wssModulo / wssAnyWin
	n    int
}

const (
	wssLiteral = iota
	wssTimesMSS
	wssTimesMTU
	wssModulo
	wssAnyWin
)

func parseWSSKey(s string) (wssKey, error) {
	if s == "*" {
		return wssKey{kind: wssAnyWin}, nil
	}
	kind := wssLiteral
	num := s
	switch {
	case strings.HasPrefix(s, "S"):
		kind, num = wssTimesMSS, s[1:]
	case strings.HasPrefix(s, "T"), strings.HasPrefix(s, "M"):
		kind, num = wssTimesMTU, s[1:]
	case strings.HasPrefix(s, "%"):
		kind, num = wssModulo, s[1:]
	}
	n, err := strconv.Atoi(num)
	if err != nil {
		return wssKey{}, fmt.Errorf("bad wss key %q", s)
	}
	if kind == wssModulo && n <= 0 {
		return wssKey{}, fmt.Errorf("bad wss key %q", s)
	}
	return wssKey{kind: kind, n: n}, nil
}

// matches evaluates the key against the advertised window. The modulo
// and wildcard arms are the fuzzy ones; the caller separates them.
func (k wssKey) matches(win, mss int) (hit, fuzzy bool) {
	switch k.kind {
	case wssLiteral:
		return win == k.n, false
	case wssTimesMSS:
		return mss > 0 && k.n*mss == win, false
	case wssTimesMTU:
		return mss > 0 && k.n*(mss+40) == win, false
	case wssModulo:
		return win%k.n == 0, true
	default:
		return true, true
	}
}

// The signature tree, one node type per level, in descent order
// sz → optcnt → t0 → df → quirks → mss → wsc → wss → opts → ttl → leaf.

type TCPSigDB struct {
	root     map[int]*cntLevel
	Count    int
	Lines    []string // accepted records in file order, for --dump
	Warnings []string
}

type cntLevel struct {
	byCnt map[int]*flagCells
}

// flagCells holds the two boolean levels, indexed [t0][df].
type flagCells struct {
	cells [2][2]*quirkLevel
}

type quirkLevel struct {
	kids []*quirkKid
}

type quirkKid struct {
	q    Quirks
	next *mssLevel
}

type mssLevel struct {
	kids []*mssKid
}

type mssKid struct {
	key  numKey
	next *wscLevel
}

type wscLevel struct {
	exact map[int]*wssLevel
	any   *wssLevel
}

type wssLevel struct {
	kids []*wssKid
}

type wssKid struct {
	key  wssKey
	next *optLevel
}

type optLevel struct {
	kids []*optKid
}

type optKid struct {
	spec string
	toks []string
	next *ttlLevel
}

type ttlLevel struct {
	byTTL map[int]*leaf
}

type leaf struct {
	entries []SigEntry
}

func NewTCPSigDB() *TCPSigDB {
	return &TCPSigDB{root: make(map[int]*cntLevel)}
}

func boolIdx(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Add parses one p0f record, wss:ttl:df:sz:opts:quirks:os:details, and
// inserts it. Malformed records are an error; a duplicate (path, os)
// pair is recorded as a warning and overwritten.
func (db *TCPSigDB) Add(line string) error {
	f := strings.SplitN(line, ":", 8)
	if len(f) != 8 {
		return fmt.Errorf("want 8 fields, got %d", len(f))
	}
	wssField, ttlField, dfField, szField := f[0], f[1], f[2], f[3]
	optField, quirkField, osName, details := f[4], f[5], f[6], f[7]

	wk, err := parseWSSKey(wssField)
	if err != nil {
		return err
	}
	ttl, err := strconv.Atoi(ttlField)
	if err != nil {
		return fmt.Errorf("bad ttl %q", ttlField)
	}
	df, err := strconv.Atoi(dfField)
	if err != nil || df < 0 || df > 1 {
		return fmt.Errorf("bad df %q", dfField)
	}
	sz, err := strconv.Atoi(szField)
	if err != nil {
		return fmt.Errorf("bad size %q", szField)
	}
	quirks, ok := ParseQuirks(quirkField)
	if !ok {
		return fmt.Errorf("bad quirks %q", quirkField)
	}

	// Derive optcnt, mss, wsc and t0 from the option layout.
	optcnt := strings.Count(optField, ",")
	mssKey := numKey{kind: keyAny}
	wscKey := numKey{kind: keyAny}
	sawTS := false
	t0 := 0
	var toks []string
	if optField != "." {
		toks = strings.Split(optField, ",")
		for _, tok := range toks {
			switch {
			case tok == "T0":
				sawTS = true
				t0 = 1
			case tok == "T":
				sawTS = true
			case strings.HasPrefix(tok, "M"):
				if mssKey, err = parseNumKey(tok[1:]); err != nil {
					return fmt.Errorf("bad MSS option %q", tok)
				}
			case strings.HasPrefix(tok, "W"):
				if wscKey, err = parseNumKey(tok[1:]); err != nil {
					return fmt.Errorf("bad WS option %q", tok)
				}
			}
		}
	}
	// A layout with no timestamp option lands in the same cell as one
	// carrying a zero TSval; the packet side computes t0 the same way.
	if !sawTS {
		t0 = 1
	}

	cl := db.root[sz]
	if cl == nil {
		cl = &cntLevel{byCnt: make(map[int]*flagCells)}
		db.root[sz] = cl
	}
	fc := cl.byCnt[optcnt]
	if fc == nil {
		fc = &flagCells{}
		cl.byCnt[optcnt] = fc
	}
	ql := fc.cells[t0][df]
	if ql == nil {
		ql = &quirkLevel{}
		fc.cells[t0][df] = ql
	}

	var qk *quirkKid
	for _, k := range ql.kids {
		if k.q == quirks {
			qk = k
			break
		}
	}
	if qk == nil {
		qk = &quirkKid{q: quirks, next: &mssLevel{}}
		ql.kids = append(ql.kids, qk)
	}

	var mk *mssKid
	for _, k := range qk.next.kids {
		if k.key == mssKey {
			mk = k
			break
		}
	}
	if mk == nil {
		mk = &mssKid{key: mssKey, next: &wscLevel{exact: make(map[int]*wssLevel)}}
		qk.next.kids = append(qk.next.kids, mk)
	}

	var wl *wssLevel
	if wscKey.kind == keyLiteral {
		wl = mk.next.exact[wscKey.n]
		if wl == nil {
			wl = &wssLevel{}
			mk.next.exact[wscKey.n] = wl
		}
	} else {
		// "%n" window scales do not occur in practice; fold them into
		// the wildcard slot like the source does.
		if mk.next.any == nil {
			mk.next.any = &wssLevel{}
		}
		wl = mk.next.any
	}

	var wk2 *wssKid
	for _, k := range wl.kids {
		if k.key == wk {
			wk2 = k
			break
		}
	}
	if wk2 == nil {
		wk2 = &wssKid{key: wk, next: &optLevel{}}
		wl.kids = append(wl.kids, wk2)
	}

	var ok2 *optKid
	for _, k := range wk2.next.kids {
		if k.spec == optField {
			ok2 = k
			break
		}
	}
	if ok2 == nil {
		ok2 = &optKid{spec: optField, toks: toks, next: &ttlLevel{byTTL: make(map[int]*leaf)}}
		wk2.next.kids = append(wk2.next.kids, ok2)
	}

	lf := ok2.next.byTTL[ttl]
	if lf == nil {
		lf = &leaf{}
		ok2.next.byTTL[ttl] = lf
	}
	for i := range lf.entries {
		if lf.entries[i].OS == osName {
			db.Warnings = append(db.Warnings,
				fmt.Sprintf("duplicate signature for %s (%s), overwriting", osName, line))
			lf.entries[i].Details = details
			return nil
		}
	}
	lf.entries = append(lf.entries, SigEntry{OS: osName, Details: details})
	db.Count++
	db.Lines = append(db.Lines, line)
	return nil
}

// LoadTCPSigs reads a p0f-style signature stream: UTF-8 text, "#"
// comments, blank lines skipped, one record per line.
func LoadTCPSigs(r io.Reader) (*TCPSigDB, error) {
	db := NewTCPSigDB()
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if err := db.Add(line); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// LoadTCPSigFile loads a signature file from disk.
func LoadTCPSigFile(path string) (*TCPSigDB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	db, err := LoadTCPSigs(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}
