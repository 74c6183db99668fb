// Package service identifies application-layer services by matching
// signature regexes against the first bytes of a flow.
package service

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

// MaxPayload caps how much of a payload the matcher inspects.
const MaxPayload = 1024

// Sig is one compiled signature.
type Sig struct {
	Service  string
	Template string
	Re       *regexp.Regexp
}

// DB is the ordered signature list. Longer (more specific) regexes are
// tried first.
type DB struct {
	sigs []Sig
}

// Count is the number of loaded signatures.
func (db *DB) Count() int {
	return len(db.sigs)
}

// Each visits the signatures in match order.
func (db *DB) Each(fn func(Sig)) {
	for _, s := range db.sigs {
		fn(s)
	}
}

// Load parses `service,template,regex` records. The template's leading
// "v/" is stripped; duplicate regexes collapse; the result is ordered
// by descending regex length.
func Load(r io.Reader) (*DB, error) {
	byRegex := make(map[string]Sig)
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f := strings.SplitN(line, ",", 3)
		if len(f) != 3 {
			return nil, fmt.Errorf("line %d: want service,template,regex", lineno)
		}
		svc := strings.TrimSpace(f[0])
		tpl := strings.TrimPrefix(strings.TrimSpace(f[1]), "v/")
		expr := f[2]
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno, err)
		}
		byRegex[expr] = Sig{Service: svc, Template: tpl, Re: re}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	db := &DB{sigs: make([]Sig, 0, len(byRegex))}
	for _, s := range byRegex {
		db.sigs = append(db.sigs, s)
	}
	sort.SliceStable(db.sigs, func(i, j int) bool {
		ri, rj := db.sigs[i].Re.String(), db.sigs[j].Re.String()
		if len(ri) != len(rj) {
			return len(ri) > len(rj)
		}
		return ri < rj
	})
	return db, nil
}

// LoadFile loads a signature file from disk.
func LoadFile(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	db, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}
