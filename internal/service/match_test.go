package service

import (
	"strings"
	"testing"
)

const testSigs = `
# web servers
www,v/Apache/$1/,Server: Apache/([\S]+)
www,v/Apache//,Server: Apache
ssh,v/OpenSSH/$2/Protocol $1,SSH-([\d.]+)-OpenSSH_([\S]+)
`

func mustLoad(t *testing.T, sigs string) *DB {
	t.Helper()
	db, err := Load(strings.NewReader(sigs))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return db
}

func TestLoad_DedupAndOrder(t *testing.T) {
	db := mustLoad(t, testSigs+"\nwww,v/Apache/$1/,Server: Apache/([\\S]+)\n")
	if db.Count() != 3 {
		t.Fatalf("Count = %d, want 3 (duplicate regex collapses)", db.Count())
	}
}

func TestMatch_MostSpecificWins(t *testing.T) {
	db := mustLoad(t, testSigs)
	// Both Apache regexes can hit; the longer one must win and carry
	// the version capture.
	res, ok := db.Match([]byte("HTTP/1.1 200 OK\r\nServer: Apache/2.4.57\r\n"))
	if !ok {
		t.Fatal("no match")
	}
	if res.Service != "www" || res.Vendor != "Apache" || res.Version != "2.4.57" {
		t.Fatalf("Match = %+v", res)
	}
}

func TestMatch_TemplateExpansion(t *testing.T) {
	db := mustLoad(t, testSigs)
	res, ok := db.Match([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
	if !ok {
		t.Fatal("no match")
	}
	if res.Vendor != "OpenSSH" || res.Version != "9.6" || res.Info != "Protocol 2.0" {
		t.Fatalf("Match = %+v", res)
	}
	if got := res.DetailString(); got != "9.6 Protocol 2.0" {
		t.Errorf("DetailString = %q", got)
	}
}

func TestMatch_NoHit(t *testing.T) {
	db := mustLoad(t, testSigs)
	if _, ok := db.Match([]byte("220 ProFTPD Server ready\r\n")); ok {
		t.Error("unexpected match")
	}
	if _, ok := db.Match(nil); ok {
		t.Error("empty payload matched")
	}
}

func TestLoad_MalformedFatal(t *testing.T) {
	if _, err := Load(strings.NewReader("www,v/Apache/\n")); err == nil {
		t.Error("two-field record accepted")
	}
	if _, err := Load(strings.NewReader("www,v/A/,([unclosed\n")); err == nil {
		t.Error("bad regex accepted")
	}
}

func TestWellKnownUDP(t *testing.T) {
	res, ok := WellKnownUDP(53)
	if !ok || res.Vendor != "-" || res.Info != "DNS" {
		t.Fatalf("port 53 = %+v, %v", res, ok)
	}
	if _, ok := WellKnownUDP(123); ok {
		t.Error("port 123 resolved")
	}
	if res, ok := WellKnownUDP(1194); !ok || res.Info != "OpenVPN" {
		t.Errorf("port 1194 = %+v, %v", res, ok)
	}
}
