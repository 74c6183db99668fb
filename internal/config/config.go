// Package config holds the sensor configuration. The native format is
// the classic `key = value` prads.conf; the same keys load from YAML
// when the file name says so.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultConfDir is where the signature files are expected unless
// --confdir points elsewhere.
const DefaultConfDir = "/etc/prads"

// Config mirrors prads.conf. Boolean keys are "0"/"1" in the native
// format. The client_tcp and os_{ack,rst,fin}_fingerprint knobs are
// accepted and kept as reserved.
type Config struct {
	Daemon     bool `yaml:"daemon"`
	ARP        bool `yaml:"arp"`
	ServiceTCP bool `yaml:"service_tcp"`
	ClientTCP  bool `yaml:"client_tcp"` // reserved
	ServiceUDP bool `yaml:"service_udp"`

	OSSynFingerprint    bool `yaml:"os_syn_fingerprint"`
	OSSynAckFingerprint bool `yaml:"os_synack_fingerprint"`
	OSAckFingerprint    bool `yaml:"os_ack_fingerprint"` // reserved
	OSRstFingerprint    bool `yaml:"os_rst_fingerprint"` // reserved
	OSFinFingerprint    bool `yaml:"os_fin_fingerprint"` // reserved
	OSUDP               bool `yaml:"os_udp"`
	ICMP                bool `yaml:"icmp"`
	OSICMP              bool `yaml:"os_icmp"`

	LogFile  string `yaml:"log_file"`
	PidFile  string `yaml:"pid_file"`
	AssetLog string `yaml:"asset_log"`

	SigFileSyn     string `yaml:"sig_file_syn"`
	SigFileSynAck  string `yaml:"sig_file_synack"`
	SigFileServTCP string `yaml:"sig_file_serv_tcp"`
	SigFileCliTCP  string `yaml:"sig_file_cli_tcp"` // reserved with client_tcp
	SigFileServUDP string `yaml:"sig_file_serv_udp"`
	SigFileCliUDP  string `yaml:"sig_file_cli_udp"` // reserved with client_tcp
	SigFileICMP    string `yaml:"sig_file_icmp"`
	SigFileUDPOS   string `yaml:"sig_file_udp_os"`
	MACFile        string `yaml:"mac_file"`
	MTUFile        string `yaml:"mtu_file"`

	User  string `yaml:"user"`
	Group string `yaml:"group"`

	Interface string `yaml:"interface"`
	BPFilter  string `yaml:"bpfilter"`

	DB         string `yaml:"db"`
	DBUsername string `yaml:"db_username"`
	DBPassword string `yaml:"db_password"`
}

// New returns the hard-coded defaults with signature paths under the
// given configuration directory.
func New(confdir string) *Config {
	if confdir == "" {
		confdir = DefaultConfDir
	}
	return &Config{
		ARP:                 true,
		ServiceTCP:          true,
		ServiceUDP:          true,
		OSSynFingerprint:    true,
		OSSynAckFingerprint: true,
		OSUDP:               true,
		ICMP:                true,
		OSICMP:              true,
		PidFile:             "/var/run/prads.pid",
		AssetLog:            "prads-asset.log",
		SigFileSyn:          filepath.Join(confdir, "tcp-syn.fp"),
		SigFileSynAck:       filepath.Join(confdir, "tcp-synack.fp"),
		SigFileServTCP:      filepath.Join(confdir, "tcp-service.sig"),
		SigFileCliTCP:       filepath.Join(confdir, "tcp-clients.sig"),
		SigFileServUDP:      filepath.Join(confdir, "udp-service.sig"),
		SigFileCliUDP:       filepath.Join(confdir, "udp-client.sig"),
		SigFileICMP:         filepath.Join(confdir, "icmp-echo.fp"),
		SigFileUDPOS:        filepath.Join(confdir, "udp.fp"),
		MACFile:             filepath.Join(confdir, "mac.sig"),
		MTUFile:             filepath.Join(confdir, "mtu.sig"),
		Interface:           "eth0",
	}
}

// LoadFile overlays a configuration file onto the receiver. YAML is
// selected by file extension, anything else parses as key = value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	default:
		if err := c.parseKV(strings.NewReader(string(data))); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return nil
	}
}

func (c *Config) parseKV(r io.Reader) error {
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("line %d: want key = value", lineno)
		}
		if err := c.set(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return sc.Err()
}

func parseBool(val string) (bool, error) {
	switch val {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("boolean must be 0 or 1, got %q", val)
}

func (c *Config) set(key, val string) error {
	boolKeys := map[string]*bool{
		"daemon":                &c.Daemon,
		"arp":                   &c.ARP,
		"service_tcp":           &c.ServiceTCP,
		"client_tcp":            &c.ClientTCP,
		"service_udp":           &c.ServiceUDP,
		"os_syn_fingerprint":    &c.OSSynFingerprint,
		"os_synack_fingerprint": &c.OSSynAckFingerprint,
		"os_ack_fingerprint":    &c.OSAckFingerprint,
		"os_rst_fingerprint":    &c.OSRstFingerprint,
		"os_fin_fingerprint":    &c.OSFinFingerprint,
		"os_udp":                &c.OSUDP,
		"icmp":                  &c.ICMP,
		"os_icmp":               &c.OSICMP,
	}
	if p, ok := boolKeys[key]; ok {
		b, err := parseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*p = b
		return nil
	}

	strKeys := map[string]*string{
		"log_file":          &c.LogFile,
		"pid_file":          &c.PidFile,
		"asset_log":         &c.AssetLog,
		"sig_file_syn":      &c.SigFileSyn,
		"sig_file_synack":   &c.SigFileSynAck,
		"sig_file_serv_tcp": &c.SigFileServTCP,
		"sig_file_cli_tcp":  &c.SigFileCliTCP,
		"sig_file_serv_udp": &c.SigFileServUDP,
		"sig_file_cli_udp":  &c.SigFileCliUDP,
		"sig_file_icmp":     &c.SigFileICMP,
		"sig_file_udp_os":   &c.SigFileUDPOS,
		"mac_file":          &c.MACFile,
		"mtu_file":          &c.MTUFile,
		"user":              &c.User,
		"group":             &c.Group,
		"interface":         &c.Interface,
		"bpfilter":          &c.BPFilter,
		"db":                &c.DB,
		"db_username":       &c.DBUsername,
		"db_password":       &c.DBPassword,
	}
	if p, ok := strKeys[key]; ok {
		*p = val
		return nil
	}
	return fmt.Errorf("unknown key %q", key)
}
