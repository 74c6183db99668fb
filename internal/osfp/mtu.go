package osfp

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MTUMap resolves an MTU to a human link-layer label ("ethernet",
// "pppoe (DSL)", ...).
type MTUMap map[int]string

// LoadMTUs parses `mtu,"description"` records.
func LoadMTUs(r io.Reader) (MTUMap, error) {
	m := make(MTUMap)
	err := eachRecord(r, func(line string) error {
		mtuStr, desc, ok := strings.Cut(line, ",")
		if !ok {
			return fmt.Errorf("want mtu,description in %q", line)
		}
		mtu, err := strconv.Atoi(strings.TrimSpace(mtuStr))
		if err != nil {
			return fmt.Errorf("bad mtu %q", mtuStr)
		}
		m[mtu] = strings.Trim(strings.TrimSpace(desc), `"`)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LoadMTUFile loads the MTU table from disk.
func LoadMTUFile(path string) (MTUMap, error) {
	return loadFromFile(path, LoadMTUs)
}

// LinkFromMSS infers the link label from an observed MSS, which sits 40
// bytes below the MTU. Unknown or absent MSS yields "UNKNOWN".
func (m MTUMap) LinkFromMSS(mss int) string {
	if mss > 0 {
		if desc, ok := m[mss+40]; ok {
			return desc
		}
	}
	return "UNKNOWN"
}
