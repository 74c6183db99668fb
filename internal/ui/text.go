package ui

import (
	"fmt"
	"io"
	"strings"
)

// TextPrinter is the non-tty fallback: asset lines as they come,
// status on demand.
type TextPrinter struct {
	Out     io.Writer
	Verbose bool
}

func (p *TextPrinter) PrintEvent(ev Event) {
	switch ev.Type {
	case EvtAsset:
		fmt.Fprint(p.Out, ev.Line)
		if !strings.HasSuffix(ev.Line, "\n") {
			fmt.Fprintln(p.Out)
		}
	case EvtInfo:
		if p.Verbose {
			fmt.Fprintln(p.Out, ev.Msg)
		}
	}
}

func (p *TextPrinter) PrintStats(s Stats) {
	fmt.Fprintf(p.Out,
		"assets: %d  frames: %d (arp %d, tcp %d, udp %d, icmp %d)  drops: %d  up: %s\n",
		s.Assets, s.Frames, s.ARP, s.TCP, s.UDP, s.ICMP, s.Drops, s.Elapsed.Truncate(1e9))
}
