package receiver

import (
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
)

// fileHandle replays a pcap file through the pure-Go pcapgo reader; no
// libpcap handle is opened for replay.
type fileHandle struct {
	f *os.File
	r *pcapgo.Reader
}

func (h *fileHandle) ReadPacket() ([]byte, gopacket.CaptureInfo, error) {
	return h.r.ReadPacketData()
}

func (h *fileHandle) Close() {
	h.f.Close()
}

// NewFileListener opens a capture file for replay. ReadPacket returns
// io.EOF when the file is exhausted.
func NewFileListener(path string) (*Listener, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read pcap %s: %w", path, err)
	}
	return &Listener{Handle: &fileHandle{f: f, r: r}}, nil
}
