package request

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// Counters samples byte counters. Implementations report ok=false when a
// counter is unavailable.
type Counters interface {
	// ProcessBytes returns the bytes received and sent on behalf of this process.
	ProcessBytes() (rx, tx int64, ok bool)
	// TotalRxBytes returns the bytes received by the host on all external interfaces.
	TotalRxBytes() (int64, bool)
}

// ProcNetDev reads interface counters from /proc/net/dev. Linux does not
// account network bytes per process, so ProcessBytes reports the counters
// of the network namespace including loopback.
type ProcNetDev struct {
	Path string
}

// NewProcNetDev returns counters backed by /proc/net/dev.
func NewProcNetDev() *ProcNetDev {
	return &ProcNetDev{Path: "/proc/net/dev"}
}

type ifaceBytes struct {
	name   string
	rx, tx int64
}

func (p *ProcNetDev) read() ([]ifaceBytes, bool) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var ifaces []ifaceBytes
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseInt(fields[0], 10, 64)
		tx, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		ifaces = append(ifaces, ifaceBytes{name: strings.TrimSpace(name), rx: rx, tx: tx})
	}
	if sc.Err() != nil || len(ifaces) == 0 {
		return nil, false
	}
	return ifaces, true
}

func (p *ProcNetDev) ProcessBytes() (rx, tx int64, ok bool) {
	ifaces, ok := p.read()
	if !ok {
		return 0, 0, false
	}
	for _, i := range ifaces {
		rx += i.rx
		tx += i.tx
	}
	return rx, tx, true
}

func (p *ProcNetDev) TotalRxBytes() (int64, bool) {
	ifaces, ok := p.read()
	if !ok {
		return 0, false
	}
	var rx int64
	for _, i := range ifaces {
		if i.name != "lo" {
			rx += i.rx
		}
	}
	return rx, true
}
