package request

import (
	"fmt"
	"strings"
)

// Mode selects the resource requested when the URI has no path.
type Mode string

const (
	ModeRoot      Mode = "ROOT"
	ModeSmall     Mode = "SMALL"
	ModeDiscover  Mode = "DISCOVER"
	ModeStatistic Mode = "STATISTIC"
)

// Resource names of the request modes.
const (
	rootResource      = ""
	discoverResource  = ".well-known/core"
	smallResource     = "multi-format"
	smallResourceLH   = "hello"
	statisticResource = "requests"
)

// extendedPortOffset is added to the default port for statistic requests
// to extended hosts without an explicit port.
const extendedPortOffset = 100

// ParseMode parses a mode name, case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToUpper(strings.TrimSpace(s))); m {
	case ModeRoot, ModeSmall, ModeDiscover, ModeStatistic:
		return m, nil
	case "":
		return ModeRoot, nil
	}
	return "", fmt.Errorf("unknown request mode %q", s)
}

// Args are the arguments of one request.
type Args struct {
	URI           string
	IPv6          bool
	Mode          Mode
	UniqueID      string
	ExtendedHosts []string
	// JobID is 0 for manual requests.
	JobID int
	// EndpointsChanged is set when the endpoints were rebuilt for this request.
	EndpointsChanged bool
}

func (a Args) extended(host string) bool {
	for _, h := range a.ExtendedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
