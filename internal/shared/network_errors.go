package shared

import "strings"

var transientNetworkMarkers = []string{
	"EPERM",
	"ENETUNREACH",
	"operation not permitted",
	"network is unreachable",
}

// IsTransientNetworkError checks if the error was caused by missing
// connectivity permission or an unreachable network. These occur while
// the network changes and are not counted as request failures.
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return IsTransientNetworkMessage(err.Error())
}

// IsTransientNetworkMessage is IsTransientNetworkError for an error text.
func IsTransientNetworkMessage(msg string) bool {
	for _, marker := range transientNetworkMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
