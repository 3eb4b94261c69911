// Package stats folds request outcomes into a persisted running tally.
package stats

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	sep       = ";"
	numFields = 19
)

// Tally holds the running counters. The persisted form lists the fields
// in declaration order.
type Tally struct {
	Success           int64 `json:"success"`
	Failures          int64 `json:"failures"`
	Connects          int64 `json:"connects"`
	Retries           int64 `json:"retries"`
	Restarts          int64 `json:"restarts"`
	LostResponses     int64 `json:"lost_responses"`
	Rx                int64 `json:"rx"`
	Tx                int64 `json:"tx"`
	RTT               int64 `json:"rtt_ms"`
	LastSuccess       int64 `json:"last_success"`
	LastFailure       int64 `json:"last_failure"`
	LastConnect       int64 `json:"last_connect"`
	LastRetries       int64 `json:"last_retries"`
	LastRestart       int64 `json:"last_restart"`
	LastLostResponses int64 `json:"last_lost_responses"`
	RxLast            int64 `json:"rx_last"`
	TxLast            int64 `json:"tx_last"`
	RxAll             int64 `json:"rx_all"`
	TxAll             int64 `json:"tx_all"`
}

func (t *Tally) fields() []*int64 {
	return []*int64{
		&t.Success, &t.Failures, &t.Connects, &t.Retries, &t.Restarts, &t.LostResponses,
		&t.Rx, &t.Tx, &t.RTT,
		&t.LastSuccess, &t.LastFailure, &t.LastConnect, &t.LastRetries, &t.LastRestart, &t.LastLostResponses,
		&t.RxLast, &t.TxLast, &t.RxAll, &t.TxAll,
	}
}

// String returns the persisted form.
func (t Tally) String() string {
	values := make([]string, 0, numFields)
	for _, f := range t.fields() {
		values = append(values, strconv.FormatInt(*f, 10))
	}
	return strings.Join(values, sep)
}

// ParseTally reads the persisted form. A value with the wrong number of
// fields yields a zero tally, an unparsable field reads as zero.
func ParseTally(s string) Tally {
	var t Tally
	values := strings.Split(s, sep)
	if len(values) != numFields {
		return t
	}
	for i, f := range t.fields() {
		n, err := strconv.ParseInt(values[i], 10, 64)
		if err == nil {
			*f = n
		}
	}
	return t
}

// Summary renders averages and rates. It is empty without successes.
func (t Tally) Summary() string {
	if t.Success == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "avg: tx %d bytes, rx %d bytes, %d [ms]\n", t.Tx/t.Success, t.Rx/t.Success, t.RTT/t.Success)
	if t.Restarts > 0 || t.Retries > 0 || t.Failures > 0 {
		total := t.Success + t.Failures
		percent := func(n int64) int64 { return (n*100 + total/2) / total }
		fmt.Fprintf(&b, "%d%% restarts, %d%% retransmissions, %d%% failures\n",
			percent(t.Restarts), percent(t.Retries), percent(t.Failures))
	}
	fmt.Fprintf(&b, "avg-all: tx %d bytes, rx %d bytes", t.TxAll/t.Success, t.RxAll/t.Success)
	if t.LostResponses > 0 {
		fmt.Fprintf(&b, "\nresponses lost: %d", t.LostResponses)
	}
	return b.String()
}
