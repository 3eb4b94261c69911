// Package domain contains the request, progress and outcome types shared by the CoAP client.
package domain

import (
	"net/netip"
	"slices"
	"time"
)

// State is the symbolic state of a request.
type State string

const (
	StateCreated    State = "created"
	StateResolving  State = "resolving"
	StateResolved   State = "resolved"
	StateConnecting State = "connecting"
	StateStart      State = "start"
	StateLoading    State = "loading"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further snapshots follow this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Progress is an immutable point-in-time view of one request.
// Snapshots are derived with Next and never modified after publication.
type Progress struct {
	Seq       uint64       `json:"seq"`
	URI       string       `json:"uri"`
	State     State        `json:"state"`
	Host      string       `json:"host,omitempty"`
	Addresses []netip.Addr `json:"addresses,omitempty"`
	// Destination is the selected address and port.
	Destination string `json:"destination,omitempty"`

	DNSResolveTime *time.Duration `json:"dns_resolve_ns,omitempty"`
	ConnectTime    *time.Duration `json:"connect_ns,omitempty"`

	DTLSRetransmissions int `json:"dtls_retransmissions"`
	CoapRetransmissions int `json:"coap_retransmissions"`
	// Retransmissions mirrors whichever counter incremented last.
	Retransmissions int `json:"retransmissions"`
	Blocks          int `json:"blocks"`

	RxStart int64 `json:"rx_start"`
	TxStart int64 `json:"tx_start"`
	RxEnd   int64 `json:"rx_end"`
	TxEnd   int64 `json:"tx_end"`
	// RxTotal holds total received bytes sampled at each retransmission.
	RxTotal []int64 `json:"rx_total,omitempty"`

	ConnectOnRetry bool `json:"connect_on_retry"`
	StoreDNS       bool `json:"store_dns"`
}

// Next returns a copy of p with an incremented sequence number.
// Slices are cloned so the copy can be changed without touching p.
func (p Progress) Next() Progress {
	n := p
	n.Seq = p.Seq + 1
	n.Addresses = slices.Clone(p.Addresses)
	n.RxTotal = slices.Clone(p.RxTotal)
	return n
}

// DurationPtr returns a pointer to d.
func DurationPtr(d time.Duration) *time.Duration {
	return &d
}
