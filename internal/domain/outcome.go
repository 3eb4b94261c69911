package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FailureKind classifies a failed outcome.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureRequest      FailureKind = "request"
	FailureResolution   FailureKind = "resolution"
	FailureConnection   FailureKind = "connection"
	FailureTransmission FailureKind = "transmission"
	FailureCancelled    FailureKind = "cancelled"
)

// ErrCancelled is wrapped by every cancellation error.
var ErrCancelled = errors.New("request cancelled")

// CancelledError carries the reason a request was cancelled.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request cancelled: %s", e.Reason)
}

func (e *CancelledError) Unwrap() error { return ErrCancelled }

// Response is a matched CoAP response.
type Response struct {
	Code          string        `json:"code"`
	CodeClass     int           `json:"code_class"`
	ContentFormat int           `json:"content_format"`
	Payload       []byte        `json:"payload,omitempty"`
	RTT           time.Duration `json:"rtt_ns"`
	PeerIdentity  string        `json:"peer_identity,omitempty"`
	SessionID     string        `json:"session_id,omitempty"`
	Resumed       bool          `json:"resumed,omitempty"`
}

// Success reports a 2.xx response.
func (r *Response) Success() bool {
	return r != nil && r.CodeClass == 2
}

// WebLink is one entry of a link-format payload.
type WebLink struct {
	URI        string              `json:"uri"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// ReceiveRecord is one entry of a statistic response. Either RID and Time
// or SystemStart is set.
type ReceiveRecord struct {
	RID         string `json:"rid,omitempty"`
	Time        int64  `json:"time,omitempty"`
	SystemStart int64  `json:"systemstart,omitempty"`
}

// Outcome is the terminal snapshot of a request.
// Exactly one of Response and Err is set.
type Outcome struct {
	Progress
	StartedAt time.Time `json:"started_at"`
	JobID     int       `json:"job_id,omitempty"`
	// EndpointsChanged is set when the endpoints were rebuilt for this request.
	EndpointsChanged bool `json:"endpoints_changed"`

	Response *Response       `json:"response,omitempty"`
	Links    []WebLink       `json:"links,omitempty"`
	Received []ReceiveRecord `json:"received,omitempty"`
	RID      string          `json:"rid,omitempty"`
	Err      error           `json:"-"`
	Kind     FailureKind     `json:"kind,omitempty"`
}

// Success reports whether a response was received.
func (o Outcome) Success() bool {
	return o.Response != nil
}

// ErrorText returns the error message or an empty string.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// CancelReason returns the reason of a cancelled outcome.
func (o Outcome) CancelReason() string {
	var ce *CancelledError
	if errors.As(o.Err, &ce) {
		return ce.Reason
	}
	return ""
}

// MarshalJSON adds the error text and cancel reason, which Err cannot carry.
func (o Outcome) MarshalJSON() ([]byte, error) {
	type alias Outcome
	return json.Marshal(struct {
		alias
		Error        string `json:"error,omitempty"`
		CancelReason string `json:"cancel_reason,omitempty"`
	}{alias(o), o.ErrorText(), o.CancelReason()})
}
