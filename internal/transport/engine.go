// Package transport exchanges CoAP requests over UDP, DTLS, TCP and TLS.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/dustin/go-coap"
)

// URI schemes.
const (
	SchemeCoap     = "coap"
	SchemeCoaps    = "coaps"
	SchemeCoapTCP  = "coap+tcp"
	SchemeCoapsTCP = "coaps+tcp"
)

// Content formats.
const (
	FormatNone       = -1
	FormatText       = int(coap.TextPlain)
	FormatLinkFormat = int(coap.AppLinkFormat)
	FormatJSON       = int(coap.AppJSON)
)

var (
	// ErrTimeout is returned when the retransmission budget is exhausted.
	ErrTimeout = errors.New("response timeout")
	// ErrReset is returned when the peer rejects the request.
	ErrReset = errors.New("request rejected by reset")
	// ErrUnsupportedScheme is returned for an unknown URI scheme.
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	// ErrNotInitialized is returned before the endpoints are set up.
	ErrNotInitialized = errors.New("endpoints not initialized")
)

// ConnectError wraps a failure to establish a connection or handshake.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "connect: " + e.Err.Error() }

func (e *ConnectError) Unwrap() error { return e.Err }

// MessageObserver receives the protocol events of one exchange.
// Calls may arrive from goroutines other than the caller of Exchange.
type MessageObserver interface {
	OnConnecting()
	OnDtlsRetransmission(flight int)
	OnRetransmission()
	OnSent()
	OnSendError(err error)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) OnConnecting()            {}
func (NopObserver) OnDtlsRetransmission(int) {}
func (NopObserver) OnRetransmission()        {}
func (NopObserver) OnSent()                  {}
func (NopObserver) OnSendError(error)        {}

// Request is one CoAP request.
type Request struct {
	Method      coap.COAPCode
	Scheme      string
	Destination netip.AddrPort
	// Host is the URI host, used as TLS server name.
	Host    string
	Path    string
	Query   []string
	Accept  int
	Payload []byte

	forceHandshake atomic.Bool
}

// ForceHandshake makes the next (re)transmission start with a full
// handshake instead of resuming the cached session.
func (r *Request) ForceHandshake() {
	r.forceHandshake.Store(true)
}

func (r *Request) takeForceHandshake() bool {
	return r.forceHandshake.Swap(false)
}

func (r *Request) message(typ coap.COAPType, mid uint16, token []byte) coap.Message {
	m := coap.Message{
		Type:      typ,
		Code:      r.Method,
		MessageID: mid,
		Token:     token,
		Payload:   r.Payload,
	}
	if path := strings.Trim(r.Path, "/"); path != "" {
		m.SetPathString(path)
	}
	for _, q := range r.Query {
		m.AddOption(coap.URIQuery, q)
	}
	if r.Accept >= 0 {
		m.SetOption(coap.Accept, coap.MediaType(r.Accept))
	}
	return m
}

// Engine exchanges requests over one transport.
type Engine interface {
	Exchange(ctx context.Context, req *Request, obs MessageObserver) (*domain.Response, error)
	// MaxRetransmit is the retransmission budget of a request, 0 for reliable transports.
	MaxRetransmit() int
	Close() error
}

// Config holds the protocol parameters of the engines.
type Config struct {
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	SeparateTimeout  time.Duration
	TCPTimeout       time.Duration
	HandshakeTimeout time.Duration
	FlightInterval   time.Duration
	Security         Security
}

// DefaultConfig returns the RFC 7252 defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:       2 * time.Second,
		AckRandomFactor:  1.5,
		MaxRetransmit:    4,
		SeparateTimeout:  30 * time.Second,
		TCPTimeout:       30 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		FlightInterval:   2 * time.Second,
	}
}

// DefaultPort returns the default port of scheme.
func DefaultPort(scheme string) uint16 {
	if IsSecure(scheme) {
		return 5684
	}
	return 5683
}

// IsSecure reports whether scheme uses DTLS or TLS.
func IsSecure(scheme string) bool {
	return scheme == SchemeCoaps || scheme == SchemeCoapsTCP
}

// IsTCP reports whether scheme runs over TCP.
func IsTCP(scheme string) bool {
	return scheme == SchemeCoapTCP || scheme == SchemeCoapsTCP
}

// CodeString formats a code as "class.detail".
func CodeString(c coap.COAPCode) string {
	return fmt.Sprintf("%d.%02d", uint8(c)>>5, uint8(c)&0x1f)
}

func contentFormat(m coap.Message) int {
	values := m.Options(coap.ContentFormat)
	if len(values) == 0 {
		return FormatNone
	}
	switch v := values[0].(type) {
	case coap.MediaType:
		return int(v)
	case uint32:
		return int(v)
	case int:
		return v
	}
	return FormatNone
}

func toResponse(m coap.Message, rtt time.Duration) *domain.Response {
	return &domain.Response{
		Code:          CodeString(m.Code),
		CodeClass:     int(uint8(m.Code) >> 5),
		ContentFormat: contentFormat(m),
		Payload:       m.Payload,
		RTT:           rtt,
	}
}

func newToken() []byte {
	token := make([]byte, 4)
	_, _ = rand.Read(token)
	return token
}

// messageIDs hands out message ids starting at a random offset.
type messageIDs struct {
	next atomic.Uint32
}

func newMessageIDs() *messageIDs {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	ids := &messageIDs{}
	ids.next.Store(uint32(binary.BigEndian.Uint16(seed[:])))
	return ids
}

func (m *messageIDs) Next() uint16 {
	return uint16(m.next.Add(1))
}
