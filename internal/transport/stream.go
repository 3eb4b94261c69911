package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/dustin/go-coap"
)

// StreamEngine exchanges CoAP over TCP, optionally wrapped in TLS.
// Connections are kept per peer.
type StreamEngine struct {
	cfg      Config
	secure   bool
	sessions func(netip.AddrPort) tls.ClientSessionCache
	logger   *slog.Logger

	exchangeMu sync.Mutex
	mu         sync.Mutex
	conns      map[netip.AddrPort]*streamConn
}

type streamConn struct {
	conn     net.Conn
	identity string
	resumed  bool
}

// NewTCPEngine creates a plain TCP engine.
func NewTCPEngine(cfg Config, logger *slog.Logger) *StreamEngine {
	return newStreamEngine(cfg, false, nil, logger)
}

// NewTLSEngine creates a TLS engine. sessions may be nil to disable resumption.
func NewTLSEngine(cfg Config, sessions func(netip.AddrPort) tls.ClientSessionCache, logger *slog.Logger) *StreamEngine {
	return newStreamEngine(cfg, true, sessions, logger)
}

func newStreamEngine(cfg Config, secure bool, sessions func(netip.AddrPort) tls.ClientSessionCache, logger *slog.Logger) *StreamEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamEngine{
		cfg:      cfg,
		secure:   secure,
		sessions: sessions,
		logger:   logger,
		conns:    make(map[netip.AddrPort]*streamConn),
	}
}

func (e *StreamEngine) Exchange(ctx context.Context, req *Request, obs MessageObserver) (*domain.Response, error) {
	e.exchangeMu.Lock()
	defer e.exchangeMu.Unlock()

	if req.takeForceHandshake() {
		e.drop(req.Destination)
	}
	sc, err := e.connection(ctx, req, obs)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}

	if err := sc.conn.SetDeadline(time.Now().Add(e.cfg.TCPTimeout)); err != nil {
		e.drop(req.Destination)
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = sc.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	token := newToken()
	start := time.Now()
	if err := writeTCPMessage(sc.conn, req.message(coap.Confirmable, 0, token)); err != nil {
		obs.OnSendError(err)
		e.drop(req.Destination)
		return nil, fmt.Errorf("send: %w", err)
	}
	obs.OnSent()

	for {
		m, err := readTCPMessage(sc.conn)
		if err != nil {
			e.drop(req.Destination)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receive: %w", err)
		}
		// 7.xx signaling messages carry no response.
		if uint8(m.Code)>>5 == 7 || !bytes.Equal(m.Token, token) {
			continue
		}
		resp := toResponse(m, time.Since(start))
		resp.PeerIdentity = sc.identity
		resp.Resumed = sc.resumed
		return resp, nil
	}
}

func (e *StreamEngine) connection(ctx context.Context, req *Request, obs MessageObserver) (*streamConn, error) {
	e.mu.Lock()
	sc, ok := e.conns[req.Destination]
	e.mu.Unlock()
	if ok {
		return sc, nil
	}

	obs.OnConnecting()
	d := net.Dialer{Timeout: e.cfg.HandshakeTimeout}
	raw, err := d.DialContext(ctx, "tcp", req.Destination.String())
	if err != nil {
		obs.OnSendError(err)
		return nil, err
	}
	sc = &streamConn{conn: raw}

	if e.secure {
		tc := tls.Client(raw, e.tlsConfig(req))
		hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		state := tc.ConnectionState()
		certs := make([][]byte, 0, len(state.PeerCertificates))
		for _, cert := range state.PeerCertificates {
			certs = append(certs, cert.Raw)
		}
		sc = &streamConn{conn: tc, identity: peerIdentity(e.cfg.Security, certs), resumed: state.DidResume}
		e.logger.Debug("TLS handshake complete", "peer", req.Destination, "resumed", state.DidResume)
	}

	e.mu.Lock()
	e.conns[req.Destination] = sc
	e.mu.Unlock()
	return sc, nil
}

func (e *StreamEngine) tlsConfig(req *Request) *tls.Config {
	sec := e.cfg.Security
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: sec.Certificates,
		RootCAs:      sec.RootCAs,
		// Sandbox servers present self-signed certificates unless a trust store is configured.
		InsecureSkipVerify: sec.Mode != ModeX509 || sec.RootCAs == nil, //nolint:gosec
	}
	if _, err := netip.ParseAddr(req.Host); err != nil {
		cfg.ServerName = req.Host
	}
	if e.sessions != nil {
		cfg.ClientSessionCache = e.sessions(req.Destination)
	}
	return cfg
}

func (e *StreamEngine) drop(peer netip.AddrPort) {
	e.mu.Lock()
	sc, ok := e.conns[peer]
	delete(e.conns, peer)
	e.mu.Unlock()
	if ok {
		_ = sc.conn.Close()
	}
}

func (e *StreamEngine) MaxRetransmit() int { return 0 }

// Close closes all cached connections.
func (e *StreamEngine) Close() error {
	e.mu.Lock()
	conns := e.conns
	e.conns = make(map[netip.AddrPort]*streamConn)
	e.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
	return nil
}

// readTCPMessage reads one length-prefixed frame as written by TcpMessage.
func readTCPMessage(r io.Reader) (coap.Message, error) {
	m, err := coap.Decode(r)
	if err != nil {
		if m == nil {
			return coap.Message{}, err
		}
		return coap.Message{}, fmt.Errorf("decode response: %w", err)
	}
	return m.Message, nil
}

// writeTCPMessage writes m as one length-prefixed frame.
func writeTCPMessage(w io.Writer, m coap.Message) error {
	data, err := (&coap.TcpMessage{Message: m}).MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
