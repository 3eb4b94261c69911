package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/pion/dtls/v2"
)

// DTLSEngine exchanges CoAP over DTLS. Connections are kept per peer and
// resumed through the session store on reconnect.
type DTLSEngine struct {
	cfg    Config
	store  dtls.SessionStore
	logger *slog.Logger
	ids    *messageIDs

	exchangeMu sync.Mutex
	mu         sync.Mutex
	conns      map[netip.AddrPort]*dtlsSession
}

type dtlsSession struct {
	conn      *dtls.Conn
	sessionID []byte
	resumed   bool
	identity  string
}

// NewDTLSEngine creates a DTLS engine. store may be nil to disable resumption.
func NewDTLSEngine(cfg Config, store dtls.SessionStore, logger *slog.Logger) *DTLSEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &DTLSEngine{
		cfg:    cfg,
		store:  store,
		logger: logger,
		ids:    newMessageIDs(),
		conns:  make(map[netip.AddrPort]*dtlsSession),
	}
}

func (e *DTLSEngine) Exchange(ctx context.Context, req *Request, obs MessageObserver) (*domain.Response, error) {
	e.exchangeMu.Lock()
	defer e.exchangeMu.Unlock()

	sess, err := e.session(ctx, req, obs)
	if err != nil {
		return nil, &ConnectError{Err: err}
	}
	reconnect := func() (net.Conn, error) {
		e.drop(req.Destination)
		s, err := e.dial(ctx, req, obs, true)
		if err != nil {
			return nil, err
		}
		sess = s
		return s.conn, nil
	}

	m, rtt, err := exchangeDatagram(ctx, e.cfg, sess.conn, req, obs, e.ids.Next(), reconnect)
	if err != nil {
		e.drop(req.Destination)
		return nil, err
	}
	resp := toResponse(m, rtt)
	resp.PeerIdentity = sess.identity
	resp.SessionID = hex.EncodeToString(sess.sessionID)
	resp.Resumed = sess.resumed
	return resp, nil
}

// session returns the cached connection to the destination or dials one.
func (e *DTLSEngine) session(ctx context.Context, req *Request, obs MessageObserver) (*dtlsSession, error) {
	full := req.takeForceHandshake()
	if full {
		e.drop(req.Destination)
	} else {
		e.mu.Lock()
		sess, ok := e.conns[req.Destination]
		e.mu.Unlock()
		if ok {
			return sess, nil
		}
	}
	return e.dial(ctx, req, obs, full)
}

func (e *DTLSEngine) dial(ctx context.Context, req *Request, obs MessageObserver, full bool) (*dtlsSession, error) {
	obs.OnConnecting()

	udp, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(req.Destination))
	if err != nil {
		obs.OnSendError(err)
		return nil, err
	}
	hc := newHandshakeConn(udp, obs, e.cfg.FlightInterval/2)
	capture := &sessionCapture{store: e.store, skipResume: full}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()
	conn, err := dtls.ClientWithContext(hctx, hc, e.config(req.Host, capture))
	hc.handshakeDone()
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("dtls handshake: %w", err)
	}

	state := conn.ConnectionState()
	sess := &dtlsSession{
		conn:      conn,
		sessionID: capture.sessionID(),
		resumed:   capture.resumed(),
		identity:  peerIdentity(e.cfg.Security, state.PeerCertificates),
	}
	e.logger.Debug("DTLS handshake complete",
		"peer", req.Destination,
		"session_id", hex.EncodeToString(sess.sessionID),
		"resumed", sess.resumed,
		"full", full)

	e.mu.Lock()
	e.conns[req.Destination] = sess
	e.mu.Unlock()
	return sess, nil
}

func (e *DTLSEngine) config(host string, store dtls.SessionStore) *dtls.Config {
	sec := e.cfg.Security
	cfg := &dtls.Config{
		SessionStore:   store,
		FlightInterval: e.cfg.FlightInterval,
	}
	if _, err := netip.ParseAddr(host); err != nil {
		cfg.ServerName = host
	}
	switch sec.Mode {
	case ModeX509:
		cfg.Certificates = sec.Certificates
		cfg.RootCAs = sec.RootCAs
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	case ModeRPK:
		cfg.Certificates = sec.Certificates
		cfg.InsecureSkipVerify = true
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	default:
		secret := sec.PSKSecret
		cfg.PSK = func([]byte) ([]byte, error) { return secret, nil }
		cfg.PSKIdentityHint = []byte(sec.PSKIdentity)
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8, dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
	}
	return cfg
}

func (e *DTLSEngine) drop(peer netip.AddrPort) {
	e.mu.Lock()
	sess, ok := e.conns[peer]
	delete(e.conns, peer)
	e.mu.Unlock()
	if ok {
		_ = sess.conn.Close()
	}
}

func (e *DTLSEngine) MaxRetransmit() int { return e.cfg.MaxRetransmit }

// Close closes all cached connections.
func (e *DTLSEngine) Close() error {
	e.mu.Lock()
	conns := e.conns
	e.conns = make(map[netip.AddrPort]*dtlsSession)
	e.mu.Unlock()
	for _, sess := range conns {
		_ = sess.conn.Close()
	}
	return nil
}

// sessionCapture records which session a handshake offered and negotiated.
type sessionCapture struct {
	store      dtls.SessionStore
	skipResume bool

	mu      sync.Mutex
	offered []byte
	set     []byte
}

func (c *sessionCapture) Set(key []byte, s dtls.Session) error {
	c.mu.Lock()
	c.set = bytes.Clone(s.ID)
	c.mu.Unlock()
	if c.store == nil {
		return nil
	}
	return c.store.Set(key, s)
}

func (c *sessionCapture) Get(key []byte) (dtls.Session, error) {
	if c.store == nil || c.skipResume {
		return dtls.Session{}, nil
	}
	s, err := c.store.Get(key)
	if err == nil && len(s.ID) > 0 {
		c.mu.Lock()
		c.offered = bytes.Clone(s.ID)
		c.mu.Unlock()
	}
	return s, err
}

func (c *sessionCapture) Del(key []byte) error {
	if c.store == nil {
		return nil
	}
	return c.store.Del(key)
}

func (c *sessionCapture) sessionID() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set != nil {
		return c.set
	}
	return c.offered
}

func (c *sessionCapture) resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offered != nil && (c.set == nil || bytes.Equal(c.set, c.offered))
}

// handshakeConn reports handshake flights written again without an
// intervening read as DTLS retransmissions.
type handshakeConn struct {
	net.Conn
	obs MessageObserver
	gap time.Duration

	mu        sync.Mutex
	done      bool
	flight    int
	writing   bool
	lastWrite time.Time
}

func newHandshakeConn(conn net.Conn, obs MessageObserver, gap time.Duration) *handshakeConn {
	if gap <= 0 {
		gap = 100 * time.Millisecond
	}
	return &handshakeConn{Conn: conn, obs: obs, gap: gap, flight: -1}
}

func (c *handshakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	retransmission := -1
	if !c.done {
		now := time.Now()
		switch {
		case !c.writing:
			c.flight += 2
			c.writing = true
		case now.Sub(c.lastWrite) >= c.gap:
			retransmission = c.flight
		}
		c.lastWrite = now
	}
	c.mu.Unlock()

	if retransmission >= 0 {
		c.obs.OnDtlsRetransmission(retransmission)
	}
	return c.Conn.Write(p)
}

func (c *handshakeConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.writing = false
		c.mu.Unlock()
	}
	return n, err
}

func (c *handshakeConn) handshakeDone() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}
