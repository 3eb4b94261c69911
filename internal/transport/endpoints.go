package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/pion/dtls/v2"
)

// SetupMode selects how much of the endpoint configuration is rebuilt.
type SetupMode int

const (
	// SetupReuse keeps existing engines unless the security settings changed.
	SetupReuse SetupMode = iota
	// SetupSecure rebuilds the secure engines.
	SetupSecure
	// SetupAll rebuilds every engine.
	SetupAll
)

func (m SetupMode) String() string {
	switch m {
	case SetupSecure:
		return "secure"
	case SetupAll:
		return "all"
	default:
		return "reuse"
	}
}

// ParseSetupMode parses "reuse", "secure" or "all".
func ParseSetupMode(s string) (SetupMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reuse":
		return SetupReuse, nil
	case "secure":
		return SetupSecure, nil
	case "all":
		return SetupAll, nil
	}
	return SetupReuse, fmt.Errorf("unknown setup mode %q", s)
}

// Sessions gives the secure engines access to cached sessions.
// Both fields may be nil.
type Sessions struct {
	DTLS dtls.SessionStore
	TLS  func(netip.AddrPort) tls.ClientSessionCache
}

// Endpoints holds one engine per scheme.
type Endpoints struct {
	mu          sync.Mutex
	cfg         Config
	logger      *slog.Logger
	initialized bool
	security    Security
	engines     map[string]Engine
}

// NewEndpoints creates unconfigured endpoints.
func NewEndpoints(cfg Config, logger *slog.Logger) *Endpoints {
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoints{cfg: cfg, logger: logger, engines: make(map[string]Engine)}
}

// Setup creates the engines as needed and reports whether any engine was
// (re)built. The secure engines are rebuilt on SetupSecure, on a changed
// security mode, and on a changed PSK identity.
func (e *Endpoints) Setup(mode SetupMode, sec Security, sessions Sessions) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mode == SetupAll {
		e.closeLocked()
	}

	changed := false
	if !e.initialized {
		e.engines[SchemeCoap] = NewUDPEngine(e.cfg)
		e.engines[SchemeCoapTCP] = NewTCPEngine(e.cfg, e.logger)
		changed = true
	}

	rebuild := !e.initialized ||
		mode != SetupReuse ||
		sec.Mode != e.security.Mode ||
		(sec.Mode == ModePSK && sec.PSKIdentity != e.security.PSKIdentity)
	if rebuild {
		e.closeEngine(SchemeCoaps)
		e.closeEngine(SchemeCoapsTCP)
		cfg := e.cfg
		cfg.Security = sec
		e.engines[SchemeCoaps] = NewDTLSEngine(cfg, sessions.DTLS, e.logger)
		e.engines[SchemeCoapsTCP] = NewTLSEngine(cfg, sessions.TLS, e.logger)
		e.security = sec
		changed = true
		e.logger.Info("Secure endpoints configured", "mode", sec.Mode, "setup", mode.String())
	}

	e.initialized = true
	return changed
}

// Engine returns the engine of scheme.
func (e *Endpoints) Engine(scheme string) (Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	engine, ok := e.engines[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return engine, nil
}

// Security returns the active security configuration.
func (e *Endpoints) Security() Security {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.security
}

// Close closes all engines. The next Setup rebuilds them.
func (e *Endpoints) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked()
	return nil
}

func (e *Endpoints) closeLocked() {
	for scheme := range e.engines {
		e.closeEngine(scheme)
	}
	e.initialized = false
	e.security = Security{}
}

func (e *Endpoints) closeEngine(scheme string) {
	if engine, ok := e.engines[scheme]; ok {
		if err := engine.Close(); err != nil {
			e.logger.Debug("Failed to close engine", "scheme", scheme, "error", err)
		}
		delete(e.engines, scheme)
	}
}
