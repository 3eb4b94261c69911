package sessions

import (
	"crypto/tls"
	"net/netip"
	"time"
)

// TLSCache adapts the store to a TLS client session cache bound to one peer.
// The session ticket serves as session id.
type TLSCache struct {
	store *Store
	peer  netip.AddrPort
	now   func() time.Time
}

var _ tls.ClientSessionCache = (*TLSCache)(nil)

// TLSFor returns a session cache for connections to peer.
func (s *Store) TLSFor(peer netip.AddrPort) tls.ClientSessionCache {
	return &TLSCache{store: s, peer: peer, now: time.Now}
}

// Get ignores the session key and resumes the peer's session.
func (c *TLSCache) Get(string) (*tls.ClientSessionState, bool) {
	id, ticket, ok := c.store.GetByPeer(c.peer)
	if !ok {
		return nil, false
	}
	state, err := tls.ParseSessionState(ticket.Secret)
	if err != nil {
		c.store.logger.Debug("Dropping unusable TLS session", "peer", c.peer, "error", err)
		c.store.Remove(id)
		return nil, false
	}
	cs, err := tls.NewResumptionState(id, state)
	if err != nil {
		return nil, false
	}
	return cs, true
}

// Put stores the peer's session. A nil state evicts it.
func (c *TLSCache) Put(_ string, cs *tls.ClientSessionState) {
	if cs == nil {
		if id, _, ok := c.store.GetByPeer(c.peer); ok {
			c.store.Remove(id)
		}
		return
	}
	ticket, state, err := cs.ResumptionState()
	if err != nil || len(ticket) == 0 {
		return
	}
	secret, err := state.Bytes()
	if err != nil {
		c.store.logger.Debug("Failed to serialize TLS session", "peer", c.peer, "error", err)
		return
	}
	c.store.Put(c.peer, ticket, Ticket{Secret: secret, Timestamp: c.now()})
}
