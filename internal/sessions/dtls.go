package sessions

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/dtls/v2"
)

// DTLSStore adapts the store to the pion session store of a DTLS client.
type DTLSStore struct {
	store *Store
	now   func() time.Time
}

var _ dtls.SessionStore = (*DTLSStore)(nil)

// DTLS returns the pion adapter of the store.
func (s *Store) DTLS() *DTLSStore {
	return &DTLSStore{store: s, now: time.Now}
}

// peerFromKey parses a client session key of the form "host:port_servername".
func peerFromKey(key []byte) (netip.AddrPort, error) {
	k := string(key)
	if i := strings.LastIndexByte(k, '_'); i >= 0 {
		k = k[:i]
	}
	peer, err := netip.ParseAddrPort(k)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse session key %q: %w", key, err)
	}
	return netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port()), nil
}

// Set stores a session negotiated with the peer named by key.
// A session equal to the stored one keeps its original timestamp.
func (d *DTLSStore) Set(key []byte, s dtls.Session) error {
	peer, err := peerFromKey(key)
	if err != nil {
		return err
	}
	ts := d.now()
	if id, ticket, ok := d.store.GetByPeer(peer); ok && bytes.Equal(id, s.ID) && bytes.Equal(ticket.Secret, s.Secret) {
		ts = ticket.Timestamp
	}
	d.store.Put(peer, s.ID, Ticket{Secret: s.Secret, Timestamp: ts})
	return nil
}

// Get returns the session to resume for the peer named by key.
// A missing session is returned as the zero Session.
func (d *DTLSStore) Get(key []byte) (dtls.Session, error) {
	peer, err := peerFromKey(key)
	if err != nil {
		return dtls.Session{}, err
	}
	id, ticket, ok := d.store.GetByPeer(peer)
	if !ok {
		return dtls.Session{}, nil
	}
	return dtls.Session{ID: id, Secret: bytes.Clone(ticket.Secret)}, nil
}

// Del evicts the session of the peer named by key.
func (d *DTLSStore) Del(key []byte) error {
	peer, err := peerFromKey(key)
	if err != nil {
		return err
	}
	if id, _, ok := d.store.GetByPeer(peer); ok {
		d.store.Remove(id)
	}
	return nil
}
