// Package sessions caches negotiated DTLS/TLS sessions by peer and by session id.
package sessions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/cloudcoap/internal/secure"
	"github.com/ashureev/cloudcoap/internal/store"
)

const writeTimeout = 10 * time.Second

// Persistence is the key/value surface the store persists to.
type Persistence interface {
	Load(ctx context.Context) ([]store.Record, error)
	Store(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context) error
}

// Ticket is the resumption material of a session.
type Ticket struct {
	Secret    []byte
	Timestamp time.Time
}

// Equal reports whether both tickets carry the same secret and timestamp.
func (t Ticket) Equal(o Ticket) bool {
	return bytes.Equal(t.Secret, o.Secret) && t.Timestamp.Equal(o.Timestamp)
}

// encode returns timestamp(ms, big endian) || secret.
func (t Ticket) encode() []byte {
	buf := make([]byte, 8+len(t.Secret))
	binary.BigEndian.PutUint64(buf, uint64(t.Timestamp.UnixMilli()))
	copy(buf[8:], t.Secret)
	return buf
}

func decodeTicket(b []byte) (Ticket, error) {
	if len(b) < 8 {
		return Ticket{}, errors.New("ticket too short")
	}
	ms := int64(binary.BigEndian.Uint64(b[:8]))
	return Ticket{
		Secret:    bytes.Clone(b[8:]),
		Timestamp: time.UnixMilli(ms),
	}, nil
}

type record struct {
	peer   netip.AddrPort
	id     []byte
	ticket Ticket
}

func (r *record) equal(o *record) bool {
	return r.peer == o.peer && bytes.Equal(r.id, o.id) && r.ticket.Equal(o.ticket)
}

// persisted is the decrypted JSON form of a record.
type persisted struct {
	Addr   string `json:"addr"`
	Port   uint16 `json:"port"`
	ID     string `json:"id"`
	Ticket string `json:"ticket"`
}

// Store holds session records reachable by peer and by session id.
// Both indices are updated under one lock and always point to the same record.
type Store struct {
	mu     sync.RWMutex
	byPeer map[netip.AddrPort]*record
	byID   map[string]*record

	persist Persistence
	crypt   secure.Service
	logger  *slog.Logger

	writeMu sync.Mutex // Orders persistence writes against Clear
	pending sync.WaitGroup
	writes  atomic.Int64
}

// New creates a store and loads the persisted records.
// persist may be nil for a memory-only store.
func New(ctx context.Context, persist Persistence, crypt secure.Service, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if crypt == nil {
		crypt = secure.Plain{}
	}
	s := &Store{
		byPeer:  make(map[netip.AddrPort]*record),
		byID:    make(map[string]*record),
		persist: persist,
		crypt:   crypt,
		logger:  logger,
	}
	s.load(ctx)
	return s
}

func (s *Store) load(ctx context.Context) {
	if s.persist == nil {
		return
	}
	records, err := s.persist.Load(ctx)
	if err != nil {
		s.logger.Warn("Failed to load persisted sessions", "error", err)
		return
	}

	for _, rec := range records {
		r, err := s.decode(rec)
		if err != nil {
			s.logger.Warn("Dropping persisted session", "key", rec.Key, "error", err)
			// Kept in place; the next handshake with the peer overwrites it.
			continue
		}
		s.index(r)
		s.logger.Debug("Loaded session", "peer", r.peer, "session_id", hex.EncodeToString(r.id))
	}

	if len(records) > 0 && s.Size() == 0 {
		s.logger.Warn("All persisted sessions dropped, clearing persisted store", "count", len(records))
		if err := s.persist.RemoveAll(ctx); err != nil {
			s.logger.Warn("Failed to clear persisted sessions", "error", err)
		}
	}
}

func (s *Store) decode(rec store.Record) (*record, error) {
	plain, err := s.crypt.Decrypt(rec.Value, rec.Key)
	if err != nil {
		return nil, err
	}
	var p persisted
	if err := json.Unmarshal([]byte(plain), &p); err != nil {
		return nil, fmt.Errorf("parse session record: %w", err)
	}
	addr, err := netip.ParseAddr(p.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse session address: %w", err)
	}
	id, err := base64.StdEncoding.DecodeString(p.ID)
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("parse session id: %q", p.ID)
	}
	raw, err := base64.StdEncoding.DecodeString(p.Ticket)
	if err != nil {
		return nil, fmt.Errorf("parse session ticket: %w", err)
	}
	ticket, err := decodeTicket(raw)
	if err != nil {
		return nil, err
	}
	return &record{peer: netip.AddrPortFrom(addr, p.Port), id: id, ticket: ticket}, nil
}

func (s *Store) encode(r *record) (string, error) {
	data, err := json.Marshal(persisted{
		Addr:   r.peer.Addr().String(),
		Port:   r.peer.Port(),
		ID:     base64.StdEncoding.EncodeToString(r.id),
		Ticket: base64.StdEncoding.EncodeToString(r.ticket.encode()),
	})
	if err != nil {
		return "", err
	}
	return s.crypt.Encrypt(string(data), peerKey(r.peer))
}

func peerKey(peer netip.AddrPort) string {
	return peer.String()
}

// index replaces any record for the same peer or id.
func (s *Store) index(r *record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexLocked(r)
}

// indexLocked returns the record previously stored for r.peer and, when
// r.id moved from another peer, that peer.
func (s *Store) indexLocked(r *record) (prev *record, displaced *netip.AddrPort) {
	prev = s.byPeer[r.peer]
	if prev != nil {
		delete(s.byID, string(prev.id))
	}
	if other := s.byID[string(r.id)]; other != nil && other.peer != r.peer {
		delete(s.byPeer, other.peer)
		displaced = &other.peer
	}
	s.byPeer[r.peer] = r
	s.byID[string(r.id)] = r
	return prev, displaced
}

// Get returns the ticket of a session id.
func (s *Store) Get(id []byte) (Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[string(id)]
	if !ok {
		return Ticket{}, false
	}
	return r.ticket, true
}

// GetByPeer returns the session id and ticket last stored for peer.
func (s *Store) GetByPeer(peer netip.AddrPort) ([]byte, Ticket, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byPeer[peer]
	if !ok {
		return nil, Ticket{}, false
	}
	return bytes.Clone(r.id), r.ticket, true
}

// Put stores a session for peer. The in-memory indices are updated before
// Put returns; the persistence write happens in the background and is
// skipped if the record equals the one already stored for the peer.
func (s *Store) Put(peer netip.AddrPort, id []byte, ticket Ticket) {
	r := &record{
		peer:   peer,
		id:     bytes.Clone(id),
		ticket: Ticket{Secret: bytes.Clone(ticket.Secret), Timestamp: ticket.Timestamp},
	}

	s.mu.Lock()
	prev, displaced := s.indexLocked(r)
	s.mu.Unlock()

	if prev != nil && prev.equal(r) {
		s.logger.Debug("Session unchanged", "peer", peer, "session_id", hex.EncodeToString(id))
		return
	}
	s.logger.Info("Session stored", "peer", peer, "session_id", hex.EncodeToString(id))

	if s.persist == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.write(r)
		if displaced != nil {
			s.removePersisted(*displaced)
		}
	}()
}

// write persists r unless it has been superseded or removed meanwhile.
func (s *Store) write(r *record) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	cur := s.byPeer[r.peer]
	s.mu.RUnlock()
	if cur == nil || !cur.equal(r) {
		return
	}

	blob, err := s.encode(r)
	if err != nil {
		s.logger.Warn("Failed to encrypt session", "peer", r.peer, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.persist.Store(ctx, peerKey(r.peer), blob); err != nil {
		s.logger.Warn("Failed to persist session", "peer", r.peer, "error", err)
		return
	}
	s.writes.Add(1)
}

// Remove evicts a session id from both indices and from persistence.
func (s *Store) Remove(id []byte) {
	s.mu.Lock()
	r, ok := s.byID[string(id)]
	if ok {
		delete(s.byID, string(id))
		if s.byPeer[r.peer] == r {
			delete(s.byPeer, r.peer)
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.logger.Info("Session removed", "peer", r.peer, "session_id", hex.EncodeToString(id))

	if s.persist == nil {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.removePersisted(r.peer)
	}()
}

// removePersisted deletes the persisted record of peer unless a new
// session has been stored for it meanwhile.
func (s *Store) removePersisted(peer netip.AddrPort) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	replaced := s.byPeer[peer] != nil
	s.mu.RUnlock()
	if replaced {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.persist.Remove(ctx, peerKey(peer)); err != nil {
		s.logger.Warn("Failed to remove persisted session", "peer", peer, "error", err)
	}
}

// Clear drops all sessions, in memory and persisted.
func (s *Store) Clear() {
	s.mu.Lock()
	s.byPeer = make(map[netip.AddrPort]*record)
	s.byID = make(map[string]*record)
	s.mu.Unlock()

	if s.persist == nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.persist.RemoveAll(ctx); err != nil {
		s.logger.Warn("Failed to clear persisted sessions", "error", err)
	}
}

// Size returns the number of cached sessions.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPeer)
}

// Peers returns the peers with a cached session in address order.
func (s *Store) Peers() []netip.AddrPort {
	s.mu.RLock()
	peers := make([]netip.AddrPort, 0, len(s.byPeer))
	for peer := range s.byPeer {
		peers = append(peers, peer)
	}
	s.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Compare(peers[j]) < 0 })
	return peers
}

// Flush waits for pending persistence writes.
func (s *Store) Flush() {
	s.pending.Wait()
}

// Writes returns the number of completed persistence writes.
func (s *Store) Writes() int64 {
	return s.writes.Load()
}
