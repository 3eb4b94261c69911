package sessions

import (
	"context"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cloudcoap/internal/secure"
	"github.com/ashureev/cloudcoap/internal/store"
)

var (
	peerA = netip.MustParseAddrPort("1.2.3.4:5684")
	peerB = netip.MustParseAddrPort("[2001:db8::1]:5684")
	peerC = netip.MustParseAddrPort("192.0.2.7:5684")
)

type testEnv struct {
	repo   *store.Memory
	bucket *store.Bucket
	crypt  secure.Service
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	crypt, err := secure.NewKeyFileService(filepath.Join(t.TempDir(), "record.key"))
	if err != nil {
		t.Fatalf("NewKeyFileService() error = %v", err)
	}
	repo := store.NewMemory()
	return &testEnv{repo: repo, bucket: store.NewBucket(repo, store.NamespaceSessions), crypt: crypt}
}

func (e *testEnv) open() *Store {
	return New(context.Background(), e.bucket, e.crypt, nil)
}

func ticketAt(secret string, ms int64) Ticket {
	return Ticket{Secret: []byte(secret), Timestamp: time.UnixMilli(ms)}
}

func TestStore_PutSupersedesPeer(t *testing.T) {
	s := newEnv(t).open()

	s.Put(peerA, []byte{0xAA}, ticketAt("T1", 1000))
	if got := s.Size(); got != 1 {
		t.Fatalf("Size() = %d, want 1", got)
	}

	s.Put(peerA, []byte{0xBB}, ticketAt("T2", 2000))
	if got := s.Size(); got != 1 {
		t.Fatalf("Size() after supersede = %d, want 1", got)
	}
	if _, ok := s.Get([]byte{0xAA}); ok {
		t.Error("Get(0xAA) present after supersede")
	}
	ticket, ok := s.Get([]byte{0xBB})
	if !ok || !ticket.Equal(ticketAt("T2", 2000)) {
		t.Errorf("Get(0xBB) = %+v, %v; want T2@2000", ticket, ok)
	}
	id, byPeer, ok := s.GetByPeer(peerA)
	if !ok || string(id) != "\xBB" || !byPeer.Equal(ticket) {
		t.Errorf("GetByPeer() = %x, %+v, %v", id, byPeer, ok)
	}
	s.Flush()
}

func TestStore_IndicesAgree(t *testing.T) {
	s := newEnv(t).open()

	s.Put(peerA, []byte{1}, ticketAt("a", 1))
	s.Put(peerB, []byte{2}, ticketAt("b", 2))
	// Same id moves to another peer.
	s.Put(peerC, []byte{1}, ticketAt("c", 3))

	if _, _, ok := s.GetByPeer(peerA); ok {
		t.Error("GetByPeer(peerA) present after its id moved to peerC")
	}
	if id, _, ok := s.GetByPeer(peerC); !ok || id[0] != 1 {
		t.Errorf("GetByPeer(peerC) = %v, %v", id, ok)
	}
	if got := s.Size(); got != 2 {
		t.Errorf("Size() = %d, want 2", got)
	}

	s.Remove([]byte{2})
	if _, _, ok := s.GetByPeer(peerB); ok {
		t.Error("GetByPeer(peerB) present after Remove")
	}
	if _, ok := s.Get([]byte{2}); ok {
		t.Error("Get(2) present after Remove")
	}
	s.Remove([]byte{9})
	if got := s.Size(); got != 1 {
		t.Errorf("Size() after Remove = %d, want 1", got)
	}
	s.Flush()
}

func TestStore_MovedIDDropsOldPeerRecord(t *testing.T) {
	env := newEnv(t)
	s := env.open()
	s.Put(peerA, []byte{1}, ticketAt("a", 1))
	s.Put(peerB, []byte{2}, ticketAt("b", 2))
	s.Flush()

	s.Put(peerC, []byte{1}, ticketAt("c", 3))
	s.Flush()

	records, err := env.bucket.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	keys := make(map[string]bool, len(records))
	for _, rec := range records {
		keys[rec.Key] = true
	}
	if keys[peerA.String()] || !keys[peerB.String()] || !keys[peerC.String()] || len(keys) != 2 {
		t.Fatalf("persisted keys = %v, want %v and %v", keys, peerB, peerC)
	}

	reloaded := env.open()
	if _, _, ok := reloaded.GetByPeer(peerA); ok {
		t.Error("GetByPeer(peerA) present after reload")
	}
	if id, ticket, ok := reloaded.GetByPeer(peerC); !ok || id[0] != 1 || !ticket.Equal(ticketAt("c", 3)) {
		t.Errorf("GetByPeer(peerC) = %v, %+v, %v", id, ticket, ok)
	}
}

func TestStore_EqualPutSkipsWrite(t *testing.T) {
	s := newEnv(t).open()

	s.Put(peerA, []byte{0xAA}, ticketAt("T1", 1000))
	s.Flush()
	if got := s.Writes(); got != 1 {
		t.Fatalf("Writes() = %d, want 1", got)
	}

	s.Put(peerA, []byte{0xAA}, ticketAt("T1", 1000))
	s.Flush()
	if got := s.Writes(); got != 1 {
		t.Errorf("Writes() after equal put = %d, want 1", got)
	}
	if _, ok := s.Get([]byte{0xAA}); !ok {
		t.Error("Get(0xAA) missing after equal put")
	}

	s.Put(peerA, []byte{0xAA}, ticketAt("T1", 1001))
	s.Flush()
	if got := s.Writes(); got != 2 {
		t.Errorf("Writes() after changed put = %d, want 2", got)
	}
}

func TestStore_PersistenceRoundTrip(t *testing.T) {
	env := newEnv(t)
	s := env.open()
	s.Put(peerA, []byte{0xAA, 0x01}, ticketAt("secret-a", 1000))
	s.Put(peerB, []byte{0xBB}, ticketAt("secret-b", 2000))
	s.Flush()

	records, _ := env.bucket.Load(context.Background())
	for _, rec := range records {
		if rec.Key != peerA.String() && rec.Key != peerB.String() {
			t.Errorf("unexpected persisted key %q", rec.Key)
		}
	}

	reloaded := env.open()
	if got := reloaded.Size(); got != 2 {
		t.Fatalf("Size() after reload = %d, want 2", got)
	}
	for _, tc := range []struct {
		peer   netip.AddrPort
		id     []byte
		ticket Ticket
	}{
		{peerA, []byte{0xAA, 0x01}, ticketAt("secret-a", 1000)},
		{peerB, []byte{0xBB}, ticketAt("secret-b", 2000)},
	} {
		id, ticket, ok := reloaded.GetByPeer(tc.peer)
		if !ok || string(id) != string(tc.id) || !ticket.Equal(tc.ticket) {
			t.Errorf("GetByPeer(%v) = %x, %+v, %v", tc.peer, id, ticket, ok)
		}
	}
	if reloaded.Writes() != 0 {
		t.Errorf("reload wrote %d records", reloaded.Writes())
	}
}

func TestStore_CorruptEntryDropped(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	s := env.open()
	s.Put(peerA, []byte{1}, ticketAt("a", 1))
	s.Put(peerB, []byte{2}, ticketAt("b", 2))
	s.Put(peerC, []byte{3}, ticketAt("c", 3))
	s.Flush()

	if err := env.bucket.Store(ctx, peerB.String(), "garbage"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	// A valid blob stored under a foreign key fails its context check.
	records, _ := env.bucket.Load(ctx)
	var blobA string
	for _, rec := range records {
		if rec.Key == peerA.String() {
			blobA = rec.Value
		}
	}
	if err := env.bucket.Store(ctx, "198.51.100.1:5684", blobA); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	reloaded := env.open()
	if got := reloaded.Size(); got != 2 {
		t.Fatalf("Size() = %d, want 2", got)
	}
	if _, _, ok := reloaded.GetByPeer(peerB); ok {
		t.Error("corrupt peerB entry loaded")
	}
	records, _ = env.bucket.Load(ctx)
	if len(records) != 4 {
		t.Errorf("corrupt entries were rewritten or removed, persisted = %d", len(records))
	}
}

func TestStore_AllCorruptClearsPersistence(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	_ = env.bucket.Store(ctx, peerA.String(), "garbage")
	_ = env.bucket.Store(ctx, peerB.String(), "more garbage")

	s := env.open()
	if s.Size() != 0 {
		t.Fatalf("Size() = %d, want 0", s.Size())
	}
	records, _ := env.bucket.Load(ctx)
	if len(records) != 0 {
		t.Errorf("persisted records = %d, want 0", len(records))
	}
}

func TestStore_RemoveAndClearPersist(t *testing.T) {
	ctx := context.Background()
	env := newEnv(t)
	s := env.open()
	s.Put(peerA, []byte{1}, ticketAt("a", 1))
	s.Put(peerB, []byte{2}, ticketAt("b", 2))
	s.Flush()

	s.Remove([]byte{1})
	s.Flush()
	records, _ := env.bucket.Load(ctx)
	if len(records) != 1 || records[0].Key != peerB.String() {
		t.Fatalf("persisted after Remove = %+v", records)
	}

	s.Clear()
	if s.Size() != 0 {
		t.Errorf("Size() after Clear = %d", s.Size())
	}
	records, _ = env.bucket.Load(ctx)
	if len(records) != 0 {
		t.Errorf("persisted after Clear = %d", len(records))
	}
}

func TestStore_Peers(t *testing.T) {
	s := New(context.Background(), nil, nil, nil)
	s.Put(peerC, []byte{3}, ticketAt("c", 3))
	s.Put(peerA, []byte{1}, ticketAt("a", 1))

	peers := s.Peers()
	if len(peers) != 2 || peers[0] != peerA || peers[1] != peerC {
		t.Errorf("Peers() = %v", peers)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := newEnv(t).open()
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.Put(peerA, []byte{byte(i), byte(j)}, ticketAt("x", int64(j)))
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 800; j++ {
			// The record may be superseded between both reads.
			if id, _, ok := s.GetByPeer(peerA); ok {
				_, _ = s.Get(id)
			}
			_ = s.Size()
		}
	}()
	wg.Wait()
	s.Flush()

	if s.Size() != 1 {
		t.Errorf("Size() = %d, want 1", s.Size())
	}
	id, _, ok := s.GetByPeer(peerA)
	if !ok {
		t.Fatal("GetByPeer() missing")
	}
	if _, found := s.Get(id); !found {
		t.Error("Get() disagrees with GetByPeer()")
	}
}
