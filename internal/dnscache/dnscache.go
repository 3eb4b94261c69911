// Package dnscache keeps resolved host addresses across restarts.
package dnscache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/secure"
	"github.com/ashureev/cloudcoap/internal/store"
)

// ExpireAfter is the age after which an entry is reported as expired.
const ExpireAfter = 24 * time.Hour

const storeTimeout = 10 * time.Second

// Persistence is the key/value surface the cache persists to.
type Persistence interface {
	Load(ctx context.Context) ([]store.Record, error)
	Store(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context) error
}

// Entry is the resolution result of a host.
type Entry struct {
	Addresses []netip.Addr `json:"addresses"`
	Timestamp time.Time    `json:"timestamp"`
	Expired   bool         `json:"expired"`
}

// Cache maps host (or host@env) to resolved addresses.
// Expired entries are still returned; callers decide whether to resolve again.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	persist Persistence
	crypt   secure.Service
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a cache and loads the persisted entries.
// persist may be nil for a memory-only cache.
func New(ctx context.Context, persist Persistence, crypt secure.Service, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if crypt == nil {
		crypt = secure.Plain{}
	}
	c := &Cache{
		entries: make(map[string]Entry),
		persist: persist,
		crypt:   crypt,
		logger:  logger,
		now:     time.Now,
	}
	c.load(ctx)
	return c
}

func (c *Cache) load(ctx context.Context) {
	if c.persist == nil {
		return
	}
	records, err := c.persist.Load(ctx)
	if err != nil {
		c.logger.Warn("Failed to load persisted DNS entries", "error", err)
		return
	}

	for _, rec := range records {
		entry, err := c.decode(rec)
		if err != nil {
			c.logger.Warn("Dropping persisted DNS entry", "key", rec.Key, "error", err)
			// Unlike sessions, a host may never be looked up again to overwrite its record.
			if err := c.persist.Remove(ctx, rec.Key); err != nil {
				c.logger.Warn("Failed to remove DNS entry", "key", rec.Key, "error", err)
			}
			continue
		}
		c.mu.Lock()
		c.entries[rec.Key] = entry
		c.mu.Unlock()
		c.logger.Debug("Loaded DNS entry", "key", rec.Key, "addresses", entry.Addresses)
	}

	if len(records) > 0 && c.Size() == 0 {
		c.logger.Warn("All persisted DNS entries dropped, clearing persisted store", "count", len(records))
		if err := c.persist.RemoveAll(ctx); err != nil {
			c.logger.Warn("Failed to clear persisted DNS entries", "error", err)
		}
	}
}

// decode parses "timestamp@hex@hex...".
func (c *Cache) decode(rec store.Record) (Entry, error) {
	plain, err := c.crypt.Decrypt(rec.Value, rec.Key)
	if err != nil {
		return Entry{}, err
	}
	parts := strings.Split(plain, "@")
	if len(parts) < 2 {
		return Entry{}, errors.New("no addresses")
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	addrs := make([]netip.Addr, 0, len(parts)-1)
	for _, part := range parts[1:] {
		raw, err := hex.DecodeString(part)
		if err != nil {
			return Entry{}, fmt.Errorf("parse address: %w", err)
		}
		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			return Entry{}, fmt.Errorf("parse address: %d bytes", len(raw))
		}
		addrs = append(addrs, addr)
	}
	return Entry{Addresses: addrs, Timestamp: time.UnixMilli(ms)}, nil
}

func encode(e Entry) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(e.Timestamp.UnixMilli(), 10))
	for _, addr := range e.Addresses {
		b.WriteByte('@')
		b.WriteString(hex.EncodeToString(addr.AsSlice()))
	}
	return b.String()
}

// Key returns the cache key of host in env.
func Key(host, env string) string {
	if env == "" {
		return host
	}
	return host + "@" + env
}

// ParseLiteral parses a textual IPv4 or IPv6 address, with or without brackets.
func ParseLiteral(host string) (netip.Addr, bool) {
	h := host
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	addr, err := netip.ParseAddr(h)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// GetAddress returns the entry of host. Literal addresses are answered
// from the host string without touching the cache.
func (c *Cache) GetAddress(host, env string) (Entry, bool) {
	if addr, ok := ParseLiteral(host); ok {
		return Entry{Addresses: []netip.Addr{addr}, Timestamp: c.now()}, true
	}
	c.mu.RLock()
	entry, ok := c.entries[Key(host, env)]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	entry.Addresses = slices.Clone(entry.Addresses)
	entry.Expired = c.now().Sub(entry.Timestamp) > ExpireAfter
	return entry, true
}

// PutAddresses replaces the entry of host and persists it.
// Literal hosts and empty address lists are ignored.
func (c *Cache) PutAddresses(ctx context.Context, host, env string, addrs []netip.Addr) {
	if _, ok := ParseLiteral(host); ok || len(addrs) == 0 {
		return
	}
	key := Key(host, env)
	entry := Entry{Addresses: slices.Clone(addrs), Timestamp: c.now()}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	c.logger.Debug("DNS entry stored", "key", key, "addresses", addrs)

	if c.persist == nil {
		return
	}
	blob, err := c.crypt.Encrypt(encode(entry), key)
	if err != nil {
		c.logger.Warn("Failed to encrypt DNS entry", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := c.persist.Store(ctx, key, blob); err != nil {
		c.logger.Warn("Failed to persist DNS entry", "key", key, "error", err)
	}
}

// Clear drops all entries, in memory and persisted.
func (c *Cache) Clear(ctx context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	if err := c.persist.RemoveAll(ctx); err != nil {
		c.logger.Warn("Failed to clear persisted DNS entries", "error", err)
	}
}

// Size returns the number of cached hosts.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
