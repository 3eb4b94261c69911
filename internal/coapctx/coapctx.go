// Package coapctx holds the process-wide CoAP state: endpoints, caches,
// statistics and the device identity.
package coapctx

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/dnscache"
	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/receivetest"
	"github.com/ashureev/cloudcoap/internal/reqlog"
	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/resolve"
	"github.com/ashureev/cloudcoap/internal/secure"
	"github.com/ashureev/cloudcoap/internal/sessions"
	"github.com/ashureev/cloudcoap/internal/stats"
	"github.com/ashureev/cloudcoap/internal/store"
	"github.com/ashureev/cloudcoap/internal/transport"
	"github.com/google/uuid"
)

const recordTimeout = 10 * time.Second

// Options configure a Context.
type Options struct {
	Transport     transport.Config
	Protocol      string
	Destination   string
	IPv6          bool
	SecurityMode  transport.SecurityMode
	PSKSecret     string
	CertFile      string
	KeyFile       string
	CAFile        string
	ExtendedHosts []string
	// UseSessionCache and UseDNSCache enable the persisted caches.
	UseSessionCache bool
	UseDNSCache     bool
	// Resolver defaults to the system resolver.
	Resolver   resolve.Resolver
	Counters   request.Counters
	RequestLog reqlog.Logger
	Logger     *slog.Logger
}

// Context is created once per process and shared by the coordinator,
// the background job and the API.
type Context struct {
	opts      Options
	logger    *slog.Logger
	crypt     secure.Service
	repo      store.Repository
	endpoints *transport.Endpoints
	stats     *stats.Aggregator
	reqlog    reqlog.Logger
	creds     transport.Credentials

	// sessions and dns are nil when disabled.
	sessions *sessions.Store
	dns      *dnscache.Cache

	mu                  sync.Mutex
	uniqueID            string
	endpointsChanged    bool
	sessionCacheCleared bool
	ridMu               sync.Mutex
}

// New creates an uninitialized context. Call Init before use.
func New(crypt secure.Service, repo store.Repository, opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Resolver == nil {
		opts.Resolver = resolve.SystemResolver{}
	}
	if opts.RequestLog == nil {
		opts.RequestLog, _ = reqlog.New(reqlog.Config{}, nil)
	}
	if crypt == nil {
		crypt = secure.Plain{}
	}
	return &Context{
		opts:      opts,
		logger:    opts.Logger,
		crypt:     crypt,
		repo:      repo,
		endpoints: transport.NewEndpoints(opts.Transport, opts.Logger),
		stats:     stats.New(repo, opts.Logger),
		reqlog:    opts.RequestLog,
	}
}

// Init loads the device identity, the credentials and the persisted caches.
func (c *Context) Init(ctx context.Context) error {
	id, ok, err := c.repo.GetSetting(ctx, store.SettingUniqueID)
	if err != nil {
		return fmt.Errorf("load unique id: %w", err)
	}
	if !ok || id == "" {
		id = uuid.NewString()
		if err := c.repo.PutSetting(ctx, store.SettingUniqueID, id); err != nil {
			return fmt.Errorf("store unique id: %w", err)
		}
		c.logger.Info("Created device identity", "unique_id", id)
	}

	creds, err := transport.LoadCredentials(c.opts.CertFile, c.opts.KeyFile, c.opts.CAFile)
	if err != nil {
		c.logger.Warn("Credentials not loaded, using PSK", "error", err)
		creds = transport.Credentials{}
	}

	c.mu.Lock()
	c.uniqueID = id
	c.creds = creds
	c.mu.Unlock()

	if c.opts.UseSessionCache {
		c.sessions = sessions.New(ctx, store.NewBucket(c.repo, store.NamespaceSessions), c.crypt, c.logger)
	}
	if c.opts.UseDNSCache {
		c.dns = dnscache.New(ctx, store.NewBucket(c.repo, store.NamespaceDNS), c.crypt, c.logger)
	}
	c.logger.Info("CoAP context initialized",
		"unique_id", id,
		"session_cache", c.opts.UseSessionCache,
		"dns_cache", c.opts.UseDNSCache,
	)
	return nil
}

// Configure sets up the endpoints and returns the arguments of a request
// to the configured destination.
func (c *Context) Configure(mode transport.SetupMode) (request.Args, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uniqueID == "" {
		return request.Args{}, fmt.Errorf("context not initialized")
	}

	if c.sessionCacheCleared && mode == transport.SetupReuse {
		mode = transport.SetupSecure
	}
	sec := transport.NewSecurity(c.opts.SecurityMode, c.uniqueID, c.opts.PSKSecret, c.creds)
	if c.endpoints.Setup(mode, sec, c.sessionAccess()) {
		c.endpointsChanged = true
	}
	c.sessionCacheCleared = false

	args := request.Args{
		URI:              c.opts.Protocol + "://" + c.opts.Destination,
		IPv6:             c.opts.IPv6,
		Mode:             request.ModeStatistic,
		UniqueID:         c.uniqueID,
		ExtendedHosts:    c.opts.ExtendedHosts,
		EndpointsChanged: c.endpointsChanged,
	}
	c.endpointsChanged = false
	return args, nil
}

func (c *Context) sessionAccess() transport.Sessions {
	if c.sessions == nil {
		return transport.Sessions{}
	}
	return transport.Sessions{DTLS: c.sessions.DTLS(), TLS: c.sessions.TLSFor}
}

// Deps returns the collaborators of a new executor.
func (c *Context) Deps() request.Deps {
	deps := request.Deps{
		Engines:  c.endpoints,
		Resolver: c.opts.Resolver,
		Counters: c.opts.Counters,
		Logger:   c.logger,
	}
	if c.dns != nil {
		deps.DNS = c.dns
	}
	return deps
}

// NewExecutor creates an executor bound to this context.
func (c *Context) NewExecutor() *request.Executor {
	return request.New(c.Deps())
}

// UniqueID returns the device identity.
func (c *Context) UniqueID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueID
}

// Security returns the active security configuration.
func (c *Context) Security() transport.Security {
	return c.endpoints.Security()
}

// Stats returns the statistics aggregator.
func (c *Context) Stats() *stats.Aggregator {
	return c.stats
}

// ResetSessionCache drops all cached sessions. The next setup rebuilds
// the secure endpoints.
func (c *Context) ResetSessionCache() {
	if c.sessions != nil {
		c.sessions.Clear()
	}
	c.mu.Lock()
	c.sessionCacheCleared = true
	c.mu.Unlock()
	c.logger.Info("Session cache cleared")
}

// ResetDNSCache drops all cached addresses.
func (c *Context) ResetDNSCache(ctx context.Context) {
	if c.dns != nil {
		c.dns.Clear(ctx)
	}
	c.logger.Info("DNS cache cleared")
}

// Reset clears both caches and closes the endpoints.
func (c *Context) Reset(ctx context.Context) {
	c.ResetSessionCache()
	c.ResetDNSCache(ctx)
	if err := c.endpoints.Close(); err != nil {
		c.logger.Warn("Failed to close endpoints", "error", err)
	}
}

// ResetIdentity creates a new device identity. Pending request ids and
// cached sessions belong to the old identity and are dropped.
func (c *Context) ResetIdentity(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := c.repo.PutSetting(ctx, store.SettingUniqueID, id); err != nil {
		return "", fmt.Errorf("store unique id: %w", err)
	}
	c.ridMu.Lock()
	err := c.repo.DeleteSetting(ctx, store.SettingNoResponseRIDs)
	c.ridMu.Unlock()
	if err != nil {
		c.logger.Warn("Failed to clear pending request ids", "error", err)
	}

	c.mu.Lock()
	old := c.uniqueID
	c.uniqueID = id
	c.mu.Unlock()
	c.ResetSessionCache()
	c.logger.Info("Device identity reset", "old_unique_id", old, "unique_id", id)
	return id, nil
}

// CacheSizes returns the number of cached sessions and DNS entries.
func (c *Context) CacheSizes() (sessionCount, dnsCount int) {
	if c.sessions != nil {
		sessionCount = c.sessions.Size()
	}
	if c.dns != nil {
		dnsCount = c.dns.Size()
	}
	return sessionCount, dnsCount
}

// PendingRIDs returns the ids of statistic requests without response.
func (c *Context) PendingRIDs(ctx context.Context) ([]string, error) {
	value, _, err := c.repo.GetSetting(ctx, store.SettingNoResponseRIDs)
	if err != nil {
		return nil, err
	}
	return receivetest.ParseRIDs(value), nil
}

// RecordOutcome updates the statistics, the loss tracking and the request log.
func (c *Context) RecordOutcome(o domain.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if _, err := c.stats.Update(ctx, o.StartedAt, o.EndpointsChanged, o); err != nil {
		c.logger.Warn("Failed to update statistics", "error", err)
	}
	if o.RID != "" {
		c.trackRID(ctx, o)
	}
	c.reqlog.Log(o)
}

func (c *Context) trackRID(ctx context.Context, o domain.Outcome) {
	c.ridMu.Lock()
	defer c.ridMu.Unlock()

	value, _, err := c.repo.GetSetting(ctx, store.SettingNoResponseRIDs)
	if err != nil {
		c.logger.Warn("Failed to load pending request ids", "error", err)
		return
	}
	pending := receivetest.ParseRIDs(value)

	var next []string
	switch {
	case !o.Success():
		next = receivetest.AppendRID(pending, o.RID)
	case len(o.Received) == 0:
		// Answered without a report, nothing to correlate.
		return
	default:
		lost, remaining := receivetest.Process(o.Received, pending)
		if len(lost) > 0 {
			if _, err := c.stats.UpdateLostResponses(ctx, lost); err != nil {
				c.logger.Warn("Failed to record lost responses", "error", err)
			}
		}
		c.logger.Debug("Statistic received", "rid", o.RID, "lost", len(lost),
			"report", receivetest.Describe(o.Received, pending))
		next = remaining
	}

	if slices.Equal(next, pending) {
		return
	}
	if len(next) == 0 {
		err = c.repo.DeleteSetting(ctx, store.SettingNoResponseRIDs)
	} else {
		err = c.repo.PutSetting(ctx, store.SettingNoResponseRIDs, receivetest.SerializeRIDs(next))
	}
	if err != nil {
		c.logger.Warn("Failed to store pending request ids", "error", err)
	}
}

// Ping checks the storage.
func (c *Context) Ping(ctx context.Context) error {
	return c.repo.Ping(ctx)
}

// Close closes the endpoints and the request log and waits for pending
// session writes. The repository is owned by the caller.
func (c *Context) Close() error {
	err := c.endpoints.Close()
	if c.sessions != nil {
		c.sessions.Flush()
	}
	if lerr := c.reqlog.Close(); lerr != nil && err == nil {
		err = lerr
	}
	return err
}
