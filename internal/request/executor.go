// Package request runs one CoAP request from name resolution to its outcome.
package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/dnscache"
	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/receivetest"
	"github.com/ashureev/cloudcoap/internal/resolve"
	"github.com/ashureev/cloudcoap/internal/transport"
	"github.com/dustin/go-coap"
)

var (
	// ErrMissingHost is returned for a URI without host.
	ErrMissingHost = errors.New("missing hostname in URI")
	// ErrStarted is returned when an executor is started twice.
	ErrStarted = errors.New("executor already started")
)

// Engines returns the protocol engine of a scheme.
type Engines interface {
	Engine(scheme string) (transport.Engine, error)
}

// AddressCache is the DNS cache consulted before resolving.
type AddressCache interface {
	GetAddress(host, env string) (dnscache.Entry, bool)
	PutAddresses(ctx context.Context, host, env string, addrs []netip.Addr)
}

// Observer receives the snapshots and the outcome of an executor.
// Calls are serialized; implementations must not block or call back
// into the executor.
type Observer interface {
	OnProgress(p domain.Progress)
	OnOutcome(o domain.Outcome)
}

// Deps are the collaborators of an executor. DNS and Counters are optional.
type Deps struct {
	Engines  Engines
	Resolver resolve.Resolver
	DNS      AddressCache
	Counters Counters
	Logger   *slog.Logger
}

// Executor runs one request asynchronously. It publishes a new snapshot
// for every state change and produces exactly one outcome.
type Executor struct {
	deps   Deps
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	stateMu  sync.Mutex
	started  bool
	finished bool
	reason   string
	args     Args

	mu       sync.Mutex
	progress domain.Progress
	terminal bool
	outcome  *domain.Outcome
	obs      Observer
}

// New creates an executor.
func New(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Resolver == nil {
		deps.Resolver = resolve.SystemResolver{}
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Executor{
		deps:     deps,
		logger:   deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: domain.Progress{State: domain.StateCreated},
	}
}

// Start runs the request in a new goroutine. obs may be nil.
func (e *Executor) Start(args Args, obs Observer) error {
	e.stateMu.Lock()
	if e.started {
		e.stateMu.Unlock()
		return ErrStarted
	}
	e.started = true
	e.args = args
	e.stateMu.Unlock()

	e.mu.Lock()
	e.obs = obs
	e.progress = domain.Progress{URI: args.URI, State: domain.StateCreated}
	e.mu.Unlock()

	go e.run(args)
	return nil
}

// Cancel signals cancellation once. Later calls, and calls after the
// outcome is determined, return false.
func (e *Executor) Cancel(reason string) bool {
	if reason == "" {
		reason = "cancelled"
	}
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.reason != "" || e.finished {
		return false
	}
	e.reason = reason
	e.cancel(&domain.CancelledError{Reason: reason})
	e.logger.Info("Request cancelled", "reason", reason, "uri", e.args.URI, "job_id", e.args.JobID)
	return true
}

// CancelReason returns the reason given to Cancel, if any.
func (e *Executor) CancelReason() string {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.reason
}

// Args returns the arguments passed to Start.
func (e *Executor) Args() Args {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.args
}

// Done is closed after the outcome has been delivered.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Progress returns the latest snapshot.
func (e *Executor) Progress() domain.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Outcome returns the outcome once the request has terminated.
func (e *Executor) Outcome() (domain.Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outcome == nil {
		return domain.Outcome{}, false
	}
	return *e.outcome, true
}

// Wait blocks until the outcome is available or ctx ends.
func (e *Executor) Wait(ctx context.Context) (domain.Outcome, error) {
	select {
	case <-e.done:
		o, _ := e.Outcome()
		return o, nil
	case <-ctx.Done():
		return domain.Outcome{}, ctx.Err()
	}
}

// update derives a new snapshot from the current one and publishes it.
func (e *Executor) update(fn func(p *domain.Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return
	}
	p := e.progress.Next()
	p.StoreDNS = false
	fn(&p)
	e.progress = p
	if e.obs != nil {
		e.obs.OnProgress(p)
	}
}

// amend is update without publication.
func (e *Executor) amend(fn func(p *domain.Progress)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return
	}
	p := e.progress.Next()
	p.StoreDNS = false
	fn(&p)
	e.progress = p
}

type result struct {
	resp     *domain.Response
	links    []domain.WebLink
	received []domain.ReceiveRecord
	rid      string
	err      error
	kind     domain.FailureKind
}

func failed(kind domain.FailureKind, err error) result {
	return result{err: err, kind: kind}
}

func cancelled(ctx context.Context) result {
	var ce *domain.CancelledError
	if cause := context.Cause(ctx); errors.As(cause, &ce) {
		return result{err: ce, kind: domain.FailureCancelled}
	}
	return result{err: &domain.CancelledError{Reason: context.Cause(ctx).Error()}, kind: domain.FailureCancelled}
}

func (e *Executor) run(args Args) {
	started := time.Now()
	var r result
	func() {
		defer func() {
			if v := recover(); v != nil {
				e.logger.Error("Request failed unexpectedly", "panic", v, "uri", args.URI)
				r = failed(domain.FailureTransmission, fmt.Errorf("unexpected fault: %v", v))
			}
		}()
		r = e.execute(e.ctx, args)
	}()
	e.finish(r, args, started)
}

func (e *Executor) finish(r result, args Args, started time.Time) {
	e.stateMu.Lock()
	if e.reason != "" && r.kind != domain.FailureCancelled {
		r = result{err: &domain.CancelledError{Reason: e.reason}, kind: domain.FailureCancelled, rid: r.rid}
	}
	e.finished = true
	e.stateMu.Unlock()

	if r.resp == nil && r.err == nil {
		r = failed(domain.FailureTransmission, errors.New("no response"))
	}

	e.mu.Lock()
	p := e.progress.Next()
	p.StoreDNS = false
	switch {
	case r.kind == domain.FailureCancelled:
		p.State = domain.StateCancelled
	case r.err != nil:
		p.State = domain.StateFailed
	default:
		p.State = domain.StateCompleted
	}
	e.progress = p
	e.terminal = true
	o := domain.Outcome{
		Progress:         p,
		StartedAt:        started,
		JobID:            args.JobID,
		EndpointsChanged: args.EndpointsChanged,
		Response:         r.resp,
		Links:            r.links,
		Received:         r.received,
		RID:              r.rid,
		Err:              r.err,
		Kind:             r.kind,
	}
	e.outcome = &o
	obs := e.obs
	e.mu.Unlock()

	if r.err != nil {
		e.logger.Info("Request finished", "uri", p.URI, "state", p.State, "kind", r.kind, "error", r.err,
			"duration", time.Since(started))
	} else {
		e.logger.Info("Request finished", "uri", p.URI, "state", p.State, "code", r.resp.Code,
			"rtt", r.resp.RTT, "retransmissions", p.Retransmissions, "duration", time.Since(started))
	}
	if obs != nil {
		obs.OnOutcome(o)
	}
	close(e.done)
}

func (e *Executor) execute(ctx context.Context, args Args) result {
	u, err := url.Parse(args.URI)
	if err != nil {
		e.update(func(*domain.Progress) {})
		return failed(domain.FailureRequest, fmt.Errorf("parse uri: %w", err))
	}
	host := u.Hostname()
	e.update(func(p *domain.Progress) { p.Host = host })
	if host == "" {
		return failed(domain.FailureRequest, ErrMissingHost)
	}
	scheme := strings.ToLower(u.Scheme)
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	addr, addrs, r, ok := e.resolveAddress(ctx, host, args.IPv6)
	if !ok {
		return r
	}

	port := 0
	if ps := u.Port(); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 16)
		if err != nil {
			return failed(domain.FailureRequest, fmt.Errorf("invalid port %q", ps))
		}
		port = int(n)
	}
	query := splitQuery(u.RawQuery)
	path := u.Path
	method := coap.GET
	accept := transport.FormatNone
	rid := ""

	if path == "" {
		mode := args.Mode
		loopback := addr.IsLoopback()
		if loopback && mode == ModeStatistic {
			// no statistic resource on local servers
			mode = ModeRoot
		}
		switch mode {
		case ModeDiscover:
			path = discoverResource
		case ModeSmall:
			path = smallResource
			if loopback {
				path = smallResourceLH
			}
		case ModeStatistic:
			if port == 0 && args.extended(host) {
				port = int(transport.DefaultPort(scheme)) + extendedPortOffset
			}
			path = statisticResource
			rid = receivetest.NewRID()
			query = []string{"dev=" + args.UniqueID, "rid=" + rid}
			method = coap.POST
			accept = transport.FormatJSON
		default:
			path = rootResource
		}
	}
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if port == 0 {
		port = int(transport.DefaultPort(scheme))
	}

	engine, err := e.deps.Engines.Engine(scheme)
	if err != nil {
		return result{err: err, kind: domain.FailureRequest, rid: rid}
	}

	dest := netip.AddrPortFrom(addr, uint16(port))
	target := (&url.URL{Scheme: scheme, Host: dest.String(), Path: path, RawQuery: strings.Join(query, "&")}).String()
	e.update(func(p *domain.Progress) {
		p.State = domain.StateStart
		p.URI = target
		p.Destination = dest.String()
		if p.Addresses == nil {
			p.Addresses = addrs
		}
	})
	e.logger.Info("Sending request", "uri", target, "unique_id", args.UniqueID, "job_id", args.JobID)

	req := &transport.Request{
		Method:      method,
		Scheme:      scheme,
		Destination: dest,
		Host:        host,
		Path:        path,
		Query:       query,
		Accept:      accept,
	}
	obs := &exchangeObserver{
		e:             e,
		req:           req,
		counters:      e.deps.Counters,
		dtls:          scheme == transport.SchemeCoaps,
		maxRetransmit: engine.MaxRetransmit(),
	}

	e.sampleStart()
	if ctx.Err() != nil {
		return cancelled(ctx)
	}
	resp, err := engine.Exchange(ctx, req, obs)
	e.sampleEnd()
	if err != nil {
		if ctx.Err() != nil {
			c := cancelled(ctx)
			c.rid = rid
			return c
		}
		kind := domain.FailureTransmission
		var ce *transport.ConnectError
		if errors.As(err, &ce) {
			kind = domain.FailureConnection
		}
		return result{err: err, kind: kind, rid: rid}
	}

	res := result{resp: resp, rid: rid}
	switch resp.ContentFormat {
	case transport.FormatLinkFormat:
		res.links = transport.ParseLinkFormat(string(resp.Payload))
	case transport.FormatJSON:
		if rid != "" && resp.Code == "2.05" {
			records, err := receivetest.Parse(resp.Payload)
			if err != nil {
				e.logger.Debug("Statistic response not parsed", "error", err)
			} else {
				res.received = records
			}
		}
	}
	return res
}

// resolveAddress consults the cache, resolves if needed, and selects the
// destination address. ok is false when r holds the terminal result.
func (e *Executor) resolveAddress(ctx context.Context, host string, ipv6 bool) (addr netip.Addr, addrs []netip.Addr, r result, ok bool) {
	var entry dnscache.Entry
	cached := false
	if e.deps.DNS != nil {
		entry, cached = e.deps.DNS.GetAddress(host, "")
		cached = cached && len(entry.Addresses) > 0
	}

	mayLookup := true
	if !cached || entry.Expired {
		mayLookup = false
		fresh, err := e.lookup(ctx, host)
		switch {
		case err == nil:
			addrs = fresh
		case ctx.Err() != nil:
			return addr, nil, cancelled(ctx), false
		case !cached:
			return addr, nil, failed(domain.FailureResolution, err), false
		default:
			addrs = entry.Addresses
			e.logger.Info("Using expired DNS entry", "host", host, "address", addrs[0], "error", err)
		}
	} else {
		addrs = entry.Addresses
		e.logger.Debug("Using cached DNS entry", "host", host, "address", addrs[0])
	}

	addr, found := selectAddress(ipv6, addrs)
	if !found && mayLookup {
		fresh, err := e.lookup(ctx, host)
		switch {
		case err == nil:
			addrs = fresh
			addr, found = selectAddress(ipv6, addrs)
		case ctx.Err() != nil:
			return addr, nil, cancelled(ctx), false
		default:
			e.logger.Warn("Lookup for address family failed", "host", host, "ipv6", ipv6, "error", err)
		}
	}
	if !found {
		addr = addrs[0]
	}
	return addr.Unmap(), addrs, result{}, true
}

func (e *Executor) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	e.update(func(p *domain.Progress) { p.State = domain.StateResolving })
	start := time.Now()
	addrs, err := e.deps.Resolver.LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("resolve %s: %w", host, resolve.ErrNoAddresses)
	}
	if err != nil {
		e.logger.Warn("DNS lookup failed", "host", host, "error", err)
		return nil, err
	}
	elapsed := time.Since(start)
	e.update(func(p *domain.Progress) {
		p.State = domain.StateResolved
		p.Addresses = addrs
		p.DNSResolveTime = domain.DurationPtr(elapsed)
		p.StoreDNS = true
	})
	e.logger.Info("Resolved host", "host", host, "address", addrs[0], "count", len(addrs), "duration", elapsed)
	if e.deps.DNS != nil {
		e.deps.DNS.PutAddresses(ctx, host, "", addrs)
	}
	return addrs, nil
}

func selectAddress(ipv6 bool, addrs []netip.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		if a.Unmap().Is4() != ipv6 {
			return a, true
		}
	}
	return netip.Addr{}, false
}

func splitQuery(raw string) []string {
	if raw == "" {
		return nil
	}
	var query []string
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		if v, err := url.QueryUnescape(part); err == nil {
			part = v
		}
		query = append(query, part)
	}
	return query
}

func (e *Executor) sampleStart() {
	c := e.deps.Counters
	if c == nil {
		return
	}
	rx, tx, ok := c.ProcessBytes()
	total, totalOK := c.TotalRxBytes()
	e.amend(func(p *domain.Progress) {
		if ok {
			p.RxStart, p.TxStart = rx, tx
			p.RxEnd, p.TxEnd = rx, tx
		}
		if totalOK {
			p.RxTotal = []int64{total}
		}
	})
}

func (e *Executor) sampleEnd() {
	c := e.deps.Counters
	if c == nil {
		return
	}
	rx, tx, ok := c.ProcessBytes()
	if !ok {
		return
	}
	e.amend(func(p *domain.Progress) {
		p.RxEnd, p.TxEnd = rx, tx
		e.logger.Debug("Request traffic", "rx", rx-p.RxStart, "tx", tx-p.TxStart)
	})
}
