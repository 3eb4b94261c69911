package request

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cloudcoap/internal/dnscache"
	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/transport"
	"github.com/dustin/go-coap"
)

type fakeEngine struct {
	max      int
	exchange func(ctx context.Context, req *transport.Request, obs transport.MessageObserver) (*domain.Response, error)

	mu   sync.Mutex
	reqs []*transport.Request
}

func (f *fakeEngine) Exchange(ctx context.Context, req *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.exchange == nil {
		obs.OnSent()
		return &domain.Response{Code: "2.05", CodeClass: 2, ContentFormat: transport.FormatText, Payload: []byte("ok")}, nil
	}
	return f.exchange(ctx, req, obs)
}

func (f *fakeEngine) MaxRetransmit() int { return f.max }

func (f *fakeEngine) Close() error { return nil }

func (f *fakeEngine) last(t *testing.T) *transport.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		t.Fatal("no request exchanged")
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeEngines struct {
	engine *fakeEngine
}

func (f fakeEngines) Engine(scheme string) (transport.Engine, error) {
	switch scheme {
	case transport.SchemeCoap, transport.SchemeCoaps:
		return f.engine, nil
	}
	return nil, transport.ErrUnsupportedScheme
}

type fakeResolver struct {
	mu    sync.Mutex
	addrs []netip.Addr
	err   error
	calls int
}

func (f *fakeResolver) LookupHost(_ context.Context, _ string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.addrs, f.err
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]dnscache.Entry
	puts    int
}

func (f *fakeCache) GetAddress(host, _ string) (dnscache.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[host]
	return e, ok
}

func (f *fakeCache) PutAddresses(_ context.Context, host, _ string, addrs []netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = make(map[string]dnscache.Entry)
	}
	f.entries[host] = dnscache.Entry{Addresses: addrs, Timestamp: time.Now()}
	f.puts++
}

type fakeCounters struct {
	mu    sync.Mutex
	rx    int64
	total int64
	step  int64
}

func (f *fakeCounters) ProcessBytes() (int64, int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rx += 100
	return f.rx, f.rx / 2, true
}

func (f *fakeCounters) TotalRxBytes() (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total += f.step
	return f.total, true
}

type recorder struct {
	mu       sync.Mutex
	progress []domain.Progress
	outcomes []domain.Outcome
}

func (r *recorder) OnProgress(p domain.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnOutcome(o domain.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) snapshots() []domain.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Progress(nil), r.progress...)
}

func addrs(s ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(s))
	for _, a := range s {
		out = append(out, netip.MustParseAddr(a))
	}
	return out
}

func run(t *testing.T, deps Deps, args Args) (domain.Outcome, *recorder) {
	t.Helper()
	rec := &recorder{}
	e := New(deps)
	if err := e.Start(args, rec); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o, rec
}

func TestExecutor_Success(t *testing.T) {
	engine := &fakeEngine{max: 4}
	res := &fakeResolver{addrs: addrs("192.0.2.1")}
	cache := &fakeCache{}
	o, rec := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res, DNS: cache},
		Args{URI: "coap://example.com/test", Mode: ModeRoot})

	if o.Err != nil || o.Kind != domain.FailureNone {
		t.Fatalf("outcome error = %v kind %q", o.Err, o.Kind)
	}
	if o.State != domain.StateCompleted || o.Response == nil || string(o.Response.Payload) != "ok" {
		t.Fatalf("outcome = %+v", o)
	}
	req := engine.last(t)
	if req.Destination != netip.MustParseAddrPort("192.0.2.1:5683") || req.Path != "/test" {
		t.Fatalf("request = %s %s", req.Destination, req.Path)
	}
	if cache.puts != 1 {
		t.Fatalf("cache puts = %d, want 1", cache.puts)
	}
	if o.DNSResolveTime == nil {
		t.Fatal("expected resolve time")
	}

	snaps := rec.snapshots()
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Seq <= snaps[i-1].Seq {
			t.Fatalf("snapshot %d seq %d not after %d", i, snaps[i].Seq, snaps[i-1].Seq)
		}
	}
	var stored int
	for _, s := range snaps {
		if s.StoreDNS {
			stored++
			if s.State != domain.StateResolved {
				t.Fatalf("StoreDNS set in state %s", s.State)
			}
		}
	}
	if stored != 1 {
		t.Fatalf("StoreDNS snapshots = %d, want 1", stored)
	}
	if o.Seq <= snaps[len(snaps)-1].Seq {
		t.Fatal("final snapshot not newer than published ones")
	}
}

func TestExecutor_UsesCachedAddress(t *testing.T) {
	engine := &fakeEngine{}
	res := &fakeResolver{err: errors.New("must not resolve")}
	cache := &fakeCache{entries: map[string]dnscache.Entry{
		"example.com": {Addresses: addrs("192.0.2.7"), Timestamp: time.Now()},
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res, DNS: cache},
		Args{URI: "coap://example.com"})

	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if res.Calls() != 0 {
		t.Fatalf("resolver calls = %d, want 0", res.Calls())
	}
	if got := engine.last(t).Destination.Addr(); got != netip.MustParseAddr("192.0.2.7") {
		t.Fatalf("destination = %s", got)
	}
}

func TestExecutor_MissingHost(t *testing.T) {
	engine := &fakeEngine{}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{}},
		Args{URI: "coap:///path"})

	if !errors.Is(o.Err, ErrMissingHost) || o.Kind != domain.FailureRequest {
		t.Fatalf("outcome err = %v kind %q", o.Err, o.Kind)
	}
	if o.State != domain.StateFailed {
		t.Fatalf("state = %s", o.State)
	}
}

func TestExecutor_ResolutionFailure(t *testing.T) {
	engine := &fakeEngine{}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{err: errors.New("no such host")}},
		Args{URI: "coap://unknown.invalid"})

	if o.Kind != domain.FailureResolution || o.Err == nil {
		t.Fatalf("outcome err = %v kind %q", o.Err, o.Kind)
	}
	if len(engine.reqs) != 0 {
		t.Fatal("engine must not be called")
	}
}

func TestExecutor_ExpiredCacheFallback(t *testing.T) {
	engine := &fakeEngine{}
	res := &fakeResolver{err: errors.New("network is unreachable")}
	cache := &fakeCache{entries: map[string]dnscache.Entry{
		"example.com": {Addresses: addrs("192.0.2.9"), Timestamp: time.Now().Add(-48 * time.Hour), Expired: true},
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res, DNS: cache},
		Args{URI: "coap://example.com"})

	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if res.Calls() != 1 {
		t.Fatalf("resolver calls = %d, want 1", res.Calls())
	}
	if got := engine.last(t).Destination.Addr(); got != netip.MustParseAddr("192.0.2.9") {
		t.Fatalf("destination = %s", got)
	}
}

func TestExecutor_SelectsAddressFamily(t *testing.T) {
	engine := &fakeEngine{}
	res := &fakeResolver{addrs: addrs("192.0.2.1", "2001:db8::1")}

	run(t, Deps{Engines: fakeEngines{engine}, Resolver: res}, Args{URI: "coap://example.com", IPv6: true})
	if got := engine.last(t).Destination.Addr(); got != netip.MustParseAddr("2001:db8::1") {
		t.Fatalf("ipv6 destination = %s", got)
	}

	run(t, Deps{Engines: fakeEngines{engine}, Resolver: res}, Args{URI: "coap://example.com"})
	if got := engine.last(t).Destination.Addr(); got != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("ipv4 destination = %s", got)
	}
}

func TestExecutor_FamilyMissingRetriesLookupThenFallsBack(t *testing.T) {
	engine := &fakeEngine{}
	res := &fakeResolver{addrs: addrs("192.0.2.1")}
	cache := &fakeCache{entries: map[string]dnscache.Entry{
		"example.com": {Addresses: addrs("192.0.2.1"), Timestamp: time.Now()},
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res, DNS: cache},
		Args{URI: "coap://example.com", IPv6: true})

	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	if res.Calls() != 1 {
		t.Fatalf("resolver calls = %d, want 1", res.Calls())
	}
	if got := engine.last(t).Destination.Addr(); got != netip.MustParseAddr("192.0.2.1") {
		t.Fatalf("destination = %s", got)
	}
}

func TestExecutor_StatisticRequest(t *testing.T) {
	engine := &fakeEngine{}
	engine.exchange = func(_ context.Context, req *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
		obs.OnSent()
		rid := strings.TrimPrefix(req.Query[1], "rid=")
		payload := `[{"rid":"` + rid + `","time":1700000000123},{"systemstart":1700000000000}]`
		return &domain.Response{Code: "2.05", CodeClass: 2, ContentFormat: transport.FormatJSON, Payload: []byte(payload)}, nil
	}
	res := &fakeResolver{addrs: addrs("192.0.2.1")}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res}, Args{
		URI:           "coap://Example.com",
		Mode:          ModeStatistic,
		UniqueID:      "dev-1",
		ExtendedHosts: []string{"example.com"},
	})

	if o.Err != nil {
		t.Fatalf("unexpected error: %v", o.Err)
	}
	req := engine.last(t)
	if req.Method != coap.POST || req.Path != "/requests" || req.Accept != transport.FormatJSON {
		t.Fatalf("request = %v %s accept %d", req.Method, req.Path, req.Accept)
	}
	if req.Destination.Port() != 5783 {
		t.Fatalf("port = %d, want 5783", req.Destination.Port())
	}
	if len(req.Query) != 2 || req.Query[0] != "dev=dev-1" || !strings.HasPrefix(req.Query[1], "rid=RID") {
		t.Fatalf("query = %v", req.Query)
	}
	if o.RID == "" || "rid="+o.RID != req.Query[1] {
		t.Fatalf("outcome rid = %q, query %v", o.RID, req.Query)
	}
	if len(o.Received) != 2 || o.Received[0].RID != o.RID || o.Received[1].SystemStart != 1700000000000 {
		t.Fatalf("received = %+v", o.Received)
	}
}

func TestExecutor_StatisticOnLoopbackRequestsRoot(t *testing.T) {
	engine := &fakeEngine{}
	res := &fakeResolver{addrs: addrs("127.0.0.1")}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: res},
		Args{URI: "coap://localhost", Mode: ModeStatistic, UniqueID: "dev-1"})

	if o.Err != nil || o.RID != "" {
		t.Fatalf("outcome err = %v rid %q", o.Err, o.RID)
	}
	req := engine.last(t)
	if req.Method != coap.GET || req.Path != "" || len(req.Query) != 0 {
		t.Fatalf("request = %v %q %v", req.Method, req.Path, req.Query)
	}
	if req.Destination.Port() != 5683 {
		t.Fatalf("port = %d", req.Destination.Port())
	}
}

func TestExecutor_ModePaths(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		addr string
		mode Mode
		want string
	}{
		{"small", "coap://example.com", "192.0.2.1", ModeSmall, "/multi-format"},
		{"small loopback", "coap://localhost", "127.0.0.1", ModeSmall, "/hello"},
		{"discover", "coaps://example.com:6000", "192.0.2.1", ModeDiscover, "/.well-known/core"},
		{"explicit path", "coap://example.com/sensors/temp?x=1", "192.0.2.1", ModeDiscover, "/sensors/temp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{}
			run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs(tt.addr)}},
				Args{URI: tt.uri, Mode: tt.mode})
			if got := engine.last(t).Path; got != tt.want {
				t.Fatalf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecutor_ParsesLinkFormat(t *testing.T) {
	engine := &fakeEngine{exchange: func(context.Context, *transport.Request, transport.MessageObserver) (*domain.Response, error) {
		payload := `</sensors/temp>;rt="temperature";if="sensor",</light>`
		return &domain.Response{Code: "2.05", CodeClass: 2, ContentFormat: transport.FormatLinkFormat, Payload: []byte(payload)}, nil
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coap://example.com", Mode: ModeDiscover})

	if len(o.Links) != 2 || o.Links[0].URI != "/sensors/temp" || o.Links[0].Attributes["rt"][0] != "temperature" {
		t.Fatalf("links = %+v", o.Links)
	}
}

func TestExecutor_UnsupportedScheme(t *testing.T) {
	o, _ := run(t, Deps{Engines: fakeEngines{&fakeEngine{}}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "http://example.com"})

	if !errors.Is(o.Err, transport.ErrUnsupportedScheme) || o.Kind != domain.FailureRequest {
		t.Fatalf("outcome err = %v kind %q", o.Err, o.Kind)
	}
}

func TestExecutor_ConnectError(t *testing.T) {
	engine := &fakeEngine{exchange: func(context.Context, *transport.Request, transport.MessageObserver) (*domain.Response, error) {
		return nil, &transport.ConnectError{Err: errors.New("handshake failed")}
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coaps://example.com"})

	if o.Kind != domain.FailureConnection || o.State != domain.StateFailed {
		t.Fatalf("outcome kind %q state %s", o.Kind, o.State)
	}
}

func TestExecutor_Timeout(t *testing.T) {
	engine := &fakeEngine{exchange: func(context.Context, *transport.Request, transport.MessageObserver) (*domain.Response, error) {
		return nil, transport.ErrTimeout
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coap://example.com"})

	if o.Kind != domain.FailureTransmission || !errors.Is(o.Err, transport.ErrTimeout) {
		t.Fatalf("outcome err = %v kind %q", o.Err, o.Kind)
	}
}

func TestExecutor_RecoversPanic(t *testing.T) {
	engine := &fakeEngine{exchange: func(context.Context, *transport.Request, transport.MessageObserver) (*domain.Response, error) {
		panic("boom")
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coap://example.com"})

	if o.Kind != domain.FailureTransmission || !strings.Contains(o.ErrorText(), "boom") {
		t.Fatalf("outcome err = %v kind %q", o.Err, o.Kind)
	}
}

func TestExecutor_CancelDuringExchange(t *testing.T) {
	entered := make(chan struct{})
	engine := &fakeEngine{exchange: func(ctx context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
		obs.OnSent()
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	rec := &recorder{}
	e := New(Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}})
	if err := e.Start(Args{URI: "coap://example.com"}, rec); err != nil {
		t.Fatal(err)
	}
	<-entered

	if !e.Cancel("next manual request") {
		t.Fatal("first Cancel returned false")
	}
	if e.Cancel("again") {
		t.Fatal("second Cancel returned true")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := e.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if o.Kind != domain.FailureCancelled || o.State != domain.StateCancelled {
		t.Fatalf("outcome kind %q state %s", o.Kind, o.State)
	}
	if o.CancelReason() != "next manual request" || e.CancelReason() != "next manual request" {
		t.Fatalf("reason = %q", o.CancelReason())
	}
	if len(rec.outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(rec.outcomes))
	}
}

func TestExecutor_CancelAfterFinish(t *testing.T) {
	e := New(Deps{Engines: fakeEngines{&fakeEngine{}}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}})
	if err := e.Start(Args{URI: "coap://example.com"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(Args{URI: "coap://example.com"}, nil); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start = %v", err)
	}
	<-e.Done()
	if e.Cancel("late") {
		t.Fatal("Cancel after finish returned true")
	}
	o, ok := e.Outcome()
	if !ok || !o.Success() {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestExecutor_ProgressCountsBlocksAndRetransmissions(t *testing.T) {
	engine := &fakeEngine{max: 4, exchange: func(_ context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
		obs.OnSent()
		obs.OnRetransmission()
		obs.OnSent()
		return &domain.Response{Code: "2.05", CodeClass: 2}, nil
	}}
	counters := &fakeCounters{step: 10}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}, Counters: counters},
		Args{URI: "coap://example.com"})

	if o.Blocks != 1 || o.CoapRetransmissions != 1 || o.Retransmissions != 1 {
		t.Fatalf("blocks %d coap %d retrans %d", o.Blocks, o.CoapRetransmissions, o.Retransmissions)
	}
	if o.RxEnd <= o.RxStart || o.TxEnd <= o.TxStart {
		t.Fatalf("rx %d..%d tx %d..%d", o.RxStart, o.RxEnd, o.TxStart, o.TxEnd)
	}
	if len(o.RxTotal) != 2 {
		t.Fatalf("rx samples = %v", o.RxTotal)
	}
}

func TestExecutor_ReconnectOnStaleRetransmission(t *testing.T) {
	tests := []struct {
		name    string
		uri     string
		step    int64
		retrans int
		want    bool
	}{
		{"dtls no rx", "coaps://example.com", 0, 2, true},
		{"dtls rx arriving", "coaps://example.com", 50, 2, false},
		{"dtls exhausted", "coaps://example.com", 50, 3, true},
		{"dtls early", "coaps://example.com", 0, 1, false},
		{"plain udp", "coap://example.com", 0, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{max: 3, exchange: func(_ context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
				obs.OnSent()
				for i := 0; i < tt.retrans; i++ {
					obs.OnRetransmission()
				}
				obs.OnConnecting()
				obs.OnSent()
				return &domain.Response{Code: "2.05", CodeClass: 2}, nil
			}}
			_, rec := run(t, Deps{
				Engines:  fakeEngines{engine},
				Resolver: &fakeResolver{addrs: addrs("192.0.2.1")},
				Counters: &fakeCounters{step: tt.step},
			}, Args{URI: tt.uri})

			var got, seen bool
			for _, s := range rec.snapshots() {
				if s.State == domain.StateConnecting {
					seen = true
					got = s.ConnectOnRetry
				}
			}
			if !seen {
				t.Fatal("no connecting snapshot")
			}
			if got != tt.want {
				t.Fatalf("ConnectOnRetry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutor_ReconnectDisabledWithoutCounters(t *testing.T) {
	engine := &fakeEngine{max: 3, exchange: func(_ context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
		obs.OnSent()
		obs.OnRetransmission()
		obs.OnRetransmission()
		obs.OnRetransmission()
		obs.OnConnecting()
		return &domain.Response{Code: "2.05", CodeClass: 2}, nil
	}}
	_, rec := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coaps://example.com"})

	for _, s := range rec.snapshots() {
		if s.ConnectOnRetry {
			t.Fatal("unexpected reconnect without byte counters")
		}
	}
}

func TestExecutor_ConnectTime(t *testing.T) {
	engine := &fakeEngine{exchange: func(_ context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
		obs.OnConnecting()
		obs.OnDtlsRetransmission(1)
		obs.OnSent()
		return &domain.Response{Code: "2.05", CodeClass: 2}, nil
	}}
	o, _ := run(t, Deps{Engines: fakeEngines{engine}, Resolver: &fakeResolver{addrs: addrs("192.0.2.1")}},
		Args{URI: "coaps://example.com"})

	if o.ConnectTime == nil {
		t.Fatal("expected connect time")
	}
	if o.DTLSRetransmissions != 1 {
		t.Fatalf("dtls retransmissions = %d", o.DTLSRetransmissions)
	}
}

func TestProcNetDev(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	content := `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    1000      10    0    0    0     0          0         0     1000      10    0    0    0     0       0          0
  eth0:    5000      50    0    0    0     0          0         0     2000      20    0    0    0     0       0          0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &ProcNetDev{Path: path}

	rx, tx, ok := p.ProcessBytes()
	if !ok || rx != 6000 || tx != 3000 {
		t.Fatalf("ProcessBytes = %d, %d, %v", rx, tx, ok)
	}
	total, ok := p.TotalRxBytes()
	if !ok || total != 5000 {
		t.Fatalf("TotalRxBytes = %d, %v", total, ok)
	}

	missing := &ProcNetDev{Path: filepath.Join(t.TempDir(), "missing")}
	if _, _, ok := missing.ProcessBytes(); ok {
		t.Fatal("expected missing counters")
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode(" statistic "); err != nil || m != ModeStatistic {
		t.Fatalf("ParseMode = %q, %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != ModeRoot {
		t.Fatalf("ParseMode empty = %q, %v", m, err)
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatal("expected error")
	}
}
