package coordinator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/progress"
	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/transport"
)

type fakeConf struct {
	mu      sync.Mutex
	modes   []transport.SetupMode
	release chan struct{}
	entered chan struct{}
}

func (f *fakeConf) Configure(mode transport.SetupMode) (request.Args, error) {
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	release, entered := f.release, f.entered
	f.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if release != nil {
		<-release
	}
	return request.Args{URI: "coap://192.0.2.1", Mode: request.ModeStatistic, UniqueID: "dev"}, nil
}

// blockingEngine waits for cancellation unless respond is set.
type blockingEngine struct {
	respond bool
}

func (b blockingEngine) Exchange(ctx context.Context, _ *transport.Request, obs transport.MessageObserver) (*domain.Response, error) {
	obs.OnSent()
	if b.respond {
		return &domain.Response{Code: "2.05", CodeClass: 2}, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEngine) MaxRetransmit() int { return 4 }
func (blockingEngine) Close() error       { return nil }

type engines struct{ engine transport.Engine }

func (e engines) Engine(string) (transport.Engine, error) { return e.engine, nil }

type hookResolver struct {
	hook func()
}

func (h hookResolver) LookupHost(context.Context, string) ([]netip.Addr, error) {
	if h.hook != nil {
		h.hook()
	}
	return []netip.Addr{netip.MustParseAddr("192.0.2.1")}, nil
}

type outcomes struct {
	mu   sync.Mutex
	list []domain.Outcome
}

func (o *outcomes) RecordOutcome(out domain.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.list = append(o.list, out)
}

func (o *outcomes) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.list)
}

func newExecutor(respond bool, hook func()) *request.Executor {
	return request.New(request.Deps{
		Engines:  engines{blockingEngine{respond: respond}},
		Resolver: hookResolver{hook: hook},
	})
}

func wait(t *testing.T, e *request.Executor) domain.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := e.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return o
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecute_CancelsPreviousBeforeNextResolves(t *testing.T) {
	b := progress.NewBroadcaster(nil)
	rec := &outcomes{}
	c := New(&fakeConf{}, b, Options{RequestMode: request.ModeRoot}, rec)

	first := newExecutor(false, nil)
	if err := c.Execute(context.Background(), "coap://example.com", first); err != nil {
		t.Fatalf("Execute first: %v", err)
	}
	waitFor(t, func() bool { return first.Progress().State == domain.StateLoading })

	var reasonAtResolve string
	second := newExecutor(true, func() { reasonAtResolve = first.CancelReason() })
	if err := c.Execute(context.Background(), "coap://example.com", second); err != nil {
		t.Fatalf("Execute second: %v", err)
	}

	o1 := wait(t, first)
	o2 := wait(t, second)
	if reasonAtResolve != "next manual request" {
		t.Fatalf("first reason at second resolve = %q", reasonAtResolve)
	}
	if o1.Kind != domain.FailureCancelled || o1.CancelReason() != "next manual request" {
		t.Fatalf("first outcome kind %q reason %q", o1.Kind, o1.CancelReason())
	}
	if first.Cancel("again") {
		t.Fatal("first executor cancelled twice")
	}
	if !o2.Success() {
		t.Fatalf("second outcome err = %v", o2.Err)
	}
	if c.Current() != second {
		t.Fatal("second executor is not current")
	}
	if second.Args().Mode != request.ModeRoot || second.Args().URI != "coap://example.com" {
		t.Fatalf("args = %+v", second.Args())
	}

	waitFor(t, func() bool { return rec.len() == 2 })
	latest := b.Latest()
	if latest.Type != progress.EventResult || latest.Outcome == nil || !latest.Outcome.Success() {
		t.Fatalf("latest event = %+v", latest)
	}
}

func TestExecuteArgs_LabelsJobCancellation(t *testing.T) {
	c := New(&fakeConf{}, progress.NewBroadcaster(nil), Options{})

	first := newExecutor(false, nil)
	if err := c.ExecuteArgs(first, request.Args{URI: "coap://example.com", JobID: 1}); err != nil {
		t.Fatal(err)
	}
	second := newExecutor(true, nil)
	if err := c.ExecuteArgs(second, request.Args{URI: "coap://example.com", JobID: 2}); err != nil {
		t.Fatal(err)
	}
	o := wait(t, first)
	if got := o.CancelReason(); got != "next request (ID2)" {
		t.Fatalf("reason = %q", got)
	}
	wait(t, second)
}

func TestExecuteArgs_StartTwice(t *testing.T) {
	c := New(&fakeConf{}, progress.NewBroadcaster(nil), Options{})
	exec := newExecutor(true, nil)
	if err := c.ExecuteArgs(exec, request.Args{URI: "coap://example.com"}); err != nil {
		t.Fatal(err)
	}
	wait(t, exec)
	if err := c.ExecuteArgs(exec, request.Args{URI: "coap://example.com"}); !errors.Is(err, request.ErrStarted) {
		t.Fatalf("err = %v, want ErrStarted", err)
	}
	if c.Current() != nil {
		t.Fatal("failed start must not stay current")
	}
}

func TestSetup_BusyWhenLockHeld(t *testing.T) {
	conf := &fakeConf{release: make(chan struct{}), entered: make(chan struct{})}
	b := progress.NewBroadcaster(nil)
	c := New(conf, b, Options{LockTimeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := c.Setup(context.Background(), transport.SetupAll)
		done <- err
	}()
	<-conf.entered

	events, unsubscribe := b.Subscribe(4)
	defer unsubscribe()
	<-events

	if _, err := c.Setup(context.Background(), transport.SetupReuse); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	select {
	case ev := <-events:
		if ev.Type != progress.EventBusy {
			t.Fatalf("event = %q, want busy", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no busy event")
	}
	if got := b.Latest().Type; got != progress.EventReset {
		t.Fatalf("latest event = %q, busy must not replace the slot", got)
	}

	conf.mu.Lock()
	conf.entered = nil
	conf.mu.Unlock()
	close(conf.release)
	if err := <-done; err != nil {
		t.Fatalf("first setup: %v", err)
	}

	args, err := c.Setup(context.Background(), transport.SetupReuse)
	if err != nil {
		t.Fatalf("setup after release: %v", err)
	}
	if args.Mode != request.ModeStatistic {
		t.Fatalf("mode = %s", args.Mode)
	}
}

func TestExecute_BusyDoesNotStart(t *testing.T) {
	conf := &fakeConf{release: make(chan struct{}), entered: make(chan struct{})}
	c := New(conf, progress.NewBroadcaster(nil), Options{LockTimeout: 20 * time.Millisecond})
	go func() { _, _ = c.Setup(context.Background(), transport.SetupReuse) }()
	<-conf.entered
	defer close(conf.release)

	exec := newExecutor(true, nil)
	if err := c.Execute(context.Background(), "", exec); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if c.Current() != nil {
		t.Fatal("busy request became current")
	}
}

func TestCancelIf_OnlyCurrent(t *testing.T) {
	c := New(&fakeConf{}, progress.NewBroadcaster(nil), Options{})

	first := newExecutor(false, nil)
	if err := c.ExecuteArgs(first, request.Args{URI: "coap://example.com"}); err != nil {
		t.Fatal(err)
	}
	second := newExecutor(false, nil)
	if err := c.ExecuteArgs(second, request.Args{URI: "coap://example.com"}); err != nil {
		t.Fatal(err)
	}

	if c.CancelIf(first, "job stopped") {
		t.Fatal("superseded executor cancelled by CancelIf")
	}
	if !c.CancelIf(second, "job stopped") {
		t.Fatal("current executor not cancelled")
	}
	if c.Current() != nil {
		t.Fatal("cancelled executor still current")
	}
	if got := wait(t, second).CancelReason(); got != "job stopped" {
		t.Fatalf("reason = %q", got)
	}
	wait(t, first)
	if c.CancelCurrent("nothing") {
		t.Fatal("CancelCurrent without executor returned true")
	}
}

func TestCancelCurrent_PublishesCancelledOutcome(t *testing.T) {
	b := progress.NewBroadcaster(nil)
	rec := &outcomes{}
	c := New(&fakeConf{}, b, Options{}, rec)

	events, unsubscribe := b.Subscribe(32)
	defer unsubscribe()

	exec := newExecutor(false, nil)
	if err := c.Execute(context.Background(), "coap://example.com", exec); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return exec.Progress().State == domain.StateLoading })

	if !c.CancelCurrent("cancelled by user") {
		t.Fatal("CancelCurrent returned false")
	}
	wait(t, exec)
	waitFor(t, func() bool { return rec.len() == 1 })

	var last progress.Event
	for drained := false; !drained; {
		select {
		case ev := <-events:
			last = ev
		case <-time.After(100 * time.Millisecond):
			drained = true
		}
	}
	if last.Type != progress.EventResult || last.Outcome == nil {
		t.Fatalf("last event = %+v, want result", last)
	}
	if last.Outcome.State != domain.StateCancelled || last.Outcome.CancelReason() != "cancelled by user" {
		t.Fatalf("outcome state %q reason %q", last.Outcome.State, last.Outcome.CancelReason())
	}
	if got := b.Latest(); got.Type != progress.EventResult {
		t.Fatalf("latest slot = %q, want result", got.Type)
	}
	if c.Current() != nil {
		t.Fatal("cancelled executor still current")
	}
	if c.Latest() != exec {
		t.Fatal("cancelled executor no longer latest")
	}
}

func TestExecuteArgs_SupersededOutcomeNotPublished(t *testing.T) {
	b := progress.NewBroadcaster(nil)
	c := New(&fakeConf{}, b, Options{})

	first := newExecutor(false, nil)
	if err := c.ExecuteArgs(first, request.Args{URI: "coap://example.com", JobID: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return first.Progress().State == domain.StateLoading })
	second := newExecutor(false, nil)
	if err := c.ExecuteArgs(second, request.Args{URI: "coap://example.com", JobID: 2}); err != nil {
		t.Fatal(err)
	}
	wait(t, first)
	waitFor(t, func() bool { return second.Progress().State == domain.StateLoading })

	if got := b.Latest(); got.Type != progress.EventProgress || got.Progress.State != domain.StateLoading {
		t.Fatalf("latest = %+v, want second's loading snapshot", got)
	}
	c.CancelCurrent("test done")
	wait(t, second)
}
