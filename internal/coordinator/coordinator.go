// Package coordinator owns the single in-flight request slot.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/progress"
	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/transport"
)

// ErrBusy is returned when the setup lock could not be acquired in time.
var ErrBusy = errors.New("endpoint setup busy")

// DefaultLockTimeout bounds the wait for the setup lock.
const DefaultLockTimeout = 2 * time.Second

// Configurator (re)builds the endpoints and returns the arguments of a
// request against the configured destination.
type Configurator interface {
	Configure(mode transport.SetupMode) (request.Args, error)
}

// OutcomeRecorder consumes the outcome of every executor the coordinator
// started, whether or not it was still current.
type OutcomeRecorder interface {
	RecordOutcome(o domain.Outcome)
}

// Options tune a Coordinator.
type Options struct {
	// RequestMode overrides the mode of manual requests. Empty keeps the configured one.
	RequestMode request.Mode
	LockTimeout time.Duration
	Logger      *slog.Logger
}

// Coordinator starts requests one at a time. Starting a request cancels
// the previous one without waiting for it.
type Coordinator struct {
	conf        Configurator
	broadcaster *progress.Broadcaster
	recorders   []OutcomeRecorder
	opts        Options
	logger      *slog.Logger
	setupLock   chan struct{}

	mu      sync.Mutex
	current *request.Executor
	// latest is the last started executor. It keeps publishing after a
	// cancel until a newer executor replaces it.
	latest *request.Executor
}

// New creates a coordinator publishing to b.
func New(conf Configurator, b *progress.Broadcaster, opts Options, recorders ...OutcomeRecorder) *Coordinator {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		conf:        conf,
		broadcaster: b,
		recorders:   recorders,
		opts:        opts,
		logger:      opts.Logger,
		setupLock:   make(chan struct{}, 1),
	}
}

// Setup configures the endpoints under the setup lock.
func (c *Coordinator) Setup(ctx context.Context, mode transport.SetupMode) (request.Args, error) {
	timer := time.NewTimer(c.opts.LockTimeout)
	defer timer.Stop()
	select {
	case c.setupLock <- struct{}{}:
	case <-timer.C:
		c.logger.Warn("Setup lock busy", "mode", mode, "timeout", c.opts.LockTimeout)
		c.broadcaster.Busy("endpoint setup busy, try again")
		return request.Args{}, ErrBusy
	case <-ctx.Done():
		return request.Args{}, ctx.Err()
	}
	defer func() { <-c.setupLock }()

	args, err := c.conf.Configure(mode)
	if err != nil {
		return request.Args{}, fmt.Errorf("setup endpoints: %w", err)
	}
	return args, nil
}

// Execute cancels the current request and starts exec for uri with the
// manual request mode. An empty uri requests the configured destination.
func (c *Coordinator) Execute(ctx context.Context, uri string, exec *request.Executor) error {
	c.CancelCurrent("next manual request")
	args, err := c.Setup(ctx, transport.SetupReuse)
	if err != nil {
		return err
	}
	if uri != "" {
		args.URI = uri
	}
	if c.opts.RequestMode != "" {
		args.Mode = c.opts.RequestMode
	}
	return c.ExecuteArgs(exec, args)
}

// ExecuteArgs makes exec current and starts it. The previous executor is
// cancelled before exec starts.
func (c *Coordinator) ExecuteArgs(exec *request.Executor, args request.Args) error {
	c.mu.Lock()
	old := c.current
	c.current = exec
	c.latest = exec
	c.broadcaster.Reset()
	c.mu.Unlock()

	if old != nil && old != exec {
		old.Cancel(fmt.Sprintf("next request (ID%d)", args.JobID))
	}
	if err := exec.Start(args, &gate{c: c, exec: exec}); err != nil {
		c.mu.Lock()
		if c.current == exec {
			c.current = nil
		}
		if c.latest == exec {
			c.latest = nil
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// CancelCurrent cancels and detaches the current executor. Its cancelled
// outcome is still published.
func (c *Coordinator) CancelCurrent(reason string) bool {
	c.mu.Lock()
	old := c.current
	c.current = nil
	c.mu.Unlock()
	if old == nil {
		return false
	}
	return old.Cancel(reason)
}

// CancelIf cancels exec only while it is still the current executor.
func (c *Coordinator) CancelIf(exec *request.Executor, reason string) bool {
	c.mu.Lock()
	if exec == nil || c.current != exec {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.mu.Unlock()
	return exec.Cancel(reason)
}

// Current returns the current executor, nil if none.
func (c *Coordinator) Current() *request.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Latest returns the last started executor, including a cancelled one that
// has not been replaced yet. Nil before the first request.
func (c *Coordinator) Latest() *request.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// publishIfLatest runs publish while exec is the latest executor. The
// check and the publication share c.mu so a replaced executor cannot land
// after the next reset.
func (c *Coordinator) publishIfLatest(exec *request.Executor, publish func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == exec {
		publish()
	}
}

// gate forwards the events of one executor until a newer one is started.
type gate struct {
	c    *Coordinator
	exec *request.Executor
}

func (g *gate) OnProgress(p domain.Progress) {
	g.c.publishIfLatest(g.exec, func() { g.c.broadcaster.PublishProgress(p) })
}

func (g *gate) OnOutcome(o domain.Outcome) {
	g.c.publishIfLatest(g.exec, func() { g.c.broadcaster.PublishOutcome(o) })
	for _, r := range g.c.recorders {
		r.RecordOutcome(o)
	}
}
