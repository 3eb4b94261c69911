// Package job runs the periodic background statistic request.
package job

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/request"
	"github.com/ashureev/cloudcoap/internal/transport"
)

// Connectivity reports the active network, "" when there is none.
type Connectivity interface {
	Type() string
}

// Coordinator is the part of the request coordinator a job uses.
type Coordinator interface {
	Setup(ctx context.Context, mode transport.SetupMode) (request.Args, error)
	ExecuteArgs(exec *request.Executor, args request.Args) error
	CancelIf(exec *request.Executor, reason string) bool
}

// Config controls the job.
type Config struct {
	// Interval of 0 disables the periodic run.
	Interval          time.Duration
	ConnectivityLoops int
	ConnectivitySleep time.Duration
}

// Runner starts a request on each run and tracks the executor until it
// finishes or is superseded.
type Runner struct {
	cfg     Config
	coord   Coordinator
	newExec func() *request.Executor
	conn    Connectivity
	logger  *slog.Logger

	mu      sync.Mutex
	current *request.Executor
	nextID  int
}

// New creates a runner. newExec creates the executor of each run.
func New(cfg Config, coord Coordinator, newExec func() *request.Executor, conn Connectivity, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if conn == nil {
		conn = InterfaceConnectivity{}
	}
	if cfg.ConnectivityLoops <= 0 {
		cfg.ConnectivityLoops = 20
	}
	if cfg.ConnectivitySleep <= 0 {
		cfg.ConnectivitySleep = 50 * time.Millisecond
	}
	return &Runner{cfg: cfg, coord: coord, newExec: newExec, conn: conn, logger: logger}
}

// Start runs the job every interval until ctx is done, then stops the
// running request. It does nothing when the interval is 0.
func (r *Runner) Start(ctx context.Context) {
	if r.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.cfg.Interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Request job started", "interval", r.cfg.Interval)

		for {
			select {
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Warn("Request job failed", "error", err)
				}
			case <-ctx.Done():
				r.logger.Info("Request job shutting down", "reason", ctx.Err())
				r.Stop()
				return
			}
		}
	}()
}

// RunOnce waits briefly for connectivity and starts one request. Without
// connectivity it returns a nil executor and no error.
func (r *Runner) RunOnce(ctx context.Context) (*request.Executor, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	network := r.conn.Type()
	for loops := r.cfg.ConnectivityLoops; network == "" && loops > 0; loops-- {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.cfg.ConnectivitySleep):
		}
		network = r.conn.Type()
	}
	if network == "" {
		r.logger.Info("Request job skipped, no connectivity", "job_id", id)
		return nil, nil
	}

	args, err := r.coord.Setup(ctx, transport.SetupReuse)
	if err != nil {
		return nil, err
	}
	args.JobID = id
	exec := r.newExec()

	r.mu.Lock()
	r.current = exec
	r.mu.Unlock()

	r.logger.Info("Request job", "job_id", id, "uri", args.URI, "network", network)
	if err := r.coord.ExecuteArgs(exec, args); err != nil {
		r.release(exec)
		return nil, err
	}
	go func() {
		<-exec.Done()
		r.release(exec)
	}()
	return exec, nil
}

func (r *Runner) release(exec *request.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == exec {
		r.current = nil
	}
}

// Stop cancels the request of the last run if it is still the
// coordinator's current one.
func (r *Runner) Stop() bool {
	r.mu.Lock()
	exec := r.current
	r.current = nil
	r.mu.Unlock()
	if exec == nil {
		return false
	}
	reason := "job stopped"
	if r.conn.Type() == "" {
		reason = "job stopped, connectivity lost"
	}
	return r.coord.CancelIf(exec, reason)
}

// InterfaceConnectivity reports the first interface that is up, not a
// loopback and has a global unicast address.
type InterfaceConnectivity struct{}

func (InterfaceConnectivity) Type() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
				return iface.Name
			}
		}
	}
	return ""
}
