package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/shared"
	"github.com/ashureev/cloudcoap/internal/store"
)

// Settings persists the serialized tally.
type Settings interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Aggregator loads, updates and re-persists the tally on every call.
type Aggregator struct {
	mu       sync.Mutex
	settings Settings
	logger   *slog.Logger
}

// New creates an aggregator.
func New(settings Settings, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{settings: settings, logger: logger}
}

// Get returns the persisted tally.
func (a *Aggregator) Get(ctx context.Context) (Tally, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(ctx)
}

func (a *Aggregator) load(ctx context.Context) (Tally, error) {
	value, _, err := a.settings.GetSetting(ctx, store.SettingStatistic)
	if err != nil {
		return Tally{}, fmt.Errorf("load statistic: %w", err)
	}
	return ParseTally(value), nil
}

func (a *Aggregator) save(ctx context.Context, t Tally) error {
	if err := a.settings.PutSetting(ctx, store.SettingStatistic, t.String()); err != nil {
		return fmt.Errorf("save statistic: %w", err)
	}
	return nil
}

// Update folds a terminal outcome into the tally. Outcomes with
// inconsistent byte counters and cancelled outcomes leave it unchanged.
func (a *Aggregator) Update(ctx context.Context, start time.Time, endpointsChanged bool, o domain.Outcome) (Tally, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := a.load(ctx)
	if err != nil {
		return t, err
	}
	if o.Kind == domain.FailureCancelled {
		return t, nil
	}
	if o.RxStart < 0 || o.TxStart < 0 || o.RxEnd < 0 || o.TxEnd < 0 || o.RxStart > o.RxEnd || o.TxStart > o.TxEnd {
		a.logger.Warn("Ignoring outcome with inconsistent byte counters",
			"rx_start", o.RxStart, "rx_end", o.RxEnd, "tx_start", o.TxStart, "tx_end", o.TxEnd)
		return t, nil
	}

	at := start.UnixMilli()
	reset := false
	if t.Success == 0 && t.Failures == 0 {
		t.RxAll = 0
		t.TxAll = 0
		reset = true
	}
	if reset || o.RxStart < t.RxLast || o.TxStart < t.TxLast {
		// counters restarted
		t.RxLast = o.RxStart
		t.TxLast = o.TxStart
	}
	if o.ConnectTime != nil {
		t.Connects++
		t.LastConnect = at
	}
	if o.Retransmissions > 0 {
		t.Retries += int64(o.Retransmissions)
		t.LastRetries = at
	}
	if endpointsChanged {
		t.Restarts++
		t.LastRestart = at
	}
	t.RxAll += o.RxEnd - t.RxLast
	t.TxAll += o.TxEnd - t.TxLast
	t.RxLast = o.RxEnd
	t.TxLast = o.TxEnd

	switch {
	case o.Response != nil:
		t.Success++
		t.LastSuccess = at
		t.Rx += o.RxEnd - o.RxStart
		t.Tx += o.TxEnd - o.TxStart
		t.RTT += o.Response.RTT.Milliseconds()
	case shared.IsTransientNetworkError(o.Err):
		a.logger.Debug("Transient network failure not counted", "error", o.Err)
	default:
		t.Failures++
		t.LastFailure = at
	}

	if err := a.save(ctx, t); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateLostResponses counts loss times newer than the last recorded one.
func (a *Aggregator) UpdateLostResponses(ctx context.Context, times []int64) (Tally, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, err := a.load(ctx)
	if err != nil {
		return t, err
	}
	changed := false
	for _, at := range times {
		if t.LastLostResponses < at {
			t.LostResponses++
			t.LastLostResponses = at
			changed = true
		}
	}
	if !changed {
		return t, nil
	}
	return t, a.save(ctx, t)
}

// Clear removes the persisted tally.
func (a *Aggregator) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.settings.DeleteSetting(ctx, store.SettingStatistic); err != nil {
		return fmt.Errorf("clear statistic: %w", err)
	}
	return nil
}
