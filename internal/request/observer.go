package request

import (
	"time"

	"github.com/ashureev/cloudcoap/internal/domain"
	"github.com/ashureev/cloudcoap/internal/transport"
)

// exchangeObserver turns the protocol events of one exchange into
// snapshots. Its fields are only touched while e.mu is held.
type exchangeObserver struct {
	e             *Executor
	req           *transport.Request
	counters      Counters
	dtls          bool
	maxRetransmit int

	startConnect   time.Time
	connectTime    *time.Duration
	sent           bool
	connectOnRetry bool
	dtlsRetrans    int
	coapRetrans    int
	blocks         int
}

var _ transport.MessageObserver = (*exchangeObserver)(nil)

func (o *exchangeObserver) OnConnecting() {
	o.e.update(func(p *domain.Progress) {
		o.startConnect = time.Now()
		p.State = domain.StateConnecting
		p.ConnectOnRetry = o.connectOnRetry
	})
}

func (o *exchangeObserver) OnDtlsRetransmission(flight int) {
	o.e.update(func(p *domain.Progress) {
		o.dtlsRetrans++
		p.State = domain.StateConnecting
		p.DTLSRetransmissions = o.dtlsRetrans
		p.Retransmissions = o.dtlsRetrans
	})
	o.e.logger.Debug("DTLS flight retransmitted", "flight", flight)
}

func (o *exchangeObserver) OnRetransmission() {
	o.e.update(func(p *domain.Progress) {
		o.blocks--
		o.coapRetrans++
		p.Blocks = o.blocks
		p.State = domain.StateLoading
		p.CoapRetransmissions = o.coapRetrans
		p.Retransmissions = o.coapRetrans

		stale, sampled := o.sampleRx(p)
		if !o.dtls || !o.startConnect.IsZero() || !sampled {
			return
		}
		limit := o.maxRetransmit
		if limit <= 0 || o.coapRetrans < limit-1 {
			return
		}
		if stale || limit <= o.coapRetrans {
			o.req.ForceHandshake()
			o.connectOnRetry = true
			o.sent = false
			o.e.logger.Info("Forcing DTLS handshake on retransmission",
				"retransmission", o.coapRetrans, "no_rx", stale)
		}
	})
}

// sampleRx appends the total received bytes and reports whether nothing
// arrived between the two latest retransmissions.
func (o *exchangeObserver) sampleRx(p *domain.Progress) (stale, sampled bool) {
	if o.counters == nil || p.RxTotal == nil {
		return false, false
	}
	total, ok := o.counters.TotalRxBytes()
	if !ok {
		return false, false
	}
	idx := len(p.RxTotal)
	p.RxTotal = append(p.RxTotal, total)
	if idx > 1 {
		idx -= 2
	} else {
		idx = 0
	}
	return p.RxTotal[idx] == total, true
}

func (o *exchangeObserver) OnSent() {
	o.e.update(func(p *domain.Progress) {
		o.blocks++
		p.Blocks = o.blocks
		p.State = domain.StateLoading
		if !o.sent {
			o.sent = true
			o.connected()
			if o.connectTime != nil {
				p.ConnectTime = o.connectTime
			}
		}
	})
}

func (o *exchangeObserver) OnSendError(err error) {
	o.e.mu.Lock()
	o.connected()
	o.e.mu.Unlock()
	o.e.logger.Warn("Send failed", "destination", o.req.Destination, "error", err)
}

// connected records the connect time of the first handshake.
func (o *exchangeObserver) connected() {
	if o.connectTime == nil && !o.startConnect.IsZero() {
		o.connectTime = domain.DurationPtr(time.Since(o.startConnect))
	}
}
