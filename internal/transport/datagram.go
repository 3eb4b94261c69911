package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/dustin/go-coap"
)

const maxDatagram = 1500

// errAttemptTimeout ends one transmission attempt without a response.
var errAttemptTimeout = errors.New("attempt timeout")

// exchangeDatagram sends a confirmable request and retransmits it with
// exponential backoff until a response arrives or the budget is spent.
// Before a retransmission a pending forced handshake is served by reconnect,
// which returns the connection to continue on.
func exchangeDatagram(ctx context.Context, cfg Config, conn net.Conn, req *Request, obs MessageObserver,
	mid uint16, reconnect func() (net.Conn, error)) (coap.Message, time.Duration, error) {
	token := newToken()
	msg := req.message(coap.Confirmable, mid, token)
	data, err := msg.MarshalBinary()
	if err != nil {
		return coap.Message{}, 0, fmt.Errorf("encode request: %w", err)
	}

	timeout := initialTimeout(cfg)
	start := time.Now()
	buf := make([]byte, maxDatagram)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			obs.OnRetransmission()
			if req.takeForceHandshake() && reconnect != nil {
				c, err := reconnect()
				if err != nil {
					return coap.Message{}, 0, &ConnectError{Err: err}
				}
				conn = c
			}
		}
		if err := ctx.Err(); err != nil {
			return coap.Message{}, 0, err
		}

		if _, err := conn.Write(data); err != nil {
			obs.OnSendError(err)
			return coap.Message{}, 0, fmt.Errorf("send: %w", err)
		}
		obs.OnSent()

		resp, err := awaitResponse(ctx, cfg, conn, buf, mid, token, time.Now().Add(timeout))
		if err == nil {
			return resp, time.Since(start), nil
		}
		if !errors.Is(err, errAttemptTimeout) {
			return coap.Message{}, 0, err
		}
		if attempt >= cfg.MaxRetransmit {
			return coap.Message{}, 0, ErrTimeout
		}
		timeout *= 2
	}
}

func initialTimeout(cfg Config) time.Duration {
	timeout := cfg.AckTimeout
	if cfg.AckRandomFactor > 1 {
		timeout += time.Duration(float64(timeout) * (cfg.AckRandomFactor - 1) * rand.Float64())
	}
	return timeout
}

// awaitResponse reads until the response matching mid or token arrives.
// An empty acknowledgement stops retransmissions and waits for the
// separate response.
func awaitResponse(ctx context.Context, cfg Config, conn net.Conn, buf []byte, mid uint16, token []byte,
	deadline time.Time) (coap.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	acked := false
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return coap.Message{}, fmt.Errorf("set deadline: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return coap.Message{}, err
		}

		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return coap.Message{}, ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if acked {
					return coap.Message{}, ErrTimeout
				}
				return coap.Message{}, errAttemptTimeout
			}
			return coap.Message{}, fmt.Errorf("receive: %w", err)
		}

		m, err := coap.ParseMessage(buf[:n])
		if err != nil {
			continue
		}
		switch {
		case m.MessageID == mid && m.Type == coap.Reset:
			return coap.Message{}, ErrReset
		case m.MessageID == mid && m.Type == coap.Acknowledgement:
			if m.Code == 0 {
				acked = true
				deadline = time.Now().Add(cfg.SeparateTimeout)
				continue
			}
			if bytes.Equal(m.Token, token) {
				return m, nil
			}
		case bytes.Equal(m.Token, token) && (m.Type == coap.Confirmable || m.Type == coap.NonConfirmable):
			if m.Type == coap.Confirmable {
				ack := coap.Message{Type: coap.Acknowledgement, MessageID: m.MessageID}
				if data, err := ack.MarshalBinary(); err == nil {
					_, _ = conn.Write(data)
				}
			}
			return m, nil
		}
	}
}
