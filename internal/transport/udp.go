package transport

import (
	"context"
	"net"

	"github.com/ashureev/cloudcoap/internal/domain"
)

// UDPEngine exchanges plain CoAP over UDP, one socket per exchange.
type UDPEngine struct {
	cfg Config
	ids *messageIDs
}

// NewUDPEngine creates a UDP engine.
func NewUDPEngine(cfg Config) *UDPEngine {
	return &UDPEngine{cfg: cfg, ids: newMessageIDs()}
}

func (e *UDPEngine) Exchange(ctx context.Context, req *Request, obs MessageObserver) (*domain.Response, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(req.Destination))
	if err != nil {
		obs.OnSendError(err)
		return nil, &ConnectError{Err: err}
	}
	defer conn.Close()

	m, rtt, err := exchangeDatagram(ctx, e.cfg, conn, req, obs, e.ids.Next(), nil)
	if err != nil {
		return nil, err
	}
	return toResponse(m, rtt), nil
}

func (e *UDPEngine) MaxRetransmit() int { return e.cfg.MaxRetransmit }

func (e *UDPEngine) Close() error { return nil }
