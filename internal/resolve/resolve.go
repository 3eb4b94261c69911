// Package resolve looks up host addresses.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
)

// ErrNoAddresses is returned when a host has no A or AAAA records.
var ErrNoAddresses = errors.New("no addresses")

// Resolver resolves a host name to addresses in preference order.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// New returns a DNSResolver for server, or the system resolver if server is empty.
func New(server string, timeout time.Duration) Resolver {
	if server == "" {
		return SystemResolver{}
	}
	return NewDNSResolver(server, timeout)
}

// SystemResolver uses the operating system's resolver configuration.
type SystemResolver struct {
	Resolver *net.Resolver
}

func (s SystemResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddresses)
	}
	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

// DNSResolver queries a DNS server directly for A and AAAA records.
type DNSResolver struct {
	server string
	client *dns.Client
}

// NewDNSResolver creates a resolver for server ("host" or "host:port").
func NewDNSResolver(server string, timeout time.Duration) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DNSResolver{
		server: server,
		client: &dns.Client{Net: "udp", Timeout: timeout},
	}
}

type answer struct {
	addrs []netip.Addr
	err   error
}

// LookupHost queries A and AAAA in parallel. IPv4 addresses come first.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}

	v4 := make(chan answer, 1)
	v6 := make(chan answer, 1)
	go func() {
		addrs, err := r.query(ctx, host, dns.TypeA)
		v4 <- answer{addrs, err}
	}()
	go func() {
		addrs, err := r.query(ctx, host, dns.TypeAAAA)
		v6 <- answer{addrs, err}
	}()
	a, aaaa := <-v4, <-v6

	addrs := append(a.addrs, aaaa.addrs...)
	if len(addrs) > 0 {
		return addrs, nil
	}
	if err := errors.Join(a.err, aaaa.err); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddresses)
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", dns.TypeToString[qtype], err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s query: %s", dns.TypeToString[qtype], dns.RcodeToString[in.Rcode])
	}

	var addrs []netip.Addr
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
				addrs = append(addrs, addr)
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(v.AAAA.To16()); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
