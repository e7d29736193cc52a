package payment

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver looks up the IP address of the configured full-node RPC host
// through an explicit DNS client instead of the OS stub resolver — the
// "DNS ... helper" external collaborator spec.md §1 names, wired here to
// PaymentController's RPC dial per SPEC_FULL.md's domain stack.
type Resolver struct {
	client     *dns.Client
	serverAddr string
}

// NewResolver builds a Resolver that queries the nameserver at
// serverAddr (host:port, e.g. "1.1.1.1:53").
func NewResolver(serverAddr string) *Resolver {
	return &Resolver{client: new(dns.Client), serverAddr: serverAddr}
}

// Resolve returns the first A or AAAA record for host.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.serverAddr)
		if err != nil {
			return nil, fmt.Errorf("payment: resolve %s: %w", host, err)
		}
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				return rec.A, nil
			case *dns.AAAA:
				return rec.AAAA, nil
			}
		}
	}
	return nil, fmt.Errorf("payment: no A/AAAA record for %s", host)
}
