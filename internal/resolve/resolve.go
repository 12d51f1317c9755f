// Package resolve looks up the IP addresses behind configured server and
// client hostnames using github.com/miekg/dns, so the rest of the proxy
// always works with resolved net.IP values rather than re-resolving on
// every packet.
package resolve

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves hostnames to IP addresses using a configured set of
// nameservers, falling back to the host's own resolv.conf when none are
// given.
type Resolver struct {
	client      *dns.Client
	nameservers []string
	timeout     time.Duration
}

// New builds a Resolver. If nameservers is empty, the system's
// /etc/resolv.conf is used.
func New(nameservers []string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	r := &Resolver{
		client:      &dns.Client{Timeout: timeout},
		nameservers: nameservers,
		timeout:     timeout,
	}
	if len(r.nameservers) == 0 {
		r.nameservers = systemNameservers()
	}
	return r
}

func systemNameservers() []string {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil {
		return []string{"127.0.0.1:53"}
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	if len(out) == 0 {
		return []string{"127.0.0.1:53"}
	}
	return out
}

// Resolve returns every A and AAAA address for host. If host is already an
// IP literal, it is returned as the sole result with no lookup performed.
func (r *Resolver) Resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	var addrs []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ips, err := r.query(host, qtype)
		if err != nil {
			continue
		}
		addrs = append(addrs, ips...)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve: no addresses found for %q", host)
	}
	return addrs, nil
}

// ResolveFirst returns the first resolved address for host, matching the
// "first resolved address" semantics peer CIDR matching relies on.
func (r *Resolver) ResolveFirst(host string) (net.IP, error) {
	addrs, err := r.Resolve(host)
	if err != nil {
		return nil, err
	}
	return addrs[0], nil
}

func (r *Resolver) query(host string, qtype uint16) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, ns := range r.nameservers {
		resp, _, err := r.client.Exchange(m, ns)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("resolve: %s returned rcode %s", ns, dns.RcodeToString[resp.Rcode])
			continue
		}
		var ips []net.IP
		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("resolve: no answer for %q", host)
	}
	return nil, lastErr
}
