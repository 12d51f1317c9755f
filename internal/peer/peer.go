// Package peer resolves and matches inbound/outbound peers against the
// configured ClientConfig/ServerConfig lists, and verifies TLS peer
// certificates against the identity rules those configs carry.
package peer

import (
	"crypto/x509"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/resolve"
)

// Entry is one resolved client or server config, ready for address
// matching. Exactly one of Net or IPs is populated: a CIDR host becomes
// Net, anything else (IP literal or hostname) resolves to one or more IPs.
type Entry struct {
	Name   string
	Client *config.ClientConfig
	Server *config.ServerConfig
	Net    *net.IPNet
	IPs    []net.IP
}

// Table holds resolved client or server entries in configuration order, so
// that find-first/find-next iteration can disambiguate entries sharing an
// address by a subsequent check (typically a certificate match).
type Table struct {
	entries []Entry
}

// BuildClientTable resolves every ClientConfig's host into an Entry.
func BuildClientTable(clients []config.ClientConfig, resolver *resolve.Resolver) (*Table, error) {
	t := &Table{}
	for i := range clients {
		c := &clients[i]
		e, err := buildEntry(c.Name, c.Host, resolver)
		if err != nil {
			return nil, fmt.Errorf("peer: client %q: %w", c.Name, err)
		}
		e.Client = c
		t.entries = append(t.entries, e)
	}
	return t, nil
}

// BuildServerTable resolves every ServerConfig's host into an Entry.
func BuildServerTable(servers []config.ServerConfig, resolver *resolve.Resolver) (*Table, error) {
	t := &Table{}
	for i := range servers {
		s := &servers[i]
		e, err := buildEntry(s.Name, s.Host, resolver)
		if err != nil {
			return nil, fmt.Errorf("peer: server %q: %w", s.Name, err)
		}
		e.Server = s
		t.entries = append(t.entries, e)
	}
	return t, nil
}

func buildEntry(name, host string, resolver *resolve.Resolver) (Entry, error) {
	if _, cidr, err := net.ParseCIDR(host); err == nil {
		return Entry{Name: name, Net: cidr}, nil
	}
	ips, err := resolver.Resolve(host)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, IPs: ips}, nil
}

// unwrapV4 unwraps a v4-mapped IPv6 address to its 4-byte AF_INET form, so
// comparisons never fail purely because one side came in dual-stack.
func unwrapV4(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// matches reports whether addr satisfies this entry. For a CIDR entry,
// only the first resolved address of a UDP client is compared against the
// stored prefix, so callers pass that single address here rather than the
// whole resolved set. For a non-CIDR entry, any resolved address may
// match.
func (e *Entry) matches(addr net.IP) bool {
	addr = unwrapV4(addr)
	if e.Net != nil {
		return e.Net.Contains(addr)
	}
	for _, ip := range e.IPs {
		if unwrapV4(ip).Equal(addr) {
			return true
		}
	}
	return false
}

// FindFirst returns the index of the first entry matching addr, starting
// the search at the beginning of the table.
func (t *Table) FindFirst(addr net.IP) (int, *Entry, bool) {
	return t.FindNext(-1, addr)
}

// FindNext continues a match search after cursor, returning the next
// matching entry. Pass -1 as cursor to start from the beginning (as
// FindFirst does). This lets a caller walk every candidate sharing an
// address and disambiguate by certificate.
func (t *Table) FindNext(cursor int, addr net.IP) (int, *Entry, bool) {
	for i := cursor + 1; i < len(t.entries); i++ {
		if t.entries[i].matches(addr) {
			return i, &t.entries[i], true
		}
	}
	return -1, nil, false
}

// ByName returns the entry with the given name, or nil.
func (t *Table) ByName(name string) *Entry {
	for i := range t.entries {
		if t.entries[i].Name == name {
			return &t.entries[i]
		}
	}
	return nil
}

// VerifyCert checks a peer's leaf certificate against the identity rule
// implied by host and matchCertAttr:
//
//   - if host is an IP literal, the cert must carry a matching
//     subjectAltName:iPAddress;
//   - otherwise SAN:dNSName is tried first (exact, case-insensitive), then
//     the Subject CN;
//   - matchCertAttr, if set, additionally constrains the match: a
//     "cn:<regex>" value requires a CN entry to match that regex, and a
//     "uri:<regex>" value requires a SAN:URI entry to match it.
func VerifyCert(cert *x509.Certificate, host, matchCertAttr string) (bool, error) {
	if ip := net.ParseIP(host); ip != nil {
		if !certHasIP(cert, ip) {
			return false, nil
		}
	} else if !certHasDNSName(cert, host) && !certHasCN(cert, host) {
		return false, nil
	}

	if matchCertAttr == "" {
		return true, nil
	}

	kind, pattern, found := strings.Cut(matchCertAttr, ":")
	if !found {
		return false, fmt.Errorf("peer: match_cert_attr %q missing \"kind:\" prefix", matchCertAttr)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return false, fmt.Errorf("peer: match_cert_attr regex %q: %w", pattern, err)
	}

	switch kind {
	case "cn":
		return re.MatchString(cert.Subject.CommonName), nil
	case "uri":
		for _, u := range cert.URIs {
			if re.MatchString(u.String()) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("peer: match_cert_attr has unknown kind %q", kind)
	}
}

func certHasIP(cert *x509.Certificate, ip net.IP) bool {
	ip = unwrapV4(ip)
	for _, certIP := range cert.IPAddresses {
		if unwrapV4(certIP).Equal(ip) {
			return true
		}
	}
	return false
}

func certHasDNSName(cert *x509.Certificate, host string) bool {
	for _, name := range cert.DNSNames {
		if strings.EqualFold(name, host) {
			return true
		}
	}
	return false
}

func certHasCN(cert *x509.Certificate, host string) bool {
	return strings.EqualFold(cert.Subject.CommonName, host)
}
