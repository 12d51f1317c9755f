package peer

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/resolve"
)

func TestBuildClientTableCIDR(t *testing.T) {
	clients := []config.ClientConfig{
		{Name: "lan", Host: "10.0.0.0/24"},
	}
	table, err := BuildClientTable(clients, resolve.New(nil, time.Second))
	if err != nil {
		t.Fatalf("BuildClientTable error: %v", err)
	}

	_, e, ok := table.FindFirst(net.ParseIP("10.0.0.42"))
	if !ok || e.Name != "lan" {
		t.Fatalf("expected 10.0.0.42 to match the lan CIDR entry, got %+v ok=%v", e, ok)
	}
	if _, _, ok := table.FindFirst(net.ParseIP("10.0.1.1")); ok {
		t.Error("10.0.1.1 should not match 10.0.0.0/24")
	}
}

func TestBuildClientTableIPLiteral(t *testing.T) {
	clients := []config.ClientConfig{
		{Name: "nas1", Host: "192.0.2.5"},
	}
	table, err := BuildClientTable(clients, resolve.New(nil, time.Second))
	if err != nil {
		t.Fatalf("BuildClientTable error: %v", err)
	}

	if _, _, ok := table.FindFirst(net.ParseIP("192.0.2.5")); !ok {
		t.Error("expected exact IP literal match")
	}
	if _, _, ok := table.FindFirst(net.ParseIP("192.0.2.6")); ok {
		t.Error("unexpected match for a different IP")
	}
}

func TestFindNextDisambiguatesSharedAddress(t *testing.T) {
	clients := []config.ClientConfig{
		{Name: "first", Host: "192.0.2.0/24"},
		{Name: "second", Host: "192.0.2.0/24"},
	}
	table, err := BuildClientTable(clients, resolve.New(nil, time.Second))
	if err != nil {
		t.Fatalf("BuildClientTable error: %v", err)
	}

	addr := net.ParseIP("192.0.2.10")
	idx1, e1, ok := table.FindFirst(addr)
	if !ok || e1.Name != "first" {
		t.Fatalf("expected first match to be %q, got %+v", "first", e1)
	}
	_, e2, ok := table.FindNext(idx1, addr)
	if !ok || e2.Name != "second" {
		t.Fatalf("expected second match to be %q, got %+v", "second", e2)
	}
}

func TestVerifyCertIPLiteral(t *testing.T) {
	cert := &x509.Certificate{IPAddresses: []net.IP{net.ParseIP("192.0.2.5")}}
	ok, err := VerifyCert(cert, "192.0.2.5", "")
	if err != nil {
		t.Fatalf("VerifyCert error: %v", err)
	}
	if !ok {
		t.Error("expected IP SAN match to succeed")
	}

	ok, err = VerifyCert(cert, "192.0.2.6", "")
	if err != nil {
		t.Fatalf("VerifyCert error: %v", err)
	}
	if ok {
		t.Error("expected mismatch for a different IP literal")
	}
}

func TestVerifyCertDNSNameAndCN(t *testing.T) {
	dnsCert := &x509.Certificate{DNSNames: []string{"radius.example.org"}}
	ok, err := VerifyCert(dnsCert, "radius.example.org", "")
	if err != nil || !ok {
		t.Fatalf("expected DNS SAN match, ok=%v err=%v", ok, err)
	}

	cnCert := &x509.Certificate{Subject: pkix.Name{CommonName: "radius.example.org"}}
	ok, err = VerifyCert(cnCert, "radius.example.org", "")
	if err != nil || !ok {
		t.Fatalf("expected CN fallback match, ok=%v err=%v", ok, err)
	}
}

func TestVerifyCertCNRegex(t *testing.T) {
	cert := &x509.Certificate{
		DNSNames: []string{"radius.example.org"},
		Subject:  pkix.Name{CommonName: "radsec-1.example.org"},
	}
	ok, err := VerifyCert(cert, "radius.example.org", `cn:^radsec-\d+\.example\.org$`)
	if err != nil {
		t.Fatalf("VerifyCert error: %v", err)
	}
	if !ok {
		t.Error("expected cn: regex to match")
	}

	ok, err = VerifyCert(cert, "radius.example.org", `cn:^nomatch$`)
	if err != nil {
		t.Fatalf("VerifyCert error: %v", err)
	}
	if ok {
		t.Error("expected cn: regex mismatch to fail verification")
	}
}

func TestVerifyCertURIRegex(t *testing.T) {
	u, _ := url.Parse("urn:x-radsec:example-proxy-1")
	cert := &x509.Certificate{
		DNSNames: []string{"radius.example.org"},
		URIs:     []*url.URL{u},
	}
	ok, err := VerifyCert(cert, "radius.example.org", `uri:^urn:x-radsec:example-proxy-\d+$`)
	if err != nil {
		t.Fatalf("VerifyCert error: %v", err)
	}
	if !ok {
		t.Error("expected uri: regex to match")
	}
}
