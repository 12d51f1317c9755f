package resolve

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startTestDNSServer(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}

	srv := &dns.Server{PacketConn: pc, Handler: handler}
	go srv.ActivateAndServe()
	t.Cleanup(func() {
		srv.Shutdown()
	})

	return pc.LocalAddr().String()
}

func TestResolveIPLiteralSkipsLookup(t *testing.T) {
	r := New(nil, time.Second)
	ips, err := r.Resolve("10.0.0.5")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.0.0.5")) {
		t.Errorf("Resolve(IP literal) = %v, want [10.0.0.5]", ips)
	}
}

func TestResolveQueriesConfiguredNameserver(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		rr, err := dns.NewRR("radius.example.org. 60 IN A 192.0.2.10")
		if err != nil {
			t.Fatalf("NewRR: %v", err)
		}
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	r := New([]string{addr}, 2*time.Second)
	ips, err := r.Resolve("radius.example.org")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}

	found := false
	for _, ip := range ips {
		if ip.Equal(net.ParseIP("192.0.2.10")) {
			found = true
		}
	}
	if !found {
		t.Errorf("Resolve result %v does not contain 192.0.2.10", ips)
	}
}

func TestResolveFirstReturnsSingleAddress(t *testing.T) {
	addr := startTestDNSServer(t, func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		rr, _ := dns.NewRR("radius.example.org. 60 IN A 192.0.2.20")
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	r := New([]string{addr}, 2*time.Second)
	ip, err := r.ResolveFirst("radius.example.org")
	if err != nil {
		t.Fatalf("ResolveFirst error: %v", err)
	}
	if !ip.Equal(net.ParseIP("192.0.2.20")) {
		t.Errorf("ResolveFirst = %v, want 192.0.2.20", ip)
	}
}
