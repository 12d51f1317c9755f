package proxy

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/radcrypto"
	"github.com/radproxy-go/radproxyd/internal/session"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestUpstream(name, secret string) *session.Upstream {
	srv := &config.ServerConfig{Name: name, Type: "TLS", Secret: secret}
	return session.NewTLSUpstream(name, srv, nil, nil, testLogger())
}

func TestHandleUpstreamReplyForwardsValidAccept(t *testing.T) {
	p := &Proxy{logger: testLogger()}
	up := newTestUpstream("home1", "serversecret")

	origID := byte(42)
	origAuth := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}

	var forwarded []byte
	slotID, ok := up.Table.Allocate(nil, origID, nil, 3, config.RequestExpiry, false)
	if !ok {
		t.Fatal("allocate failed")
	}
	up.Table.SetContext(slotID, &requestContext{
		clientName:   "client1",
		clientSecret: "clientsecret",
		serverName:   "home1",
		origID:       origID,
		origAuth:     origAuth,
		reply:        func(buf []byte) { forwarded = buf },
	})

	reply := &wire.Packet{Code: wire.CodeAccessAccept, Identifier: slotID}
	auth, err := radcrypto.Sign(reply, origAuth, "serversecret")
	if err != nil {
		t.Fatalf("signing test reply: %v", err)
	}
	reply.Authenticator = auth

	p.handleUpstreamReply("home1", up, reply)

	if forwarded == nil {
		t.Fatal("expected a reply to be forwarded to the client")
	}
	if forwarded[1] != origID {
		t.Errorf("forwarded reply identifier = %d, want %d (restored)", forwarded[1], origID)
	}
}

func TestHandleUpstreamReplyDropsBadResponseAuthenticator(t *testing.T) {
	p := &Proxy{logger: testLogger()}
	up := newTestUpstream("home1", "serversecret")

	origAuth := [16]byte{9}
	var forwarded []byte
	slotID, _ := up.Table.Allocate(nil, 1, nil, 3, config.RequestExpiry, false)
	up.Table.SetContext(slotID, &requestContext{
		clientName:   "client1",
		clientSecret: "clientsecret",
		serverName:   "home1",
		origID:       1,
		origAuth:     origAuth,
		reply:        func(buf []byte) { forwarded = buf },
	})

	reply := &wire.Packet{Code: wire.CodeAccessAccept, Identifier: slotID}
	reply.Authenticator = [16]byte{0xFF}

	p.handleUpstreamReply("home1", up, reply)

	if forwarded != nil {
		t.Error("a reply with an invalid response authenticator must not be forwarded")
	}
}

func TestHandleUpstreamReplyDropsDuplicateReply(t *testing.T) {
	p := &Proxy{logger: testLogger()}
	up := newTestUpstream("home1", "serversecret")

	origAuth := [16]byte{3}
	deliveries := 0
	slotID, _ := up.Table.Allocate(nil, 1, nil, 3, config.RequestExpiry, false)
	up.Table.SetContext(slotID, &requestContext{
		clientName:   "client1",
		clientSecret: "clientsecret",
		serverName:   "home1",
		origID:       1,
		origAuth:     origAuth,
		reply:        func([]byte) { deliveries++ },
	})

	reply := &wire.Packet{Code: wire.CodeAccessAccept, Identifier: slotID}
	auth, _ := radcrypto.Sign(reply, origAuth, "serversecret")
	reply.Authenticator = auth

	p.handleUpstreamReply("home1", up, reply)
	p.handleUpstreamReply("home1", up, reply)

	if deliveries != 1 {
		t.Errorf("deliveries = %d, want exactly 1 for a duplicate reply", deliveries)
	}
}

func TestHandleStatusServerReplyClearsLostCounter(t *testing.T) {
	p := &Proxy{logger: testLogger()}
	up := newTestUpstream("home1", "serversecret")

	// Force a lost-contact count by letting a status-server slot expire.
	up.Table.Allocate(nil, 0, nil, 1, 0, true)
	up.Table.Sweep(time.Now().Add(time.Second), func(byte, []byte) {})
	if up.Table.LostStatSrv() == 0 {
		t.Fatal("setup: expected a lost status-server count before the test")
	}

	auth := [16]byte{7}
	slotID, _ := up.Table.Allocate(nil, 0, nil, 1, config.RequestExpiry, true)
	up.Table.SetContext(slotID, &statusProbeContext{authenticator: auth})

	reply := &wire.Packet{Code: wire.CodeAccessAccept, Identifier: slotID}
	signed, _ := radcrypto.Sign(reply, auth, "serversecret")
	reply.Authenticator = signed

	p.handleUpstreamReply("home1", up, reply)

	if up.Table.LostStatSrv() != 0 {
		t.Errorf("LostStatSrv() = %d, want 0 after a successful probe reply", up.Table.LostStatSrv())
	}
	if !up.Table.ConnectionOK() {
		t.Error("expected ConnectionOK to be true after a successful probe reply")
	}
}
