package proxy

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/peer"
	"github.com/radproxy-go/radproxyd/internal/session"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

// udpClientRef is the weak reference a UDP request's slot carries back to
// its originating peer: one per distinct source address, created on first
// sighting and never torn down (UDP has no connection to close).
type udpClientRef struct {
	addr   *net.UDPAddr
	client *config.ClientConfig
}

// udpClientFor returns the stable ClientRef for a UDP source address,
// creating one on first sighting, and the matching ClientConfig.
func (p *Proxy) udpClientFor(src *net.UDPAddr) (*udpClientRef, *config.ClientConfig) {
	key := src.String()

	p.udpClientsMu.Lock()
	ref, ok := p.udpClients[key]
	p.udpClientsMu.Unlock()
	if ok {
		return ref, ref.client
	}

	_, entry, found := p.clientTable.FindFirst(src.IP)
	if !found || entry.Client == nil || entry.Client.Type != "UDP" {
		return nil, nil
	}

	ref = &udpClientRef{addr: src, client: entry.Client}
	p.udpClientsMu.Lock()
	p.udpClients[key] = ref
	p.udpClientsMu.Unlock()
	return ref, entry.Client
}

// handleUDPDatagram is the transport.PacketHandler for both the auth and
// accounting UDP listeners.
func (p *Proxy) handleUDPDatagram(ctx context.Context, data []byte, src, _ *net.UDPAddr) {
	ref, client := p.udpClientFor(src)
	if client == nil {
		metrics.PacketsDropped.WithLabelValues("unknown_client").Inc()
		return
	}

	pkt, err := wire.ParseUDP(data)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("wire_error").Inc()
		return
	}
	if pkt.Truncated {
		p.logger.Warn("packet attribute list had a one-byte trailer, tolerated", "client", client.Name)
	}
	metrics.PacketsReceived.WithLabelValues(client.Name, pkt.Code.String()).Inc()

	dst := src
	reply := func(buf []byte) {
		if err := p.udpListener.WriteTo(buf, dst); err != nil {
			p.logger.Warn("writing UDP reply", "client", client.Name, "error", err)
		}
	}
	p.handleRequest(ctx, pkt, client, ref, reply)
}

// handleTLSConn is the transport.ConnHandler for the inbound RadSec
// listener: it completes the handshake, matches the peer against the
// configured TLS clients, and on success serves the session until it
// closes.
func (p *Proxy) handleTLSConn(ctx context.Context, conn *tls.Conn) {
	if err := conn.HandshakeContext(ctx); err != nil {
		p.logger.Warn("RadSec handshake failed", "remote", conn.RemoteAddr(), "error", err)
		metrics.TLSHandshakes.WithLabelValues("inbound", "handshake_error").Inc()
		conn.Close()
		return
	}

	client, ok := p.matchTLSClient(conn)
	if !ok {
		p.logger.Warn("RadSec client certificate did not match any configured client", "remote", conn.RemoteAddr())
		metrics.TLSHandshakes.WithLabelValues("inbound", "cert_mismatch").Inc()
		conn.Close()
		return
	}
	metrics.TLSHandshakes.WithLabelValues("inbound", "ok").Inc()

	cs := session.NewClientSession(client, conn, p.logger)
	cs.Serve(ctx, func(ctx context.Context, cs *session.ClientSession, pkt *wire.Packet) {
		metrics.PacketsReceived.WithLabelValues(client.Name, pkt.Code.String()).Inc()
		reply := func(buf []byte) { cs.Queue.Push(session.Reply{Data: buf}) }
		p.handleRequest(ctx, pkt, client, cs, reply)
	})

	p.releaseClientSlots(cs)
}

// matchTLSClient finds the ClientConfig whose address and certificate
// identity both match the connected peer, walking every entry sharing the
// peer's address (peer.Table.FindNext) until one verifies.
func (p *Proxy) matchTLSClient(conn *tls.Conn) (*config.ClientConfig, bool) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, false
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	cert := state.PeerCertificates[0]

	cursor := -1
	for {
		idx, entry, found := p.clientTable.FindNext(cursor, ip)
		if !found {
			return nil, false
		}
		cursor = idx
		if entry.Client == nil || entry.Client.Type != "TLS" {
			continue
		}
		ok, err := peer.VerifyCert(cert, entry.Client.Host, entry.Client.MatchCertAttr)
		if err != nil {
			p.logger.Warn("certificate identity check failed", "client", entry.Client.Name, "error", err)
			continue
		}
		if ok {
			return entry.Client, true
		}
	}
}

// releaseClientSlots nulls out every request slot's weak reference to a
// client session that has just closed, the Go counterpart of the
// generation-counter/sweep design for weak references described for
// request slots.
func (p *Proxy) releaseClientSlots(cs *session.ClientSession) {
	for _, up := range p.upstreams {
		up.Table.ReleaseClient(cs)
	}
}
