package proxy

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/radcrypto"
	"github.com/radproxy-go/radproxyd/internal/rewrite"
	"github.com/radproxy-go/radproxyd/internal/session"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

// statusProbeContext is the slot context attached to a synthesized
// Status-Server probe, carrying just enough to validate its response
// authenticator; unlike requestContext it has no originating client.
type statusProbeContext struct {
	authenticator [16]byte
}

// handleUpstreamReply is replyh: it correlates a response to its request
// table slot, validates it, and either retires a Status-Server probe or
// rewrites and forwards an Access-/Accounting- reply to its originating
// client.
func (p *Proxy) handleUpstreamReply(serverName string, up *session.Upstream, pkt *wire.Packet) {
	slotID := pkt.Identifier
	_, _, ctxIface, ok := up.Table.Lookup(slotID)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("unknown_reply_slot").Inc()
		return
	}

	if up.Table.IsStatusServer(slotID) {
		p.handleStatusServerReply(serverName, up, slotID, ctxIface, pkt)
		return
	}

	rc, ok := ctxIface.(*requestContext)
	if !ok || rc == nil {
		metrics.PacketsDropped.WithLabelValues("missing_reply_context").Inc()
		return
	}

	validAuth, err := radcrypto.ValidateResponse(pkt, rc.origAuth, up.Server.Secret)
	if err != nil || !validAuth {
		metrics.AuthenticatorFailures.WithLabelValues(serverName, "response_authenticator").Inc()
		return
	}

	if pkt.FindAttr(radcrypto.MessageAuthenticatorType) != nil {
		valid, err := radcrypto.CheckMessageAuthenticator(pkt, rc.origAuth, up.Server.Secret)
		if err != nil || !valid {
			metrics.AuthenticatorFailures.WithLabelValues(serverName, "message_authenticator").Inc()
			return
		}
	}

	switch pkt.Code {
	case wire.CodeAccessAccept, wire.CodeAccessReject, wire.CodeAccessChallenge, wire.CodeAccountingResponse:
	default:
		metrics.PacketsDropped.WithLabelValues("unexpected_reply_code").Inc()
		return
	}

	if !up.Table.MarkReceivedIfFirst(slotID) {
		metrics.PacketsDropped.WithLabelValues("duplicate_reply").Inc()
		return
	}

	p.forwardReply(serverName, up.Server.Secret, rc, pkt)
}

// handleStatusServerReply retires a Status-Server probe's slot: a
// Status-Server response is never forwarded to any client, it only clears
// the upstream's lost-contact counter (§4.7).
func (p *Proxy) handleStatusServerReply(serverName string, up *session.Upstream, slotID byte, ctxIface interface{}, pkt *wire.Packet) {
	if sc, ok := ctxIface.(*statusProbeContext); ok && sc != nil {
		valid, err := radcrypto.ValidateResponse(pkt, sc.authenticator, up.Server.Secret)
		if err != nil || !valid {
			metrics.AuthenticatorFailures.WithLabelValues(serverName, "response_authenticator").Inc()
			return
		}
	}

	if !up.Table.MarkReceivedIfFirst(slotID) {
		return
	}
	up.Table.SetConnectionOK(true)
	up.Table.ClearStatusServerFailures()
	metrics.PacketsReceived.WithLabelValues(serverName, pkt.Code.String()).Inc()
	p.record("status-ok", "", serverName, "")
}

// forwardReply applies rewrite-out, re-encrypts any MS-MPPE keys under the
// downstream secret, restores the original identifier/authenticator/
// username the proxy swapped in on the way out, recomputes the downstream
// Message-Authenticator and response authenticator, and delivers the
// packet to the originating client.
func (p *Proxy) forwardReply(serverName, serverSecret string, rc *requestContext, pkt *wire.Packet) {
	rc.rewriteRule.Apply(pkt)
	recryptMPPEKeysOut(pkt, serverSecret, rc.origAuth, rc.clientSecret, rc.origAuth)

	pkt.Identifier = rc.origID
	if rc.usernameRewritten {
		if err := rewrite.Restore(pkt, rc.origUsername); err != nil {
			p.logger.Warn("restoring original username failed", "client", rc.clientName, "error", err)
		}
	}

	if pkt.FindAttr(radcrypto.MessageAuthenticatorType) != nil {
		if err := radcrypto.SetMessageAuthenticator(pkt, rc.origAuth, rc.clientSecret); err != nil {
			p.logger.Warn("setting downstream Message-Authenticator failed", "client", rc.clientName, "error", err)
			return
		}
	}

	auth, err := radcrypto.Sign(pkt, rc.origAuth, rc.clientSecret)
	if err != nil {
		p.logger.Warn("signing downstream reply failed", "client", rc.clientName, "error", err)
		return
	}
	pkt.Authenticator = auth

	buf, err := pkt.Marshal()
	if err != nil {
		p.logger.Warn("marshaling downstream reply failed", "client", rc.clientName, "error", err)
		return
	}

	rc.reply(buf)
	metrics.PacketsSent.WithLabelValues(rc.clientName, pkt.Code.String()).Inc()
	p.record("reply", rc.clientName, serverName, "")
}

// udpReplyLoop reads responses from a UDP upstream's connected socket until
// ctx is canceled, handing each to handleUpstreamReply. Unlike the
// original's shared per-family demux reader, each UDP upstream here owns
// its own connected socket, so replies are already demultiplexed by the
// kernel; no address-based lookup step is needed on this path.
func (p *Proxy) udpReplyLoop(ctx context.Context, name string, up *session.Upstream) error {
	buf := make([]byte, wire.MaxPacketLen)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := up.Receive(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("reading reply from UDP upstream failed", "server", name, "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		pkt, err := wire.ParseUDP(data)
		if err != nil {
			metrics.PacketsDropped.WithLabelValues("wire_error").Inc()
			continue
		}
		if pkt.Truncated {
			p.logger.Warn("reply attribute list had a one-byte trailer, tolerated", "server", name)
		}
		p.handleUpstreamReply(name, up, pkt)
	}
}

// statusServerLoop periodically synthesizes a Status-Server probe to an
// upstream that has status_server enabled, per STATUS_SERVER_PERIOD
// (§4.5). A probe's request table slot always has max_tries=1: it is never
// retransmitted, only counted as lost-contact on expiry.
func (p *Proxy) statusServerLoop(ctx context.Context, name string, up *session.Upstream) error {
	ticker := time.NewTicker(config.StatusServerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sendStatusProbe(ctx, name, up)
		}
	}
}

// sendStatusProbe allocates a slot for a fresh Status-Server request with a
// random authenticator and a Message-Authenticator attribute, and sends it
// upstream.
func (p *Proxy) sendStatusProbe(ctx context.Context, name string, up *session.Upstream) {
	auth := randomAuthenticator()
	pkt := &wire.Packet{Code: wire.CodeStatusServer, Authenticator: auth}
	pkt.AddAttr(radcrypto.MessageAuthenticatorType, make([]byte, 16))

	slotID, ok := up.Table.Allocate(nil, 0, nil, 1, config.RequestExpiry, true)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("request_table_full").Inc()
		return
	}
	pkt.Identifier = slotID

	if err := radcrypto.SetMessageAuthenticator(pkt, pkt.Authenticator, up.Server.Secret); err != nil {
		p.logger.Warn("signing status-server probe failed", "server", name, "error", err)
		return
	}

	buf, err := pkt.Marshal()
	if err != nil {
		p.logger.Warn("marshaling status-server probe failed", "server", name, "error", err)
		return
	}
	up.Table.UpdateBuf(slotID, buf)
	up.Table.SetContext(slotID, &statusProbeContext{authenticator: auth})

	if err := up.Send(ctx, buf); err != nil {
		p.logger.Warn("sending status-server probe failed", "server", name, "error", err)
		return
	}
	up.Wake()
	metrics.PacketsSent.WithLabelValues(name, pkt.Code.String()).Inc()
}

// randomAuthenticator generates a fresh 16-byte Request Authenticator for a
// synthesized outbound request, per RFC 2865 §3 ("should be unpredictable
// and unique").
func randomAuthenticator() [16]byte {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return b
}

// randomSalt generates a 2-byte salt for Tunnel-Password/MS-MPPE
// re-encryption with the high bit of the first byte set, per RFC 2868
// §3.5.
func randomSalt() [2]byte {
	var b [2]byte
	_, _ = rand.Read(b[:])
	b[0] |= 0x80
	return b
}
