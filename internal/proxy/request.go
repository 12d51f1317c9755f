package proxy

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/radcrypto"
	"github.com/radproxy-go/radproxyd/internal/reqtable"
	"github.com/radproxy-go/radproxyd/internal/rewrite"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

const userNameType = 1

// requestContext is the state a request table slot carries from the moment
// a request is forwarded upstream to the moment its reply (or expiry) is
// processed: everything the reply path needs that isn't already in the
// reply packet itself.
type requestContext struct {
	clientName        string
	clientSecret      string
	serverName        string
	origID            byte
	origAuth          [16]byte
	origUsername      []byte
	usernameRewritten bool
	rewriteRule       *rewrite.Rule
	reply             func([]byte)
}

// handleRequest is the transport-agnostic request pipeline (radsrv):
// validate, rewrite-in, route, allocate a slot, re-encrypt secret-bearing
// attributes across the hop, and forward. reply delivers the eventual
// response (or an immediate Access-Reject) back to the originating client;
// it is a direct UDP write for UDP clients or a ReplyQueue push for RadSec
// clients.
func (p *Proxy) handleRequest(ctx context.Context, pkt *wire.Packet, client *config.ClientConfig, clientRef reqtable.ClientRef, reply func([]byte)) {
	if ma := pkt.FindAttr(radcrypto.MessageAuthenticatorType); ma != nil {
		ok, err := radcrypto.CheckMessageAuthenticator(pkt, pkt.Authenticator, client.Secret)
		if err != nil || !ok {
			metrics.AuthenticatorFailures.WithLabelValues(client.Name, "message_authenticator").Inc()
			return
		}
	}

	origID := pkt.Identifier
	origAuth := pkt.Authenticator

	p.rewriteRuleFor(client.RewriteRef).Apply(pkt)

	var origUsername []byte
	var usernameRewritten bool
	if ur := p.usernameRules[client.Name]; ur != nil {
		orig, ok, err := ur.Rewrite(pkt, client.RewriteAttrReplace)
		if err != nil {
			p.logger.Warn("username rewrite failed", "client", client.Name, "error", err)
		} else if ok {
			origUsername, usernameRewritten = orig, true
		}
	}

	userName := ""
	if a := pkt.FindAttr(userNameType); a != nil {
		userName = string(a.Value)
	}

	realmCfg, server, ok := p.router.Route(userName)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("no_realm").Inc()
		return
	}
	if server == nil {
		if realmCfg.ReplyMessage != "" {
			p.sendReject(pkt, origID, origAuth, client, realmCfg.ReplyMessage, reply)
		} else {
			metrics.PacketsDropped.WithLabelValues("no_candidate_server").Inc()
		}
		return
	}

	up := p.upstreams[server.Name]
	if up == nil {
		metrics.PacketsDropped.WithLabelValues("unknown_server").Inc()
		return
	}

	if up.Table.IsDuplicate(clientRef, origID) {
		metrics.DuplicateRequests.WithLabelValues(client.Name).Inc()
		return
	}

	if err := recryptSecretsOut(pkt, client.Secret, origAuth, server.Secret, origAuth); err != nil {
		metrics.SecretRecryptErrors.WithLabelValues("user_password").Inc()
		return
	}

	maxTries, retryEvery := requestRetryPolicy(server)
	slotID, ok := up.Table.Allocate(clientRef, origID, nil, maxTries, retryEvery, false)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("request_table_full").Inc()
		return
	}

	pkt.Identifier = slotID
	if ma := pkt.FindAttr(radcrypto.MessageAuthenticatorType); ma != nil {
		if err := radcrypto.SetMessageAuthenticator(pkt, origAuth, server.Secret); err != nil {
			p.logger.Warn("setting outbound Message-Authenticator failed", "server", server.Name, "error", err)
			return
		}
	}

	buf, err := pkt.Marshal()
	if err != nil {
		p.logger.Warn("marshaling outbound request failed", "server", server.Name, "error", err)
		return
	}
	up.Table.UpdateBuf(slotID, buf)
	up.Table.SetContext(slotID, &requestContext{
		clientName:        client.Name,
		clientSecret:      client.Secret,
		serverName:        server.Name,
		origID:            origID,
		origAuth:          origAuth,
		origUsername:      origUsername,
		usernameRewritten: usernameRewritten,
		rewriteRule:       p.rewriteRuleFor(client.RewriteRef),
		reply:             reply,
	})

	if err := up.Send(ctx, buf); err != nil {
		p.logger.Warn("sending request to upstream failed", "server", server.Name, "error", err)
		return
	}
	up.Wake()
	metrics.PacketsSent.WithLabelValues(server.Name, pkt.Code.String()).Inc()
	p.record("forward", client.Name, server.Name, "")
}

// requestRetryPolicy returns the slot's max-try count and per-try interval:
// a single try for RadSec (TCP already retransmits), REQUEST_RETRIES tries
// spaced over REQUEST_EXPIRY for UDP.
func requestRetryPolicy(server *config.ServerConfig) (maxTries int, retryEvery time.Duration) {
	if server.Type == "TLS" {
		return 1, config.TLSRequestExpiry
	}
	return config.RequestRetries, config.RequestExpiry / time.Duration(config.RequestRetries)
}

// sendReject replies with an immediate Access-Reject carrying a
// Reply-Message, for a realm match with no usable candidate server.
func (p *Proxy) sendReject(pkt *wire.Packet, origID byte, origAuth [16]byte, client *config.ClientConfig, message string, reply func([]byte)) {
	out := &wire.Packet{Code: wire.CodeAccessReject, Identifier: origID}
	out.AddAttr(replyMessageType, []byte(message))

	auth, err := radcrypto.Sign(out, origAuth, client.Secret)
	if err != nil {
		p.logger.Warn("signing realm-reject reply failed", "client", client.Name, "error", err)
		return
	}
	out.Authenticator = auth

	buf, err := out.Marshal()
	if err != nil {
		return
	}
	reply(buf)
	metrics.PacketsSent.WithLabelValues(client.Name, out.Code.String()).Inc()
}

const replyMessageType = 18

// recryptSecretsOut re-encrypts User-Password and Tunnel-Password
// attributes from the client's secret/authenticator to the server's, ahead
// of a request going out. Both hops use the same authenticator bytes: the
// proxy never regenerates the client's own request authenticator, only the
// slot ID stamped into the packet's identifier field.
func recryptSecretsOut(pkt *wire.Packet, oldSecret string, oldAuth [16]byte, newSecret string, newAuth [16]byte) error {
	if a := pkt.FindAttr(radcrypto.UserPasswordType); a != nil {
		newVal, err := radcrypto.RecryptUserPassword(a.Value, oldSecret, oldAuth, newSecret, newAuth)
		if err != nil {
			return err
		}
		a.Value = newVal
	}

	var tunnelErr error
	pkt.EachAttr(radcrypto.TunnelPasswordType, func(a *wire.Attribute) {
		if tunnelErr != nil || len(a.Value) < 2 {
			return
		}
		oldSalt := [2]byte{a.Value[0], a.Value[1]}
		newSalt := randomSalt()
		newVal, err := radcrypto.RecryptTunnelPassword(a.Value[2:], oldSalt, oldSecret, oldAuth, newSalt, newSecret, newAuth)
		if err != nil {
			tunnelErr = err
			return
		}
		a.Value = append(newSalt[:], newVal...)
	})
	return tunnelErr
}

// recryptMPPEKeysOut re-encrypts MS-MPPE-Send-Key/Recv-Key sub-attributes
// (vendor 311, sub-types 16/17) inside any Vendor-Specific attribute,
// across a hop's shared secret and authenticator.
func recryptMPPEKeysOut(pkt *wire.Packet, oldSecret string, oldAuth [16]byte, newSecret string, newAuth [16]byte) {
	pkt.EachAttr(radcrypto.VendorSpecificType, func(a *wire.Attribute) {
		if len(a.Value) < 4 {
			return
		}
		vendorID := binary.BigEndian.Uint32(a.Value[:4])
		if vendorID != msVendorID {
			return
		}

		subs := a.Value[4:]
		out := make([]byte, 0, len(subs))
		pos := 0
		changed := false
		for pos < len(subs) {
			if pos+2 > len(subs) {
				out = append(out, subs[pos:]...)
				break
			}
			subType := subs[pos]
			subLen := int(subs[pos+1])
			if subLen < 2 || pos+subLen > len(subs) {
				out = append(out, subs[pos:]...)
				break
			}
			subVal := subs[pos+2 : pos+subLen]

			if subType == mppeSendKeyType || subType == mppeRecvKeyType {
				newVal, err := radcrypto.RecryptMPPEKey(subVal, oldSecret, oldAuth, newSecret, newAuth, randomSalt())
				if err == nil {
					changed = true
					out = append(out, subType, byte(len(newVal)+2))
					out = append(out, newVal...)
					pos += subLen
					continue
				}
				metrics.SecretRecryptErrors.WithLabelValues("mppe_key").Inc()
			}
			out = append(out, subs[pos:pos+subLen]...)
			pos += subLen
		}

		if changed {
			newAttrVal := make([]byte, 0, 4+len(out))
			newAttrVal = append(newAttrVal, a.Value[:4]...)
			newAttrVal = append(newAttrVal, out...)
			a.Value = newAttrVal
		}
	})
}

const (
	msVendorID     = 311
	mppeSendKeyType = 16
	mppeRecvKeyType = 17
)
