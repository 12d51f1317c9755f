// Package proxy wires the wire, radcrypto, rewrite, peer, realm, reqtable,
// transport and session packages together into the actual request and
// reply processing pipeline: decode, validate, rewrite, route, forward,
// and the reverse path back to the originating client.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/journal"
	"github.com/radproxy-go/radproxyd/internal/peer"
	"github.com/radproxy-go/radproxyd/internal/realm"
	"github.com/radproxy-go/radproxyd/internal/resolve"
	"github.com/radproxy-go/radproxyd/internal/rewrite"
	"github.com/radproxy-go/radproxyd/internal/session"
	"github.com/radproxy-go/radproxyd/internal/transport"
	"github.com/radproxy-go/radproxyd/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Proxy is the assembled runtime: every resolved table and live connection
// derived from one immutable *config.Config.
type Proxy struct {
	cfg    *config.Config
	logger *slog.Logger

	clientTable *peer.Table
	serverTable *peer.Table

	rewriteRules  map[string]*rewrite.Rule
	usernameRules map[string]*rewrite.UsernameRule
	tlsConfigs    map[string]*tls.Config

	router    *realm.Router
	upstreams map[string]*session.Upstream

	journal *journal.Journal

	udpListener     *transport.UDPListener
	acctUDPListener *transport.UDPListener
	tlsListener     *transport.TLSListener

	udpClientsMu sync.Mutex
	udpClients   map[string]*udpClientRef
}

// New assembles a Proxy from a loaded configuration. It resolves every
// client/server hostname, compiles every rewrite and TLS block, but does
// not yet bind any socket; call Run for that.
func New(cfg *config.Config, logger *slog.Logger) (*Proxy, error) {
	resolver := resolve.New(nil, 0)

	clientTable, err := peer.BuildClientTable(cfg.Clients, resolver)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolving clients: %w", err)
	}
	serverTable, err := peer.BuildServerTable(cfg.Servers, resolver)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolving servers: %w", err)
	}

	p := &Proxy{
		cfg:           cfg,
		logger:        logger,
		clientTable:   clientTable,
		serverTable:   serverTable,
		rewriteRules:  make(map[string]*rewrite.Rule),
		usernameRules: make(map[string]*rewrite.UsernameRule),
		tlsConfigs:    make(map[string]*tls.Config),
		upstreams:     make(map[string]*session.Upstream),
		udpClients:    make(map[string]*udpClientRef),
	}
	p.router = realm.New(cfg)

	for i := range cfg.Rewrite {
		rc := &cfg.Rewrite[i]
		rule, err := rewrite.NewRule(rc.Name, rc.RemoveAttrs, rc.RemoveVendorAttrs)
		if err != nil {
			return nil, fmt.Errorf("proxy: rewrite %q: %w", rc.Name, err)
		}
		p.rewriteRules[rc.Name] = rule
	}

	for i := range cfg.Clients {
		c := &cfg.Clients[i]
		if c.RewriteAttrRegex == "" {
			continue
		}
		ur, err := rewrite.NewUsernameRule(c.RewriteAttrRegex)
		if err != nil {
			return nil, fmt.Errorf("proxy: client %q username rewrite: %w", c.Name, err)
		}
		p.usernameRules[c.Name] = ur
	}

	for i := range cfg.TLS {
		t := &cfg.TLS[i]
		tc, err := buildTLSConfig(t)
		if err != nil {
			return nil, fmt.Errorf("proxy: tls %q: %w", t.Name, err)
		}
		p.tlsConfigs[t.Name] = tc
	}

	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		up, err := p.newUpstream(s)
		if err != nil {
			return nil, fmt.Errorf("proxy: server %q: %w", s.Name, err)
		}
		p.upstreams[s.Name] = up
		p.router.Register(s.Name, up.Table)
	}

	return p, nil
}

func (p *Proxy) newUpstream(s *config.ServerConfig) (*session.Upstream, error) {
	addr := net.JoinHostPort(s.Host, fmt.Sprintf("%d", s.Port))
	if s.Type == "TLS" {
		tc, err := p.dialerTLSConfig(s)
		if err != nil {
			return nil, err
		}
		entry := p.serverTable.ByName(s.Name)
		return session.NewTLSUpstream(s.Name, s, tc, entry, p.logger), nil
	}

	conn, err := transport.DialUDPUpstream(context.Background(), p.cfg.Listen.SourceUDP, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing UDP upstream: %w", err)
	}
	return session.NewUDPUpstream(s.Name, s, conn, p.logger), nil
}

// dialerTLSConfig clones the named TLS bundle for outbound use, pinning the
// server name and replacing Go's built-in hostname verification with
// verifyUpstreamCert (§4.4/§4.7): that callback still builds and checks the
// certificate chain against the bundle's RootCAs (and any configured CRL),
// it just also enforces the proxy's own identity rule (SAN-IP / SAN-DNS /
// CN / cn-regex / uri-regex) in place of Go's plain hostname match, since
// that rule does not map onto ServerName/DNSName checking alone.
func (p *Proxy) dialerTLSConfig(s *config.ServerConfig) (*tls.Config, error) {
	base, ok := p.tlsConfigs[s.TLSRef]

	var tc *tls.Config
	var roots *x509.CertPool
	var crlCheck func([][]byte, [][]*x509.Certificate) error
	if ok {
		tc = base.Clone()
		roots = base.RootCAs
		crlCheck = base.VerifyPeerCertificate
	} else {
		tc = &tls.Config{}
	}
	tc.ServerName = s.Host
	tc.InsecureSkipVerify = true
	tc.VerifyPeerCertificate = verifyUpstreamCert(roots, crlCheck, s.Host, s.MatchCertAttr)
	return tc, nil
}

// verifyUpstreamCert returns a tls.Config.VerifyPeerCertificate callback
// that runs in place of Go's disabled built-in verification: it runs any
// CRL check inherited from the TLS bundle, builds and validates the peer's
// certificate chain against roots when a CA pool is configured, and
// enforces the configured SAN/CN identity rule via peer.VerifyCert. A nil
// roots pool (no ca_file/ca_path configured for this bundle) skips chain
// verification, matching the original's optional CA configuration.
func verifyUpstreamCert(roots *x509.CertPool, crlCheck func([][]byte, [][]*x509.Certificate) error, host, matchCertAttr string) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if crlCheck != nil {
			if err := crlCheck(rawCerts, verifiedChains); err != nil {
				return err
			}
		}
		if len(rawCerts) == 0 {
			return fmt.Errorf("proxy: upstream presented no certificate")
		}

		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return fmt.Errorf("proxy: parsing upstream certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		if roots != nil {
			intermediates := x509.NewCertPool()
			for _, c := range certs[1:] {
				intermediates.AddCert(c)
			}
			if _, err := certs[0].Verify(x509.VerifyOptions{
				Roots:         roots,
				Intermediates: intermediates,
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			}); err != nil {
				return fmt.Errorf("proxy: upstream certificate chain verification failed: %w", err)
			}
		}

		ok, err := peer.VerifyCert(certs[0], host, matchCertAttr)
		if err != nil {
			return fmt.Errorf("proxy: upstream certificate identity check: %w", err)
		}
		if !ok {
			return fmt.Errorf("proxy: upstream certificate does not satisfy configured identity for %s", host)
		}
		return nil
	}
}

func (p *Proxy) rewriteRuleFor(name string) *rewrite.Rule {
	if name == "" {
		return nil
	}
	return p.rewriteRules[name]
}

// Run binds every configured listener and upstream connection and blocks
// until ctx is canceled or a component fails fatally.
func (p *Proxy) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for name, up := range p.upstreams {
		up := up
		name := name
		g.Go(func() error { return up.Run(gctx) })

		if up.Server.Type == "UDP" {
			g.Go(func() error { return p.udpReplyLoop(gctx, name, up) })
		} else {
			g.Go(func() error {
				return up.ReadLoop(gctx, func(pkt *wire.Packet) { p.handleUpstreamReply(name, up, pkt) })
			})
		}
		if up.Server.StatusServer == "on" {
			g.Go(func() error { return p.statusServerLoop(gctx, name, up) })
		}
	}

	udpListener, err := transport.ListenUDP(gctx, p.cfg.Listen.UDP, p.handleUDPDatagram, p.logger)
	if err != nil {
		return err
	}
	p.udpListener = udpListener

	if p.cfg.Listen.AccountingUDP != "" {
		acct, err := transport.ListenUDP(gctx, p.cfg.Listen.AccountingUDP, p.handleUDPDatagram, p.logger)
		if err != nil {
			return err
		}
		p.acctUDPListener = acct
	}

	if tc := p.listenerTLSConfig(); tc != nil {
		tlsListener, err := transport.ListenTLS(gctx, p.cfg.Listen.TCP, tc, p.handleTLSConn, p.logger)
		if err != nil {
			return err
		}
		p.tlsListener = tlsListener
	}

	<-gctx.Done()
	p.shutdown()
	return g.Wait()
}

func (p *Proxy) shutdown() {
	if p.udpListener != nil {
		p.udpListener.Close()
	}
	if p.acctUDPListener != nil {
		p.acctUDPListener.Close()
	}
	if p.tlsListener != nil {
		p.tlsListener.Close()
	}
	for _, up := range p.upstreams {
		up.Close()
	}
	if p.journal != nil {
		p.journal.Close()
	}
}

// OpenJournal attaches a non-authoritative operational event log. Optional:
// nothing in the routing or retry path ever reads it back.
func (p *Proxy) OpenJournal(path string, maxEvents int) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	j, err := journal.Open(path, maxEvents)
	if err != nil {
		return err
	}
	p.journal = j
	return nil
}

func (p *Proxy) record(kind, peerName, serverName, detail string) {
	if p.journal == nil {
		return
	}
	p.journal.Record(journal.Event{Kind: kind, Peer: peerName, Server: serverName, Detail: detail})
}

// Journal returns the attached operational journal, or nil if none was
// opened. Used by the metrics HTTP server to expose recent events.
func (p *Proxy) Journal() *journal.Journal {
	return p.journal
}

func buildCAPool(caFile, caPath string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	added := false

	if caFile != "" {
		data, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca_file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates parsed from ca_file %s", caFile)
		}
		added = true
	}

	if caPath != "" {
		entries, err := os.ReadDir(caPath)
		if err != nil {
			return nil, fmt.Errorf("reading ca_path %s: %w", caPath, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(caPath, e.Name()))
			if err != nil {
				continue
			}
			if pool.AppendCertsFromPEM(data) {
				added = true
			}
		}
	}

	if !added {
		return nil, nil
	}
	return pool, nil
}

func buildTLSConfig(t *config.TLSConfig) (*tls.Config, error) {
	if t.KeyPwd != "" {
		return nil, fmt.Errorf("tls %q: encrypted key files are not supported", t.Name)
	}

	tc := &tls.Config{}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading cert/key: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	pool, err := buildCAPool(t.CAFile, t.CAPath)
	if err != nil {
		return nil, err
	}
	if pool != nil {
		tc.RootCAs = pool
		tc.ClientCAs = pool
	}

	if t.CRLFile != "" {
		revoked, err := loadRevokedSerials(t.CRLFile)
		if err != nil {
			return nil, fmt.Errorf("tls %q: loading crl_file %s: %w", t.Name, t.CRLFile, err)
		}
		tc.VerifyPeerCertificate = crlVerifier(revoked)
	}

	return tc, nil
}

// loadRevokedSerials parses a DER or PEM-encoded CRL file into the set of
// revoked certificate serial numbers. Re-read on every SIGHUP reload via
// buildTLSConfig, so a rotated CRL file takes effect without restarting.
func loadRevokedSerials(path string) (map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}

	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("parsing CRL: %w", err)
	}

	revoked := make(map[string]struct{}, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		revoked[e.SerialNumber.String()] = struct{}{}
	}
	return revoked, nil
}

// crlVerifier returns a tls.Config.VerifyPeerCertificate callback that
// rejects a handshake if the serial number of any certificate the peer
// presents appears in revoked, supplementing Go's standard chain verification (which does
// not itself consult a CRL).
func crlVerifier(revoked map[string]struct{}) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				continue
			}
			if _, ok := revoked[cert.SerialNumber.String()]; ok {
				return fmt.Errorf("proxy: certificate serial %s is revoked", cert.SerialNumber.String())
			}
		}
		return nil
	}
}

// listenerTLSConfig builds the inbound RadSec listener's server-side TLS
// configuration: the certificate from the first TLS-typed client's TLS
// bundle, requiring and verifying a client certificate against that same
// bundle's CA pool; the CA pools of other clients' bundles are not merged
// in. A single shared listener cannot
// present a different certificate per client without SNI routing, which the
// configuration model here does not carry, so one bundle serves every
// inbound RadSec client; per-client identity is enforced afterward by
// peer.VerifyCert against the client's own host/match_cert_attr.
func (p *Proxy) listenerTLSConfig() *tls.Config {
	var base *tls.Config
	for i := range p.cfg.Clients {
		c := &p.cfg.Clients[i]
		if c.Type != "TLS" || c.TLSRef == "" {
			continue
		}
		tc, ok := p.tlsConfigs[c.TLSRef]
		if !ok || len(tc.Certificates) == 0 {
			continue
		}
		base = tc
		break
	}
	if base == nil {
		return nil
	}

	out := base.Clone()
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out
}
