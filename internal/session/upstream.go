package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/peer"
	"github.com/radproxy-go/radproxyd/internal/reqtable"
	"github.com/radproxy-go/radproxyd/internal/transport"
	"github.com/radproxy-go/radproxyd/internal/wire"
	"golang.org/x/sync/errgroup"
)

// sender abstracts the two upstream transports: a connected UDP socket
// needs no reconnect machinery, a RadSec connection does.
type sender interface {
	Send([]byte) error
	Close() error
}

type tlsSender struct{ conn *tls.Conn }

func (t *tlsSender) Send(data []byte) error { _, err := t.conn.Write(data); return err }
func (t *tlsSender) Close() error            { return t.conn.Close() }

// Upstream drives one configured upstream RADIUS server: its request
// table, its outbound writer, and (for RadSec) its reconnect state
// machine.
type Upstream struct {
	Name   string
	Server *config.ServerConfig
	Table  *reqtable.Table
	logger *slog.Logger

	isTLS     bool
	tlsConfig *tls.Config
	entry     *peer.Entry

	mu    sync.Mutex
	conn  sender
	recon *reconnectState

	wake chan struct{}
}

// NewUDPUpstream builds an Upstream backed by a connected UDP socket.
func NewUDPUpstream(name string, srv *config.ServerConfig, conn *transport.UDPUpstream, logger *slog.Logger) *Upstream {
	return &Upstream{
		Name:   name,
		Server: srv,
		Table:  reqtable.New(name),
		logger: logger,
		conn:   conn,
		wake:   make(chan struct{}, 1),
	}
}

// NewTLSUpstream builds an Upstream backed by a lazily (re)connected RadSec
// session. entry provides the server's identity-verification rule.
func NewTLSUpstream(name string, srv *config.ServerConfig, tlsConfig *tls.Config, entry *peer.Entry, logger *slog.Logger) *Upstream {
	return &Upstream{
		Name:      name,
		Server:    srv,
		Table:     reqtable.New(name),
		logger:    logger,
		isTLS:     true,
		tlsConfig: tlsConfig,
		entry:     entry,
		recon:     newReconnectState(),
		wake:      make(chan struct{}, 1),
	}
}

// State reports the upstream's RadSec connection state. UDP upstreams are
// always reported Up since they have no handshake.
func (u *Upstream) State() ConnState {
	if !u.isTLS {
		return Up
	}
	return u.recon.State()
}

// Wake nudges the writer loop to re-scan the request table immediately,
// e.g. right after a new request is enqueued.
func (u *Upstream) Wake() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run is the upstream writer loop: it sweeps the request table for
// retries/expiries on its own deadline-driven schedule and blocks for new
// work in between, until ctx is canceled.
func (u *Upstream) Run(ctx context.Context) error {
	for {
		next := u.Table.Sweep(time.Now(), u.resend)

		var timerC <-chan time.Time
		if !next.IsZero() {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-u.wake:
		case <-timerC:
		}
	}
}

// resend writes one slot's stored request bytes to the upstream,
// reconnecting first if this is a RadSec session that is not currently Up.
func (u *Upstream) resend(slotID byte, buf []byte) {
	conn, err := u.connected(context.Background())
	if err != nil {
		u.logger.Warn("upstream unreachable, dropping retransmit", "server", u.Name, "error", err)
		return
	}
	if err := conn.Send(buf); err != nil {
		u.logger.Warn("sending to upstream failed", "server", u.Name, "error", err)
		if u.isTLS {
			u.recon.MarkDead()
			metrics.UpstreamReconnects.WithLabelValues(u.Name, "failed").Inc()
		}
	}
}

// Send transmits a freshly allocated request, reconnecting first if
// needed.
func (u *Upstream) Send(ctx context.Context, buf []byte) error {
	conn, err := u.connected(ctx)
	if err != nil {
		return err
	}
	return conn.Send(buf)
}

// connected returns the current sender, blocking on the TLS reconnect
// sequence if the session is not Up.
func (u *Upstream) connected(ctx context.Context) (sender, error) {
	if !u.isTLS {
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.conn, nil
	}
	return u.tlsconnect(ctx)
}

// tlsconnect serializes reconnection per upstream: if another caller has
// already connected since the snapshot taken here, it returns the
// already-established session; otherwise it sleeps out the backoff
// schedule and dials.
func (u *Upstream) tlsconnect(ctx context.Context) (sender, error) {
	u.mu.Lock()
	if u.recon.State() == Up && u.conn != nil {
		conn := u.conn
		u.mu.Unlock()
		return conn, nil
	}
	u.mu.Unlock()

	snapshot := u.recon.lastTry()
	// The wait is computed before beginConnect stamps this attempt's time,
	// so the schedule sees the previous attempt rather than this one.
	wait := u.recon.backoff(time.Now())
	if !u.recon.beginConnect(snapshot) {
		u.mu.Lock()
		defer u.mu.Unlock()
		if u.conn == nil {
			return nil, fmt.Errorf("session: upstream %s not yet connected", u.Name)
		}
		return u.conn, nil
	}

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	addr := net.JoinHostPort(u.Server.Host, fmt.Sprintf("%d", u.Server.Port))
	// Chain verification and SAN/CN identity matching both happen inside
	// the handshake via tls.Config.VerifyPeerCertificate (set up in
	// proxy.dialerTLSConfig): DialTLSUpstream itself fails if the
	// upstream's certificate doesn't satisfy either check, so there is
	// nothing left to verify here once it returns successfully.
	conn, err := transport.DialTLSUpstream(ctx, addr, u.tlsConfig)
	if err != nil {
		u.recon.MarkDead()
		metrics.UpstreamReconnects.WithLabelValues(u.Name, "failed").Inc()
		metrics.TLSHandshakes.WithLabelValues("outbound", "failed").Inc()
		return nil, err
	}

	s := &tlsSender{conn: conn}
	u.mu.Lock()
	if u.conn != nil {
		u.conn.Close()
	}
	u.conn = s
	u.mu.Unlock()

	u.recon.MarkUp()
	u.Table.SetConnectionOK(true)
	metrics.TLSHandshakes.WithLabelValues("outbound", "ok").Inc()
	metrics.UpstreamReconnects.WithLabelValues(u.Name, "ok").Inc()
	return s, nil
}

// Close tears down the upstream's current connection, if any. Safe to call
// on an upstream that never connected.
func (u *Upstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	err := u.conn.Close()
	u.conn = nil
	return err
}

// Receive reads one datagram from a UDP upstream's connected socket. It is
// not meaningful for a RadSec upstream, which is read via ReadLoop instead.
func (u *Upstream) Receive(buf []byte) (int, error) {
	uc, ok := u.conn.(*transport.UDPUpstream)
	if !ok {
		return 0, fmt.Errorf("session: upstream %s has no UDP socket to read", u.Name)
	}
	return uc.Receive(buf)
}

// ReadLoop reads replies from a RadSec upstream until ctx is canceled,
// reconnecting (via the same backoff as the writer side) whenever the
// current connection drops. It is a no-op for UDP upstreams, whose replies
// arrive on their own connected socket instead.
func (u *Upstream) ReadLoop(ctx context.Context, handler func(*wire.Packet)) error {
	if !u.isTLS {
		<-ctx.Done()
		return ctx.Err()
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s, err := u.connected(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		ts, ok := s.(*tlsSender)
		if !ok {
			continue
		}
		r := bufio.NewReader(ts.conn)
		for {
			pkt, err := wire.ReadTLSFrame(r)
			if err != nil {
				u.logger.Warn("reading from upstream failed", "server", u.Name, "error", err)
				u.recon.MarkDead()
				metrics.UpstreamReconnects.WithLabelValues(u.Name, "read_error").Inc()
				break
			}
			if pkt.Truncated {
				u.logger.Warn("reply attribute list had a one-byte trailer, tolerated", "server", u.Name)
			}
			handler(pkt)
		}
	}
}

// RunGroup runs every upstream's writer loop under one errgroup, returning
// once any upstream's loop errors or ctx is canceled.
func RunGroup(ctx context.Context, upstreams []*Upstream) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range upstreams {
		u := u
		g.Go(func() error { return u.Run(ctx) })
	}
	return g.Wait()
}
