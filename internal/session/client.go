package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"sync"

	"github.com/radproxy-go/radproxyd/internal/config"
	"github.com/radproxy-go/radproxyd/internal/metrics"
	"github.com/radproxy-go/radproxyd/internal/wire"
)

// ClientState is the lifecycle state of an accepted inbound RadSec
// connection.
type ClientState int

const (
	Accepting ClientState = iota
	Verifying
	Serving
	Draining
	Closed
)

// RequestHandler processes one inbound request packet from a client and
// is responsible for eventually pushing a reply onto the client's queue,
// if any is owed.
type RequestHandler func(ctx context.Context, cs *ClientSession, pkt *wire.Packet)

// ClientSession owns one accepted inbound TLS connection: its reply queue
// and reader/writer goroutines.
type ClientSession struct {
	Client *config.ClientConfig
	Queue  *ReplyQueue

	conn   *tls.Conn
	r      *bufio.Reader
	logger *slog.Logger

	mu    sync.Mutex
	state ClientState
}

// NewClientSession wraps an already-verified TLS connection.
func NewClientSession(client *config.ClientConfig, conn *tls.Conn, logger *slog.Logger) *ClientSession {
	return &ClientSession{
		Client: client,
		Queue:  NewReplyQueue(client.Name),
		conn:   conn,
		r:      bufio.NewReader(conn),
		logger: logger,
		state:  Verifying,
	}
}

// State returns the session's current lifecycle state.
func (cs *ClientSession) State() ClientState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

func (cs *ClientSession) setState(s ClientState) {
	cs.mu.Lock()
	cs.state = s
	cs.mu.Unlock()
}

// Serve runs the reader and writer loops until the connection closes or
// ctx is canceled, then drains and closes the session. handler is called
// once per inbound request.
func (cs *ClientSession) Serve(ctx context.Context, handler RequestHandler) {
	cs.setState(Serving)
	metrics.TLSClientsActive.Inc()
	defer metrics.TLSClientsActive.Dec()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cs.writeLoop()
	}()

	cs.readLoop(ctx, handler)

	cs.setState(Draining)
	cs.Queue.Close()
	wg.Wait()

	cs.setState(Closed)
	cs.conn.Close()
}

func (cs *ClientSession) readLoop(ctx context.Context, handler RequestHandler) {
	for {
		pkt, err := wire.ReadTLSFrame(cs.r)
		if err != nil {
			return
		}
		if pkt.Truncated {
			cs.logger.Warn("packet attribute list had a one-byte trailer, tolerated", "client", cs.Client.Name)
		}
		handler(ctx, cs, pkt)
	}
}

func (cs *ClientSession) writeLoop() {
	for {
		reply, ok := cs.Queue.Pop()
		if !ok {
			return
		}
		if _, err := cs.conn.Write(reply.Data); err != nil {
			cs.logger.Warn("writing to RadSec client failed", "client", cs.Client.Name, "error", err)
			return
		}
	}
}
