// Package session drives the per-peer and per-upstream goroutine pairs
// that keep packets moving: reply queues, TLS reconnect state, and the
// accept/verify/serve/drain lifecycle of an inbound RadSec client.
package session

import (
	"net"
	"sync"

	"github.com/radproxy-go/radproxyd/internal/metrics"
)

// ReplyQueueMaxSize bounds how many undelivered replies accumulate for a
// single client before the oldest is dropped in favor of the newest. A
// client that has stopped reading (a stalled TLS peer, a dead UDP route)
// must not let its queue grow without bound.
const ReplyQueueMaxSize = 64

// Reply is one outbound datagram queued for a client's writer.
type Reply struct {
	Data []byte
	Dest *net.UDPAddr // nil for a TLS client, which has no per-packet destination
}

// ReplyQueue is a FIFO of pending replies for one client, with a channel
// standing in for the condition variable a thread-per-role design would
// use to wake a blocked writer. It holds at most ReplyQueueMaxSize items;
// once full, pushing a new reply drops the oldest one still queued.
type ReplyQueue struct {
	peer string

	mu     sync.Mutex
	items  []Reply
	closed bool
	wake   chan struct{}
}

// NewReplyQueue returns an empty queue. peer labels dropped-reply metrics
// and may be empty.
func NewReplyQueue(peer string) *ReplyQueue {
	return &ReplyQueue{peer: peer, wake: make(chan struct{}, 1)}
}

// Push appends a reply and wakes a blocked writer, dropping the oldest
// queued reply if the client has not kept up. It is a no-op once the queue
// has been closed.
func (q *ReplyQueue) Push(r Reply) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.items) >= ReplyQueueMaxSize {
		q.items = q.items[1:]
		metrics.ReplyQueueDrops.WithLabelValues(q.peer).Inc()
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.notify()
}

// Pop removes and returns the oldest reply, blocking until one is
// available or the queue is closed (ok == false).
func (q *ReplyQueue) Pop() (Reply, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		if q.closed {
			q.mu.Unlock()
			return Reply{}, false
		}
		q.mu.Unlock()
		<-q.wake
	}
}

// Close marks the queue closed and wakes any blocked writer, which is the
// sentinel a draining client uses to tell its writer to exit.
func (q *ReplyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *ReplyQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
