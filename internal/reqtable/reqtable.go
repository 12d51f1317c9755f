// Package reqtable implements a per-upstream request table: a fixed
// 256-slot array addressed by the 8-bit RADIUS identifier assigned to
// outbound packets, with duplicate suppression and a retry/expiry sweep
// driven by each slot's own deadline rather than a fixed ticker.
package reqtable

import (
	"sync"
	"time"

	"github.com/radproxy-go/radproxyd/internal/metrics"
)

// SlotCount is the number of outbound RADIUS IDs available per upstream.
const SlotCount = 256

// ClientRef weakly identifies the inbound peer a request came from. The
// request table never dereferences it; it only compares refs for equality
// and nulls them out via ReleaseClient when the owning client goes away.
type ClientRef interface{}

// Slot holds one in-flight (or free) request.
type Slot struct {
	inUse        bool
	received     bool
	origID       byte
	from         ClientRef
	buf          []byte
	tries        int
	maxTries     int
	expiry       time.Time
	retryEvery   time.Duration
	statusServer bool
	ctx          interface{}
}

// InUse reports whether the slot currently holds a request.
func (s *Slot) InUse() bool { return s.inUse }

// Buf returns the slot's stored outbound packet bytes.
func (s *Slot) Buf() []byte { return s.buf }

// OrigID returns the original (pre-allocation) identifier from the client.
func (s *Slot) OrigID() byte { return s.origID }

// From returns the slot's weak client reference, or nil if it has been
// released.
func (s *Slot) From() ClientRef { return s.from }

// Table is one upstream server's request table.
type Table struct {
	mu          sync.Mutex
	serverName  string
	slots       [SlotCount]Slot
	nextID      byte
	connOK      bool
	lostStatSrv uint8
}

// New creates an empty request table for the named upstream.
func New(serverName string) *Table {
	return &Table{serverName: serverName}
}

// ConnectionOK reports whether the owning session currently considers this
// upstream reachable.
func (t *Table) ConnectionOK() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connOK
}

// SetConnectionOK updates the upstream's liveness flag.
func (t *Table) SetConnectionOK(ok bool) {
	t.mu.Lock()
	t.connOK = ok
	t.mu.Unlock()
	v := 0.0
	if ok {
		v = 1.0
	}
	metrics.UpstreamUp.WithLabelValues(t.serverName).Set(v)
}

// LostStatSrv returns the current consecutive-Status-Server-timeout count.
func (t *Table) LostStatSrv() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lostStatSrv
}

// IsDuplicate reports whether an unreceived request from the same client
// and original ID is already in flight.
func (t *Table) IsDuplicate(from ClientRef, origID byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse && !s.received && s.origID == origID && s.from == from {
			return true
		}
	}
	return false
}

// Allocate finds a free slot starting at nextID (wrapping once), stores the
// request, and returns the slot index to use as the outbound packet's ID
// byte. ok is false if the table is full.
func (t *Table) Allocate(from ClientRef, origID byte, buf []byte, maxTries int, retryEvery time.Duration, statusServer bool) (slotID byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, found := t.findFree()
	if !found {
		metrics.RequestTableFull.WithLabelValues(t.serverName).Inc()
		return 0, false
	}

	t.slots[idx] = Slot{
		inUse:        true,
		origID:       origID,
		from:         from,
		buf:          buf,
		tries:        1,
		maxTries:     maxTries,
		expiry:       time.Now().Add(retryEvery),
		retryEvery:   retryEvery,
		statusServer: statusServer,
	}
	t.nextID = byte(idx) + 1
	metrics.RequestTableOccupancy.WithLabelValues(t.serverName).Inc()
	return byte(idx), true
}

// findFree scans [nextID, SlotCount) then [0, nextID) for a free slot.
// Caller must hold t.mu.
func (t *Table) findFree() (int, bool) {
	for i := int(t.nextID); i < SlotCount; i++ {
		if !t.slots[i].inUse {
			return i, true
		}
	}
	for i := 0; i < int(t.nextID); i++ {
		if !t.slots[i].inUse {
			return i, true
		}
	}
	return 0, false
}

// SetContext attaches caller-defined state to a slot, for recovery when its
// response arrives. The request table never inspects it.
func (t *Table) SetContext(slotID byte, ctx interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[slotID].inUse {
		t.slots[slotID].ctx = ctx
	}
}

// Lookup returns a slot's origID, weak client reference and attached
// context, for the reply path to recover before calling MarkReceived. ok is
// false if the slot is not currently in use.
func (t *Table) Lookup(slotID byte) (origID byte, from ClientRef, ctx interface{}, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[slotID]
	if !s.inUse {
		return 0, nil, nil, false
	}
	return s.origID, s.from, s.ctx, true
}

// MarkReceived records that slotID's response has arrived. The slot is
// actually freed on the next Sweep, mirroring the writer-task design where
// the reader only flags completion and the owning task reclaims the slot.
func (t *Table) MarkReceived(slotID byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[slotID]
	if s.inUse {
		s.received = true
	}
}

// MarkReceivedIfFirst sets a slot's received flag and reports whether this
// call was the one to set it. Two concurrent replies for the same ID are
// resolved this way: whichever caller wins the test-and-set forwards the
// reply, the other drops it.
func (t *Table) MarkReceivedIfFirst(slotID byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.slots[slotID]
	if !s.inUse || s.received {
		return false
	}
	s.received = true
	return true
}

// IsStatusServer reports whether slotID was allocated for a Status-Server
// probe rather than a forwarded client request.
func (t *Table) IsStatusServer(slotID byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[slotID].inUse && t.slots[slotID].statusServer
}

// UpdateBuf replaces a slot's stored outbound bytes. Used once the caller
// has stamped the slot index into the packet's own identifier field and
// marshaled it, since the final bytes aren't known at Allocate time.
func (t *Table) UpdateBuf(slotID byte, buf []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[slotID].inUse {
		t.slots[slotID].buf = buf
	}
}

// ReleaseClient nulls out the weak `from` reference on every slot owned by
// client: once the owning client is gone, its slots must stop pointing at
// it before it is freed, even though the slot itself may still be retried
// against the upstream.
func (t *Table) ReleaseClient(client ClientRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if t.slots[i].from == client {
			t.slots[i].from = nil
		}
	}
}

// Sweep walks every in-use slot, freeing received/expired ones and
// resending those still within their retry budget, and returns the
// deadline of the next slot wake-up so the caller's writer task can sleep
// until then instead of polling on a fixed tick.
func (t *Table) Sweep(now time.Time, resend func(slotID byte, buf []byte)) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	var nextWake time.Time
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}

		switch {
		case s.received:
			t.freeLocked(byte(i))

		case now.Before(s.expiry):
			if nextWake.IsZero() || s.expiry.Before(nextWake) {
				nextWake = s.expiry
			}

		case s.tries >= s.maxTries:
			if s.statusServer {
				if t.lostStatSrv < 255 {
					t.lostStatSrv++
				}
				metrics.UpstreamLostServerEvents.WithLabelValues(t.serverName).Inc()
			}
			metrics.RequestExpired.WithLabelValues(t.serverName).Inc()
			t.freeLocked(byte(i))

		default:
			s.tries++
			s.expiry = now.Add(s.retryEvery)
			if nextWake.IsZero() || s.expiry.Before(nextWake) {
				nextWake = s.expiry
			}
			metrics.Retransmits.WithLabelValues(t.serverName).Inc()
			buf := s.buf
			resend(byte(i), buf)
		}
	}
	return nextWake
}

func (t *Table) freeLocked(slotID byte) {
	t.slots[slotID] = Slot{}
	metrics.RequestTableOccupancy.WithLabelValues(t.serverName).Dec()
}

// ClearStatusServerFailures resets the consecutive Status-Server timeout
// counter, called once a Status-Server probe succeeds.
func (t *Table) ClearStatusServerFailures() {
	t.mu.Lock()
	t.lostStatSrv = 0
	t.mu.Unlock()
}
