// Package journal persists a rolling log of proxy events (request drops,
// reconnects, rewrite actions) to a local BoltDB file for operator
// inspection. The journal is diagnostic only: nothing in the proxy's
// routing or retry behavior ever reads it back, so losing or truncating
// it on restart changes no request's outcome.
package journal

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEvents = []byte("events")

// Event is one recorded occurrence.
type Event struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Peer    string    `json:"peer,omitempty"`
	Server  string    `json:"server,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Journal appends Events to a BoltDB-backed ring, keeping at most MaxEvents
// of the most recent entries.
type Journal struct {
	db        *bolt.DB
	mu        sync.Mutex
	seq       uint64
	maxEvents int
}

// Open creates or opens the journal database at path. maxEvents bounds how
// many events are retained; older entries are trimmed on Record once the
// bound is exceeded.
func Open(path string, maxEvents int) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: opening %s: %w", path, err)
	}

	var lastSeq uint64
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEvents)
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			lastSeq = decodeSeq(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: initializing bucket: %w", err)
	}

	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &Journal{db: db, seq: lastSeq, maxEvents: maxEvents}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record appends one event, stamped with the next sequence number, and
// trims the oldest entries once the journal exceeds its retention bound.
func (j *Journal) Record(e Event) error {
	j.mu.Lock()
	j.seq++
	e.Seq = j.seq
	j.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshalling event: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if err := b.Put(encodeSeq(e.Seq), data); err != nil {
			return fmt.Errorf("journal: writing event: %w", err)
		}
		return trimLocked(b, j.maxEvents)
	})
}

// trimLocked deletes the oldest entries once the bucket holds more than
// max keys. Caller must be inside the bbolt write transaction.
func trimLocked(b *bolt.Bucket, max int) error {
	n := b.Stats().KeyN
	if n <= max {
		return nil
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil && n > max; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
		n--
	}
	return nil
}

// Recent returns the most recent (up to) limit events, oldest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	var out []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		n := b.Stats().KeyN
		skip := n - limit
		i := 0
		return b.ForEach(func(k, v []byte) error {
			if skip > 0 && i < skip {
				i++
				return nil
			}
			var e Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("journal: unmarshalling event %x: %w", k, err)
			}
			out = append(out, e)
			i++
			return nil
		})
	})
	return out, err
}

func encodeSeq(seq uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(seq)
		seq >>= 8
	}
	return b
}

func decodeSeq(b []byte) uint64 {
	var seq uint64
	for _, c := range b {
		seq = seq<<8 | uint64(c)
	}
	return seq
}
