package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process broker used by tests and mock mode. It honors
// the same contract as the SQS broker: per-key FIFO, visibility timeout,
// and dead-lettering after MaxDeliveries receives.
type Memory struct {
	mu         sync.Mutex
	pending    map[string][]*memMessage // per key, FIFO
	keys       []string                 // key arrival order
	inflight   map[string]*memMessage   // by receipt
	dead       []Message
	visibility time.Duration
	maxDeliver int
	nextID     int
	now        func() time.Time
}

type memMessage struct {
	msg       Message
	key       string
	visibleAt time.Time
}

// NewMemory builds a broker with the given visibility timeout and
// dead-letter threshold.
func NewMemory(visibility time.Duration, maxDeliveries int) *Memory {
	return &Memory{
		pending:    make(map[string][]*memMessage),
		inflight:   make(map[string]*memMessage),
		visibility: visibility,
		maxDeliver: maxDeliveries,
		now:        time.Now,
	}
}

func (q *Memory) Send(_ context.Context, key, body string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	m := &memMessage{
		key: key,
		msg: Message{ID: fmt.Sprintf("m-%d", q.nextID), Key: key, Body: body},
	}
	if _, ok := q.pending[key]; !ok {
		q.keys = append(q.keys, key)
	}
	q.pending[key] = append(q.pending[key], m)
	return nil
}

func (q *Memory) Receive(_ context.Context, max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.requeueExpiredLocked(now)

	var out []Message
	for _, key := range q.keys {
		if len(out) >= max {
			break
		}
		line := q.pending[key]
		if len(line) == 0 {
			continue
		}
		// Per-key FIFO: only the head of each key's line is deliverable,
		// and not while an earlier message of the same key is in flight.
		if q.keyInFlightLocked(key) {
			continue
		}
		m := line[0]
		q.pending[key] = line[1:]
		m.msg.Deliveries++
		if m.msg.Deliveries > q.maxDeliver {
			q.dead = append(q.dead, m.msg)
			continue
		}
		q.nextID++
		m.msg.Receipt = fmt.Sprintf("r-%d", q.nextID)
		m.visibleAt = now.Add(q.visibility)
		q.inflight[m.msg.Receipt] = m
		out = append(out, m.msg)
	}
	return out, nil
}

func (q *Memory) Delete(_ context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[msg.Receipt]; !ok {
		return fmt.Errorf("unknown or expired receipt %q", msg.Receipt)
	}
	delete(q.inflight, msg.Receipt)
	return nil
}

// DeadLetters returns messages that exhausted their deliveries.
func (q *Memory) DeadLetters() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.dead...)
}

// SetClock overrides the time source; tests use it to expire visibility.
func (q *Memory) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Memory) keyInFlightLocked(key string) bool {
	for _, m := range q.inflight {
		if m.key == key {
			return true
		}
	}
	return false
}

// requeueExpiredLocked returns timed-out in-flight messages to the front
// of their key's line so ordering is preserved on redelivery.
func (q *Memory) requeueExpiredLocked(now time.Time) {
	for receipt, m := range q.inflight {
		if m.visibleAt.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		m.msg.Receipt = ""
		if _, ok := q.pending[m.key]; !ok {
			q.keys = append(q.keys, m.key)
		}
		q.pending[m.key] = append([]*memMessage{m}, q.pending[m.key]...)
	}
}
