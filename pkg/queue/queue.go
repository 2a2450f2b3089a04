// Package queue provides the durable at-least-once handoff between
// ingest, the reconciler, the inspection orchestrator, and the roll-up.
//
// Delivery is FIFO per key: (account, instance) for event work, (image)
// for inspection work. Messages not deleted before the visibility timeout
// redeliver; after too many redeliveries they dead-letter.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one delivered unit of work.
type Message struct {
	ID      string
	Key     string
	Body    string
	Receipt string
	// Deliveries counts how many times this message has been received.
	Deliveries int
}

// Queue is the broker surface the engine depends on.
type Queue interface {
	// Send enqueues body under the given ordering key.
	Send(ctx context.Context, key, body string) error
	// Receive returns up to max messages, extending their invisibility
	// until deleted or timed out.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Delete acknowledges a received message.
	Delete(ctx context.Context, msg Message) error
}

// SendJSON marshals v and enqueues it under key.
func SendJSON(ctx context.Context, q Queue, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling queue payload: %w", err)
	}
	return q.Send(ctx, key, string(raw))
}
