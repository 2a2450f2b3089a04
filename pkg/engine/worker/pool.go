// Package worker runs the queue-consuming worker pools. Per-key ordering
// is the queue's job (one in-flight message per key); the pool only
// provides parallelism across keys and adaptive sizing.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/queue"
)

// Handler processes one message. Returning nil acks the message; any
// error leaves it unacked so it redelivers after the visibility timeout
// and eventually dead-letters.
type Handler func(ctx context.Context, msg queue.Message) error

// Pool consumes one queue with an adaptively sized set of workers.
type Pool struct {
	// Name labels the pool in logs.
	Name      string
	Queue     queue.Queue
	Handle    Handler
	BatchSize int
	Log       *slog.Logger

	aimd   *AIMD
	wg     sync.WaitGroup
	quit   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	active int
}

// NewPool builds a pool over the given queue and handler.
func NewPool(name string, q queue.Queue, handle Handler, start, min, max int, log *slog.Logger) *Pool {
	return &Pool{
		Name:      name,
		Queue:     q,
		Handle:    handle,
		BatchSize: 10,
		Log:       log,
		aimd:      NewAIMD(start, min, max),
		quit:      make(chan struct{}),
	}
}

// Start begins the supervision loop.
func (p *Pool) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop drains in-flight handlers and returns.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			target := p.aimd.GetConcurrency()
			current := p.activeCount()
			for i := current; i < target; i++ {
				p.wg.Add(1)
				go p.worker(ctx)
			}
			// Excess workers exit on their own once they notice the
			// lowered target.
		}
	}
}

func (p *Pool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Pool) worker(ctx context.Context) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.wg.Done()
	}()

	for {
		if p.activeCount() > p.aimd.GetConcurrency() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}

		msgs, err := p.Queue.Receive(ctx, p.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Log.Warn("queue receive failed", "pool", p.Name, "error", err)
			p.aimd.Feedback(time.Second, errors.Is(err, errs.ErrTransientCloud))
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			// The queue long-polls; an empty batch means it is drained.
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, msg := range msgs {
			p.handleOne(ctx, msg)
		}
	}
}

func (p *Pool) handleOne(ctx context.Context, msg queue.Message) {
	start := time.Now()
	err := p.Handle(ctx, msg)
	p.aimd.Feedback(time.Since(start), errors.Is(err, errs.ErrTransientCloud))

	if err != nil {
		// Unacked: redelivers after the visibility timeout, dead-letters
		// after the delivery cap.
		p.Log.Warn("message handling failed",
			"pool", p.Name, "key", msg.Key,
			"deliveries", msg.Deliveries, "error", err)
		return
	}
	if err := p.Queue.Delete(ctx, msg); err != nil {
		p.Log.Warn("message ack failed",
			"pool", p.Name, "key", msg.Key, "error", err)
	}
}
