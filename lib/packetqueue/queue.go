// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package packetqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/transport"
)

// InitialBackoff is the wait before the first retry.
const InitialBackoff = 100 * time.Millisecond

// ErrStopped is returned to a caller whose packet was in flight when
// Run's context ended.
var ErrStopped = errors.New("packetqueue: queue stopped")

// UnrecoverableTransferError reports a permanent transport failure.
type UnrecoverableTransferError struct {
	Result transport.Result
}

func (e *UnrecoverableTransferError) Error() string {
	return fmt.Sprintf("packetqueue: unrecoverable transfer failure: %s", e.Result)
}

// Config configures a Queue.
type Config struct {
	// Sender delivers packets. Required.
	Sender transport.Sender

	// Destination is passed through to every Sender call.
	Destination string

	// Clock times backoff. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger

	// InitialBackoff defaults to InitialBackoff.
	InitialBackoff time.Duration
}

// Queue is a priority queue of outbound packets with one consumer.
type Queue struct {
	sender         transport.Sender
	destination    string
	clock          clock.Clock
	logger         *slog.Logger
	initialBackoff time.Duration

	mu       sync.Mutex
	pending  packetHeap
	sequence uint64

	// notify holds at most one wake-up, so any number of Sends while
	// Run is idle wake it once.
	notify chan struct{}
}

type packet struct {
	payload  appmsg.Dictionary
	priority int
	sequence uint64

	// index is the position in the heap, or -1 once Run has taken
	// the packet. Guarded by Queue.mu.
	index int

	outcome chan error

	abandonOnce sync.Once
	abandoned   chan struct{}
}

func (p *packet) abandon() {
	p.abandonOnce.Do(func() { close(p.abandoned) })
}

func (p *packet) finish(err error) {
	p.outcome <- err
}

// New returns an empty queue. Nothing is sent until Run is called.
func New(cfg Config) (*Queue, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("packetqueue: Sender is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = InitialBackoff
	}
	return &Queue{
		sender:         cfg.Sender,
		destination:    cfg.Destination,
		clock:          cfg.Clock,
		logger:         cfg.Logger,
		initialBackoff: cfg.InitialBackoff,
		notify:         make(chan struct{}, 1),
	}, nil
}

// Send enqueues payload and waits for its terminal outcome. Higher
// priority values are dispatched first.
func (q *Queue) Send(ctx context.Context, payload appmsg.Dictionary, priority int) error {
	p := &packet{
		payload:   payload,
		priority:  priority,
		outcome:   make(chan error, 1),
		abandoned: make(chan struct{}),
	}

	q.mu.Lock()
	q.sequence++
	p.sequence = q.sequence
	heap.Push(&q.pending, p)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	select {
	case err := <-p.outcome:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		queued := p.index >= 0
		if queued {
			heap.Remove(&q.pending, p.index)
		}
		q.mu.Unlock()
		if !queued {
			p.abandon()
		}
		return ctx.Err()
	}
}

// Len is the number of packets waiting for dispatch, excluding the
// one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Run dispatches packets until ctx ends, then returns ctx.Err().
// Packets still queued stay queued for a later Run.
func (q *Queue) Run(ctx context.Context) error {
	for {
		p := q.take()
		if p == nil {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := q.deliver(ctx, p); err != nil {
			return err
		}
	}
}

func (q *Queue) take() *packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*packet)
}

// deliver sends p until it reaches a terminal outcome. It returns an
// error only when ctx ends.
func (q *Queue) deliver(ctx context.Context, p *packet) error {
	backoff := q.initialBackoff
	for attempt := 1; ; attempt++ {
		result := q.sender.Send(ctx, q.destination, p.payload)
		if ctx.Err() != nil {
			p.finish(fmt.Errorf("%w: %w", ErrStopped, ctx.Err()))
			return ctx.Err()
		}

		switch result.Class() {
		case transport.ClassDelivered:
			p.finish(nil)
			return nil
		case transport.ClassPermanent:
			q.logger.Error("packet failed permanently",
				"destination", q.destination,
				"result", result.String(),
				"priority", p.priority,
			)
			p.finish(&UnrecoverableTransferError{Result: result})
			return nil
		case transport.ClassAbandon:
			q.logger.Info("packet dropped, peer routes to another app",
				"destination", q.destination,
				"priority", p.priority,
			)
			return nil
		}

		q.logger.Warn("packet send failed, will retry",
			"destination", q.destination,
			"result", result.String(),
			"attempt", attempt,
			"backoff", backoff,
		)
		select {
		case <-q.clock.After(backoff):
		case <-p.abandoned:
			q.logger.Debug("caller gave up, dropping retries", "destination", q.destination)
			return nil
		case <-ctx.Done():
			p.finish(fmt.Errorf("%w: %w", ErrStopped, ctx.Err()))
			return ctx.Err()
		}
		backoff *= 2
	}
}

// packetHeap orders by priority descending, then sequence ascending.
type packetHeap []*packet

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].sequence < h[j].sequence
}

func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *packetHeap) Push(x any) {
	p := x.(*packet)
	p.index = len(*h)
	*h = append(*h, p)
}

func (h *packetHeap) Pop() any {
	old := *h
	last := len(old) - 1
	p := old[last]
	old[last] = nil
	p.index = -1
	*h = old[:last]
	return p
}
