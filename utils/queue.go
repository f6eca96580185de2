package utils

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/learn-decentralized-systems/toyqueue"
)

var (
	ErrClosed = errors.New("[topicsync] feed/drain queue is closed")
	ErrFull   = errors.New("[topicsync] feed/drain queue is full")
)

// FDQueue is a bounded feed/drain queue of record batches. One side
// drains batches in, the other feeds them out; both unblock on close
// or context cancellation. Per-client send queues are FDQueues so one
// slow receiver never delays the others.
type FDQueue struct {
	closed atomic.Bool
	done   chan struct{}
	recs   chan toyqueue.Records
}

// NewFDQueue creates a queue holding at most limit pending batches.
func NewFDQueue(limit int) *FDQueue {
	return &FDQueue{
		done: make(chan struct{}),
		recs: make(chan toyqueue.Records, limit),
	}
}

func (q *FDQueue) Close() error {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
	return nil
}

func (q *FDQueue) Len() int {
	return len(q.recs)
}

func (q *FDQueue) Drain(ctx context.Context, recs toyqueue.Records) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.recs <- recs:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryDrain queues the batch without ever blocking; a full queue is the
// receiver's failure, not the sender's wait.
func (q *FDQueue) TryDrain(recs toyqueue.Records) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.recs <- recs:
		return nil
	case <-q.done:
		return ErrClosed
	default:
		return ErrFull
	}
}

func (q *FDQueue) Feed(ctx context.Context) (toyqueue.Records, error) {
	select {
	case recs := <-q.recs:
		return recs, nil
	case <-q.done:
		// hand out what was queued before the close
		select {
		case recs := <-q.recs:
			return recs, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
