// Package protocol carries topicsync messages over TCP or TLS. Each
// message travels as one ToyTLV record whose body is a JSON object;
// feeding and draining record batches is the core abstraction both the
// server loop and the per-connection queues implement.
package protocol

import (
	"context"
	"io"

	"github.com/learn-decentralized-systems/toyqueue"
)

// Records is a batch of wire records. Batching keeps writev-friendly
// boundaries and converts directly to net.Buffers.
type Records = toyqueue.Records

// Feeder reads record batches from a source. The EoF convention
// follows io.Reader: `recs, err` or `recs, nil` then `nil, err`.
type Feeder interface {
	Feed(ctx context.Context) (recs Records, err error)
}

// Drainer writes record batches to a destination.
type Drainer interface {
	Drain(ctx context.Context, recs Records) error
}

type FeedDrainCloser interface {
	Feeder
	Drainer
	io.Closer
}

// Relay moves one batch from feeder to drainer.
func Relay(ctx context.Context, feeder Feeder, drainer Drainer) error {
	recs, err := feeder.Feed(ctx)
	if err != nil {
		if len(recs) > 0 {
			_ = drainer.Drain(ctx, recs)
		}
		return err
	}
	return drainer.Drain(ctx, recs)
}

// Pump relays batches until an error or context cancellation.
func Pump(ctx context.Context, feeder Feeder, drainer Drainer) (err error) {
	for err == nil && ctx.Err() == nil {
		err = Relay(ctx, feeder, drainer)
	}
	return
}
