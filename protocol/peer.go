package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Grapycal/topicsync/utils"
)

// Peer pumps one connection: a read loop that splits the byte stream
// into records and drains them into the endpoint, and a write loop
// that feeds outgoing batches onto the socket.
type Peer struct {
	closed atomic.Bool
	wg     sync.WaitGroup

	conn  net.Conn
	inout FeedDrainCloser
}

func (p *Peer) keepRead(ctx context.Context) error {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for !p.closed.Load() {
		if buf.Available() < TypicalMTU {
			buf.Grow(TypicalMTU)
		}

		idle := buf.AvailableBuffer()[:buf.Available()]
		n, err := p.conn.Read(idle)
		if n > 0 {
			buf.Write(idle[:n])
			recs, serr := Split(&buf)
			if serr != nil {
				return serr
			}
			if len(recs) > 0 {
				if derr := p.inout.Drain(ctx, recs); derr != nil {
					return derr
				}
			}
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Peer) keepWrite(ctx context.Context) error {
	for !p.closed.Load() && ctx.Err() == nil {
		recs, err := p.inout.Feed(ctx)
		if err != nil {
			return err
		}

		b := net.Buffers(recs)
		for len(b) > 0 && err == nil {
			if _, err = b.WriteTo(p.conn); err != nil {
				return err
			}
		}
	}

	return nil
}

// Keep runs both loops until either stops, then tears the connection
// down. A remote hangup surfaces as io.EOF in the reader; the writer
// may still be parked in Feed, so the teardown must close the endpoint
// too, not just the socket.
func (p *Peer) Keep(ctx context.Context) (rerr, werr, cerr error) {
	p.wg.Add(2) // read & write
	defer p.wg.Add(-2)

	if p.closed.Load() {
		return nil, nil, nil
	}

	readErrCh, writeErrCh := make(chan error, 1), make(chan error, 1)
	go func() { readErrCh <- p.keepRead(ctx) }()
	go func() { writeErrCh <- p.keepWrite(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rerr = <-readErrCh:
		case werr = <-writeErrCh:
		}
		if i == 0 {
			// whichever loop stopped first, release the other: the
			// reader blocks in conn.Read, the writer in inout.Feed
			cerr = p.shut()
		}
	}

	// hangups and our own close are the normal ways to stop
	if errors.Is(rerr, io.EOF) || errors.Is(rerr, net.ErrClosed) {
		rerr = nil
	}
	if errors.Is(werr, net.ErrClosed) || errors.Is(werr, utils.ErrClosed) {
		werr = nil
	}
	return
}

// shut closes the socket and the endpoint, once. Closing the endpoint
// is what tells the server the client is gone.
func (p *Peer) shut() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.conn.Close()
	if cerr := p.inout.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *Peer) Close() {
	p.shut()
	p.wg.Wait()
}
