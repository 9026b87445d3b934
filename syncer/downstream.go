package syncer

import (
	"go.rivulet.dev/core/wire"
)

// downstreamBound caps messages buffered toward one client connection.
// The connection layer drains under its stop-and-wait protocol; a client
// that can't keep up is cancelled rather than allowed to stall the group.
const downstreamBound = 1024

// downstream is one client connection's ordered message sequence.
type downstream struct {
	clientID string
	wsID     string
	ch       chan wire.Downstream
	done     chan struct{}
	err      error

	// lastCookie is the cookie of the last completed poke, which becomes
	// the baseCookie of the next.
	lastCookie string
}

func newDownstream(clientID, wsID, baseCookie string) *downstream {
	return &downstream{
		clientID:   clientID,
		wsID:       wsID,
		ch:         make(chan wire.Downstream, downstreamBound),
		done:       make(chan struct{}),
		lastCookie: baseCookie,
	}
}

// Messages returns the downstream sequence. The channel closes on
// cancellation; Err reports the cause.
func (d *downstream) Messages() <-chan wire.Downstream { return d.ch }

// Err returns the terminal error, if any, after Messages has closed.
func (d *downstream) Err() error {
	<-d.done
	return d.err
}

// send enqueues a message, returning false if the downstream is closed
// or overflowed.
func (d *downstream) send(m wire.Downstream) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.ch <- m:
		return true
	default:
		d.close(wire.NewError(wire.Internal, "downstream buffer overflow"))
		return false
	}
}

// close ends the sequence with |err| as its cause. It is idempotent.
func (d *downstream) close(err error) {
	select {
	case <-d.done:
		return
	default:
	}
	d.err = err
	close(d.done)
	close(d.ch)
}
