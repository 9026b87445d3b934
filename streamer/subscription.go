package streamer

import (
	"sync"

	"go.rivulet.dev/core/lexiversion"
)

// Subscription is one subscriber's ordered transaction sequence.
// Transactions are read from Txns(); the channel closes on cancellation
// or overflow, with Err reporting the cause.
//
// All sends and the close of |ch| happen under |mu|, which is what makes
// cancellation safe against concurrent broadcast and catch-up delivery.
// Sends never block: a consumer which falls more than the queue bound
// behind is cancelled with ErrSubscriberOverflow rather than stalling
// other subscribers.
type Subscription struct {
	id      string
	horizon lexiversion.Version
	ch      chan Txn
	done    chan struct{}
	bound   int

	mu         sync.Mutex
	catchingUp bool
	backlog    []Txn
	cancelled  bool
	err        error
}

func newSubscription(id string, bound int) *Subscription {
	return &Subscription{
		id:         id,
		ch:         make(chan Txn, bound),
		done:       make(chan struct{}),
		bound:      bound,
		catchingUp: true,
	}
}

// Txns returns the subscriber's transaction sequence, in strict watermark
// order with every committed transaction exactly once.
func (sub *Subscription) Txns() <-chan Txn { return sub.ch }

// Err returns the terminal error, if any, after Txns has closed.
// A nil error means the subscription was deliberately ended.
func (sub *Subscription) Err() error {
	<-sub.done
	return sub.err
}

// offer enqueues a live transaction, returning false if the subscriber
// was cancelled (now or previously).
func (sub *Subscription) offer(txn Txn) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.cancelled {
		return false
	}
	if sub.catchingUp {
		if txn.Watermark <= sub.horizon {
			return true // Served by the catch-up scan.
		}
		if len(sub.backlog) == sub.bound {
			sub.cancelLocked(ErrSubscriberOverflow)
			return false
		}
		sub.backlog = append(sub.backlog, txn)
		return true
	}
	return sub.sendLocked(txn)
}

// deliver sends a catch-up transaction.
func (sub *Subscription) deliver(txn Txn) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.cancelled {
		return false
	}
	return sub.sendLocked(txn)
}

// finishCatchUp splices the subscription into the live broadcast,
// flushing transactions buffered during catch-up.
func (sub *Subscription) finishCatchUp() {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.cancelled {
		return
	}
	for _, txn := range sub.backlog {
		if !sub.sendLocked(txn) {
			return
		}
	}
	sub.backlog = nil
	sub.catchingUp = false
}

func (sub *Subscription) sendLocked(txn Txn) bool {
	select {
	case sub.ch <- txn:
		return true
	default:
		sub.cancelLocked(ErrSubscriberOverflow)
		return false
	}
}

// cancel ends the subscription with |err| as its cause. It is idempotent.
func (sub *Subscription) cancel(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.cancelLocked(err)
}

func (sub *Subscription) cancelLocked(err error) {
	if sub.cancelled {
		return
	}
	sub.cancelled = true
	sub.err = err
	close(sub.done)
	close(sub.ch)
}
