// Package task implements a Group of long-lived service tasks — the change
// streamer, view syncers, and connections — which run concurrently and are
// collectively cancelled and awaited.
package task

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a set of tasks executed concurrently and blocked on until all
// complete. Tasks must be preemptable via the Group Context; the first to
// return a non-nil error cancels the rest. Group is not itself thread-safe.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func(ctx context.Context) error
}

// NewGroup returns an empty Group under |ctx|.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context. It is cancelled by any task
// returning a non-nil error, by Cancel, or by the parent Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a task. Panics if GoRun was already called.
func (g *Group) Queue(desc string, fn func(ctx context.Context) error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun all queued tasks. Panics on a second invocation.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error {
			var err = t.fn(g.ctx)
			if err != nil && errors.Cause(err) != context.Canceled {
				log.WithFields(log.Fields{"task": t.desc, "err": err}).Error("task failed")
			}
			return errors.WithMessage(err, t.desc)
		})
	}
}

// Wait for all tasks, returning the first non-nil error.
// Panics if GoRun was not called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
