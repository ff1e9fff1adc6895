package database

import (
	"context"
	"sync"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/constants"
)

type task struct {
	fn   func() error
	done chan error
}

// Owner runs functions one at a time on a single goroutine. Everything that touches a
// database's store goes through it.
type Owner struct {
	tasks chan task
	quit  chan struct{} // stops: MAIN LOOP
	exit  chan struct{} // closed once the loop returned
	once  sync.Once
}

func NewOwner() *Owner {
	o := &Owner{
		tasks: make(chan task),
		quit:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
	go o.loop()
	return o
}

func (o *Owner) loop() {
	defer close(o.exit)
	for {
		select {
		case <-o.quit:
			return
		case t := <-o.tasks:
			t.done <- t.fn()
		}
	}
}

// Do queues fn and waits for its result. Once fn has been picked up it always runs to
// completion, so ctx only bounds the wait for the owner to become free. fn must not call Do
// itself.
func (o *Owner) Do(ctx context.Context, fn func() error) error {
	t := task{fn: fn, done: make(chan error, 1)}
	select {
	case o.tasks <- t:
	case <-o.quit:
		return constants.ErrDatabaseClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-t.done
}

// Close stops the loop after the running function, if any, and waits for it to return.
func (o *Owner) Close() {
	o.once.Do(func() {
		close(o.quit)
	})
	<-o.exit
}
