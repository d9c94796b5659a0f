package transactions

import (
	"sync"

	"pgflow/errors"
	"pgflow/future"
)

// CompletionBarrier aggregates an open-ended set of pending futures and fires
// exactly one terminal resolution once it has been closed and every tracked
// future has settled. It resolves as failure with the first recorded error if
// any member failed, otherwise as success.
//
// Without an explicit Close a barrier cannot distinguish "temporarily zero
// outstanding, more to come" from "truly done", since futures are added
// incrementally while the surrounding scope issues commands one at a time.
type CompletionBarrier struct {
	mu          sync.Mutex
	outstanding map[*future.Future]struct{}
	closed      bool
	fired       bool
	firstErr    error
	terminal    *future.Future
}

func NewCompletionBarrier() *CompletionBarrier {
	return &CompletionBarrier{
		outstanding: make(map[*future.Future]struct{}),
		terminal:    future.New(),
	}
}

// Add registers a future for tracking. Adding to a closed barrier is a usage
// error.
func (b *CompletionBarrier) Add(f *future.Future) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.NewTransactionError(errors.ErrBarrierClosed, "future added to a closed barrier", nil)
	}
	b.outstanding[f] = struct{}{}
	b.mu.Unlock()

	f.OnComplete(func(_ interface{}, err error) {
		b.complete(f, err)
	})
	return nil
}

// Close marks that no more futures will be added. Closing twice is a usage
// error.
func (b *CompletionBarrier) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.NewTransactionError(errors.ErrBarrierClosed, "barrier closed twice", nil)
	}
	b.closed = true
	fire, err := b.terminationLocked()
	b.mu.Unlock()

	if fire {
		b.fire(err)
	}
	return nil
}

// Done exposes the barrier's terminal future.
func (b *CompletionBarrier) Done() *future.Future {
	return b.terminal
}

// recordFailure notes err as the barrier's failure if none has been recorded
// yet, without an associated future. Used to inject a rollback cause.
func (b *CompletionBarrier) recordFailure(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	if b.firstErr == nil {
		b.firstErr = err
	}
	b.mu.Unlock()
}

func (b *CompletionBarrier) complete(f *future.Future, err error) {
	b.mu.Lock()
	delete(b.outstanding, f)
	if err != nil && b.firstErr == nil {
		b.firstErr = err
	}
	fire, terminalErr := b.terminationLocked()
	b.mu.Unlock()

	if fire {
		b.fire(terminalErr)
	}
}

func (b *CompletionBarrier) terminationLocked() (bool, error) {
	if b.closed && len(b.outstanding) == 0 && !b.fired {
		b.fired = true
		return true, b.firstErr
	}
	return false, nil
}

func (b *CompletionBarrier) fire(err error) {
	if err != nil {
		b.terminal.Reject(err)
	} else {
		b.terminal.Resolve(nil)
	}
}
