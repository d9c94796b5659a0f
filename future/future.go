//Single-assignment future cell. A Future transitions at most once from pending
//to either resolved with a result or rejected with an error; continuations are
//invoked at most once, in registration order.
package future

import "sync"

type Callback func(result interface{}, err error)

type Future struct {
	mu        sync.Mutex
	settled   bool
	result    interface{}
	err       error
	callbacks []Callback
	done      chan struct{}
}

func New() *Future {
	return &Future{done: make(chan struct{})}
}

func Resolved(result interface{}) *Future {
	f := New()
	f.Resolve(result)
	return f
}

func Rejected(err error) *Future {
	f := New()
	f.Reject(err)
	return f
}

func (f *Future) Resolve(result interface{}) {
	f.settle(result, nil)
}

func (f *Future) Reject(err error) {
	f.settle(nil, err)
}

//the first settlement wins, later ones are discarded
func (f *Future) settle(result interface{}, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.result = result
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	//callbacks run outside the lock so they may register further continuations
	for _, callback := range callbacks {
		callback(result, err)
	}
}

// OnComplete registers a continuation invoked once the future settles. A
// continuation registered after settlement runs immediately on the calling
// goroutine.
func (f *Future) OnComplete(callback Callback) {
	f.mu.Lock()
	if !f.settled {
		f.callbacks = append(f.callbacks, callback)
		f.mu.Unlock()
		return
	}
	result, err := f.result, f.err
	f.mu.Unlock()
	callback(result, err)
}

func (f *Future) OnSuccess(callback func(result interface{})) {
	f.OnComplete(func(result interface{}, err error) {
		if err == nil {
			callback(result)
		}
	})
}

func (f *Future) OnFailure(callback func(err error)) {
	f.OnComplete(func(result interface{}, err error) {
		if err != nil {
			callback(err)
		}
	})
}

// Await blocks until the future settles.
func (f *Future) Await() (interface{}, error) {
	<-f.done
	return f.result, f.err
}

func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}
