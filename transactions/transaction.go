//Transaction coordinator for a single exclusively-owned database connection.
//Commands issued through a Tx execute immediately against the connection and
//register their futures with the completion barrier of the current scope; a
//scope (the root transaction or a nested savepoint) resolves once its barrier
//is closed and drained.
package transactions

import (
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"pgflow/errors"
	"pgflow/future"
	"pgflow/logger"
	"pgflow/pg"
	"pgflow/pg/dml_info"
)

type Tx struct {
	conn    pg.Connection
	options Options

	mu           sync.Mutex
	root         *CompletionBarrier
	barrier      *CompletionBarrier
	savepoints   []*savepointScope
	finished     bool
	autoRollback bool
}

type savepointScope struct {
	id      string
	barrier *CompletionBarrier
	parent  *CompletionBarrier
	// outcome is what the caller of Savepoint observes. done is tracked by the
	// parent barrier and always resolves once this scope has ended, whether it
	// was rolled back or completed, so a handled savepoint failure never fails
	// the enclosing scope.
	outcome  *future.Future
	done     *future.Future
	finished bool
}

func newTx(conn pg.Connection, options Options) *Tx {
	root := NewCompletionBarrier()
	return &Tx{conn: conn, options: options, root: root, barrier: root, autoRollback: true}
}

// Run opens a transaction on conn and invokes body once BEGIN has completed.
// The returned future resolves once COMMIT has completed and rejects with the
// transaction's terminal failure otherwise. A body returning nil falls through
// to Commit, a body returning an error (or panicking) rolls the transaction
// back with that error as cause.
//
// The connection must be used by no other code until the returned future
// settles.
func Run(conn pg.Connection, options Options, body func(tx *Tx) error) *future.Future {
	result := future.New()

	beginStmt, err := options.beginStatement()
	if err != nil {
		result.Reject(err)
		return result
	}

	go func() {
		for {
			err := runOnce(conn, options, beginStmt, body)
			if err == nil {
				result.Resolve(nil)
				return
			}
			if options.Retryable && errors.IsSerializationFailure(err) {
				logger.Debug("Serialization conflict, retrying transaction body: %s", err.Error())
				continue
			}
			result.Reject(err)
			return
		}
	}()
	return result
}

// RunSync awaits Run.
func RunSync(conn pg.Connection, options Options, body func(tx *Tx) error) error {
	_, err := Run(conn, options, body).Await()
	return err
}

func runOnce(conn pg.Connection, options Options, beginStmt string, body func(tx *Tx) error) error {
	tx := newTx(conn, options)

	beginFuture := conn.Execute(beginStmt, nil)
	tx.root.Add(beginFuture)
	if _, err := beginFuture.Await(); err != nil {
		// no transaction was opened, nothing to roll back
		tx.mu.Lock()
		tx.finished = true
		tx.mu.Unlock()
		tx.root.Close()
		_, terminalErr := tx.root.Done().Await()
		return terminalErr
	}

	if err := runBody(func() error { return body(tx) }); err != nil {
		tx.Rollback(err)
	} else {
		tx.Commit()
	}

	_, terminalErr := tx.root.Done().Await()
	return terminalErr
}

func runBody(body func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.Errorf("transaction body panic: %v", r)
		}
	}()
	return body()
}

// SetAutoRollbackOnError controls whether a command failure cascades to a
// rollback of its scope. Enabled by default.
func (tx *Tx) SetAutoRollbackOnError(enabled bool) {
	tx.mu.Lock()
	tx.autoRollback = enabled
	tx.mu.Unlock()
}

func (tx *Tx) AutoRollbackOnError() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.autoRollback
}

// Exec submits a command to the connection, registers it with the barrier of
// the current scope and returns its future. The next dependent command should
// be issued only after this future resolves, that is what guarantees wire
// order equals program order.
//
// Registration happens before the command is handed to the connection: a
// command that cannot be tracked by its scope must never reach the wire.
func (tx *Tx) Exec(text string, params ...interface{}) *future.Future {
	f, err := tx.trackScoped()
	if err != nil {
		return future.Rejected(err)
	}
	tx.conn.Execute(text, params).OnComplete(func(result interface{}, err error) {
		if err != nil {
			f.Reject(err)
		} else {
			f.Resolve(result)
		}
	})
	return f
}

func (tx *Tx) topLocked() *savepointScope {
	if n := len(tx.savepoints); n > 0 {
		return tx.savepoints[n-1]
	}
	return nil
}

// rollbackScopeOnFailure cascades a failure of f to a rollback of the scope f
// was issued in (nil meaning the root). The scope is captured at issue time:
// by the time the failure arrives the savepoint may already have been rolled
// back and popped, and the cascade must not escalate to an enclosing scope.
func (tx *Tx) rollbackScopeOnFailure(f *future.Future, scope *savepointScope) {
	f.OnFailure(func(err error) {
		if !tx.AutoRollbackOnError() {
			return
		}
		if scope != nil {
			tx.rollbackSavepoint(scope, err)
		} else {
			tx.rollbackRoot(err)
		}
	})
}

// trackScoped registers a fresh future with the current scope's barrier. Exec
// proxies its command through one, and composite operations use one directly
// so their intermediate commands do not individually fail the scope. The
// future's failure cascades to a rollback of the scope it was created in.
func (tx *Tx) trackScoped() (*future.Future, error) {
	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return nil, errors.NewTransactionError(errors.ErrTxFinished, "exec against a finished transaction", nil)
	}
	f := future.New()
	if err := tx.barrier.Add(f); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	scope := tx.topLocked()
	tx.mu.Unlock()

	tx.rollbackScopeOnFailure(f, scope)
	return f, nil
}

// Commit issues COMMIT and closes the root barrier. A no-op when the
// transaction is already finished. After a failed COMMIT no ROLLBACK is
// issued: the server has already ended the transaction one way or the other,
// and the connection's transactional state is undefined.
func (tx *Tx) Commit() *future.Future {
	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return future.Resolved(nil)
	}
	tx.finished = true
	tx.mu.Unlock()

	tracked := future.New()
	commitFuture := tx.conn.Execute("COMMIT", nil)
	if err := tx.root.Add(tracked); err != nil {
		return future.Rejected(err)
	}
	tx.root.Close()

	commitFuture.OnComplete(func(result interface{}, err error) {
		if err == nil {
			tracked.Resolve(result)
			return
		}
		logger.Error("COMMIT failed: %s", err.Error())
		if errors.Code(err) == "" {
			err = errors.NewTransactionError(errors.ErrCommitFailed, err.Error(), nil)
		}
		tracked.Reject(err)
	})
	return tracked
}

// Rollback rolls back the current scope with cause as its failure. Inside a
// savepoint it issues ROLLBACK TO the savepoint's identifier and leaves the
// parent scope active; at the root it issues ROLLBACK and finishes the
// transaction. A no-op when the scope is already finished.
func (tx *Tx) Rollback(cause error) *future.Future {
	if cause == nil {
		cause = errors.NewTransactionError(errors.ErrRolledBack, "transaction rolled back", nil)
	}

	tx.mu.Lock()
	if sp := tx.topLocked(); sp != nil {
		tx.mu.Unlock()
		return tx.rollbackSavepoint(sp, cause)
	}
	tx.mu.Unlock()
	return tx.rollbackRoot(cause)
}

func (tx *Tx) rollbackRoot(cause error) *future.Future {
	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return future.Resolved(nil)
	}
	tx.finished = true
	tx.mu.Unlock()

	logger.Debug("Rolling back transaction: %s", cause.Error())
	rollbackFuture := tx.conn.Execute("ROLLBACK", nil)
	tx.root.recordFailure(cause)
	tx.root.Add(rollbackFuture)
	tx.root.Close()
	return rollbackFuture
}

// Savepoint opens a nested rollback point and invokes body once the SAVEPOINT
// command has completed. Commands issued inside body register with the
// savepoint's own barrier. If body returns an error the savepoint is rolled
// back and the returned outcome future rejects with that error, with the
// parent scope still active; the failure continuation on the outcome is how
// "try X, else fall back to Y" sequences are expressed.
func (tx *Tx) Savepoint(body func() error) *future.Future {
	tx.mu.Lock()
	if tx.finished {
		tx.mu.Unlock()
		return future.Rejected(errors.NewTransactionError(errors.ErrTxFinished, "savepoint on a finished transaction", nil))
	}
	sp := &savepointScope{
		id:      uuid.New().String(),
		barrier: NewCompletionBarrier(),
		parent:  tx.barrier,
		outcome: future.New(),
		done:    future.New(),
	}
	if err := sp.parent.Add(sp.done); err != nil {
		tx.mu.Unlock()
		return future.Rejected(err)
	}
	tx.savepoints = append(tx.savepoints, sp)
	tx.barrier = sp.barrier
	tx.mu.Unlock()

	savepointFuture := tx.conn.Execute("SAVEPOINT "+dml_info.EscapeColumn(sp.id), nil)
	sp.barrier.Add(savepointFuture)
	savepointFuture.OnComplete(func(_ interface{}, err error) {
		if err != nil {
			tx.abortSavepoint(sp, err)
			return
		}
		go tx.runSavepointBody(sp, body)
	})
	return sp.outcome
}

func (tx *Tx) runSavepointBody(sp *savepointScope, body func() error) {
	if err := runBody(body); err != nil {
		tx.rollbackSavepoint(sp, err)
		return
	}

	tx.mu.Lock()
	if sp.finished {
		tx.mu.Unlock()
		return
	}
	sp.finished = true
	tx.mu.Unlock()

	sp.barrier.Close()
	sp.barrier.Done().OnComplete(func(_ interface{}, err error) {
		tx.mu.Lock()
		abandoned := tx.popThroughLocked(sp)
		tx.mu.Unlock()
		settleAbandoned(abandoned, err)
		if err != nil {
			sp.outcome.Reject(err)
		} else {
			sp.outcome.Resolve(nil)
		}
		sp.done.Resolve(nil)
	})
}

func (tx *Tx) rollbackSavepoint(sp *savepointScope, cause error) *future.Future {
	tx.mu.Lock()
	if sp.finished {
		tx.mu.Unlock()
		return future.Resolved(nil)
	}
	sp.finished = true
	abandoned := tx.popThroughLocked(sp)
	tx.mu.Unlock()

	logger.Debug("Rolling back to savepoint %s: %s", sp.id, cause.Error())
	rollbackFuture := tx.conn.Execute("ROLLBACK TO "+dml_info.EscapeColumn(sp.id), nil)
	sp.barrier.recordFailure(cause)
	sp.barrier.Close()
	settleAbandoned(abandoned, cause)
	sp.outcome.Reject(cause)
	rollbackFuture.OnComplete(func(_ interface{}, err error) {
		if err != nil {
			logger.Error("ROLLBACK TO %s failed: %s", sp.id, err.Error())
		}
		sp.done.Resolve(nil)
	})
	return rollbackFuture
}

// abortSavepoint unwinds a savepoint whose SAVEPOINT command itself failed:
// nothing was established on the server, so no ROLLBACK TO is issued.
func (tx *Tx) abortSavepoint(sp *savepointScope, cause error) {
	tx.mu.Lock()
	if sp.finished {
		tx.mu.Unlock()
		return
	}
	sp.finished = true
	abandoned := tx.popThroughLocked(sp)
	tx.mu.Unlock()

	sp.barrier.Close()
	settleAbandoned(abandoned, cause)
	sp.outcome.Reject(cause)
	sp.done.Resolve(nil)
	if tx.AutoRollbackOnError() {
		tx.Rollback(cause)
	}
}

// popThroughLocked pops savepoints up to and including sp and restores sp's
// parent barrier as current. Any savepoint still open above sp is abandoned
// together with it and returned so the caller can settle its futures once
// tx.mu has been released; continuations on those futures run on the settling
// goroutine and may re-enter the coordinator.
func (tx *Tx) popThroughLocked(sp *savepointScope) []*savepointScope {
	var abandoned []*savepointScope
	for {
		n := len(tx.savepoints)
		if n == 0 {
			break
		}
		top := tx.savepoints[n-1]
		tx.savepoints = tx.savepoints[:n-1]
		if top == sp {
			break
		}
		top.finished = true
		abandoned = append(abandoned, top)
	}
	tx.barrier = sp.parent
	return abandoned
}

func settleAbandoned(abandoned []*savepointScope, cause error) {
	for _, sp := range abandoned {
		if cause != nil {
			sp.outcome.Reject(cause)
		} else {
			sp.outcome.Resolve(nil)
		}
		sp.done.Resolve(nil)
	}
}
