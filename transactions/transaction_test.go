package transactions_test

import (
	"fmt"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"pgflow/errors"
	"pgflow/future"
	"pgflow/pg"
	"pgflow/transactions"
)

func savepointId(stmt string) string {
	id := strings.TrimPrefix(stmt, "SAVEPOINT ")
	return strings.TrimPrefix(id, "ROLLBACK TO ")
}

var _ = Describe("Transaction coordinator", func() {

	It("commits an empty body", func() {
		conn := newFakeConn(ok)
		err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
			return nil
		})
		Expect(err).To(BeNil())
		Expect(conn.wireLog()).To(Equal([]string{"BEGIN", "COMMIT"}))
	})

	It("opens with the configured isolation level and deferrable flag", func() {
		conn := newFakeConn(ok)
		err := transactions.RunSync(conn, transactions.Options{Isolation: transactions.RepeatableRead, Deferrable: true}, func(tx *transactions.Tx) error {
			return nil
		})
		Expect(err).To(BeNil())
		Expect(conn.wireLog()[0]).To(Equal("BEGIN TRANSACTION ISOLATION LEVEL REPEATABLE READ DEFERRABLE"))
	})

	It("rejects an unknown isolation level before any network I/O", func() {
		conn := newFakeConn(ok)
		err := transactions.RunSync(conn, transactions.Options{Isolation: "SNAPSHOT"}, func(tx *transactions.Tx) error {
			return nil
		})
		Expect(err).To(Not(BeNil()))
		Expect(errors.Code(err)).To(Equal(errors.ErrInvalidIsolation))
		Expect(conn.wireLog()).To(BeEmpty())
	})

	It("keeps wire order equal to program order when a middle command is slow", func() {
		conn := newFakeConn(ok)
		conn.delay("second", 50*time.Millisecond)
		err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
			for _, stmt := range []string{"UPDATE first", "UPDATE second", "UPDATE third"} {
				if _, err := tx.Exec(stmt).Await(); err != nil {
					return err
				}
			}
			return nil
		})
		Expect(err).To(BeNil())
		expected := []string{"BEGIN", "UPDATE first", "UPDATE second", "UPDATE third", "COMMIT"}
		Expect(conn.wireLog()).To(Equal(expected))
		Expect(conn.processedLog()).To(Equal(expected))
	})

	It("fails the transaction when BEGIN fails", func() {
		conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
			if text == "BEGIN" {
				return nil, errors.NewTransactionError(errors.ErrDMLFailed, "no connection", nil)
			}
			return &pg.Result{}, nil
		})
		bodyRan := false
		err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
			bodyRan = true
			return nil
		})
		Expect(err).To(Not(BeNil()))
		Expect(bodyRan).To(BeFalse())
		Expect(conn.wireLog()).To(Equal([]string{"BEGIN"}))
	})

	Context("failure handling", func() {

		It("issues exactly one ROLLBACK when a command fails with auto-rollback enabled", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if strings.HasPrefix(text, "INSERT") {
					return nil, errors.NewTransactionError(errors.ErrDMLFailed, "broken", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				_, err := tx.Insert("foo", map[string]interface{}{"bar": "wombat"}).Await()
				return err
			})
			Expect(err).To(Not(BeNil()))
			Expect(errors.Code(err)).To(Equal(errors.ErrDMLFailed))
			Expect(conn.wireLog()).To(HaveLen(3))
			Expect(conn.wireLog()[2]).To(Equal("ROLLBACK"))
		})

		It("does not roll back automatically when the flag is disabled", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if strings.HasPrefix(text, "UPDATE") {
					return nil, errors.NewTransactionError(errors.ErrDMLFailed, "broken", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				tx.SetAutoRollbackOnError(false)
				tx.Exec("UPDATE foo").Await()
				return nil
			})
			// the barrier still records the failure, so the terminal reflects it
			Expect(err).To(Not(BeNil()))
			Expect(conn.wireLog()).To(Equal([]string{"BEGIN", "UPDATE foo", "COMMIT"}))
		})

		It("treats a body panic as a rollback cause", func() {
			conn := newFakeConn(ok)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				panic("kaboom")
			})
			Expect(err).To(Not(BeNil()))
			Expect(err.Error()).To(ContainSubstring("kaboom"))
			Expect(conn.wireLog()).To(Equal([]string{"BEGIN", "ROLLBACK"}))
		})
	})

	Context("commit semantics", func() {

		It("issues COMMIT at most once, a second commit is a no-op", func() {
			conn := newFakeConn(ok)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				if _, err := tx.Commit().Await(); err != nil {
					return err
				}
				tx.Commit()
				return nil
			})
			Expect(err).To(BeNil())
			Expect(conn.wireLog()).To(Equal([]string{"BEGIN", "COMMIT"}))
		})

		It("deliberately does not issue ROLLBACK after a failed COMMIT", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if text == "COMMIT" {
					return nil, errors.NewTransactionError(errors.ErrCommitFailed, "commit refused", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				return nil
			})
			Expect(err).To(Not(BeNil()))
			Expect(errors.Code(err)).To(Equal(errors.ErrCommitFailed))
			Expect(conn.wireLog()).To(Equal([]string{"BEGIN", "COMMIT"}))
		})

		It("rejects commands issued after the transaction has finished", func() {
			conn := newFakeConn(ok)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				if _, err := tx.Commit().Await(); err != nil {
					return err
				}
				_, err := tx.Exec("UPDATE foo").Await()
				Expect(errors.Code(err)).To(Equal(errors.ErrTxFinished))
				return nil
			})
			Expect(err).To(BeNil())
		})
	})

	Context("savepoints", func() {

		It("releases a successful savepoint implicitly, issuing no ROLLBACK TO", func() {
			conn := newFakeConn(ok)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				_, err := tx.Savepoint(func() error {
					_, err := tx.Insert("foo", map[string]interface{}{"bar": "wombat"}).Await()
					return err
				}).Await()
				return err
			})
			Expect(err).To(BeNil())
			wire := conn.wireLog()
			Expect(wire).To(HaveLen(4))
			Expect(wire[1]).To(HavePrefix(`SAVEPOINT "`))
			Expect(wire[3]).To(Equal("COMMIT"))
			for _, stmt := range wire {
				Expect(stmt).To(Not(HavePrefix("ROLLBACK")))
			}
		})

		It("rolls back to the savepoint identifier and resumes in the failure path", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if len(params) == 1 && params[0] == "baz" {
					return nil, errors.NewTransactionError(errors.ErrDMLFailed, "broken", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				if _, err := tx.Insert("foo", map[string]interface{}{"bar": "wombat"}).Await(); err != nil {
					return err
				}
				_, spErr := tx.Savepoint(func() error {
					_, err := tx.Insert("foo", map[string]interface{}{"bar": "baz"}).Await()
					return err
				}).Await()
				Expect(spErr).To(Not(BeNil()))
				// parent scope is still active, insert the fallback row
				_, err := tx.Insert("foo", map[string]interface{}{"bar": "wibble"}).Await()
				return err
			})
			Expect(err).To(BeNil())

			wire := conn.wireLog()
			Expect(wire).To(HaveLen(7))
			Expect(wire[0]).To(Equal("BEGIN"))
			Expect(wire[1]).To(HavePrefix("INSERT INTO"))
			Expect(wire[2]).To(HavePrefix(`SAVEPOINT "`))
			Expect(wire[3]).To(HavePrefix("INSERT INTO"))
			Expect(wire[4]).To(HavePrefix(`ROLLBACK TO "`))
			Expect(savepointId(wire[4])).To(Equal(savepointId(wire[2])))
			Expect(wire[5]).To(HavePrefix("INSERT INTO"))
			Expect(wire[6]).To(Equal("COMMIT"))

			binds := conn.bindLog()
			Expect(binds[1]).To(Equal([]interface{}{"wombat"}))
			Expect(binds[3]).To(Equal([]interface{}{"baz"}))
			Expect(binds[5]).To(Equal([]interface{}{"wibble"}))
		})

		It("targets distinct identifiers for nested savepoints and keeps the outer scope usable", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if len(params) == 1 && params[0] == "inner" {
					return nil, errors.NewTransactionError(errors.ErrDMLFailed, "broken", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				_, outerErr := tx.Savepoint(func() error {
					_, innerErr := tx.Savepoint(func() error {
						_, err := tx.Insert("foo", map[string]interface{}{"bar": "inner"}).Await()
						return err
					}).Await()
					Expect(innerErr).To(Not(BeNil()))
					_, err := tx.Insert("foo", map[string]interface{}{"bar": "recovered"}).Await()
					return err
				}).Await()
				return outerErr
			})
			Expect(err).To(BeNil())

			wire := conn.wireLog()
			Expect(wire).To(HaveLen(7))
			outer, inner := wire[1], wire[2]
			Expect(outer).To(HavePrefix(`SAVEPOINT "`))
			Expect(inner).To(HavePrefix(`SAVEPOINT "`))
			Expect(savepointId(outer)).To(Not(Equal(savepointId(inner))))
			Expect(wire[4]).To(Equal("ROLLBACK TO " + savepointId(inner)))
			Expect(wire[6]).To(Equal("COMMIT"))
		})

		It("settles an abandoned inner savepoint so its continuations can keep using the transaction", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if text == "UPDATE slow" {
					return nil, errors.NewTransactionError(errors.ErrDMLFailed, "broken", nil)
				}
				return &pg.Result{}, nil
			})
			conn.delay("UPDATE slow", 50*time.Millisecond)

			fallback := make(chan *future.Future, 1)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				_, outerErr := tx.Savepoint(func() error {
					pending := tx.Exec("UPDATE slow")
					tx.Savepoint(func() error {
						return nil
					}).OnFailure(func(error) {
						// fall back on the enclosing scope once the inner savepoint dies
						fallback <- tx.Exec("UPDATE fallback")
					})
					_, err := pending.Await()
					return err
				}).Await()
				Expect(outerErr).To(Not(BeNil()))

				select {
				case f := <-fallback:
					_, execErr := f.Await()
					Expect(execErr).To(BeNil())
				case <-time.After(2 * time.Second):
					Fail("the abandoned savepoint's failure continuation never completed")
				}
				return nil
			})
			Expect(err).To(BeNil())

			wire := conn.wireLog()
			Expect(wire).To(HaveLen(7))
			Expect(wire[2]).To(Equal("UPDATE slow"))
			Expect(wire[4]).To(Equal("ROLLBACK TO " + savepointId(wire[1])))
			Expect(wire[5]).To(Equal("UPDATE fallback"))
			Expect(wire[6]).To(Equal("COMMIT"))
		})

		It("never wires a command that failed to register with its scope", func() {
			conn := newFakeConn(ok)
			err := transactions.RunSync(conn, transactions.Options{}, func(tx *transactions.Tx) error {
				for i := 0; i < 25; i++ {
					stmt := fmt.Sprintf("UPDATE racer_%d", i)
					racer := make(chan *future.Future, 1)
					tx.Savepoint(func() error {
						go func() { racer <- tx.Exec(stmt) }()
						return nil
					}).Await()
					if _, err := (<-racer).Await(); err != nil {
						// the savepoint barrier closed first, the command must
						// not have reached the connection
						Expect(errors.Code(err)).To(Equal(errors.ErrBarrierClosed))
						Expect(conn.wireLog()).To(Not(ContainElement(stmt)))
					}
				}
				return nil
			})
			Expect(err).To(BeNil())
		})
	})

	Context("serialization conflict retry", func() {

		It("re-runs the whole body after a serialization failure", func() {
			attempts := 0
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if strings.HasPrefix(text, "INSERT") {
					attempts++
					if attempts == 1 {
						return nil, errors.NewTransactionError(errors.ErrSerialization, "could not serialize access", nil)
					}
				}
				return &pg.Result{}, nil
			})
			bodyRuns := 0
			err := transactions.RunSync(conn, transactions.Options{Isolation: transactions.Serializable, Retryable: true}, func(tx *transactions.Tx) error {
				bodyRuns++
				_, err := tx.Insert("foo", map[string]interface{}{"bar": "wombat"}).Await()
				return err
			})
			Expect(err).To(BeNil())
			Expect(bodyRuns).To(Equal(2))

			begin := "BEGIN TRANSACTION ISOLATION LEVEL SERIALIZABLE"
			wire := conn.wireLog()
			Expect(wire).To(HaveLen(6))
			Expect(wire[0]).To(Equal(begin))
			Expect(wire[1]).To(HavePrefix("INSERT INTO"))
			Expect(wire[2]).To(Equal("ROLLBACK"))
			Expect(wire[3]).To(Equal(begin))
			Expect(wire[4]).To(HavePrefix("INSERT INTO"))
			Expect(wire[5]).To(Equal("COMMIT"))
		})

		It("surfaces a serialization failure when retry is not configured", func() {
			conn := newFakeConn(func(text string, params []interface{}) (*pg.Result, error) {
				if strings.HasPrefix(text, "INSERT") {
					return nil, errors.NewTransactionError(errors.ErrSerialization, "could not serialize access", nil)
				}
				return &pg.Result{}, nil
			})
			err := transactions.RunSync(conn, transactions.Options{Isolation: transactions.Serializable}, func(tx *transactions.Tx) error {
				_, err := tx.Insert("foo", map[string]interface{}{"bar": "wombat"}).Await()
				return err
			})
			Expect(errors.IsSerializationFailure(err)).To(BeTrue())
			Expect(conn.wireLog()).To(HaveLen(3))
		})
	})
})
