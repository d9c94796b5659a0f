package pg

import (
	"context"
	"database/sql"
	"regexp"

	"pgflow/errors"
	"pgflow/future"
	"pgflow/logger"
)

// Connection is the asynchronous command executor a transaction coordinator
// runs against. Commands submitted via sequential Execute calls are
// transmitted to the database in call order.
type Connection interface {
	// Execute submits a command and returns a future that resolves with a
	// *Result or rejects with a categorized error.
	Execute(text string, params []interface{}) *future.Future
}

type Result struct {
	RowsAffected int64
	Rows         []map[string]interface{}
}

type submission struct {
	text   string
	params []interface{}
	f      *future.Future
}

// Conn adapts a single pinned database/sql connection to the Connection
// interface. One worker goroutine drains the submission queue, which is what
// keeps wire order equal to submission order.
type Conn struct {
	ctx   context.Context
	conn  *sql.Conn
	queue chan *submission
	done  chan struct{}
}

func NewConn(ctx context.Context, conn *sql.Conn) *Conn {
	c := &Conn{
		ctx:   ctx,
		conn:  conn,
		queue: make(chan *submission, 64),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Conn) Execute(text string, params []interface{}) *future.Future {
	f := future.New()
	select {
	case c.queue <- &submission{text: text, params: params, f: f}:
		// the buffered send can win even against a closed connection, after
		// the worker's drain has already run. Re-checking done keeps such a
		// command from staying pending forever; a settle races the worker at
		// worst, and the first settlement wins.
		select {
		case <-c.done:
			f.Reject(errors.NewTransactionError(errors.ErrDMLFailed, "connection is closed", nil))
		default:
		}
	case <-c.done:
		f.Reject(errors.NewTransactionError(errors.ErrDMLFailed, "connection is closed", nil))
	}
	return f
}

// Close stops the worker and returns the pinned connection to its pool. Any
// commands still queued are rejected.
func (c *Conn) Close() error {
	close(c.done)
	return c.conn.Close()
}

func (c *Conn) run() {
	for {
		select {
		case s := <-c.queue:
			c.execute(s)
		case <-c.done:
			for {
				select {
				case s := <-c.queue:
					s.f.Reject(errors.NewTransactionError(errors.ErrDMLFailed, "connection is closed", nil))
				default:
					return
				}
			}
		}
	}
}

var returningStatement = regexp.MustCompile(`(?is)^\s*(SELECT|WITH|VALUES)\b|\bRETURNING\b`)

func (c *Conn) execute(s *submission) {
	if returningStatement.MatchString(s.text) {
		rows, err := c.conn.QueryContext(c.ctx, s.text, s.params...)
		if err != nil {
			logger.Error("Execution statement error: %s\nBinds: %s", err.Error(), s.params)
			s.f.Reject(classifyCommandError(err))
			return
		}
		parsed, err := parseRows(rows)
		if err != nil {
			s.f.Reject(err)
			return
		}
		s.f.Resolve(&Result{RowsAffected: int64(len(parsed)), Rows: parsed})
		return
	}

	res, err := c.conn.ExecContext(c.ctx, s.text, s.params...)
	if err != nil {
		logger.Error("Execution statement error: %s\nBinds: %s", err.Error(), s.params)
		s.f.Reject(classifyCommandError(err))
		return
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	s.f.Resolve(&Result{RowsAffected: affected})
}

func parseRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.NewFatalError(errors.ErrDMLFailed, err.Error(), nil)
	}

	result := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(cols))
		for i := range values {
			values[i] = new(interface{})
		}
		if err = rows.Scan(values...); err != nil {
			return nil, errors.NewFatalError(errors.ErrDMLFailed, err.Error(), nil)
		}
		row := make(map[string]interface{})
		for i, columnName := range cols {
			row[columnName] = *(values[i].(*interface{}))
		}
		result = append(result, row)
	}
	if err = rows.Err(); err != nil {
		return nil, classifyCommandError(err)
	}
	return result, nil
}
