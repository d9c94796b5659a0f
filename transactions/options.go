package transactions

import (
	"fmt"

	"pgflow/errors"
)

type IsolationLevel string

const (
	DefaultIsolation IsolationLevel = ""
	Serializable     IsolationLevel = "SERIALIZABLE"
	RepeatableRead   IsolationLevel = "REPEATABLE READ"
	ReadCommitted    IsolationLevel = "READ COMMITTED"
	ReadUncommitted  IsolationLevel = "READ UNCOMMITTED"
)

type Options struct {
	Isolation  IsolationLevel
	Deferrable bool
	// Retryable makes the whole transaction body re-run from scratch when the
	// terminal failure is a serialization conflict. The retry is unbounded, a
	// body with non-database side effects must bound them itself.
	Retryable bool
}

func (options Options) beginStatement() (string, error) {
	stmt := "BEGIN"
	switch options.Isolation {
	case DefaultIsolation:
	case Serializable, RepeatableRead, ReadCommitted, ReadUncommitted:
		stmt += " TRANSACTION ISOLATION LEVEL " + string(options.Isolation)
	default:
		return "", errors.NewTransactionError(errors.ErrInvalidIsolation, fmt.Sprintf("unknown isolation level '%s'", options.Isolation), nil)
	}
	if options.Deferrable {
		stmt += " DEFERRABLE"
	}
	return stmt, nil
}
