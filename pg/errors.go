package pg

import (
	stderrors "errors"
	"regexp"

	"github.com/jackc/pgconn"

	"pgflow/errors"
)

var uniqueDetail = regexp.MustCompile(`\(([^)]+)\)=\(([^)]+)\)`)

// classifyCommandError maps a driver error onto the transaction error
// taxonomy: unique violation, serialization conflict, validation, other.
func classifyCommandError(err error) error {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return errors.NewFatalError(errors.ErrDMLFailed, err.Error(), nil)
	}

	switch pgErr.Code {
	case "23502",
		"23503":
		return errors.NewTransactionError(errors.ErrValidation, pgErr.Error(), nil)
	case "23505":
		data := make(map[string]interface{})
		if parts := uniqueDetail.FindStringSubmatch(pgErr.Detail); len(parts) == 3 {
			data[parts[1]] = parts[2]
		}
		return errors.NewTransactionError(errors.ErrValueDuplication, pgErr.Error(), data)
	case "40001",
		"40P01":
		return errors.NewTransactionError(errors.ErrSerialization, pgErr.Error(), nil)
	default:
		return errors.NewFatalError(errors.ErrDMLFailed, pgErr.Error(), nil)
	}
}
