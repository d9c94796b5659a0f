package transactions

import (
	"fmt"

	"github.com/fatih/structs"
	"github.com/getlantern/deepcopy"

	"pgflow/errors"
	"pgflow/future"
	"pgflow/logger"
	"pgflow/pg/dml_info"
	"pgflow/utils"
)

// Queryable is the escape hatch for caller-supplied query builders: anything
// producing a parameterized statement can be executed through Exec.
type Queryable interface {
	Sql() (string, []interface{}, error)
}

func (tx *Tx) Query(query Queryable) *future.Future {
	text, params, err := query.Sql()
	if err != nil {
		return future.Rejected(err)
	}
	return tx.Exec(text, params...)
}

// Insert inserts one row and resolves with a *pg.Result carrying the inserted
// row (RETURNING all provided columns).
func (tx *Tx) Insert(table string, data map[string]interface{}) *future.Future {
	if len(data) == 0 {
		return future.Rejected(errors.NewTransactionError(errors.ErrInvalidArgument, "insert requires at least one column", nil))
	}
	columns, binds := utils.GetMapKeysValues(data)
	stmt, err := dml_info.NewInsertInfo(table, columns, columns, 1).Sql()
	if err != nil {
		return future.Rejected(err)
	}
	return tx.Exec(stmt, binds...)
}

// InsertStruct inserts one row taking columns from record's exported fields.
// Column names can be overridden with `structs:"column_name"` tags.
func (tx *Tx) InsertStruct(table string, record interface{}) *future.Future {
	return tx.Insert(table, structs.Map(record))
}

// Upsert attempts an UPDATE matching on keyColumns and inserts the row when
// nothing matched, resolving with the resulting row either way. The UPDATE and
// INSERT are not atomic with respect to true constraint races, so exactly one
// transparent retry of the identical statement is performed if and only if the
// first attempt fails with a unique-constraint violation; any other error, or
// a second failure of whatever kind, is final.
func (tx *Tx) Upsert(table string, keyColumns []string, data map[string]interface{}) *future.Future {
	if len(keyColumns) == 0 {
		return future.Rejected(errors.NewTransactionError(errors.ErrInvalidArgument, "upsert requires at least one key column", nil))
	}
	for _, key := range keyColumns {
		if _, ok := data[key]; !ok {
			return future.Rejected(errors.NewTransactionError(errors.ErrInvalidArgument, fmt.Sprintf("upsert key column '%s' is missing from the data", key), nil))
		}
	}

	// snapshot the data so the retry re-binds exactly what the first attempt saw
	var snapshot map[string]interface{}
	if err := deepcopy.Copy(&snapshot, &data); err != nil {
		return future.Rejected(errors.NewFatalError(errors.ErrInvalidArgument, err.Error(), nil))
	}

	columns, values := utils.GetMapKeysValues(snapshot)
	stmt, err := dml_info.NewUpsertInfo(table, columns, keyColumns).Sql()
	if err != nil {
		return future.Rejected(err)
	}

	binds := make([]interface{}, 0, len(values)*2+len(keyColumns))
	binds = append(binds, values...)
	for _, key := range keyColumns {
		binds = append(binds, snapshot[key])
	}
	binds = append(binds, values...)

	result, err := tx.trackScoped()
	if err != nil {
		return future.Rejected(err)
	}

	first := tx.conn.Execute(stmt, binds)
	first.OnComplete(func(res interface{}, err error) {
		if err == nil {
			result.Resolve(res)
			return
		}
		if !errors.IsUniqueViolation(err) {
			result.Reject(err)
			return
		}
		logger.Debug("Upsert on '%s' hit a unique violation, retrying once", table)
		second := tx.conn.Execute(stmt, binds)
		second.OnComplete(func(res interface{}, err error) {
			if err == nil {
				result.Resolve(res)
			} else {
				result.Reject(err)
			}
		})
	})
	return result
}

// UpsertStruct is Upsert taking columns from record's exported fields.
func (tx *Tx) UpsertStruct(table string, keyColumns []string, record interface{}) *future.Future {
	return tx.Upsert(table, keyColumns, structs.Map(record))
}
