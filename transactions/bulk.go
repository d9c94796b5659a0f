package transactions

import (
	"fmt"

	"pgflow/errors"
	"pgflow/future"
	"pgflow/logger"
	"pgflow/pg"
	"pgflow/pg/dml_info"
	"pgflow/utils"
)

// uniqueGroup is one unique index on the target table: its column names and,
// per column, whether the column carries a default or identity.
type uniqueGroup struct {
	columns    []string
	hasDefault []bool
}

// matchColumns returns the columns of the group that must participate in the
// anti-join. Default-valued columns cannot collide with caller-supplied data
// by construction and are excluded.
func (group *uniqueGroup) matchColumns() []string {
	matches := make([]string, 0, len(group.columns))
	for i, column := range group.columns {
		if !group.hasDefault[i] {
			matches = append(matches, column)
		}
	}
	return matches
}

// BulkInsert turns a batch of rows into one constraint-safe statement and
// resolves with the affected-row count (int64), which may be less than the
// requested row count when rows colliding with a unique constraint were
// skipped. An empty batch resolves immediately with 0 and issues nothing.
//
// Every unique column group declared on the table must be covered by the
// inserted columns; otherwise rows could be dropped without it being obvious
// which, and the batch is rejected as an argument error instead.
func (tx *Tx) BulkInsert(table string, columns []string, rows [][]interface{}) *future.Future {
	if len(rows) == 0 {
		return future.Resolved(int64(0))
	}
	if len(columns) == 0 {
		return future.Rejected(errors.NewTransactionError(errors.ErrInvalidArgument, "bulk insert requires at least one column", nil))
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return future.Rejected(errors.NewTransactionError(errors.ErrInvalidArgument, fmt.Sprintf("row %d has %d values for %d columns", i, len(row), len(columns)), nil))
		}
	}

	result, err := tx.trackScoped()
	if err != nil {
		return future.Rejected(err)
	}

	constraintsFuture := tx.conn.Execute(dml_info.UniqueColumnGroupsSQL, []interface{}{table})
	constraintsFuture.OnComplete(func(res interface{}, err error) {
		if err != nil {
			result.Reject(err)
			return
		}

		matchGroups := make([][]string, 0)
		for _, group := range parseUniqueGroups(res.(*pg.Result)) {
			match := group.matchColumns()
			if len(match) == 0 {
				continue
			}
			if !utils.Subset(match, columns) {
				result.Reject(errors.NewTransactionError(errors.ErrInvalidArgument, fmt.Sprintf("unique index columns %v of table '%s' are not covered by the inserted columns", match, table), nil))
				return
			}
			matchGroups = append(matchGroups, match)
		}

		var stmt string
		var sqlErr error
		if len(matchGroups) == 0 {
			stmt, sqlErr = dml_info.NewInsertInfo(table, columns, nil, len(rows)).Sql()
		} else {
			logger.Debug("Bulk insert into '%s' filtered by %d unique column groups", table, len(matchGroups))
			stmt, sqlErr = dml_info.NewBulkInsertInfo(table, columns, matchGroups, len(rows)).Sql()
		}
		if sqlErr != nil {
			result.Reject(sqlErr)
			return
		}

		binds := make([]interface{}, 0, len(rows)*len(columns))
		for _, row := range rows {
			binds = append(binds, row...)
		}

		insertFuture := tx.conn.Execute(stmt, binds)
		insertFuture.OnComplete(func(res interface{}, err error) {
			if err != nil {
				result.Reject(err)
				return
			}
			result.Resolve(res.(*pg.Result).RowsAffected)
		})
	})
	return result
}

func parseUniqueGroups(res *pg.Result) []*uniqueGroup {
	groups := make([]*uniqueGroup, 0)
	byIndex := make(map[string]*uniqueGroup)
	for _, row := range res.Rows {
		key := stringValue(row["index_oid"])
		group, ok := byIndex[key]
		if !ok {
			group = &uniqueGroup{}
			byIndex[key] = group
			groups = append(groups, group)
		}
		group.columns = append(group.columns, stringValue(row["column_name"]))
		group.hasDefault = append(group.hasDefault, boolValue(row["has_default"]))
	}
	return groups
}

func stringValue(value interface{}) string {
	switch cast := value.(type) {
	case string:
		return cast
	case []byte:
		return string(cast)
	default:
		return fmt.Sprintf("%v", cast)
	}
}

func boolValue(value interface{}) bool {
	switch cast := value.(type) {
	case bool:
		return cast
	case string:
		return cast == "t" || cast == "true"
	default:
		return false
	}
}
