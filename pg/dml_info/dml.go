//SQL text assembly for the transaction coordinator. Statements are rendered
//from templates with identifiers escaped on construction, values always travel
//as positional binds.
package dml_info

import (
	"bytes"
	"strconv"
	"strings"
	"text/template"

	"pgflow/errors"
)

const (
	templInsert     = `INSERT INTO {{.Table}}{{if not .Cols}} DEFAULT VALUES{{end}}{{if .Cols}} ({{join .Cols ", "}}) VALUES {{.GetValues}}{{end}}{{if .RCols}} RETURNING {{join .RCols ", "}}{{end}}`
	templUpsert     = `WITH updated AS (UPDATE {{.Table}} SET {{join .SetClauses ", "}} WHERE {{join .KeyClauses " AND "}} RETURNING *), inserted AS (INSERT INTO {{.Table}} ({{join .Cols ", "}}) SELECT {{.GetInsertBinds}} WHERE NOT EXISTS (SELECT 1 FROM updated) RETURNING *) SELECT * FROM updated UNION ALL SELECT * FROM inserted`
	templBulkInsert = `INSERT INTO {{.Table}} ({{join .Cols ", "}}) SELECT {{join .SelectCols ", "}} FROM (VALUES {{.GetValues}}) AS candidate ({{join .Cols ", "}}) WHERE NOT EXISTS (SELECT 1 FROM {{.Table}} existing WHERE {{.MatchExpr}})`
)

var funcs = template.FuncMap{"join": strings.Join}
var parsedTemplInsert = template.Must(template.New("dml_insert").Funcs(funcs).Parse(templInsert))
var parsedTemplUpsert = template.Must(template.New("dml_upsert").Funcs(funcs).Parse(templUpsert))
var parsedTemplBulkInsert = template.Must(template.New("dml_bulk_insert").Funcs(funcs).Parse(templBulkInsert))

// UniqueColumnGroupsSQL lists the columns of every unique index declared on a
// table, one row per (index, column), together with whether the column carries
// a default or identity.
const UniqueColumnGroupsSQL = `SELECT i.indexrelid AS index_oid, a.attname AS column_name, (a.atthasdef OR a.attidentity <> '') AS has_default FROM pg_index i JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey) WHERE i.indrelid = $1::regclass AND i.indisunique ORDER BY i.indexrelid, a.attnum`

type InsertInfo struct {
	Table    string
	Cols     []string
	RCols    []string
	RowCount int
}

func NewInsertInfo(table string, columns []string, returning []string, rowCount int) *InsertInfo {
	return &InsertInfo{
		Table:    EscapeColumn(table),
		Cols:     EscapeColumns(columns),
		RCols:    EscapeColumns(returning),
		RowCount: rowCount,
	}
}

func (insertInfo *InsertInfo) GetValues() string {
	return BindValueGroups(1, insertInfo.RowCount, len(insertInfo.Cols))
}

func (insertInfo *InsertInfo) Sql() (string, error) {
	var b bytes.Buffer
	if err := parsedTemplInsert.Execute(&b, insertInfo); err != nil {
		return "", errors.NewFatalError(errors.ErrTemplateFailed, err.Error(), nil)
	}
	return b.String(), nil
}

// UpsertInfo renders an update-else-insert statement as a writeable CTE. Bind
// numbering: SET values first, then key values, then the insert values.
type UpsertInfo struct {
	Table      string
	Cols       []string
	SetClauses []string
	KeyClauses []string
}

func NewUpsertInfo(table string, columns []string, keyColumns []string) *UpsertInfo {
	info := &UpsertInfo{Table: EscapeColumn(table), Cols: EscapeColumns(columns)}
	for i, column := range columns {
		info.SetClauses = append(info.SetClauses, EscapeColumn(column)+" = $"+strconv.Itoa(i+1))
	}
	for i, column := range keyColumns {
		info.KeyClauses = append(info.KeyClauses, EscapeColumn(column)+" = $"+strconv.Itoa(len(columns)+i+1))
	}
	return info
}

func (upsertInfo *UpsertInfo) GetInsertBinds() string {
	return BindValues(len(upsertInfo.Cols)+len(upsertInfo.KeyClauses)+1, len(upsertInfo.Cols))
}

func (upsertInfo *UpsertInfo) Sql() (string, error) {
	var b bytes.Buffer
	if err := parsedTemplUpsert.Execute(&b, upsertInfo); err != nil {
		return "", errors.NewFatalError(errors.ErrTemplateFailed, err.Error(), nil)
	}
	return b.String(), nil
}

// BulkInsertInfo renders a multi-row insert filtered by a NOT EXISTS anti-join
// against the target table, so rows colliding with a unique column group are
// skipped instead of aborting the batch.
type BulkInsertInfo struct {
	Table      string
	Cols       []string
	SelectCols []string
	RowCount   int
	MatchExpr  string
}

func NewBulkInsertInfo(table string, columns []string, matchGroups [][]string, rowCount int) *BulkInsertInfo {
	info := &BulkInsertInfo{
		Table:    EscapeColumn(table),
		Cols:     EscapeColumns(columns),
		RowCount: rowCount,
	}
	for _, column := range info.Cols {
		info.SelectCols = append(info.SelectCols, "candidate."+column)
	}

	groupExpressions := make([]string, 0, len(matchGroups))
	for _, group := range matchGroups {
		matches := make([]string, 0, len(group))
		for _, column := range group {
			escaped := EscapeColumn(column)
			matches = append(matches, "existing."+escaped+" = candidate."+escaped)
		}
		groupExpressions = append(groupExpressions, "("+strings.Join(matches, " AND ")+")")
	}
	info.MatchExpr = strings.Join(groupExpressions, " OR ")
	return info
}

func (bulkInsertInfo *BulkInsertInfo) GetValues() string {
	return BindValueGroups(1, bulkInsertInfo.RowCount, len(bulkInsertInfo.Cols))
}

func (bulkInsertInfo *BulkInsertInfo) Sql() (string, error) {
	var b bytes.Buffer
	if err := parsedTemplBulkInsert.Execute(&b, bulkInsertInfo); err != nil {
		return "", errors.NewFatalError(errors.ErrTemplateFailed, err.Error(), nil)
	}
	return b.String(), nil
}
