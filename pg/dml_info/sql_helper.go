package dml_info

import (
	"bytes"
	"strconv"

	"github.com/lib/pq"
)

// EscapeColumn wraps an identifier in double quotes, doubling any embedded
// quote characters.
func EscapeColumn(column string) string {
	return pq.QuoteIdentifier(column)
}

func EscapeColumns(columns []string) []string {
	escapedColumns := make([]string, 0)
	for _, column := range columns {
		escapedColumns = append(escapedColumns, EscapeColumn(column))
	}
	return escapedColumns
}

func BindValues(startWith int, count int) string {
	var vals bytes.Buffer
	for i := startWith; i < startWith+count; i++ {
		vals.WriteString("$")
		vals.WriteString(strconv.Itoa(i))
		vals.WriteString(",")
	}
	if vals.Len() > 0 {
		vals.Truncate(vals.Len() - 1)
	}
	return vals.String()
}

// BindValueGroups renders groupCount parenthesized bind groups of groupSize
// placeholders each, e.g. "($1,$2),($3,$4)".
func BindValueGroups(startWith int, groupCount int, groupSize int) string {
	var vals bytes.Buffer
	for i := 0; i < groupCount; i++ {
		vals.WriteString("(")
		vals.WriteString(BindValues(startWith+i*groupSize, groupSize))
		vals.WriteString(")")
		if i < groupCount-1 {
			vals.WriteString(",")
		}
	}
	return vals.String()
}
