// Package pagination implements keyset (cursor) and offset pagination over
// database/sql. Keyset pages are stable under concurrent inserts because the
// position is carried by the last seen (sortField, id) pair, never by an
// offset.
package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrInvalidCursor    = errors.New("invalid cursor")
	ErrInvalidSortField = errors.New("invalid sort field")
)

// Cursor is the decoded position of a row within a sorted result set.
type Cursor struct {
	ID        int64  `json:"id"`
	SortField string `json:"sortField"`
	SortValue any    `json:"sortValue"`
}

func EncodeCursor(c Cursor) string {
	c.SortValue = normalizeSortValue(c.SortValue)
	raw, err := json.Marshal(c)
	if err != nil {
		// Sort values are scalars; a marshal failure means a caller bug.
		panic(fmt.Sprintf("encode cursor: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

func DecodeCursor(encoded string) (Cursor, error) {
	encoded = strings.TrimRight(strings.TrimSpace(encoded), "=")
	if encoded == "" {
		return Cursor{}, ErrInvalidCursor
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, ErrInvalidCursor
	}

	var payload struct {
		ID        *int64 `json:"id"`
		SortField string `json:"sortField"`
		SortValue any    `json:"sortValue"`
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return Cursor{}, ErrInvalidCursor
	}
	if payload.ID == nil || strings.TrimSpace(payload.SortField) == "" {
		return Cursor{}, ErrInvalidCursor
	}

	return Cursor{
		ID:        *payload.ID,
		SortField: payload.SortField,
		SortValue: sqlValue(payload.SortValue),
	}, nil
}

// comparison returns the operator that selects rows after the cursor in
// display order: ">" for asc+forward and desc+backward, "<" otherwise.
func comparison(order Order, direction Direction) string {
	forward := direction != Backward
	if (order == Asc) == forward {
		return ">"
	}
	return "<"
}

// BuildCursorWhere renders the keyset predicate for a cursor. Placeholders
// start at $argIndex. Sorting by id alone needs no composite comparison.
func BuildCursorWhere(c Cursor, column, idColumn string, order Order, direction Direction, argIndex int) (string, []any) {
	op := comparison(order, direction)
	if column == idColumn {
		return fmt.Sprintf("%s %s $%d", idColumn, op, argIndex), []any{c.ID}
	}
	clause := fmt.Sprintf("((%s = $%d AND %s %s $%d) OR %s %s $%d)",
		column, argIndex, idColumn, op, argIndex+1, column, op, argIndex)
	return clause, []any{c.SortValue, c.ID}
}

// BuildNullableCursorWhere is BuildCursorWhere for a column that may hold
// NULL. NULL ranks above every value, matching Postgres' default ordering
// (NULLS LAST ascending, NULLS FIRST descending).
func BuildNullableCursorWhere(c Cursor, column, idColumn string, order Order, direction Direction, argIndex int) (string, []any) {
	op := comparison(order, direction)
	if c.SortValue == nil {
		if op == ">" {
			return fmt.Sprintf("(%s IS NULL AND %s > $%d)", column, idColumn, argIndex), []any{c.ID}
		}
		return fmt.Sprintf("((%s IS NULL AND %s < $%d) OR %s IS NOT NULL)", column, idColumn, argIndex, column), []any{c.ID}
	}
	clause, args := BuildCursorWhere(c, column, idColumn, order, direction, argIndex)
	if op == ">" {
		clause = clause[:len(clause)-1] + fmt.Sprintf(" OR %s IS NULL)", column)
	}
	return clause, args
}

func normalizeSortValue(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	default:
		return v
	}
}

// sqlValue turns a JSON-decoded sort value into a driver argument. Whole
// numbers become int64; anything else keeps its text form so NUMERIC and
// timestamp comparisons stay exact.
func sqlValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return v.String()
	default:
		return v
	}
}
