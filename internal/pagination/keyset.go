package pagination

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Querier is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Scanner is the subset of *sql.Rows used by row mappers.
type Scanner interface {
	Scan(dest ...any) error
}

type CursorParams struct {
	Cursor    string
	Limit     int
	Direction Direction
	SortBy    string
	SortOrder Order
}

type CursorMeta struct {
	Cursor      *string `json:"cursor"`
	NextCursor  *string `json:"nextCursor"`
	PrevCursor  *string `json:"prevCursor"`
	HasMore     bool    `json:"hasMore"`
	HasPrevious bool    `json:"hasPrevious"`
	Limit       int     `json:"limit"`
}

type CursorPage[T any] struct {
	Data       []T        `json:"data"`
	Pagination CursorMeta `json:"pagination"`
}

// Keyset describes one paginated listing. Where clauses use $1..$len(Args);
// cursor and limit placeholders are appended after them.
type Keyset struct {
	Select       string
	From         string
	IDColumn     string
	Sortable     map[string]string
	Nullable     map[string]bool // sort fields whose column may be NULL
	DefaultSort  string
	DefaultOrder Order
	Where        []string
	Args         []any
}

// ParseCursorParams reads cursor, limit, direction, sortBy and sortOrder from
// a query string.
func ParseCursorParams(values url.Values) (CursorParams, error) {
	params := CursorParams{
		Cursor:    strings.TrimSpace(values.Get("cursor")),
		Direction: Direction(strings.ToLower(strings.TrimSpace(values.Get("direction")))),
		SortBy:    strings.TrimSpace(values.Get("sortBy")),
		SortOrder: Order(strings.ToLower(strings.TrimSpace(values.Get("sortOrder")))),
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return CursorParams{}, fmt.Errorf("limit must be an integer")
		}
		params.Limit = limit
	}
	switch params.Direction {
	case "", Forward, Backward:
	default:
		return CursorParams{}, fmt.Errorf("direction must be forward or backward")
	}
	switch params.SortOrder {
	case "", Asc, Desc:
	default:
		return CursorParams{}, fmt.Errorf("sortOrder must be asc or desc")
	}
	return params, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func flip(order Order) Order {
	if order == Asc {
		return Desc
	}
	return Asc
}

// resolve fills defaults and validates the sort field against the whitelist.
func (k Keyset) resolve(params CursorParams) (CursorParams, string, error) {
	params.Limit = clampLimit(params.Limit)
	if params.Direction == "" {
		params.Direction = Forward
	}
	if params.SortBy == "" {
		params.SortBy = k.DefaultSort
	}
	if params.SortOrder == "" {
		params.SortOrder = k.DefaultOrder
		if params.SortOrder == "" {
			params.SortOrder = Desc
		}
	}
	column, ok := k.Sortable[params.SortBy]
	if !ok {
		return params, "", ErrInvalidSortField
	}
	return params, column, nil
}

// Build renders the page query. It returns limit+1 rows so the caller can
// detect whether another page exists.
func (k Keyset) Build(params CursorParams) (string, []any, CursorParams, error) {
	params, column, err := k.resolve(params)
	if err != nil {
		return "", nil, params, err
	}

	where := append([]string(nil), k.Where...)
	args := append([]any(nil), k.Args...)

	if params.Cursor != "" {
		cursor, err := DecodeCursor(params.Cursor)
		if err != nil {
			return "", nil, params, err
		}
		if cursor.SortField != params.SortBy {
			return "", nil, params, ErrInvalidCursor
		}
		build := BuildCursorWhere
		if k.Nullable[params.SortBy] {
			build = BuildNullableCursorWhere
		}
		clause, cursorArgs := build(cursor, column, k.IDColumn, params.SortOrder, params.Direction, len(args)+1)
		where = append(where, clause)
		args = append(args, cursorArgs...)
	}

	fetchOrder := params.SortOrder
	if params.Direction == Backward {
		fetchOrder = flip(fetchOrder)
	}
	orderBy := fmt.Sprintf("%s %s", column, strings.ToUpper(string(fetchOrder)))
	if k.Nullable[params.SortBy] {
		if fetchOrder == Asc {
			orderBy += " NULLS LAST"
		} else {
			orderBy += " NULLS FIRST"
		}
	}
	if column != k.IDColumn {
		orderBy += fmt.Sprintf(", %s %s", k.IDColumn, strings.ToUpper(string(fetchOrder)))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(k.Select)
	b.WriteString(" FROM ")
	b.WriteString(k.From)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(orderBy)
	args = append(args, params.Limit+1)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))

	return b.String(), args, params, nil
}

// KeyFunc returns the id and the value of sortField for a row.
type KeyFunc[T any] func(item T, sortField string) (int64, any)

// Fetch runs a keyset page query and assembles the page metadata.
func Fetch[T any](ctx context.Context, q Querier, k Keyset, params CursorParams, scan func(Scanner) (T, error), key KeyFunc[T]) (CursorPage[T], error) {
	query, args, resolved, err := k.Build(params)
	if err != nil {
		return CursorPage[T]{}, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return CursorPage[T]{}, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	items := make([]T, 0, resolved.Limit+1)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return CursorPage[T]{}, fmt.Errorf("scan page row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return CursorPage[T]{}, fmt.Errorf("iterate page: %w", err)
	}

	return Assemble(items, resolved, key), nil
}

// Assemble trims the look-ahead row, restores display order for backward
// pages and computes the neighbouring cursors. items must hold at most
// limit+1 rows in fetch order.
func Assemble[T any](items []T, params CursorParams, key KeyFunc[T]) CursorPage[T] {
	limit := clampLimit(params.Limit)
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	if params.Direction == Backward {
		for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
			items[i], items[j] = items[j], items[i]
		}
	}

	meta := CursorMeta{Limit: limit, HasMore: hasMore}
	if params.Cursor != "" {
		cursor := params.Cursor
		meta.Cursor = &cursor
	}

	cursorAt := func(item T) *string {
		id, value := key(item, params.SortBy)
		encoded := EncodeCursor(Cursor{ID: id, SortField: params.SortBy, SortValue: value})
		return &encoded
	}

	if len(items) > 0 {
		first, last := items[0], items[len(items)-1]
		if params.Direction == Backward {
			// Paging backward always starts from a later page, so a next page
			// exists; hasMore refers to rows before this page.
			meta.NextCursor = cursorAt(last)
			meta.HasPrevious = hasMore
			if hasMore {
				meta.PrevCursor = cursorAt(first)
			}
		} else {
			meta.HasPrevious = params.Cursor != ""
			if hasMore {
				meta.NextCursor = cursorAt(last)
			}
			if params.Cursor != "" {
				meta.PrevCursor = cursorAt(first)
			}
		}
	}

	return CursorPage[T]{Data: items, Pagination: meta}
}
