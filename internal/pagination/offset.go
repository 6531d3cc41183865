package pagination

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

type OffsetParams struct {
	Page  int
	Limit int
}

type OffsetMeta struct {
	Page        int   `json:"page"`
	Limit       int   `json:"limit"`
	Total       int64 `json:"total"`
	TotalPages  int   `json:"totalPages"`
	HasNext     bool  `json:"hasNext"`
	HasPrevious bool  `json:"hasPrevious"`
}

type OffsetPage[T any] struct {
	Data       []T        `json:"data"`
	Pagination OffsetMeta `json:"pagination"`
}

// OffsetQuery describes a listing paged with LIMIT/OFFSET. OrderBy must be a
// fixed expression chosen by the caller, never user input.
type OffsetQuery struct {
	Select  string
	From    string
	Where   []string
	Args    []any
	OrderBy string
}

func ParseOffsetParams(values url.Values) (OffsetParams, error) {
	var params OffsetParams
	if raw := strings.TrimSpace(values.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			return OffsetParams{}, fmt.Errorf("page must be an integer")
		}
		params.Page = page
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return OffsetParams{}, fmt.Errorf("limit must be an integer")
		}
		params.Limit = limit
	}
	return params.Normalize(), nil
}

func (p OffsetParams) Normalize() OffsetParams {
	if p.Page < 1 {
		p.Page = 1
	}
	p.Limit = clampLimit(p.Limit)
	return p
}

func (p OffsetParams) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

func NewOffsetMeta(p OffsetParams, total int64) OffsetMeta {
	p = p.Normalize()
	totalPages := int((total + int64(p.Limit) - 1) / int64(p.Limit))
	return OffsetMeta{
		Page:        p.Page,
		Limit:       p.Limit,
		Total:       total,
		TotalPages:  totalPages,
		HasNext:     p.Page < totalPages,
		HasPrevious: p.Page > 1,
	}
}

func (q OffsetQuery) whereClause() string {
	if len(q.Where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.Where, " AND ")
}

// Build returns the count query and the page query with their arguments.
func (q OffsetQuery) Build(p OffsetParams) (countSQL string, pageSQL string, pageArgs []any) {
	p = p.Normalize()
	where := q.whereClause()
	countSQL = "SELECT COUNT(*) FROM " + q.From + where

	pageArgs = append(append([]any(nil), q.Args...), p.Limit, p.Offset())
	pageSQL = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT $%d OFFSET $%d",
		q.Select, q.From, where, q.OrderBy, len(q.Args)+1, len(q.Args)+2)
	return countSQL, pageSQL, pageArgs
}

func FetchOffset[T any](ctx context.Context, db Querier, q OffsetQuery, p OffsetParams, scan func(Scanner) (T, error)) (OffsetPage[T], error) {
	p = p.Normalize()
	countSQL, pageSQL, pageArgs := q.Build(p)

	var total int64
	if err := db.QueryRowContext(ctx, countSQL, q.Args...).Scan(&total); err != nil {
		return OffsetPage[T]{}, fmt.Errorf("count rows: %w", err)
	}

	rows, err := db.QueryContext(ctx, pageSQL, pageArgs...)
	if err != nil {
		return OffsetPage[T]{}, fmt.Errorf("query page: %w", err)
	}
	defer rows.Close()

	items := make([]T, 0, p.Limit)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return OffsetPage[T]{}, fmt.Errorf("scan page row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return OffsetPage[T]{}, fmt.Errorf("iterate page: %w", err)
	}

	return OffsetPage[T]{Data: items, Pagination: NewOffsetMeta(p, total)}, nil
}
