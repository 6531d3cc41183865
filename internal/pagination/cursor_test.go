package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTripKeepsExactSortValues(t *testing.T) {
	created := time.Date(2026, 2, 3, 10, 11, 12, 345678000, time.FixedZone("CET", 3600))

	cases := []struct {
		name  string
		value any
		want  any
	}{
		{name: "timestamp", value: created, want: "2026-02-03T09:11:12.345678Z"},
		{name: "decimal", value: decimal.RequireFromString("1250.75"), want: "1250.75"},
		{name: "integer", value: int64(9007199254740993), want: int64(9007199254740993)},
		{name: "text", value: "BC-2026-00001", want: "BC-2026-00001"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := EncodeCursor(Cursor{ID: 17, SortField: "field", SortValue: tc.value})
			decoded, err := DecodeCursor(encoded)
			require.NoError(t, err)
			assert.Equal(t, int64(17), decoded.ID)
			assert.Equal(t, "field", decoded.SortField)
			assert.Equal(t, tc.want, decoded.SortValue)
		})
	}
}

func TestDecodeCursorRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"not base64":    "%%%",
		"not json":      base64.RawURLEncoding.EncodeToString([]byte("nope")),
		"missing id":    base64.RawURLEncoding.EncodeToString([]byte(`{"sortField":"createdAt","sortValue":1}`)),
		"missing field": base64.RawURLEncoding.EncodeToString([]byte(`{"id":4,"sortValue":1}`)),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(input)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestDecodeCursorAcceptsPaddedInput(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte(`{"id":4,"sortField":"id","sortValue":4}`))
	decoded, err := DecodeCursor(padded)
	require.NoError(t, err)
	assert.Equal(t, int64(4), decoded.ID)
}

func TestComparisonOperator(t *testing.T) {
	assert.Equal(t, ">", comparison(Asc, Forward))
	assert.Equal(t, "<", comparison(Desc, Forward))
	assert.Equal(t, "<", comparison(Asc, Backward))
	assert.Equal(t, ">", comparison(Desc, Backward))
}

func TestBuildCursorWhere(t *testing.T) {
	cursor := Cursor{ID: 42, SortField: "totalHT", SortValue: int64(1500)}

	clause, args := BuildCursorWhere(cursor, "po.total_ht", "po.id", Desc, Forward, 3)
	assert.Equal(t, "((po.total_ht = $3 AND po.id < $4) OR po.total_ht < $3)", clause)
	assert.Equal(t, []any{int64(1500), int64(42)}, args)

	clause, args = BuildCursorWhere(Cursor{ID: 42, SortField: "id"}, "po.id", "po.id", Asc, Backward, 1)
	assert.Equal(t, "po.id < $1", clause)
	assert.Equal(t, []any{int64(42)}, args)
}

func TestBuildNullableCursorWhere(t *testing.T) {
	dated := Cursor{ID: 5, SortField: "expectedDelivery", SortValue: "2026-03-01T00:00:00Z"}
	undated := Cursor{ID: 5, SortField: "expectedDelivery"}

	cases := []struct {
		name      string
		cursor    Cursor
		order     Order
		direction Direction
		want      string
		args      []any
	}{
		{
			name: "value, rows after include nulls", cursor: dated, order: Asc, direction: Forward,
			want: "((d = $1 AND id > $2) OR d > $1 OR d IS NULL)", args: []any{"2026-03-01T00:00:00Z", int64(5)},
		},
		{
			name: "value, rows before exclude nulls", cursor: dated, order: Desc, direction: Forward,
			want: "((d = $1 AND id < $2) OR d < $1)", args: []any{"2026-03-01T00:00:00Z", int64(5)},
		},
		{
			name: "null, rows after stay among nulls", cursor: undated, order: Asc, direction: Forward,
			want: "(d IS NULL AND id > $1)", args: []any{int64(5)},
		},
		{
			name: "null, rows before reach every value", cursor: undated, order: Desc, direction: Forward,
			want: "((d IS NULL AND id < $1) OR d IS NOT NULL)", args: []any{int64(5)},
		},
		{
			name: "null, backward asc", cursor: undated, order: Asc, direction: Backward,
			want: "((d IS NULL AND id < $1) OR d IS NOT NULL)", args: []any{int64(5)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clause, args := BuildNullableCursorWhere(tc.cursor, "d", "id", tc.order, tc.direction, 1)
			assert.Equal(t, tc.want, clause)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestNullSortValueSurvivesCursorRoundTrip(t *testing.T) {
	decoded, err := DecodeCursor(EncodeCursor(Cursor{ID: 9, SortField: "scheduledDate", SortValue: nil}))
	require.NoError(t, err)
	assert.Nil(t, decoded.SortValue)
	assert.Equal(t, int64(9), decoded.ID)
}
