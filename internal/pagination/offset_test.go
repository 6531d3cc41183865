package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOffsetMeta(t *testing.T) {
	cases := []struct {
		name   string
		params OffsetParams
		total  int64
		want   OffsetMeta
	}{
		{
			name:   "defaults",
			params: OffsetParams{},
			total:  45,
			want:   OffsetMeta{Page: 1, Limit: 20, Total: 45, TotalPages: 3, HasNext: true},
		},
		{
			name:   "middle page",
			params: OffsetParams{Page: 2, Limit: 20},
			total:  45,
			want:   OffsetMeta{Page: 2, Limit: 20, Total: 45, TotalPages: 3, HasNext: true, HasPrevious: true},
		},
		{
			name:   "last page exact",
			params: OffsetParams{Page: 2, Limit: 10},
			total:  20,
			want:   OffsetMeta{Page: 2, Limit: 10, Total: 20, TotalPages: 2, HasPrevious: true},
		},
		{
			name:   "empty",
			params: OffsetParams{Page: 1, Limit: 10},
			total:  0,
			want:   OffsetMeta{Page: 1, Limit: 10},
		},
		{
			name:   "limit capped",
			params: OffsetParams{Page: 0, Limit: 500},
			total:  250,
			want:   OffsetMeta{Page: 1, Limit: 100, Total: 250, TotalPages: 3, HasNext: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NewOffsetMeta(tc.params, tc.total))
		})
	}
}

func TestOffsetQueryBuild(t *testing.T) {
	q := OffsetQuery{
		Select:  "id, type",
		From:    "alerts",
		Where:   []string{"status = $1", "severity = $2"},
		Args:    []any{"OPEN", "CRITICAL"},
		OrderBy: "created_at DESC, id DESC",
	}

	countSQL, pageSQL, args := q.Build(OffsetParams{Page: 3, Limit: 10})
	assert.Equal(t, "SELECT COUNT(*) FROM alerts WHERE status = $1 AND severity = $2", countSQL)
	assert.Equal(t, "SELECT id, type FROM alerts WHERE status = $1 AND severity = $2 ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4", pageSQL)
	assert.Equal(t, []any{"OPEN", "CRITICAL", 10, 20}, args)
	assert.Len(t, q.Args, 2, "Build must not mutate the query args")
}

func TestParseOffsetParams(t *testing.T) {
	params, err := ParseOffsetParams(url.Values{"page": {"4"}, "limit": {"250"}})
	require.NoError(t, err)
	assert.Equal(t, OffsetParams{Page: 4, Limit: 100}, params)
	assert.Equal(t, 300, params.Offset())

	_, err = ParseOffsetParams(url.Values{"page": {"x"}})
	assert.Error(t, err)
}
