package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ILike searches the catalog tables directly with ILIKE on code and name. It
// is the fallback when Meilisearch is absent or unhealthy.
type ILike struct {
	db *sql.DB
}

func NewILike(db *sql.DB) *ILike {
	return &ILike{db: db}
}

func (p *ILike) Name() string {
	return "postgres"
}

// Healthy is always true: without Postgres the API is down anyway.
func (p *ILike) Healthy() bool {
	return true
}

var kindTables = []struct {
	kind  Kind
	table string
}{
	{KindMP, "products_mp"},
	{KindPF, "products_pf"},
	{KindSupplier, "suppliers"},
}

// likePattern escapes LIKE wildcards so user input matches literally.
func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.TrimSpace(text)) + "%"
}

// catalogQuery builds the UNION over the catalog tables for one kind or all.
func catalogQuery(kind Kind, limit int) string {
	var parts []string
	for _, t := range kindTables {
		if kind != "" && kind != t.kind {
			continue
		}
		parts = append(parts, fmt.Sprintf(`
			SELECT '%s'::text AS kind, id, code, name, is_active,
				CASE WHEN code ILIKE $1 THEN 0 ELSE 1 END AS rank
			FROM %s
			WHERE code ILIKE $1 OR name ILIKE $1`, t.kind, t.table))
	}
	return fmt.Sprintf(`SELECT kind, id, code, name, is_active, COUNT(*) OVER () AS total
		FROM (%s) sub
		ORDER BY rank, is_active DESC, code
		LIMIT %d`, strings.Join(parts, " UNION ALL "), limit)
}

func (p *ILike) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	rows, err := p.db.QueryContext(context.Background(), catalogQuery(q.Kind, q.Limit), likePattern(q.Text))
	if err != nil {
		return nil, 0, fmt.Errorf("catalog search: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	total := 0
	for rows.Next() {
		var r Result
		var kind string
		if err := rows.Scan(&kind, &r.EntityID, &r.Code, &r.Name, &r.IsActive, &total); err != nil {
			return nil, 0, fmt.Errorf("scan catalog hit: %w", err)
		}
		r.Kind = Kind(kind)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every catalog entity for a full reindex.
func (p *ILike) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT 'mp', id, code, name, category, is_active FROM products_mp
		UNION ALL
		SELECT 'pf', id, code, name, '', is_active FROM products_pf
		UNION ALL
		SELECT 'supplier', id, code, name, nif, is_active FROM suppliers
	`)
	if err != nil {
		return nil, fmt.Errorf("load catalog records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var kind string
		if err := rows.Scan(&kind, &r.EntityID, &r.Code, &r.Name, &r.Extra, &r.IsActive); err != nil {
			return nil, fmt.Errorf("scan catalog record: %w", err)
		}
		r.Kind = Kind(kind)
		r.ID = recordID(r.Kind, r.EntityID)
		records = append(records, r)
	}
	return records, rows.Err()
}
