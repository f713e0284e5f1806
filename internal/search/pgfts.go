package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the generated fts column of jobs.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// The fts column mixes the simple and english configurations, so the query
// ORs both parses.
const pgQuery = "(plainto_tsquery('simple', $1) || plainto_tsquery('english', $1))"

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT j.id, j.client_name, j.site_address, j.quote_number,
			coalesce(to_char(j.quote_date, 'YYYY-MM-DD'), ''),
			ts_headline('english', coalesce(j.scope_of_work, ''), q, 'MaxFragments=1,MaxWords=30'),
			count(*) OVER ()
		FROM jobs j, %s AS q
		WHERE j.fts @@ q
		ORDER BY ts_rank(j.fts, q) DESC, j.updated_at DESC
		LIMIT $2 OFFSET $3`, pgQuery), q.Text, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var (
		results []Result
		total   int
	)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ClientName, &r.SiteAddress, &r.QuoteNumber, &r.QuoteDate, &r.Snippet, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every job for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]JobRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT j.id, j.client_name, j.site_address, j.quote_number,
			coalesce(to_char(j.quote_date, 'YYYY-MM-DD'), ''),
			j.company_name, j.scope_of_work,
			coalesce(string_agg(DISTINCT i.category, '|') FILTER (WHERE i.category <> ''), ''),
			extract(epoch FROM j.updated_at)::bigint
		FROM jobs j
		LEFT JOIN job_items i ON i.job_id = j.id
		GROUP BY j.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	defer rows.Close()

	records := make([]JobRecord, 0)
	for rows.Next() {
		var (
			rec        JobRecord
			categories string
		)
		if err := rows.Scan(&rec.ID, &rec.ClientName, &rec.SiteAddress, &rec.QuoteNumber, &rec.QuoteDate,
			&rec.CompanyName, &rec.ScopeOfWork, &categories, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		rec.Categories = []string{}
		if categories != "" {
			rec.Categories = strings.Split(categories, "|")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return records, nil
}
