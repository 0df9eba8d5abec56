package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the generated fts column, scoped to tasks
// the principal created or is assigned.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
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

	const query = `
		SELECT t.id, t.title,
			ts_headline('english', coalesce(t.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			t.status, t.priority,
			COUNT(*) OVER () AS total
		FROM tasks t
		WHERE t.fts @@ plainto_tsquery('english', $1)
			AND (t.created_by = $2 OR t.assigned_to = $2)
		ORDER BY ts_rank(t.fts, plainto_tsquery('english', $1)) DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := p.db.Query(query, q.Text, q.PrincipalID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	total := 0
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Status, &r.Priority, &total); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
