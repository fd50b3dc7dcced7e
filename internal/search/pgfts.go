package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries comics.fts with plainto_tsquery, ranked by ts_rank, with
// ts_headline snippets from the description.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := "c.fts @@ " + tsQuery
	if len(q.Genres) > 0 {
		args = append(args, pq.Array(q.Genres))
		where += fmt.Sprintf(" AND c.genres && $%d", len(args))
	}
	if q.Language != "" {
		args = append(args, q.Language)
		where += fmt.Sprintf(" AND c.language = $%d", len(args))
	}
	if q.AuthorID != "" {
		args = append(args, q.AuthorID)
		where += fmt.Sprintf(" AND c.author_id = $%d", len(args))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND c.status = $%d", len(args))
	}

	var total int
	countSQL := "SELECT count(*) FROM comics c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.title,
			ts_headline('english', c.description, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			c.cover_image, c.author_id, c.language
		FROM comics c
		WHERE %s
		ORDER BY ts_rank(c.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.CoverImage, &r.AuthorID, &r.Language); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every comic in indexable form for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ComicRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, cover_image, genres, language, tags,
			author_id, status, views, likes_count, EXTRACT(EPOCH FROM created_at)::bigint
		FROM comics
	`)
	if err != nil {
		return nil, fmt.Errorf("load comics: %w", err)
	}
	defer rows.Close()

	comics := make([]ComicRecord, 0)
	for rows.Next() {
		var c ComicRecord
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &c.CoverImage, pq.Array(&c.Genres),
			&c.Language, pq.Array(&c.Tags), &c.AuthorID, &c.Status, &c.Views, &c.LikesCount, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comic: %w", err)
		}
		comics = append(comics, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comics: %w", err)
	}
	return comics, nil
}
