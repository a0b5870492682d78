package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"storymapper/api/internal/store"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres the service is down anyway.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches feature_history.fts with plainto_tsquery, ranks with
// ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.UserID == "" {
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
	where := "fh.fts @@ " + tsQuery + " AND fh.user_id = $2"
	args := []any{q.Text, q.UserID}
	if q.SessionID != "" {
		where += " AND fh.session_id = $3"
		args = append(args, q.SessionID)
	}

	var total int
	countSQL := "SELECT count(*) FROM feature_history fh WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT fh.id::text, fh.session_id,
			ts_headline('english', fh.feature_after, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			fh.user_message,
			(fh.estimation->>'overall')::float8,
			fh.created_at
		FROM feature_history fh
		WHERE %s
		ORDER BY ts_rank(fh.fts, %s) DESC, fh.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r         Result
			overall   sql.NullFloat64
			createdAt time.Time
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Snippet, &r.UserMessage, &overall, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if overall.Valid {
			value := overall.Float64
			r.Overall = &value
		}
		r.CreatedAt = createdAt.UnixMilli()
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every revision for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]RevisionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, feature_before, feature_after, user_message, comment, estimation, created_at
		FROM feature_history
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("load revisions: %w", err)
	}
	defer rows.Close()

	records := make([]RevisionRecord, 0)
	for rows.Next() {
		var (
			revision   store.Revision
			comment    sql.NullString
			estimation []byte
		)
		if err := rows.Scan(&revision.ID, &revision.UserID, &revision.SessionID, &revision.FeatureBefore,
			&revision.FeatureAfter, &revision.UserMessage, &comment, &estimation, &revision.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		if comment.Valid {
			revision.Comment = &comment.String
		}
		parsed, err := store.ParseEstimation(estimation)
		if err != nil {
			return nil, err
		}
		revision.Estimation = parsed
		records = append(records, RecordFromRevision(revision))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return records, nil
}

// RecordFromRevision converts a stored revision into its index record.
func RecordFromRevision(revision store.Revision) RevisionRecord {
	record := RevisionRecord{
		ID:           fmt.Sprintf("%d", revision.ID),
		UserID:       revision.UserID,
		SessionID:    revision.SessionID,
		FeatureAfter: revision.FeatureAfter,
		UserMessage:  revision.UserMessage,
		CreatedAt:    revision.CreatedAt.UnixMilli(),
	}
	if revision.Comment != nil {
		record.Comment = *revision.Comment
	}
	if overall, ok := revision.Estimation.Overall(); ok {
		record.Overall = &overall
	}
	return record
}
