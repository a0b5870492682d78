package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// GetUserByName returns sql.ErrNoRows when no user has that display name.
func (s *PostgresStore) GetUserByName(ctx context.Context, name string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE display_name = $1`, name).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	user, err := s.GetUserByName(ctx, name)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	// A concurrent login for the same name wins the insert; read it back.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name)
		VALUES ($1)
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id, display_name, created_at
	`, name).Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, created_at FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// AppendRevision records a revision and returns its id. Without a user id
// nothing is written and the id is empty.
func (s *PostgresStore) AppendRevision(ctx context.Context, revision NewRevision) (string, error) {
	if revision.UserID == "" {
		return "", nil
	}
	estimation, err := encodeEstimation(revision.Estimation)
	if err != nil {
		return "", err
	}
	var comment any
	if revision.Comment != "" {
		comment = revision.Comment
	}

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO feature_history (user_id, session_id, feature_before, feature_after, user_message, comment, estimation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, revision.UserID, revision.SessionID, revision.FeatureBefore, revision.FeatureAfter, revision.UserMessage, comment, estimation).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("append revision: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// AttachEstimation sets the estimation of the most recent revision of
// (user, session). It reports whether a row was updated; a missing revision
// or one that already carries an estimation is left alone.
func (s *PostgresStore) AttachEstimation(ctx context.Context, userID, sessionID string, estimation Estimation) (bool, error) {
	if userID == "" || sessionID == "" {
		return false, nil
	}
	payload, err := encodeEstimation(estimation)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE feature_history
		SET estimation = $3
		WHERE id = (
			SELECT id FROM feature_history
			WHERE user_id = $1 AND session_id = $2
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		AND estimation IS NULL
	`, userID, sessionID, payload)
	if err != nil {
		return false, fmt.Errorf("attach estimation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach estimation rows: %w", err)
	}
	return affected > 0, nil
}

// LoadLatestRevision returns the most recent revision of the user across
// all sessions, or nil when there is none.
func (s *PostgresStore) LoadLatestRevision(ctx context.Context, userID string) (*Revision, error) {
	if userID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, selectRevision+`
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, userID)
	revision, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load latest revision: %w", err)
	}
	return &revision, nil
}

// ListRevisions returns the user's revisions, newest first.
func (s *PostgresStore) ListRevisions(ctx context.Context, userID string, limit int) ([]Revision, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectRevision+`
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]Revision, 0)
	for rows.Next() {
		revision, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, revision)
	}
	return items, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectRevision = `
	SELECT id, user_id, session_id, feature_before, feature_after, user_message, comment, estimation, created_at
	FROM feature_history
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (Revision, error) {
	var (
		revision   Revision
		comment    sql.NullString
		estimation []byte
	)
	if err := row.Scan(
		&revision.ID,
		&revision.UserID,
		&revision.SessionID,
		&revision.FeatureBefore,
		&revision.FeatureAfter,
		&revision.UserMessage,
		&comment,
		&estimation,
		&revision.CreatedAt,
	); err != nil {
		return Revision{}, err
	}
	if comment.Valid {
		value := comment.String
		revision.Comment = &value
	}
	parsed, err := ParseEstimation(estimation)
	if err != nil {
		return Revision{}, err
	}
	revision.Estimation = parsed
	return revision, nil
}

func encodeEstimation(estimation Estimation) (any, error) {
	if estimation == nil {
		return nil, nil
	}
	raw, err := json.Marshal(estimation)
	if err != nil {
		return nil, fmt.Errorf("encode estimation: %w", err)
	}
	return string(raw), nil
}
