package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crossquery.app/conductor/core/db"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

// PostgresStore persists sessions in the service database. Flags,
// trace and final result ride in jsonb columns.
type PostgresStore struct {
	db *db.DB
}

func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

func (s *PostgresStore) Create(ctx context.Context, sess *model.Session) error {
	flags, err := json.Marshal(sess.Flags)
	if err != nil {
		return fmt.Errorf("marshaling flags: %w", err)
	}

	const q = `
		INSERT INTO sessions (session_id, caller_id, question, flags, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := s.db.Pool().Exec(ctx, q,
		sess.SessionID, sess.CallerID, sess.Question, flags,
		string(sess.Status), sess.CreatedAt, sess.ExpiresAt); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, callerID, sessionID string) (*model.Session, error) {
	const q = `
		SELECT session_id, caller_id, question, flags, status, trace, final_result, created_at, expires_at
		FROM sessions
		WHERE session_id = $1 AND caller_id = $2 AND expires_at > now()`

	row := s.db.Pool().QueryRow(ctx, q, sessionID, callerID)

	var (
		sess        model.Session
		status      string
		flags       []byte
		trace       []byte
		finalResult []byte
	)
	err := row.Scan(&sess.SessionID, &sess.CallerID, &sess.Question, &flags,
		&status, &trace, &finalResult, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	sess.Status = model.SessionStatus(status)
	if err := json.Unmarshal(flags, &sess.Flags); err != nil {
		return nil, fmt.Errorf("unmarshaling flags: %w", err)
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &sess.Trace); err != nil {
			return nil, fmt.Errorf("unmarshaling trace: %w", err)
		}
	}
	if len(finalResult) > 0 {
		if err := json.Unmarshal(finalResult, &sess.FinalResult); err != nil {
			return nil, fmt.Errorf("unmarshaling final result: %w", err)
		}
	}
	return &sess, nil
}

func (s *PostgresStore) List(ctx context.Context, callerID string, limit, offset int) ([]model.SessionSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const q = `
		SELECT session_id, question, status, created_at
		FROM sessions
		WHERE caller_id = $1 AND expires_at > now()
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Pool().Query(ctx, q, callerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var status string
		if err := rows.Scan(&sum.SessionID, &sum.Question, &status, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sum.Status = model.SessionStatus(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, sess *model.Session) error {
	trace, err := json.Marshal(sess.Trace)
	if err != nil {
		return fmt.Errorf("marshaling trace: %w", err)
	}
	var finalResult []byte
	if sess.FinalResult != nil {
		if finalResult, err = json.Marshal(sess.FinalResult); err != nil {
			return fmt.Errorf("marshaling final result: %w", err)
		}
	}

	const q = `
		UPDATE sessions
		SET status = $3, trace = $4, final_result = $5
		WHERE session_id = $1 AND caller_id = $2`

	tag, err := s.db.Pool().Exec(ctx, q,
		sess.SessionID, sess.CallerID, string(sess.Status), trace, finalResult)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, callerID, sessionID string) error {
	const q = `DELETE FROM sessions WHERE session_id = $1 AND caller_id = $2`

	tag, err := s.db.Pool().Exec(ctx, q, sessionID, callerID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return oerr.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, limit int) (int, error) {
	const q = `
		DELETE FROM sessions
		WHERE session_id IN (
			SELECT session_id FROM sessions
			WHERE expires_at <= now()
			LIMIT $1
		)`

	tag, err := s.db.Pool().Exec(ctx, q, limit)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
