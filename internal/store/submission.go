package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
)

// CommitSubmission appends the immutable record of a completed attempt. The
// attempt number comes from a per-owner counter bumped in the same statement,
// so numbers keep increasing even after an admin purges earlier rows.
func (s *Service) CommitSubmission(ctx context.Context, sub domain.Submission) (*domain.Submission, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("store: generate submission ID: %w", err)
	}

	rounds, err := json.Marshal(sub.Rounds)
	if err != nil {
		return nil, fmt.Errorf("store: marshal rounds: %w", err)
	}

	const stmt = `
WITH bumped AS (
	INSERT INTO attempt_counters (owner_id, attempts)
	VALUES ($1, 1)
	ON CONFLICT (owner_id) DO UPDATE SET attempts = attempt_counters.attempts + 1
	RETURNING attempts
)
INSERT INTO submissions (submission_id, owner_id, name, email, score, time_taken_ms, rounds, attempt, locked, create_time)
SELECT $2, $1, $3, $4, $5, $6, $7, attempts, TRUE, $8 FROM bumped
RETURNING attempt;`

	now := time.Now().UTC()
	err = s.db.QueryRow(ctx, stmt,
		sub.OwnerID, id, sub.Name, sub.Email, sub.Score, sub.TimeTaken.Milliseconds(), rounds, now,
	).Scan(&sub.Attempt)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("submission already committed: owner=%s", sub.OwnerID),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("store: commit submission: %w", err)
	}

	sub.ID = id.String()
	sub.CreatedAt = now
	sub.Locked = true
	return &sub, nil
}

// ListSubmissions returns every locked record, best score first, faster time
// breaking ties.
func (s *Service) ListSubmissions(ctx context.Context) ([]domain.Submission, error) {
	const stmt = `
SELECT submission_id, owner_id, name, email, score, time_taken_ms, rounds, attempt, create_time
FROM submissions
ORDER BY score DESC, time_taken_ms ASC, create_time ASC;`

	rows, err := s.db.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("store: list submissions: %w", err)
	}

	subs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Submission, error) {
		var (
			sub    domain.Submission
			ms     int64
			rounds []byte
		)
		if err := r.Scan(&sub.ID, &sub.OwnerID, &sub.Name, &sub.Email, &sub.Score, &ms, &rounds, &sub.Attempt, &sub.CreatedAt); err != nil {
			return domain.Submission{}, err
		}
		if err := json.Unmarshal(rounds, &sub.Rounds); err != nil {
			return domain.Submission{}, fmt.Errorf("unmarshal rounds: %w", err)
		}
		sub.TimeTaken = time.Duration(ms) * time.Millisecond
		sub.Locked = true
		return sub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect submissions: %w", err)
	}

	return subs, nil
}

// DeleteSubmission removes one record. Attempt counters are untouched, so the
// owner's next attempt number still increases past the deleted one.
func (s *Service) DeleteSubmission(ctx context.Context, submissionID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM submissions WHERE submission_id = $1;`, submissionID)
	if err != nil {
		return fmt.Errorf("store: delete submission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("submission not found: %s", submissionID))
	}

	return nil
}
