package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
)

// Active-session records are redis hashes, one per identity. HSET only
// touches the fields named here, so metadata written to the same hash by
// another process survives every heartbeat (merge semantics).
const (
	fieldName       = "name"
	fieldEmail      = "email"
	fieldRole       = "role"
	fieldRounds     = "rounds"
	fieldScore      = "current_score"
	fieldProgress   = "progress"
	fieldTimeSpent  = "total_time_spent_ms"
	fieldLastActive = "last_active"
	fieldStatus     = "status"
)

// WriteHeartbeat overwrites the identity's resume point with the snapshot.
func (s *Service) WriteHeartbeat(ctx context.Context, snap domain.ActiveSession) error {
	rounds, err := json.Marshal(snap.Rounds)
	if err != nil {
		return fmt.Errorf("store: marshal rounds: %w", err)
	}

	err = s.rc.HSet(ctx, s.activeKey(snap.OwnerID),
		fieldName, snap.Name,
		fieldEmail, snap.Email,
		fieldRole, snap.Role,
		fieldRounds, rounds,
		fieldScore, snap.Score,
		fieldProgress, snap.Progress,
		fieldTimeSpent, snap.TimeSpent.Milliseconds(),
		fieldLastActive, snap.LastActive.UnixMilli(),
		fieldStatus, "LIVE",
	).Err()
	if err != nil {
		return fmt.Errorf("store: write heartbeat: %w", err)
	}

	return nil
}

// ReadActiveSession returns the resume point, or nil when none exists.
func (s *Service) ReadActiveSession(ctx context.Context, ownerID string) (*domain.ActiveSession, error) {
	fields, err := s.rc.HGetAll(ctx, s.activeKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read active session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	return parseActiveSession(ownerID, fields)
}

func (s *Service) DeleteActiveSession(ctx context.Context, ownerID string) error {
	if err := s.rc.Del(ctx, s.activeKey(ownerID)).Err(); err != nil {
		return fmt.Errorf("store: delete active session: %w", err)
	}
	return nil
}

// ListActiveSessions scans every live resume point for the admin view.
func (s *Service) ListActiveSessions(ctx context.Context) ([]domain.ActiveSession, error) {
	var (
		sessions []domain.ActiveSession
		cursor   uint64
	)

	for {
		keys, next, err := s.rc.Scan(ctx, cursor, s.activeKey("*"), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("store: scan active sessions: %w", err)
		}

		for _, key := range keys {
			fields, err := s.rc.HGetAll(ctx, key).Result()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("store: read active session %s: %w", key, err)
			}
			if len(fields) == 0 {
				continue
			}

			snap, err := parseActiveSession(key[len(s.activeKey("")):], fields)
			if err != nil {
				return nil, err
			}
			sessions = append(sessions, *snap)
		}

		cursor = next
		if cursor == 0 {
			return sessions, nil
		}
	}
}

func parseActiveSession(ownerID string, fields map[string]string) (*domain.ActiveSession, error) {
	snap := &domain.ActiveSession{
		OwnerID: ownerID,
		Name:    fields[fieldName],
		Email:   fields[fieldEmail],
		Role:    fields[fieldRole],
	}

	if raw := fields[fieldRounds]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &snap.Rounds); err != nil {
			return nil, fmt.Errorf("store: unmarshal rounds: %w", err)
		}
	}

	snap.Score, _ = strconv.Atoi(fields[fieldScore])
	snap.Progress, _ = strconv.Atoi(fields[fieldProgress])

	if ms, err := strconv.ParseInt(fields[fieldTimeSpent], 10, 64); err == nil {
		snap.TimeSpent = time.Duration(ms) * time.Millisecond
	}
	if ms, err := strconv.ParseInt(fields[fieldLastActive], 10, 64); err == nil {
		snap.LastActive = time.UnixMilli(ms)
	}

	return snap, nil
}

func (s *Service) activeKey(ownerID string) string {
	return fmt.Sprintf("%s:active:%s", s.prefix, ownerID)
}
