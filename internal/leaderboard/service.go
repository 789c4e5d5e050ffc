package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/event"
)

const (
	publishInterval = 500 * time.Millisecond

	// Composite ZSet score: higher game score always outranks, faster time
	// breaks ties. timeSlots bounds the time component.
	timeSlots = 1_000_000
)

type Config struct {
	EventBus *event.Bus
	Store    Store
	Redis    redis.UniversalClient
	Prefix   string
}

// Store is the submission and active-session backing the board.
type Store interface {
	ListSubmissions(ctx context.Context) ([]domain.Submission, error)
	ListActiveSessions(ctx context.Context) ([]domain.ActiveSession, error)
	DeleteSubmission(ctx context.Context, submissionID string) error
}

// Service owns the ranking cache: a redis sorted set of submission IDs whose
// score encodes rank order. Ranks are served from the cache; the store holds
// the row details. Admin purges go through DeleteSubmission so the cache
// never ranks a deleted row.
type Service struct {
	eb     *event.Bus
	store  Store
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		store:  c.Store,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameGameFinished, func(ctx context.Context, e event.Event) error {
		return s.UpdateRanking(ctx, e.(domain.EventGameFinished))
	})

	return s
}

// UpdateRanking records the finished game in the ranking cache and schedules
// a board publish.
func (s *Service) UpdateRanking(ctx context.Context, e domain.EventGameFinished) error {
	sub := e.Submission

	if err := s.redis.ZAdd(ctx, s.rankingKey(), redis.Z{
		Score:  compositeScore(sub.Score, sub.TimeTaken),
		Member: sub.ID,
	}).Err(); err != nil {
		return fmt.Errorf("leaderboard: update ranking: %w", err)
	}

	return s.schedulePublish(ctx)
}

// schedulePublish debounces board publishes: several games finishing within
// the interval produce a single leaderboard.updated event.
func (s *Service) schedulePublish(ctx context.Context) error {
	ok, err := s.redis.SetNX(ctx, s.publishKey(), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("leaderboard: setnx: %w", err)
	}
	if !ok {
		return nil
	}

	board, err := s.Board(ctx)
	if err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{Leaderboard: *board})
	return nil
}

// DeleteSubmission purges one record along with its ranking-cache member,
// then schedules a publish so open dashboards drop the row.
func (s *Service) DeleteSubmission(ctx context.Context, submissionID string) error {
	if err := s.store.DeleteSubmission(ctx, submissionID); err != nil {
		return err
	}

	if err := s.redis.ZRem(ctx, s.rankingKey(), submissionID).Err(); err != nil {
		return fmt.Errorf("leaderboard: prune ranking: %w", err)
	}

	return s.schedulePublish(ctx)
}

// Board merges locked submissions (ranked) with live sessions (flagged,
// unranked). Rank order comes from the sorted set; submissions the cache has
// never seen are backfilled, members whose row is gone are pruned. Repeat
// submitters stay on the board with a duplicate flag; collapsing them
// silently would hide retries from the operator.
func (s *Service) Board(ctx context.Context) (*domain.Leaderboard, error) {
	subs, err := s.store.ListSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list submissions: %w", err)
	}

	byID := make(map[string]domain.Submission, len(subs))
	for _, sub := range subs {
		byID[sub.ID] = sub
	}

	ids, err := s.rankedIDs(ctx, subs)
	if err != nil {
		return nil, err
	}

	board := &domain.Leaderboard{
		Entries: make([]domain.LeaderboardEntry, 0, len(subs)),
	}

	var stale []any
	seen := make(map[string]bool)
	for _, id := range ids {
		sub, ok := byID[id]
		if !ok {
			stale = append(stale, id)
			continue
		}

		board.Entries = append(board.Entries, domain.LeaderboardEntry{
			Rank:      len(board.Entries) + 1,
			Name:      sub.Name,
			Email:     sub.Email,
			Score:     sub.Score,
			TimeTaken: sub.TimeTaken,
			Grade:     Grade(sub.Score, len(sub.Rounds), sub.TimeTaken).StringFixed(1),
			CreatedAt: sub.CreatedAt,
			Duplicate: seen[sub.Email],
		})
		seen[sub.Email] = true
	}

	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, s.rankingKey(), stale...).Err(); err != nil {
			slog.ErrorContext(ctx, "leaderboard: prune stale ranking members failed",
				"count", len(stale),
				"error", err,
			)
		}
	}

	live, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: list active sessions: %w", err)
	}

	for _, l := range live {
		board.Live = append(board.Live, domain.LiveEntry{
			OwnerID:    l.OwnerID,
			Name:       l.Name,
			Email:      l.Email,
			Score:      l.Score,
			Progress:   l.Progress,
			LastActive: l.LastActive,
		})
	}

	return board, nil
}

// rankedIDs reads the cache order, first backfilling any submission the
// cache has never seen (fresh deploy, flushed redis).
func (s *Service) rankedIDs(ctx context.Context, subs []domain.Submission) ([]string, error) {
	ids, err := s.redis.ZRevRange(ctx, s.rankingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: read ranking: %w", err)
	}

	cached := make(map[string]bool, len(ids))
	for _, id := range ids {
		cached[id] = true
	}

	var missing []redis.Z
	for _, sub := range subs {
		if !cached[sub.ID] {
			missing = append(missing, redis.Z{
				Score:  compositeScore(sub.Score, sub.TimeTaken),
				Member: sub.ID,
			})
		}
	}
	if len(missing) == 0 {
		return ids, nil
	}

	if err := s.redis.ZAdd(ctx, s.rankingKey(), missing...).Err(); err != nil {
		return nil, fmt.Errorf("leaderboard: backfill ranking: %w", err)
	}

	ids, err = s.redis.ZRevRange(ctx, s.rankingKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard: read ranking: %w", err)
	}
	return ids, nil
}

var (
	accuracyWeight = decimal.NewFromFloat(0.7)
	speedWeight    = decimal.NewFromFloat(0.3)
	gradeTimeCap   = decimal.NewFromInt(300)
	hundred        = decimal.NewFromInt(100)
)

// Grade scores an attempt on accuracy and speed, 0..100. Accuracy dominates;
// finishing instantly with every answer wrong still grades poorly.
func Grade(score, rounds int, timeTaken time.Duration) decimal.Decimal {
	if rounds == 0 {
		return decimal.Zero
	}

	accuracy := decimal.NewFromInt(int64(score)).Div(decimal.NewFromInt(int64(rounds)))

	speed := decimal.NewFromInt(1).Sub(
		decimal.NewFromFloat(timeTaken.Seconds()).Div(gradeTimeCap))
	if speed.IsNegative() {
		speed = decimal.Zero
	}

	return accuracy.Mul(accuracyWeight).
		Add(speed.Mul(speedWeight)).
		Mul(hundred).
		Round(1)
}

// Title is the player-facing verdict shown on the finish screen.
func Title(score, rounds int) string {
	switch {
	case rounds > 0 && score == rounds:
		return "GODLIKE DETECTION"
	case rounds > 0 && score*2 >= rounds:
		return "SKILLED OPERATOR"
	default:
		return "SYSTEM COMPROMISED"
	}
}

func compositeScore(score int, timeTaken time.Duration) float64 {
	slot := int64(timeTaken.Seconds())
	if slot >= timeSlots {
		slot = timeSlots - 1
	}
	return float64(int64(score)*timeSlots + (timeSlots - 1 - slot))
}

func (s *Service) rankingKey() string {
	return fmt.Sprintf("%s:leaderboard", s.prefix)
}

func (s *Service) publishKey() string {
	return fmt.Sprintf("%s:leaderboard:publish", s.prefix)
}
