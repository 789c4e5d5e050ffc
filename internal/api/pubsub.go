package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
)

const maxConcurrent = 100

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Notification struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// PublishLeaderboardUpdated pushes the refreshed board to the admin channel
// and pings every live player's own channel so open tabs can refresh their
// rank without polling.
func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	board := renderLeaderboard(&e.Leaderboard)

	if err := a.publishNotification(ctx, a.adminChannel(), e.Name(), board); err != nil {
		return err
	}

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	for _, entry := range board.Live {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.userChannel(entry.OwnerID), e.Name(), nil)
		})
	}

	return eg.Wait()
}

// PublishHeartbeat feeds the admin live view one session at a time.
func (a *API) PublishHeartbeat(ctx context.Context, e domain.EventHeartbeatWritten) error {
	s := e.Session

	return a.publishNotification(ctx, a.adminChannel(), e.Name(), LiveEntryView{
		OwnerID:    s.OwnerID,
		Name:       s.Name,
		Email:      s.Email,
		Score:      s.Score,
		Progress:   s.Progress,
		LastActive: s.LastActive.UTC().Format(time.RFC3339),
	})
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}

func (a *API) adminChannel() string {
	return fmt.Sprintf("%s:admin", a.prefix)
}

func (a *API) userChannel(uid string) string {
	return fmt.Sprintf("%s:user:%s", a.prefix, uid)
}
