//go:build integration_test

package demo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/pranikaK17/Turing-test-ACM/internal/api"
	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
)

const (
	baseURL   = "http://localhost:8080"
	redisAddr = "localhost:6379"

	// Matches the redis prefix in the local config.
	prefix = "local"
)

// TestGame plays a full game against a locally running server and watches the
// admin pubsub channel for the leaderboard update that follows the submission.
func TestGame(t *testing.T) {
	wg := new(sync.WaitGroup)
	subscribeAsAdmin(t, makeRedis(t), wg)

	token := login(t, "team1", "secret", "Demo Team")
	t.Logf("Logged in, token %s", token)

	post(t, "/api/game/start", token, nil)
	state := post(t, "/api/game/acknowledge", token, nil)
	t.Logf("Game started with %d rounds", len(state.Rounds))

	for _, r := range state.Rounds {
		post(t, "/api/game/select", token, map[string]any{
			"roundId": r.ID,
			"imageId": r.Images[0].ID,
		})
		state = post(t, "/api/game/advance", token, nil)
		t.Logf("Round %d done: score=%d completed=%d", r.ID, state.Score, state.Completed)
	}

	require.Equal(t, "FINISHED", state.Status)
	require.NotNil(t, state.Submission)
	t.Logf("Finished: score=%d attempt=%d title=%s",
		state.Submission.Score, state.Submission.Attempt, state.Submission.Title)

	wg.Wait()
}

func login(t *testing.T, username, password, teamName string) string {
	body, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
		"teamName": teamName,
	})
	require.NoError(t, err)

	resp, err := http.Post(baseURL+"/api/login", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func post(t *testing.T, path, token string, body any) api.StateView {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, path)

	var s api.StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&s))
	return s
}

func subscribeAsAdmin(t *testing.T, rc redis.UniversalClient, wg *sync.WaitGroup) {
	wg.Add(1)
	sub := subscribeRedis(t, rc, fmt.Sprintf("%s:admin", prefix))
	go func() {
		defer wg.Done()

		for msg := range sub {
			var n struct {
				Event string          `json:"event"`
				Data  json.RawMessage `json:"data"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				t.Logf("unmarshal notification: %v", err)
				continue
			}

			switch n.Event {
			case domain.EventNameLeaderboardUpdated:
				var l api.LeaderboardView
				if err := json.Unmarshal(n.Data, &l); err != nil {
					t.Logf("unmarshal leaderboard: %v", err)
					continue
				}

				t.Logf("leaderboard:\n%s", formatLeaderboard(l))
			case domain.EventNameHeartbeatWritten:
				t.Logf("heartbeat: %s", n.Data)
			}
		}
	}()
}

func subscribeRedis(t *testing.T, rc redis.UniversalClient, pattern string) <-chan *redis.Message {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub := rc.PSubscribe(ctx, pattern)
	t.Cleanup(func() { sub.Close() })

	c := make(chan *redis.Message)
	go func() {
		defer close(c)

		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				t.Log(err)
				return
			}

			c <- msg
		}
	}()

	return c
}

func makeRedis(t *testing.T) redis.UniversalClient {
	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{redisAddr},
	})
	t.Cleanup(func() { r.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Ping(ctx).Err(); err != nil {
		t.Fatal(err)
	}

	return r
}

func formatLeaderboard(l api.LeaderboardView) string {
	var s string
	for _, e := range l.Entries {
		s += fmt.Sprintf("#%d %s (%s): score=%d grade=%s\n", e.Rank, e.Name, e.Email, e.Score, e.Grade)
	}
	return s
}
