package game_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pranikaK17/Turing-test-ACM/internal/catalog"
	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
	"github.com/pranikaK17/Turing-test-ACM/internal/event"
	"github.com/pranikaK17/Turing-test-ACM/internal/game"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestMachine_Authenticate(t *testing.T) {
	tests := map[string]struct {
		arrange func(f *fixture)
		assert  func(t *testing.T, f *fixture, err error)
	}{
		"player lands in IDLE": {
			arrange: func(f *fixture) {},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusIdle, f.m.State().Status)
			},
		},

		"admin lands in ADMIN": {
			arrange: func(f *fixture) {
				f.ids.admin = true
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusAdmin, f.m.State().Status)
			},
		},

		"bad credentials stay in LOGIN": {
			arrange: func(f *fixture) {
				f.ids.authErr = errors.New(errors.CodeUnauthenticated)
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.CodeUnauthenticated))
				assert.Equal(t, domain.StatusLogin, f.m.State().Status)
			},
		},

		"role lookup failure defaults to player": {
			arrange: func(f *fixture) {
				f.ids.admin = true
				f.ids.roleErr = fmt.Errorf("role service down")
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)
				assert.Equal(t, domain.StatusIdle, f.m.State().Status)
			},
		},

		"resume read failure falls back to fresh start": {
			arrange: func(f *fixture) {
				f.store.readErr = fmt.Errorf("store down")
			},
			assert: func(t *testing.T, f *fixture, err error) {
				require.NoError(t, err)
				s := f.m.State()
				assert.Equal(t, domain.StatusIdle, s.Status)
				assert.Empty(t, s.Rounds)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeFixture(t)
			tt.arrange(f)

			err := f.m.Authenticate(context.Background(), "agent", "secret", "Team Turing")
			tt.assert(t, f, err)
		})
	}
}

func TestMachine_FullGame(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	s := f.m.State()
	require.Len(t, s.Rounds, 6)
	assert.Equal(t, 0, s.CurrentRound)
	assert.Equal(t, 0, s.Score)

	// Answer every round correctly, advancing manually before any expiry.
	for i := 0; i < 6; i++ {
		s = f.m.State()
		require.Equal(t, i, s.CurrentRound, "index moves forward one round at a time")

		r := s.Rounds[s.CurrentRound]
		require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))

		if i < 5 {
			require.NoError(t, f.m.Advance(context.Background()))
		}
	}

	require.NoError(t, f.m.Submit(context.Background()))

	s = f.m.State()
	assert.Equal(t, domain.StatusFinished, s.Status)
	assert.Equal(t, 6, s.Score)

	subs := f.store.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, 6, subs[0].Score)
	assert.Equal(t, 1, subs[0].Attempt)
	assert.True(t, subs[0].Locked)

	assert.Nil(t, f.store.session("uid-agent"), "active session deleted after commit")

	require.NoError(t, f.m.Reset())
	assert.Equal(t, domain.StatusIdle, f.m.State().Status)
}

func TestMachine_SelectIdempotent(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	r := f.m.State().Rounds[0]
	require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))

	before := f.m.State()
	require.Equal(t, 1, before.Score)

	// Second select, different image: must change nothing.
	require.NoError(t, f.m.Select(context.Background(), r.ID, realImage(r).ID))

	after := f.m.State()
	assert.Equal(t, before.Rounds[0].UserChoiceID, after.Rounds[0].UserChoiceID)
	assert.Equal(t, before.Score, after.Score)
}

func TestMachine_SelectConstraints(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	s := f.m.State()

	// Not the active round.
	err := f.m.Select(context.Background(), s.Rounds[1].ID, s.Rounds[1].Images[0].ID)
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))

	// Unknown image in the active round.
	err = f.m.Select(context.Background(), s.Rounds[0].ID, "no-such-image")
	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))

	// Wrong status.
	f.m.Logout(context.Background())
	err = f.m.Select(context.Background(), 1, "x")
	assert.True(t, errors.Is(err, errors.CodeFailedPrecondition))
}

func TestMachine_RoundTimerAutoMarks(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	f.clock.Advance(game.DefaultRoundTimeout)

	require.Eventually(t, func() bool {
		return f.m.State().CurrentRound == 1
	}, waitFor, tick, "expiry advances to the next round")

	s := f.m.State()
	r := s.Rounds[0]
	require.True(t, r.Answered())
	assert.False(t, *r.Correct, "timed-out round is marked incorrect")
	assert.Empty(t, r.UserChoiceID, "no choice is recorded for a timeout")
	assert.Equal(t, 0, s.Score)
}

func TestMachine_RoundTimerNeverOverwritesAnswer(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	// Answer at tick 3 of 5, then let the round timer reach zero.
	f.clock.Advance(3 * time.Second)
	r := f.m.State().Rounds[0]
	require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))

	f.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return f.m.State().CurrentRound == 1
	}, waitFor, tick, "timer still advances an answered round")

	got := f.m.State().Rounds[0]
	assert.Equal(t, aiImage(got).ID, got.UserChoiceID, "answer survives the expiry")
	require.NotNil(t, got.Correct)
	assert.True(t, *got.Correct)
	assert.Equal(t, 1, f.m.State().Score)
}

func TestMachine_IndexMonotone(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	seen := 0
	for i := 0; i < 3; i++ {
		f.clock.Advance(game.DefaultRoundTimeout)
		require.Eventually(t, func() bool {
			cur := f.m.State().CurrentRound
			if cur < seen {
				t.Fatalf("index regressed: %d -> %d", seen, cur)
			}
			seen = cur
			return cur == i+1
		}, waitFor, tick)
	}
}

func TestMachine_GlobalTimerForcesFinish(t *testing.T) {
	f := makeFixtureWith(t, game.Config{
		RoundTimeout:  -1, // disabled, only the global clock runs
		GlobalTimeout: 60 * time.Second,
	})
	playerInPlaying(t, f)

	// Spec scenario: answer rounds 1-5 correctly, time out on round 6.
	for i := 0; i < 5; i++ {
		r := f.m.State().Rounds[i]
		require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))
		require.NoError(t, f.m.Advance(context.Background()))
	}

	f.clock.Advance(60 * time.Second)

	require.Eventually(t, func() bool {
		return f.m.State().Status == domain.StatusFinished
	}, waitFor, tick)

	s := f.m.State()
	assert.Equal(t, 5, s.Score)

	last := s.Rounds[5]
	require.True(t, last.Answered())
	assert.False(t, *last.Correct)
	assert.Empty(t, last.UserChoiceID)

	subs := f.store.submissions()
	require.Len(t, subs, 1, "exactly one submission despite the forced finish")
	assert.Equal(t, 5, subs[0].Score)
	assert.Equal(t, 60*time.Second, subs[0].TimeTaken)

	assert.Nil(t, f.store.session("uid-agent"), "active session deleted")
}

func TestMachine_FinalizeExactlyOnce(t *testing.T) {
	f := makeFixtureWith(t, game.Config{RoundTimeout: -1, GlobalTimeout: -1})
	playerInPlaying(t, f)

	answerAll(t, f)

	// Two submit triggers racing: exactly one submission record.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.m.Submit(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, f.store.submissions(), 1)
	assert.Equal(t, domain.StatusFinished, f.m.State().Status)
}

func TestMachine_Heartbeat(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	r := f.m.State().Rounds[0]
	require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))

	f.clock.Advance(game.DefaultHeartbeatInterval)

	require.Eventually(t, func() bool {
		return f.store.session("uid-agent") != nil
	}, waitFor, tick)

	snap := f.store.session("uid-agent")
	assert.Equal(t, 1, snap.Score)
	assert.Equal(t, 1, snap.Progress)
	assert.Equal(t, "Team Turing", snap.Name)
	assert.Len(t, snap.Rounds, 6)
}

func TestMachine_HeartbeatFailureIsSwallowed(t *testing.T) {
	// Round timer off so advancing to the heartbeat tick leaves round 0 active.
	f := makeFixtureWith(t, game.Config{RoundTimeout: -1})
	playerInPlaying(t, f)

	f.store.setHeartbeatErr(fmt.Errorf("network blip"))
	f.clock.Advance(game.DefaultHeartbeatInterval)

	// Gameplay continues as if nothing happened.
	time.Sleep(20 * time.Millisecond)
	s := f.m.State()
	assert.Equal(t, domain.StatusPlaying, s.Status)

	r := s.Rounds[0]
	assert.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))
}

func TestMachine_Resume(t *testing.T) {
	f := makeFixture(t)

	// A prior run answered 3 of 6 rounds, 2 of them correctly.
	rounds := generatedRounds(t)
	mark(&rounds[0], true)
	mark(&rounds[1], false)
	mark(&rounds[2], true)
	f.store.putSession(domain.ActiveSession{
		OwnerID:   "uid-agent",
		Name:      "Restored Team",
		Rounds:    rounds,
		TimeSpent: 40 * time.Second,
	})

	require.NoError(t, f.m.Authenticate(context.Background(), "agent", "secret", ""))

	s := f.m.State()
	assert.Equal(t, domain.StatusIdle, s.Status, "resume never lands directly in PLAYING")
	assert.Equal(t, 2, s.Score, "score is re-derived from the restored rounds")
	assert.Equal(t, 3, s.CurrentRound)
	assert.Equal(t, "Restored Team", s.TeamName)

	// Re-entering play keeps the restored rounds.
	require.NoError(t, f.m.Start())
	require.NoError(t, f.m.Acknowledge(context.Background()))

	s = f.m.State()
	assert.Equal(t, domain.StatusPlaying, s.Status)
	assert.Equal(t, 3, s.CurrentRound)
	assert.Equal(t, 2, s.Score)
	require.Len(t, s.Rounds, 6)
	assert.True(t, s.Rounds[0].Answered())
}

func TestMachine_CommitFailureAndRetry(t *testing.T) {
	f := makeFixtureWith(t, game.Config{RoundTimeout: -1, GlobalTimeout: -1})
	playerInPlaying(t, f)
	answerAll(t, f)

	f.store.setCommitErr(fmt.Errorf("store down"))

	err := f.m.Submit(context.Background())
	require.Error(t, err, "commit failure is the one visible gateway failure")
	assert.True(t, errors.Is(err, errors.CodeInternal))

	s := f.m.State()
	assert.Equal(t, domain.StatusFinished, s.Status, "the game itself is over")
	assert.True(t, s.CommitFailed)
	assert.Empty(t, f.store.submissions())

	f.store.setCommitErr(nil)
	require.NoError(t, f.m.RetryCommit(context.Background()))

	assert.Len(t, f.store.submissions(), 1)
	assert.False(t, f.m.State().CommitFailed)

	// Retrying a recorded game is a no-op.
	require.NoError(t, f.m.RetryCommit(context.Background()))
	assert.Len(t, f.store.submissions(), 1)
}

func TestMachine_LogoutDuringCommit(t *testing.T) {
	f := makeFixtureWith(t, game.Config{RoundTimeout: -1, GlobalTimeout: -1})
	playerInPlaying(t, f)
	answerAll(t, f)

	gate := make(chan struct{})
	entered := make(chan struct{})
	f.store.setCommitGate(gate, entered)

	done := make(chan error, 1)
	go func() {
		done <- f.m.Submit(context.Background())
	}()

	// Logout lands while the submission write is parked in the store.
	<-entered
	f.m.Logout(context.Background())
	close(gate)

	require.NoError(t, <-done)
	assert.Len(t, f.store.submissions(), 1, "the result still gets recorded")

	s := f.m.State()
	assert.Equal(t, domain.StatusLogin, s.Status)
	assert.Nil(t, s.Submission, "a logged-out machine carries no stale result")
}

func TestMachine_AttemptNumbersIncrease(t *testing.T) {
	f := makeFixtureWith(t, game.Config{RoundTimeout: -1, GlobalTimeout: -1})
	playerInPlaying(t, f)
	answerAll(t, f)
	require.NoError(t, f.m.Submit(context.Background()))

	require.NoError(t, f.m.Reset())
	require.NoError(t, f.m.Start())
	require.NoError(t, f.m.Acknowledge(context.Background()))
	answerAll(t, f)
	require.NoError(t, f.m.Submit(context.Background()))

	subs := f.store.submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, 1, subs[0].Attempt)
	assert.Equal(t, 2, subs[1].Attempt)
}

func TestMachine_Logout(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	f.m.Logout(context.Background())

	s := f.m.State()
	assert.Equal(t, domain.StatusLogin, s.Status)
	assert.Empty(t, s.Rounds)
	assert.Nil(t, f.store.session("uid-agent"))

	// Timers are down: advancing the clock changes nothing.
	f.clock.Advance(10 * game.DefaultRoundTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.StatusLogin, f.m.State().Status)
}

func TestMachine_CloseKeepsResumePoint(t *testing.T) {
	f := makeFixture(t)
	playerInPlaying(t, f)

	r := f.m.State().Rounds[0]
	require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))

	f.m.Close(context.Background())

	snap := f.store.session("uid-agent")
	require.NotNil(t, snap, "resume point survives shutdown")
	assert.Equal(t, 1, snap.Score)
	assert.Equal(t, 1, snap.Progress)

	// Timers are down: advancing the clock changes nothing.
	f.clock.Advance(10 * game.DefaultRoundTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.m.State().CurrentRound)
	assert.Empty(t, f.store.submissions(), "shutdown never finalizes a game")
}

// --- fixtures ---

type fixture struct {
	m     *game.Machine
	clock *clockwork.FakeClock
	store *fakeStore
	ids   *fakeIdentity
}

func makeFixture(t *testing.T) *fixture {
	return makeFixtureWith(t, game.Config{})
}

func makeFixtureWith(t *testing.T, c game.Config) *fixture {
	t.Helper()

	f := &fixture{
		clock: clockwork.NewFakeClock(),
		store: newFakeStore(),
		ids:   &fakeIdentity{},
	}

	c.Generator = game.NewGenerator(game.GeneratorConfig{
		Entries: catalog.Default(),
		Rand:    rand.New(rand.NewPCG(11, 13)),
	})
	c.Store = f.store
	c.Identity = f.ids
	c.EventBus = event.NewBus()
	c.Clock = f.clock

	f.m = game.NewMachine(c)
	return f
}

func playerInPlaying(t *testing.T, f *fixture) {
	t.Helper()

	require.NoError(t, f.m.Authenticate(context.Background(), "agent", "secret", "Team Turing"))
	require.NoError(t, f.m.Start())
	require.NoError(t, f.m.Acknowledge(context.Background()))
	require.Equal(t, domain.StatusPlaying, f.m.State().Status)
}

func answerAll(t *testing.T, f *fixture) {
	t.Helper()

	for i := 0; i < len(f.m.State().Rounds); i++ {
		s := f.m.State()
		r := s.Rounds[s.CurrentRound]
		require.NoError(t, f.m.Select(context.Background(), r.ID, aiImage(r).ID))
		if s.CurrentRound < len(s.Rounds)-1 {
			require.NoError(t, f.m.Advance(context.Background()))
		}
	}
}

func generatedRounds(t *testing.T) []domain.Round {
	t.Helper()

	g := game.NewGenerator(game.GeneratorConfig{
		Entries: catalog.Default(),
		Rand:    rand.New(rand.NewPCG(11, 13)),
	})
	rounds, err := g.Generate(context.Background(), nil)
	require.NoError(t, err)
	return rounds
}

func mark(r *domain.Round, correct bool) {
	if correct {
		r.UserChoiceID = aiImage(*r).ID
	} else {
		r.UserChoiceID = realImage(*r).ID
	}
	r.Correct = &correct
}

func aiImage(r domain.Round) domain.Image {
	for _, img := range r.Images {
		if img.Kind == domain.KindAI {
			return img
		}
	}
	panic("round without AI image")
}

func realImage(r domain.Round) domain.Image {
	for _, img := range r.Images {
		if img.Kind == domain.KindReal {
			return img
		}
	}
	panic("round without real image")
}

// fakeStore is an in-memory persistence gateway.
type fakeStore struct {
	mu           sync.Mutex
	active       map[string]domain.ActiveSession
	subs         []domain.Submission
	attempts     map[string]int
	heartbeatErr error
	commitErr    error
	readErr      error

	// commitGate, when set, parks the next commit until closed; commitEntered
	// is closed once the commit is parked.
	commitGate    chan struct{}
	commitEntered chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		active:   make(map[string]domain.ActiveSession),
		attempts: make(map[string]int),
	}
}

func (s *fakeStore) WriteHeartbeat(_ context.Context, snap domain.ActiveSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.heartbeatErr != nil {
		return s.heartbeatErr
	}
	s.active[snap.OwnerID] = snap
	return nil
}

func (s *fakeStore) ReadActiveSession(_ context.Context, ownerID string) (*domain.ActiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}
	snap, ok := s.active[ownerID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *fakeStore) DeleteActiveSession(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, ownerID)
	return nil
}

func (s *fakeStore) CommitSubmission(_ context.Context, sub domain.Submission) (*domain.Submission, error) {
	s.mu.Lock()
	gate, entered := s.commitGate, s.commitEntered
	s.commitGate, s.commitEntered = nil, nil
	s.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitErr != nil {
		return nil, s.commitErr
	}

	s.attempts[sub.OwnerID]++
	sub.Attempt = s.attempts[sub.OwnerID]
	sub.ID = fmt.Sprintf("sub-%d", len(s.subs)+1)
	s.subs = append(s.subs, sub)
	return &sub, nil
}

func (s *fakeStore) submissions() []domain.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Submission(nil), s.subs...)
}

func (s *fakeStore) session(ownerID string) *domain.ActiveSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.active[ownerID]
	if !ok {
		return nil
	}
	return &snap
}

func (s *fakeStore) putSession(snap domain.ActiveSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[snap.OwnerID] = snap
}

func (s *fakeStore) setHeartbeatErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeatErr = err
}

func (s *fakeStore) setCommitErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitErr = err
}

func (s *fakeStore) setCommitGate(gate, entered chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitGate = gate
	s.commitEntered = entered
}

// fakeIdentity resolves one known user.
type fakeIdentity struct {
	admin   bool
	authErr error
	roleErr error
}

func (f *fakeIdentity) Authenticate(_ context.Context, username, _ string) (*domain.Identity, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &domain.Identity{
		UID:   "uid-" + username,
		Name:  username,
		Email: username + "@example.com",
	}, nil
}

func (f *fakeIdentity) ResolveRole(_ context.Context, _ string) (bool, error) {
	if f.roleErr != nil {
		return false, f.roleErr
	}
	return f.admin, nil
}
