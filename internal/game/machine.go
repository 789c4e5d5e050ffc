package game

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
	"github.com/pranikaK17/Turing-test-ACM/internal/event"
	"github.com/pranikaK17/Turing-test-ACM/internal/telemetry"
)

const (
	DefaultRoundTimeout      = 5 * time.Second
	DefaultGlobalTimeout     = 300 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

// Store is the persistence gateway the machine depends on. Heartbeat writes
// are fire-and-forget; only CommitSubmission failures surface to the player.
type Store interface {
	WriteHeartbeat(ctx context.Context, s domain.ActiveSession) error
	ReadActiveSession(ctx context.Context, ownerID string) (*domain.ActiveSession, error)
	DeleteActiveSession(ctx context.Context, ownerID string) error
	CommitSubmission(ctx context.Context, sub domain.Submission) (*domain.Submission, error)
}

// IdentityGateway authenticates credentials and resolves the admin role.
type IdentityGateway interface {
	Authenticate(ctx context.Context, username, password string) (*domain.Identity, error)
	ResolveRole(ctx context.Context, uid string) (bool, error)
}

type Config struct {
	Generator *Generator
	Store     Store
	Identity  IdentityGateway
	EventBus  *event.Bus
	Clock     clockwork.Clock

	// Zero means the default; negative disables the timer.
	RoundTimeout      time.Duration
	GlobalTimeout     time.Duration
	HeartbeatInterval time.Duration
}

// Machine owns one player's session: status, rounds, the active round index,
// both countdown timers and the heartbeat ticker. All operations serialize on
// one mutex, which is what resolves the timer-vs-click race: whichever gets
// the lock first resolves the round, the loser sees it answered and no-ops.
type Machine struct {
	gen   *Generator
	store Store
	ids   IdentityGateway
	eb    *event.Bus
	clock clockwork.Clock

	roundTimeout      time.Duration
	globalTimeout     time.Duration
	heartbeatInterval time.Duration

	mu       sync.Mutex
	identity *domain.Identity
	teamName string
	status   domain.Status
	rounds   []domain.Round
	current  int
	progress float64

	// baseElapsed carries time spent before a resume; playStart is the moment
	// the current PLAYING stretch began.
	baseElapsed   time.Duration
	playStart     time.Time
	elapsed       time.Duration
	roundDeadline time.Time

	// Single active handle per timer purpose. Never start one without the
	// previous one stopped: stop is closed on every exit from PLAYING.
	roundTimer clockwork.Timer
	stop       chan struct{}

	committed  bool
	commitErr  error
	submission *domain.Submission
}

func NewMachine(c Config) *Machine {
	m := &Machine{
		gen:               c.Generator,
		store:             c.Store,
		ids:               c.Identity,
		eb:                c.EventBus,
		clock:             c.Clock,
		roundTimeout:      pick(c.RoundTimeout, DefaultRoundTimeout),
		globalTimeout:     pick(c.GlobalTimeout, DefaultGlobalTimeout),
		heartbeatInterval: pick(c.HeartbeatInterval, DefaultHeartbeatInterval),
		status:            domain.StatusLogin,
	}

	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}

	return m
}

func pick(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	if d < 0 {
		return 0
	}
	return d
}

// Authenticate resolves credentials and lands in ADMIN for admins or IDLE for
// players, restoring a saved session when one exists. A role lookup failure
// downgrades to player; a resume read failure falls back to a fresh start.
func (m *Machine) Authenticate(ctx context.Context, username, password, teamName string) error {
	id, err := m.ids.Authenticate(ctx, username, password)
	if err != nil {
		return err
	}

	admin, err := m.ids.ResolveRole(ctx, id.UID)
	if err != nil {
		slog.ErrorContext(ctx, "game: resolve role failed, defaulting to player",
			"uid", id.UID,
			"error", err,
		)
		admin = false
	}
	id.Admin = admin

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusLogin {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("authenticate: already authenticated, status=%s", m.status))
	}

	m.identity = id
	m.teamName = teamName
	if m.teamName == "" {
		m.teamName = id.Name
	}

	if admin {
		m.status = domain.StatusAdmin
		return nil
	}

	m.restoreLocked(ctx)
	m.status = domain.StatusIdle
	return nil
}

// restoreLocked loads the active-session record, if any. The snapshot may be
// one heartbeat behind the state lost on reload; that staleness is accepted.
func (m *Machine) restoreLocked(ctx context.Context) {
	snap, err := m.store.ReadActiveSession(ctx, m.identity.UID)
	if err != nil {
		slog.ErrorContext(ctx, "game: read active session failed, starting fresh",
			"uid", m.identity.UID,
			"error", err,
		)
		return
	}
	if snap == nil {
		return
	}

	m.rounds = snap.Rounds
	m.current = domain.NextUnanswered(snap.Rounds)
	m.baseElapsed = snap.TimeSpent
	if snap.Name != "" {
		m.teamName = snap.Name
	}

	slog.InfoContext(ctx, "game: session restored",
		"uid", m.identity.UID,
		"progress", domain.Completed(snap.Rounds),
		"rounds", len(snap.Rounds),
	)
}

// Start moves the landing page to the rules screen.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusIdle {
		return transitionErr("start", m.status)
	}

	m.status = domain.StatusRules
	return nil
}

// Acknowledge accepts the rules, generates rounds (unless a restored set is
// still in play) and enters PLAYING. A generation failure returns the machine
// to the pre-game state.
func (m *Machine) Acknowledge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusRules {
		return transitionErr("acknowledge", m.status)
	}

	m.status = domain.StatusGenerating
	m.progress = 0

	// A restored set still in play is kept; the player resumes where the
	// heartbeat left off instead of getting fresh rounds.
	if len(m.rounds) == 0 {
		rounds, err := m.gen.Generate(ctx, func(p float64) {
			m.progress = p
		})
		if err != nil {
			m.status = domain.StatusIdle
			m.rounds = nil
			return errors.Convert(err)
		}

		m.rounds = rounds
		m.current = 0
		m.baseElapsed = 0
	}

	m.enterPlayingLocked()
	telemetry.GamesStarted.Inc()
	return nil
}

func (m *Machine) enterPlayingLocked() {
	m.status = domain.StatusPlaying
	m.progress = 100
	m.playStart = m.clock.Now()
	m.committed = false
	m.commitErr = nil
	m.submission = nil

	m.stop = make(chan struct{})

	var roundCh, globalCh, hbCh <-chan time.Time

	if m.roundTimeout > 0 {
		m.roundDeadline = m.clock.Now().Add(m.roundTimeout)
		m.roundTimer = m.clock.NewTimer(m.roundTimeout)
		roundCh = m.roundTimer.Chan()
	}

	var globalTimer clockwork.Timer
	if m.globalTimeout > 0 {
		remaining := m.globalTimeout - m.baseElapsed
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		globalTimer = m.clock.NewTimer(remaining)
		globalCh = globalTimer.Chan()
	}

	var hb clockwork.Ticker
	if m.heartbeatInterval > 0 && !m.identity.Admin {
		hb = m.clock.NewTicker(m.heartbeatInterval)
		hbCh = hb.Chan()
	}

	go m.run(m.stop, roundCh, globalCh, hbCh, m.roundTimer, globalTimer, hb)
}

// run is the single ticking goroutine for one PLAYING stretch. It exits when
// stop closes, which happens on every transition away from PLAYING, so no
// timer outlives the state that armed it.
func (m *Machine) run(stop chan struct{}, roundCh, globalCh, hbCh <-chan time.Time, roundTimer, globalTimer clockwork.Timer, hb clockwork.Ticker) {
	defer func() {
		if roundTimer != nil {
			stopAndDrain(roundTimer)
		}
		if globalTimer != nil {
			stopAndDrain(globalTimer)
		}
		if hb != nil {
			hb.Stop()
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-roundCh:
			m.onRoundExpiry()
		case <-globalCh:
			m.onGlobalExpiry()
		case <-hbCh:
			m.heartbeat(context.Background())
		}
	}
}

// stopAndDrain stops a timer and drains any pending fire so a stale tick is
// never consumed after the timer's purpose ended.
func stopAndDrain(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}

// Select records the player's choice for the active round. Selecting an
// already-resolved round is a no-op: the expiry auto-mark and a late click
// may race within one tick, and whichever loses must be discarded silently.
func (m *Machine) Select(ctx context.Context, roundID int, imageID string) error {
	m.mu.Lock()

	if m.status != domain.StatusPlaying {
		m.mu.Unlock()
		return transitionErr("select", m.status)
	}

	r := &m.rounds[m.current]
	if r.ID != roundID {
		m.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("select: round %d is not the active round", roundID))
	}
	if r.Answered() {
		m.mu.Unlock()
		return nil
	}

	var chosen *domain.Image
	for i := range r.Images {
		if r.Images[i].ID == imageID {
			chosen = &r.Images[i]
		}
	}
	if chosen == nil {
		m.mu.Unlock()
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("select: image %q not in round %d", imageID, roundID))
	}

	correct := chosen.Kind == domain.KindAI
	r.UserChoiceID = chosen.ID
	r.Correct = &correct

	snap, ok := m.activeSessionLocked()
	m.mu.Unlock()

	// Persist the progress before returning so a finalize that follows this
	// call can never be outrun by the write. Failures stay invisible.
	if ok {
		m.writeHeartbeat(ctx, snap)
	}
	return nil
}

// Advance moves forward one round, resetting the round timer; at the last
// round it finalizes. An unresolved active round is marked incorrect first so
// no round is ever left in limbo. The index never moves backwards.
func (m *Machine) Advance(ctx context.Context) error {
	m.mu.Lock()

	if m.status != domain.StatusPlaying {
		m.mu.Unlock()
		return transitionErr("advance", m.status)
	}

	sub, finished := m.advanceLocked()
	m.mu.Unlock()

	if finished {
		return m.commit(ctx, sub)
	}
	return nil
}

// advanceLocked marks the active round if needed and either steps the index
// or finalizes. When it finalizes it returns the submission to commit; the
// caller commits after releasing the lock.
func (m *Machine) advanceLocked() (domain.Submission, bool) {
	m.markActiveLocked()

	if m.current < len(m.rounds)-1 {
		m.current++
		if m.roundTimer != nil {
			m.roundDeadline = m.clock.Now().Add(m.roundTimeout)
			m.roundTimer.Reset(m.roundTimeout)
		}
		return domain.Submission{}, false
	}

	return m.finishLocked(), true
}

// markActiveLocked resolves an unanswered active round as incorrect with no
// choice recorded.
func (m *Machine) markActiveLocked() {
	if len(m.rounds) == 0 {
		return
	}
	r := &m.rounds[m.current]
	if !r.Answered() {
		f := false
		r.UserChoiceID = ""
		r.Correct = &f
	}
}

// Submit finalizes a fully-answered game. The commit error is the one
// gateway failure that must reach the player.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()

	if m.status != domain.StatusPlaying {
		m.mu.Unlock()
		return transitionErr("submit", m.status)
	}
	if domain.Completed(m.rounds) != len(m.rounds) {
		m.mu.Unlock()
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("submit: %d of %d rounds answered", domain.Completed(m.rounds), len(m.rounds)))
	}

	sub := m.finishLocked()
	m.mu.Unlock()

	return m.commit(ctx, sub)
}

// finishLocked is the single FINISHED transition: it freezes elapsed time,
// stops every timer and builds the submission snapshot. Status is the
// exactly-once guard; re-entrant triggers short-circuit before this point.
func (m *Machine) finishLocked() domain.Submission {
	m.markActiveLocked()
	m.elapsed = m.elapsedLocked()
	m.status = domain.StatusFinished
	m.stopTimersLocked()

	return domain.Submission{
		OwnerID:   m.identity.UID,
		Name:      m.teamName,
		Email:     m.identity.Email,
		Score:     domain.Score(m.rounds),
		TimeTaken: m.elapsed,
		Rounds:    append([]domain.Round(nil), m.rounds...),
		Locked:    true,
	}
}

func (m *Machine) stopTimersLocked() {
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.roundTimer = nil
}

// commit writes the submission record and deletes the resume point. Called
// without the lock held; only the caller that flipped status gets here, and
// RetryCommit re-runs it after a failure. The machine may have been logged
// out while the write was in flight, so everything needed afterwards comes
// from the submission itself, and machine state is only touched while the
// game is still FINISHED.
func (m *Machine) commit(ctx context.Context, sub domain.Submission) error {
	stored, err := m.store.CommitSubmission(ctx, sub)

	m.mu.Lock()
	if err != nil {
		if m.status == domain.StatusFinished {
			m.commitErr = err
		}
		m.mu.Unlock()
		return errors.New(errors.CodeInternal,
			errors.WithMessagef("commit submission: result may not have been recorded"),
			errors.WithCause(err))
	}
	if m.status == domain.StatusFinished {
		m.committed = true
		m.commitErr = nil
		m.submission = stored
	}
	m.mu.Unlock()

	if err := m.store.DeleteActiveSession(ctx, sub.OwnerID); err != nil {
		slog.ErrorContext(ctx, "game: delete active session after commit failed",
			"uid", sub.OwnerID,
			"error", err,
		)
	}

	telemetry.GamesFinished.Inc()
	m.eb.Publish(ctx, domain.EventGameFinished{Submission: *stored})
	return nil
}

// RetryCommit re-attempts a failed final submission. No-op when the game is
// not finished or already recorded.
func (m *Machine) RetryCommit(ctx context.Context) error {
	m.mu.Lock()

	if m.status != domain.StatusFinished {
		m.mu.Unlock()
		return transitionErr("retry commit", m.status)
	}
	if m.committed {
		m.mu.Unlock()
		return nil
	}

	sub := domain.Submission{
		OwnerID:   m.identity.UID,
		Name:      m.teamName,
		Email:     m.identity.Email,
		Score:     domain.Score(m.rounds),
		TimeTaken: m.elapsed,
		Rounds:    append([]domain.Round(nil), m.rounds...),
		Locked:    true,
	}
	m.mu.Unlock()

	return m.commit(ctx, sub)
}

// Reset returns a finished game to the landing page. The rounds are
// superseded, never mutated.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusFinished {
		return transitionErr("reset", m.status)
	}

	m.status = domain.StatusIdle
	m.rounds = nil
	m.current = 0
	m.progress = 0
	m.baseElapsed = 0
	m.elapsed = 0
	return nil
}

// ExitAdmin leaves the admin dashboard.
func (m *Machine) ExitAdmin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status != domain.StatusAdmin {
		return transitionErr("exit admin", m.status)
	}

	m.status = domain.StatusIdle
	return nil
}

// Logout clears in-memory state from any status, stops any running timers and
// deletes the resume point.
func (m *Machine) Logout(ctx context.Context) {
	m.mu.Lock()

	m.stopTimersLocked()

	var uid string
	if m.identity != nil {
		uid = m.identity.UID
	}

	m.status = domain.StatusLogin
	m.identity = nil
	m.teamName = ""
	m.rounds = nil
	m.current = 0
	m.progress = 0
	m.baseElapsed = 0
	m.elapsed = 0
	m.committed = false
	m.commitErr = nil
	m.submission = nil
	m.mu.Unlock()

	if uid == "" {
		return
	}
	if err := m.store.DeleteActiveSession(ctx, uid); err != nil {
		slog.ErrorContext(ctx, "game: delete active session on logout failed",
			"uid", uid,
			"error", err,
		)
	}
}

// Close tears down the timers and the heartbeat goroutine for server
// shutdown, flushing one last snapshot so an in-flight game stays resumable.
// Unlike Logout it never deletes the resume point.
func (m *Machine) Close(ctx context.Context) {
	m.mu.Lock()
	snap, ok := m.activeSessionLocked()
	m.stopTimersLocked()
	m.mu.Unlock()

	if ok {
		m.writeHeartbeat(ctx, snap)
	}
}

// onRoundExpiry handles a round timer fire: the active unanswered round is
// marked incorrect, then the machine advances. A fire that raced a manual
// advance is recognized by the refreshed deadline and dropped.
func (m *Machine) onRoundExpiry() {
	m.mu.Lock()

	if m.status != domain.StatusPlaying {
		m.mu.Unlock()
		return
	}
	if m.clock.Now().Before(m.roundDeadline) {
		// Stale fire: the timer was reset after this tick was queued.
		m.mu.Unlock()
		return
	}

	sub, finished := m.advanceLocked()
	m.mu.Unlock()

	if finished {
		m.commitFromTimer(sub)
	}
}

// onGlobalExpiry forces finalization regardless of per-round state.
func (m *Machine) onGlobalExpiry() {
	m.mu.Lock()

	if m.status != domain.StatusPlaying {
		m.mu.Unlock()
		return
	}

	sub := m.finishLocked()
	m.mu.Unlock()

	m.commitFromTimer(sub)
}

// commitFromTimer commits with no caller to report to; the failure is kept on
// the machine so the UI can offer a retry.
func (m *Machine) commitFromTimer(sub domain.Submission) {
	ctx := context.Background()
	if err := m.commit(ctx, sub); err != nil {
		slog.ErrorContext(ctx, "game: timer-driven commit failed",
			"uid", sub.OwnerID,
			"error", err,
		)
	}
}

// heartbeat pushes the full in-progress snapshot. Failures are logged and
// swallowed; gameplay never notices.
func (m *Machine) heartbeat(ctx context.Context) {
	m.mu.Lock()
	snap, ok := m.activeSessionLocked()
	m.mu.Unlock()

	if !ok {
		return
	}
	m.writeHeartbeat(ctx, snap)
}

func (m *Machine) writeHeartbeat(ctx context.Context, snap domain.ActiveSession) {
	if err := m.store.WriteHeartbeat(ctx, snap); err != nil {
		telemetry.HeartbeatFailures.Inc()
		slog.ErrorContext(ctx, "game: heartbeat write failed",
			"uid", snap.OwnerID,
			"error", err,
		)
		return
	}

	telemetry.Heartbeats.Inc()
	m.eb.Publish(ctx, domain.EventHeartbeatWritten{Session: snap})
}

func (m *Machine) activeSessionLocked() (domain.ActiveSession, bool) {
	if m.status != domain.StatusPlaying || m.identity == nil || m.identity.Admin {
		return domain.ActiveSession{}, false
	}

	return domain.ActiveSession{
		OwnerID:    m.identity.UID,
		Name:       m.teamName,
		Email:      m.identity.Email,
		Rounds:     append([]domain.Round(nil), m.rounds...),
		Score:      domain.Score(m.rounds),
		Progress:   domain.Completed(m.rounds),
		Role:       "player",
		TimeSpent:  m.elapsedLocked(),
		LastActive: m.clock.Now(),
	}, true
}

func (m *Machine) elapsedLocked() time.Duration {
	if m.status == domain.StatusPlaying {
		return m.baseElapsed + m.clock.Since(m.playStart)
	}
	return m.elapsed
}

// State is a point-in-time copy of the machine for the API layer. Score and
// progress are derived on the way out, never stored.
type State struct {
	Status         domain.Status
	TeamName       string
	Identity       *domain.Identity
	Rounds         []domain.Round
	CurrentRound   int
	Score          int
	Completed      int
	Progress       float64
	Elapsed        time.Duration
	RoundTimeLeft  time.Duration
	GlobalTimeLeft time.Duration
	CommitFailed   bool
	Submission     *domain.Submission
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := State{
		Status:       m.status,
		TeamName:     m.teamName,
		Identity:     m.identity,
		Rounds:       append([]domain.Round(nil), m.rounds...),
		CurrentRound: m.current,
		Score:        domain.Score(m.rounds),
		Completed:    domain.Completed(m.rounds),
		Progress:     m.progress,
		Elapsed:      m.elapsedLocked(),
		CommitFailed: m.commitErr != nil,
		Submission:   m.submission,
	}

	if m.status == domain.StatusPlaying {
		if m.roundTimeout > 0 {
			s.RoundTimeLeft = max(0, m.roundDeadline.Sub(m.clock.Now()))
		}
		if m.globalTimeout > 0 {
			s.GlobalTimeLeft = max(0, m.globalTimeout-s.Elapsed)
		}
	}

	return s
}

func transitionErr(op string, s domain.Status) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("%s: illegal in status %s", op, s))
}
