package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
	"github.com/pranikaK17/Turing-test-ACM/internal/event"
	"github.com/pranikaK17/Turing-test-ACM/internal/game"
	"github.com/pranikaK17/Turing-test-ACM/internal/leaderboard"
)

type Config struct {
	Engine       *gin.Engine
	EventBus     *event.Bus
	NewMachine   func() *game.Machine
	Leaderboard  *leaderboard.Service
	Admin        AdminStore
	Redis        Redis
	PubsubPrefix string
}

// AdminStore is the session write surface behind the admin dashboard.
// Submission deletes go through the leaderboard service so the ranking cache
// stays consistent.
type AdminStore interface {
	DeleteActiveSession(ctx context.Context, ownerID string) error
}

// API exposes the game over HTTP. Each login creates a machine and a bearer
// token; every later call resolves the token back to its machine, so all
// game-state decisions stay inside the machine.
type API struct {
	newMachine func() *game.Machine
	ls         *leaderboard.Service
	admin      AdminStore

	redis  Redis
	prefix string

	mu       sync.RWMutex
	machines map[string]*game.Machine
}

func New(c Config) *API {
	a := &API{
		newMachine: c.NewMachine,
		ls:         c.Leaderboard,
		admin:      c.Admin,
		redis:      c.Redis,
		prefix:     c.PubsubPrefix,
		machines:   make(map[string]*game.Machine),
	}

	r := c.Engine
	r.POST("/api/login", a.login)
	r.POST("/api/logout", a.authed(a.logout))

	g := r.Group("/api/game")
	g.GET("/state", a.authed(a.state))
	g.POST("/start", a.authed(a.start))
	g.POST("/acknowledge", a.authed(a.acknowledge))
	g.POST("/select", a.authed(a.selectImage))
	g.POST("/advance", a.authed(a.advance))
	g.POST("/submit", a.authed(a.submit))
	g.POST("/retry", a.authed(a.retryCommit))
	g.POST("/reset", a.authed(a.reset))

	ad := r.Group("/api/admin")
	ad.GET("/leaderboard", a.authed(a.adminOnly(a.getLeaderboard)))
	ad.GET("/leaderboard.csv", a.authed(a.adminOnly(a.exportLeaderboard)))
	ad.DELETE("/submissions/:id", a.authed(a.adminOnly(a.deleteSubmission)))
	ad.DELETE("/sessions/:uid", a.authed(a.adminOnly(a.deleteSession)))
	ad.POST("/exit", a.authed(a.adminOnly(a.exitAdmin)))

	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameHeartbeatWritten, func(ctx context.Context, e event.Event) error {
		return a.PublishHeartbeat(ctx, e.(domain.EventHeartbeatWritten))
	})

	return a
}

// Shutdown closes every live machine, stopping its timers and flushing a
// last heartbeat so in-flight games can resume after a restart. Tokens are
// invalidated; clients log in again.
func (a *API) Shutdown(ctx context.Context) {
	a.mu.Lock()
	machines := a.machines
	a.machines = make(map[string]*game.Machine)
	a.mu.Unlock()

	for _, m := range machines {
		m.Close(ctx)
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TeamName string `json:"teamName"`
}

func (a *API) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("login: %v", err)))
		return
	}

	m := a.newMachine()
	if err := m.Authenticate(c.Request.Context(), req.Username, req.Password, req.TeamName); err != nil {
		abort(c, err)
		return
	}

	token := uuid.NewString()
	a.mu.Lock()
	a.machines[token] = m
	a.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"state": renderState(m.State()),
	})
}

func (a *API) logout(c *gin.Context, m *game.Machine) {
	m.Logout(c.Request.Context())

	token := bearerToken(c)
	a.mu.Lock()
	delete(a.machines, token)
	a.mu.Unlock()

	c.Status(http.StatusNoContent)
}

func (a *API) state(c *gin.Context, m *game.Machine) {
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) start(c *gin.Context, m *game.Machine) {
	if err := m.Start(); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) acknowledge(c *gin.Context, m *game.Machine) {
	if err := m.Acknowledge(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

type selectRequest struct {
	RoundID int    `json:"roundId" binding:"required"`
	ImageID string `json:"imageId" binding:"required"`
}

func (a *API) selectImage(c *gin.Context, m *game.Machine) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("select: %v", err)))
		return
	}

	if err := m.Select(c.Request.Context(), req.RoundID, req.ImageID); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) advance(c *gin.Context, m *game.Machine) {
	if err := m.Advance(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) submit(c *gin.Context, m *game.Machine) {
	if err := m.Submit(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) retryCommit(c *gin.Context, m *game.Machine) {
	if err := m.RetryCommit(c.Request.Context()); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) reset(c *gin.Context, m *game.Machine) {
	if err := m.Reset(); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

func (a *API) getLeaderboard(c *gin.Context, _ *game.Machine) {
	board, err := a.ls.Board(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderLeaderboard(board))
}

func (a *API) exportLeaderboard(c *gin.Context, _ *game.Machine) {
	board, err := a.ls.Board(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="leaderboard.csv"`)
	if err := leaderboard.ExportCSV(c.Writer, board); err != nil {
		abort(c, err)
	}
}

func (a *API) deleteSubmission(c *gin.Context, _ *game.Machine) {
	if err := a.ls.DeleteSubmission(c.Request.Context(), c.Param("id")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) deleteSession(c *gin.Context, _ *game.Machine) {
	if err := a.admin.DeleteActiveSession(c.Request.Context(), c.Param("uid")); err != nil {
		abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) exitAdmin(c *gin.Context, m *game.Machine) {
	if err := m.ExitAdmin(); err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, renderState(m.State()))
}

type machineHandler func(*gin.Context, *game.Machine)

func (a *API) authed(h machineHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			abort(c, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("missing bearer token")))
			return
		}

		a.mu.RLock()
		m, ok := a.machines[token]
		a.mu.RUnlock()
		if !ok {
			abort(c, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("unknown session token")))
			return
		}

		h(c, m)
	}
}

func (a *API) adminOnly(h machineHandler) machineHandler {
	return func(c *gin.Context, m *game.Machine) {
		s := m.State()
		if s.Identity == nil || !s.Identity.Admin {
			abort(c, errors.New(errors.CodePermissionDenied,
				errors.WithMessagef("admin role required")))
			return
		}
		h(c, m)
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return token
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code,
		"message": e.Message,
	})
}

// View structs: what the browser may see. Image kinds never cross the wire,
// so a client cannot read the answer key out of the payload; a round's verdict
// appears only once the round is resolved.
type (
	StateView struct {
		Status         string          `json:"status"`
		TeamName       string          `json:"teamName"`
		Rounds         []RoundView     `json:"rounds"`
		CurrentRound   int             `json:"currentRound"`
		Score          int             `json:"score"`
		Completed      int             `json:"completed"`
		Progress       float64         `json:"progress"`
		ElapsedMS      int64           `json:"elapsedMs"`
		RoundTimeLeft  int64           `json:"roundTimeLeftMs"`
		GlobalTimeLeft int64           `json:"globalTimeLeftMs"`
		CommitFailed   bool            `json:"commitFailed"`
		Submission     *SubmissionView `json:"submission,omitempty"`
	}

	RoundView struct {
		ID           int         `json:"id"`
		Subject      string      `json:"subject"`
		Images       []ImageView `json:"images"`
		UserChoiceID string      `json:"userChoiceId,omitempty"`
		Correct      *bool       `json:"correct,omitempty"`
	}

	ImageView struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}

	SubmissionView struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Score     int    `json:"score"`
		TimeMS    int64  `json:"timeMs"`
		Attempt   int    `json:"attempt"`
		Title     string `json:"title"`
		CreatedAt string `json:"createdAt"`
	}
)

func renderState(s game.State) StateView {
	v := StateView{
		Status:         string(s.Status),
		TeamName:       s.TeamName,
		Rounds:         make([]RoundView, 0, len(s.Rounds)),
		CurrentRound:   s.CurrentRound,
		Score:          s.Score,
		Completed:      s.Completed,
		Progress:       s.Progress,
		ElapsedMS:      s.Elapsed.Milliseconds(),
		RoundTimeLeft:  s.RoundTimeLeft.Milliseconds(),
		GlobalTimeLeft: s.GlobalTimeLeft.Milliseconds(),
		CommitFailed:   s.CommitFailed,
	}

	for _, r := range s.Rounds {
		rv := RoundView{
			ID:           r.ID,
			Subject:      r.Subject,
			Images:       []ImageView{{ID: r.Images[0].ID, URL: r.Images[0].URL}, {ID: r.Images[1].ID, URL: r.Images[1].URL}},
			UserChoiceID: r.UserChoiceID,
			Correct:      r.Correct,
		}
		v.Rounds = append(v.Rounds, rv)
	}

	if s.Submission != nil {
		v.Submission = &SubmissionView{
			ID:        s.Submission.ID,
			Name:      s.Submission.Name,
			Score:     s.Submission.Score,
			TimeMS:    s.Submission.TimeTaken.Milliseconds(),
			Attempt:   s.Submission.Attempt,
			Title:     leaderboard.Title(s.Submission.Score, len(s.Submission.Rounds)),
			CreatedAt: s.Submission.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	return v
}

type (
	LeaderboardView struct {
		Entries []LeaderboardEntryView `json:"entries"`
		Live    []LiveEntryView        `json:"live"`
	}

	LeaderboardEntryView struct {
		Rank      int    `json:"rank"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		Score     int    `json:"score"`
		TimeMS    int64  `json:"timeMs"`
		Grade     string `json:"grade"`
		CreatedAt string `json:"createdAt"`
		Duplicate bool   `json:"duplicate"`
	}

	LiveEntryView struct {
		OwnerID    string `json:"ownerId"`
		Name       string `json:"name"`
		Email      string `json:"email"`
		Score      int    `json:"score"`
		Progress   int    `json:"progress"`
		LastActive string `json:"lastActive"`
	}
)

func renderLeaderboard(l *domain.Leaderboard) LeaderboardView {
	v := LeaderboardView{
		Entries: make([]LeaderboardEntryView, 0, len(l.Entries)),
		Live:    make([]LiveEntryView, 0, len(l.Live)),
	}

	for _, e := range l.Entries {
		v.Entries = append(v.Entries, LeaderboardEntryView{
			Rank:      e.Rank,
			Name:      e.Name,
			Email:     e.Email,
			Score:     e.Score,
			TimeMS:    e.TimeTaken.Milliseconds(),
			Grade:     e.Grade,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
			Duplicate: e.Duplicate,
		})
	}

	for _, e := range l.Live {
		v.Live = append(v.Live, LiveEntryView{
			OwnerID:    e.OwnerID,
			Name:       e.Name,
			Email:      e.Email,
			Score:      e.Score,
			Progress:   e.Progress,
			LastActive: e.LastActive.UTC().Format(time.RFC3339),
		})
	}

	return v
}
