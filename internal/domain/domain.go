package domain

import "time"

// Status is the top-level state of a play session. It is a closed enum:
// every view and every transition dispatches on it, nothing else.
type Status string

const (
	StatusLogin      Status = "LOGIN"
	StatusIdle       Status = "IDLE"
	StatusRules      Status = "RULES"
	StatusGenerating Status = "GENERATING"
	StatusPlaying    Status = "PLAYING"
	StatusFinished   Status = "FINISHED"
	StatusAdmin      Status = "ADMIN"
)

// ImageKind tags an image as the human-made original or the generated fake.
type ImageKind string

const (
	KindReal ImageKind = "REAL"
	KindAI   ImageKind = "AI"
)

// Image is one half of a round. Immutable after generation.
type Image struct {
	ID   string    `json:"id"`
	URL  string    `json:"url"`
	Kind ImageKind `json:"kind"`
}

// Round presents two images, exactly one of each kind, under a subject label.
// ID is the 1-based position assigned at generation time and never reshuffled.
// Correct is nil until the round is resolved; a timed-out round resolves to
// false with an empty UserChoiceID.
type Round struct {
	ID           int      `json:"id"`
	Subject      string   `json:"subject"`
	Images       [2]Image `json:"images"`
	UserChoiceID string   `json:"userChoiceId,omitempty"`
	Correct      *bool    `json:"correct,omitempty"`
}

// Answered reports whether the round has been resolved, either by a player
// choice or by a timer expiry auto-mark.
func (r Round) Answered() bool {
	return r.Correct != nil
}

// Identity is what the identity gateway resolves a credential pair into.
type Identity struct {
	UID   string
	Name  string
	Email string
	Admin bool
}

// Score derives the session score from the rounds. There is no stored score
// anywhere in live state: this function is the single source of truth.
func Score(rounds []Round) int {
	n := 0
	for _, r := range rounds {
		if r.Correct != nil && *r.Correct {
			n++
		}
	}
	return n
}

// Completed counts resolved rounds, answered or auto-marked.
func Completed(rounds []Round) int {
	n := 0
	for _, r := range rounds {
		if r.Answered() {
			n++
		}
	}
	return n
}

// NextUnanswered returns the index of the first unresolved round, or the last
// index when every round is resolved. This is the resume position.
func NextUnanswered(rounds []Round) int {
	for i, r := range rounds {
		if !r.Answered() {
			return i
		}
	}
	if len(rounds) == 0 {
		return 0
	}
	return len(rounds) - 1
}

// ActiveSession is the mutable resume-point record, one per identity,
// overwritten by every heartbeat and deleted at finalize or logout. It must
// never be read once a submission exists for the attempt.
type ActiveSession struct {
	OwnerID    string
	Name       string
	Email      string
	Rounds     []Round
	Score      int
	Progress   int
	Role       string
	TimeSpent  time.Duration
	LastActive time.Time
}

// Submission is the immutable final record of a completed attempt.
type Submission struct {
	ID        string
	OwnerID   string
	Name      string
	Email     string
	Score     int
	TimeTaken time.Duration
	Rounds    []Round
	Attempt   int
	CreatedAt time.Time
	Locked    bool
}

// Leaderboard is the admin view over submissions and live sessions. Locked
// entries are ranked; live ones are listed separately and never ranked.
type Leaderboard struct {
	Entries []LeaderboardEntry
	Live    []LiveEntry
}

type LeaderboardEntry struct {
	Rank      int
	Name      string
	Email     string
	Score     int
	TimeTaken time.Duration
	Grade     string
	CreatedAt time.Time
	// Duplicate marks further submissions from an email already ranked above.
	// They stay on the board, flagged, never silently collapsed.
	Duplicate bool
}

type LiveEntry struct {
	OwnerID    string
	Name       string
	Email      string
	Score      int
	Progress   int
	LastActive time.Time
}
