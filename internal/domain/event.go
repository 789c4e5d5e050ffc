package domain

const (
	EventNameGameFinished       = "game.finished"
	EventNameHeartbeatWritten   = "heartbeat.written"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventGameFinished struct {
	Submission Submission
}

func (EventGameFinished) Name() string { return EventNameGameFinished }

type EventHeartbeatWritten struct {
	Session ActiveSession
}

func (EventHeartbeatWritten) Name() string { return EventNameHeartbeatWritten }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
