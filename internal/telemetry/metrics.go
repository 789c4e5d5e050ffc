package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GamesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvai_games_started_total",
		Help: "Games that entered PLAYING.",
	})

	GamesFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvai_games_finished_total",
		Help: "Games finalized with a committed submission.",
	})

	Heartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvai_heartbeats_total",
		Help: "Successful active-session heartbeat writes.",
	})

	HeartbeatFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rvai_heartbeat_failures_total",
		Help: "Heartbeat writes that failed and were swallowed.",
	})
)
