package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pranikaK17/Turing-test-ACM/internal/api"
	"github.com/pranikaK17/Turing-test-ACM/internal/catalog"
	"github.com/pranikaK17/Turing-test-ACM/internal/event"
	"github.com/pranikaK17/Turing-test-ACM/internal/game"
	"github.com/pranikaK17/Turing-test-ACM/internal/identity"
	"github.com/pranikaK17/Turing-test-ACM/internal/leaderboard"
	"github.com/pranikaK17/Turing-test-ACM/internal/store"
	"github.com/pranikaK17/Turing-test-ACM/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port      int32
		StaticDir string
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Game struct {
		// Seconds; 0 means the built-in default, negative disables the timer.
		RoundSeconds     int
		GlobalSeconds    int
		HeartbeatSeconds int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		store       *store.Service
		identity    *identity.Service
		leaderboard *leaderboard.Service
	}

	api  *api.API
	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	s.service.store = store.NewService(store.Config{
		Redis:  s.infra.redis,
		Prefix: s.c.Redis.Prefix,
		DB:     s.infra.postgres,
	})

	s.service.identity = identity.NewService(identity.Config{
		DB: s.infra.postgres,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Store:    s.service.store,
		Redis:    s.infra.redis,
		Prefix:   s.c.Redis.Prefix,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	if s.c.HTTP.StaticDir != "" {
		e.Static("/static", s.c.HTTP.StaticDir)
	}

	s.api = api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		NewMachine:   s.newMachine,
		Leaderboard:  s.service.leaderboard,
		Admin:        s.service.store,
		Redis:        s.infra.redis,
		PubsubPrefix: s.c.Redis.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// newMachine builds one player's machine. Each gets its own generator so
// shuffles never share a rand source across goroutines.
func (s *Server) newMachine() *game.Machine {
	return game.NewMachine(game.Config{
		Generator: game.NewGenerator(game.GeneratorConfig{
			Entries: catalog.Default(),
		}),
		Store:             s.service.store,
		Identity:          s.service.identity,
		EventBus:          s.eb,
		RoundTimeout:      time.Duration(s.c.Game.RoundSeconds) * time.Second,
		GlobalTimeout:     time.Duration(s.c.Game.GlobalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(s.c.Game.HeartbeatSeconds) * time.Second,
	})
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// Machines before the bus: closing flushes final heartbeats through it.
	s.api.Shutdown(ctx)
	s.eb.Stop()

	s.infra.postgres.Close()
	if err := s.infra.redis.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
