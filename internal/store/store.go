package store

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Redis holds the mutable active-session records.
	Redis  redis.UniversalClient
	Prefix string

	// DB holds the append-only submission records.
	DB *pgxpool.Pool
}

// Service is the persistence gateway. The state machine sees it through the
// game.Store interface; the admin surface uses the listing methods directly.
type Service struct {
	rc     redis.UniversalClient
	prefix string
	db     *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{
		rc:     c.Redis,
		prefix: c.Prefix,
		db:     c.DB,
	}
}
