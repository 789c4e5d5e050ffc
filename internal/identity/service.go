package identity

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
)

type Config struct {
	DB *pgxpool.Pool
}

// Service resolves credentials against the users table. It stands in for the
// external identity provider: the rest of the system only ever sees a
// domain.Identity and an admin flag.
type Service struct {
	db *pgxpool.Pool
}

func NewService(c Config) *Service {
	return &Service{db: c.DB}
}

// Authenticate verifies the credential pair. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*domain.Identity, error) {
	const stmt = `SELECT user_id, username, email, digest, role FROM users WHERE username = $1;`

	var (
		id     domain.Identity
		digest []byte
		role   string
	)
	err := s.db.QueryRow(ctx, stmt, username).Scan(&id.UID, &id.Name, &id.Email, &digest, &role)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, badCredentials()
	}
	if err != nil {
		return nil, fmt.Errorf("identity: query user: %w", err)
	}

	sum := sha256.Sum256([]byte(password))
	if subtle.ConstantTimeCompare(sum[:], digest) != 1 {
		return nil, badCredentials()
	}

	id.Admin = role == "admin"
	return &id, nil
}

// ResolveRole looks up the admin flag on its own. Callers must treat an error
// here as "not an admin": privilege fails closed, gameplay stays open.
func (s *Service) ResolveRole(ctx context.Context, uid string) (bool, error) {
	const stmt = `SELECT role FROM users WHERE user_id = $1;`

	var role string
	err := s.db.QueryRow(ctx, stmt, uid).Scan(&role)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("identity: query role: %w", err)
	}

	return role == "admin", nil
}

func badCredentials() error {
	return errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("invalid credentials"))
}
