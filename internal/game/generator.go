package game

import (
	"context"
	"math/rand/v2"

	"github.com/pranikaK17/Turing-test-ACM/internal/catalog"
	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
	"github.com/pranikaK17/Turing-test-ACM/internal/errors"
)

// ProgressFunc reports generation progress in [0,100] as rounds materialize.
type ProgressFunc func(progress float64)

// Generator produces the round set for one game: catalog entries in a
// shuffled order, with a coin flip per round deciding which image sits left.
type Generator struct {
	entries []catalog.Entry
	rng     *rand.Rand
}

type GeneratorConfig struct {
	Entries []catalog.Entry
	// Rand is the shuffle source. Tests pass a seeded one; nil means a
	// randomly seeded source.
	Rand *rand.Rand
}

func NewGenerator(c GeneratorConfig) *Generator {
	rng := c.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	return &Generator{
		entries: c.Entries,
		rng:     rng,
	}
}

// Generate builds the rounds for a new game. Round order is a Fisher-Yates
// shuffle of the catalog; round IDs are assigned 1..N by final position, not
// catalog position. onProgress may be nil.
func (g *Generator) Generate(ctx context.Context, onProgress ProgressFunc) ([]domain.Round, error) {
	if len(g.entries) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("generate: empty catalog"))
	}

	order := g.rng.Perm(len(g.entries))

	rounds := make([]domain.Round, 0, len(order))
	for pos, idx := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry := g.entries[idx]
		images := entry.Images(pos)
		if g.rng.IntN(2) == 1 {
			images[0], images[1] = images[1], images[0]
		}

		rounds = append(rounds, domain.Round{
			ID:      pos + 1,
			Subject: entry.Subject,
			Images:  images,
		})

		if onProgress != nil {
			onProgress(float64(pos+1) / float64(len(order)) * 100)
		}
	}

	return rounds, nil
}
