package leaderboard

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
)

// ExportCSV writes the board for offline judging. Ranked rows come first,
// live sessions follow with an empty rank and status LIVE.
func ExportCSV(w io.Writer, board *domain.Leaderboard) error {
	cw := csv.NewWriter(w)

	if err := cw.Write([]string{"Rank", "Name", "Email", "Score", "Time", "Status", "Date"}); err != nil {
		return fmt.Errorf("leaderboard: write csv header: %w", err)
	}

	for _, e := range board.Entries {
		status := "LOCKED"
		if e.Duplicate {
			status = "DUPLICATE"
		}

		err := cw.Write([]string{
			strconv.Itoa(e.Rank),
			e.Name,
			e.Email,
			strconv.Itoa(e.Score),
			formatTime(e.TimeTaken),
			status,
			e.CreatedAt.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("leaderboard: write csv row: %w", err)
		}
	}

	for _, l := range board.Live {
		err := cw.Write([]string{
			"",
			l.Name,
			l.Email,
			strconv.Itoa(l.Score),
			"",
			"LIVE",
			l.LastActive.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return fmt.Errorf("leaderboard: write csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatTime(d time.Duration) string {
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
