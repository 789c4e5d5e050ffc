package catalog

import (
	"fmt"

	"github.com/pranikaK17/Turing-test-ACM/internal/domain"
)

// Entry is one source pair: a subject with its real photograph and its
// generated counterpart. Entries are immutable; the generator decides order
// and on-screen placement.
type Entry struct {
	Subject string
	RealURL string
	AIURL   string
}

// Default returns the built-in image set. Kept in catalog order here; rounds
// are shuffled at generation time, never in the catalog itself.
func Default() []Entry {
	return []Entry{
		{Subject: "children", RealURL: "/static/images/childrenREAL.jpeg", AIURL: "/static/images/childrenAI.jpeg"},
		{Subject: "train", RealURL: "/static/images/trainREAL.jpeg", AIURL: "/static/images/trainAI.jpeg"},
		{Subject: "drone", RealURL: "/static/images/droneREAL.jpeg", AIURL: "/static/images/droneAI.jpeg"},
		{Subject: "dog", RealURL: "/static/images/dogREAL.jpeg", AIURL: "/static/images/dogFAKE.jpeg"},
		{Subject: "parachute", RealURL: "/static/images/parachuteREAL.jpeg", AIURL: "/static/images/parachuteAI.jpeg"},
		{Subject: "snow", RealURL: "/static/images/snowREAL.jpeg", AIURL: "/static/images/snowAI.jpeg"},
	}
}

// Images materializes the pair for a round, real first. The AI image always
// keeps its kind regardless of where the generator places it.
func (e Entry) Images(roundPos int) [2]domain.Image {
	return [2]domain.Image{
		{ID: imageID(roundPos, 1), URL: e.RealURL, Kind: domain.KindReal},
		{ID: imageID(roundPos, 2), URL: e.AIURL, Kind: domain.KindAI},
	}
}

func imageID(roundPos, n int) string {
	return fmt.Sprintf("round-%d-img%d", roundPos, n)
}
