// Package scoring ranks search candidates against a query.
package scoring

import (
	"sort"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"
)

// Tweak adjusts the score of a title containing Keyword (case-insensitive).
type Tweak struct {
	Keyword string
	Delta   float64
}

// DefaultTweaks is the keyword table applied by New.
var DefaultTweaks = []Tweak{
	{"live", -0.15},
	{"concert", -0.1},
	{"official", 0.1},
	{"karaoke", -0.1},
	{"react", -0.15},
	{"lyric", 0.35},
	{"behind the scenes", -0.1},
	{"clean", -0.1},
	{"vocals only", -0.5},
	{"cover", -0.2},
	{"#shorts", -0.2},
}

const (
	recentWindow  = 5 * 7 * 24 * time.Hour
	recentPenalty = -0.2

	veryShort        = 40 * time.Second
	veryShortPenalty = -0.4
	short            = 80 * time.Second
	shortPenalty     = -0.2

	querySeparator = " - "
)

// Candidate is a search result with the metadata needed for scoring.
type Candidate struct {
	ID          string
	URL         string
	Title       string
	Duration    time.Duration
	PublishedAt time.Time // zero when unknown
	Live        bool
}

// Scored pairs a candidate with its relevance score.
type Scored struct {
	Candidate
	Score float64
}

// Scorer computes relevance scores.
type Scorer struct {
	tweaks []Tweak
	now    func() time.Time
}

// New creates a scorer using DefaultTweaks and the wall clock.
func New() *Scorer {
	return &Scorer{tweaks: DefaultTweaks, now: time.Now}
}

// WithClock returns a copy of s that reads the current time from now.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	c := *s
	c.now = now
	return &c
}

// Similarity returns the sequence matcher ratio of a and b, compared rune by rune.
func Similarity(a, b string) float64 {
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

// Score returns the relevance of a candidate to query. The result is not clamped.
func (s *Scorer) Score(title string, duration time.Duration, publishedAt time.Time, query string) float64 {
	score := Similarity(title, query)
	if strings.Contains(query, querySeparator) {
		parts := strings.Split(query, querySeparator)
		reversed := parts[1] + querySeparator + parts[0]
		score = (score + Similarity(title, reversed)) / 2
	}

	lower := strings.ToLower(title)
	for _, t := range s.tweaks {
		if strings.Contains(lower, strings.ToLower(t.Keyword)) {
			score += t.Delta
		}
	}

	if !publishedAt.IsZero() && publishedAt.After(s.now().Add(-recentWindow)) {
		score += recentPenalty
	}

	switch {
	case duration < veryShort:
		score += veryShortPenalty
	case duration < short:
		score += shortPenalty
	}
	return score
}

// Rank scores every non-live candidate and returns them best first.
// Candidates with equal scores keep their input order.
func (s *Scorer) Rank(candidates []Candidate, query string) []Scored {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		if c.Live {
			continue
		}
		out = append(out, Scored{
			Candidate: c,
			Score:     s.Score(c.Title, c.Duration, c.PublishedAt, query),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
