package engine

import "time"

// Report summarizes one pass over one pair.
type Report struct {
	PairID    int64
	SessionID string

	StartedAt time.Time
	Duration  time.Duration

	Created int
	Updated int
	Deleted int
	Skipped int
	Failed  int

	Conflicts int

	// Truncated is set when the change set exceeded the per-pass event cap;
	// tokens are held back so the remainder is picked up by the next pass.
	Truncated bool

	// TokensCleared is set when the post-pass race probe found foreign
	// activity and both tokens were dropped, forcing the next pass to
	// snapshot.
	TokensCleared bool
}

// Total returns the number of per-event outcomes the pass produced.
func (r *Report) Total() int {
	return r.Created + r.Updated + r.Deleted + r.Skipped + r.Failed
}
