package engine

import (
	"fmt"

	"github.com/tierklinik-dobersberg/calsync/internal/event"
	"github.com/tierklinik-dobersberg/calsync/internal/store"
)

// Policy selects how bilateral edits are resolved.
type Policy string

const (
	// PolicyManual defers to an operator. There is no interactive path in
	// the engine, so manual is promoted to latest-wins at resolution time.
	PolicyManual Policy = "manual"

	PolicyLatestWins Policy = "latest-wins"
	PolicyGoogleWins Policy = "google-wins"
	PolicyCalDAVWins Policy = "caldav-wins"
)

// ParsePolicy validates a configured policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyLatestWins, nil
	case PolicyManual, PolicyLatestWins, PolicyGoogleWins, PolicyCalDAVWins:
		return Policy(s), nil
	}

	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Decision names the side whose version survives and why.
type Decision struct {
	Winner event.Source
	Reason string
}

// IsConflict reports whether the two candidate versions of a mapped event
// are in genuine conflict: content differs and both sides moved since the
// mapping was last synced. Equal hashes never conflict, and a side that has
// not changed since lastSyncedAt simply loses to the one that has.
func IsConflict(google, caldav *event.Event, m *store.Mapping) bool {
	if google == nil || caldav == nil || m == nil || m.LastSyncedAt == nil {
		return false
	}

	if google.ContentHash() == caldav.ContentHash() {
		return false
	}

	return google.Updated.After(*m.LastSyncedAt) && caldav.Updated.After(*m.LastSyncedAt)
}

// Resolve is a pure function from the two candidate events, the prior
// mapping and the policy to a decision.
//
// A higher iCalendar SEQUENCE always wins regardless of policy; sequences
// are bumped deliberately and outrank wall-clock heuristics. Only then does
// the policy apply. latest-wins compares the updated timestamps in UTC with
// a stable tiebreak towards the Google side.
func Resolve(google, caldav *event.Event, _ *store.Mapping, policy Policy) Decision {
	if google.Sequence != caldav.Sequence {
		winner := event.SourceGoogle
		if caldav.Sequence > google.Sequence {
			winner = event.SourceCalDAV
		}

		return Decision{Winner: winner, Reason: "higher sequence"}
	}

	if policy == PolicyManual || policy == "" {
		policy = PolicyLatestWins
	}

	switch policy {
	case PolicyGoogleWins:
		return Decision{Winner: event.SourceGoogle, Reason: "policy google-wins"}
	case PolicyCalDAVWins:
		return Decision{Winner: event.SourceCalDAV, Reason: "policy caldav-wins"}
	}

	if caldav.Updated.UTC().After(google.Updated.UTC()) {
		return Decision{Winner: event.SourceCalDAV, Reason: "latest update"}
	}

	return Decision{Winner: event.SourceGoogle, Reason: "latest update"}
}
