package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ContentHash returns a deterministic digest over the user-visible event
// fields. Volatile fields (etags, sequences, server timestamps) are excluded
// so the hash only changes when something a user edited changed. The engine
// uses it for skip-if-unchanged decisions and mapping freshness.
func (e *Event) ContentHash() string {
	var b strings.Builder

	write := func(key, value string) {
		b.WriteString(key)
		b.WriteByte(':')
		b.WriteString(value)
		b.WriteByte('\n')
	}

	write("uid", e.CanonicalUID())
	write("summary", strings.TrimSpace(e.Summary))
	write("description", strings.TrimSpace(e.Description))
	write("location", strings.TrimSpace(e.Location))

	if e.AllDay {
		write("start", e.Start.Format("2006-01-02"))
		write("end", e.End.Format("2006-01-02"))
	} else {
		write("start", e.Start.UTC().Format(time.RFC3339))
		write("end", e.End.UTC().Format(time.RFC3339))
	}

	write("allDay", fmt.Sprintf("%t", e.AllDay))
	write("timezone", e.Timezone)
	write("rrule", normalizeRRule(e.RRule))
	write("organizer", strings.ToLower(strings.TrimSpace(e.Organizer)))

	attendees := make([]string, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		attendees = append(attendees, strings.ToLower(strings.TrimSpace(a)))
	}
	slices.Sort(attendees)
	write("attendees", strings.Join(attendees, ","))

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

// normalizeRRule strips the optional "RRULE:" prefix and surrounding
// whitespace so the same rule hashes identically regardless of which side
// serialized it.
func normalizeRRule(rule string) string {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(rule, "RRULE:")

	return strings.ToUpper(rule)
}
