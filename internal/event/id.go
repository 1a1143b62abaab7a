package event

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// base32hex with lowercase letters, the only alphabet the Google event id
// grammar accepts: [0-9a-v].
var idEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

const deterministicIDLength = 32

// DeterministicEventID derives a stable event id from a canonical UID. The
// same UID always yields the same id, which makes creations idempotent under
// retries and prevents duplicates when both directions race to propagate the
// same event. The first character is forced alphabetic since some id
// grammars reject a leading digit.
func DeterministicEventID(uid string) string {
	sum := sha256.Sum256([]byte(uid))

	id := strings.ToLower(idEncoding.EncodeToString(sum[:]))
	if len(id) > deterministicIDLength {
		id = id[:deterministicIDLength]
	}

	if id[0] >= '0' && id[0] <= '9' {
		id = string('a'+id[0]-'0') + id[1:]
	}

	return id
}
