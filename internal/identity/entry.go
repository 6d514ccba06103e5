package identity

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TokenEntry is a cached token and its expiry. Entries are immutable: a
// refresh creates a new entry rather than changing a stored one.
type TokenEntry struct {
	value     string
	expiresAt time.Time
}

func NewTokenEntry(value string, expiresAt time.Time) TokenEntry {
	return TokenEntry{
		value:     value,
		expiresAt: expiresAt,
	}
}

// Value is the signed token.
func (e TokenEntry) Value() string {
	return e.value
}

func (e TokenEntry) ExpiresAt() time.Time {
	return e.expiresAt
}

// IsFresh is true when the entry is still usable for at least buffer after
// now, that is now + buffer < expiresAt. An entry expiring exactly at the end
// of the buffer is stale.
func IsFresh(entry TokenEntry, now time.Time, buffer time.Duration) bool {
	return now.Add(buffer).Before(entry.expiresAt)
}

// String omits the token value so entries can be printed safely.
func (e TokenEntry) String() string {
	return fmt.Sprintf("TokenEntry{expiresAt: %s}", e.expiresAt.Format(time.RFC3339))
}

// MarshalZerologObject logs the entry without its token value.
func (e TokenEntry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Time("expiresAt", e.expiresAt)
}
