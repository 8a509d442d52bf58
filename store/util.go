package store

import (
	"time"
)

// TimestampLayout formats server generated message timestamps.
const TimestampLayout = time.RFC3339

// Timestamp returns ts unchanged when the client gave one, otherwise formats now.
func Timestamp(ts string, now time.Time) string {
	if ts != "" {
		return ts
	}
	return now.Format(TimestampLayout)
}

// pairKey is the unordered key of a conversation: the two usernames in lexical order.
type pairKey struct {
	lo, hi string
}

func makePairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}
