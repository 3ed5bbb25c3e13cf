package hub

import (
	"fmt"
)

// Payloads up to this size are inlined into the dedup key verbatim; larger
// ones are hashed so keys stay small.
const dedupInlineLimit = 64

// dedupKey derives a cache key for a request from its method, session, and
// payload. Small payloads are embedded directly; anything larger goes through
// a 53-bit FNV-1a hash mixed with the payload length so that truncating the
// hash does not collapse same-prefix payloads of different sizes.
func dedupKey(method, sessionID string, payload []byte) string {
	if len(payload) <= dedupInlineLimit {
		return fmt.Sprintf("%s:%s:%s", method, sessionID, payload)
	}
	return fmt.Sprintf("%s:%s:h%x:%d", method, sessionID, hash53(payload), len(payload))
}

// hash53 is FNV-1a truncated to 53 bits.
func hash53(data []byte) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for _, b := range data {
		h ^= uint64(b)
		h *= prime64
	}
	return h & ((1 << 53) - 1)
}
