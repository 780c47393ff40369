package util

import "github.com/google/uuid"

// NewThreadID generates a short execution-thread identifier with a
// readable prefix, e.g. "guardian-3f1a9c2d". Thread IDs tie orders in the
// lock registry back to the loop that placed them.
func NewThreadID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
