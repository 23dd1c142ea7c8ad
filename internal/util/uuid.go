package util

import (
	"fmt"

	"github.com/google/uuid"
)

// consumerNamespace roots the name-based consumer ids.
var consumerNamespace = uuid.MustParse("8b0c4f4e-5d1a-4f3c-9a57-0f2ab1d6c3e1")

// ConsumerID derives a stable id from a consumer name so every replica of
// the same consumer shares one inbox identity.
func ConsumerID(name string) uuid.UUID {
	return uuid.NewSHA1(consumerNamespace, []byte(name))
}

// ParseUUID accepts the canonical 36-character form only.
func ParseUUID(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("invalid uuid %q: expected 36 characters", s)
	}
	return uuid.Parse(s)
}
