package models

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes per record kind.
const (
	PrefixJob        = "job"
	PrefixSandbox    = "sbx"
	PrefixDeployment = "dep"
	PrefixAudit      = "aud"
)

// NewID returns a globally unique identifier that sorts lexicographically by
// creation time. It is a UUIDv7 rendered as 32 hex characters behind prefix.
func NewID(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4 rather
		// than hand out an empty ID.
		u = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(u.String(), "-", "")
}
