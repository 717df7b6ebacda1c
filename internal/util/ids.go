package util

import (
	"strings"

	"github.com/google/uuid"
)

// ID prefixes for the durable work tables. Patient-owned entities use bare UUIDs.
const (
	JobIDPrefix    = "job_"
	OutboxIDPrefix = "out_"
)

// PrefixedID returns prefix followed by a random UUID in 32-char hex form.
func PrefixedID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateJobID returns an ID for a delayed job.
func GenerateJobID() string { return PrefixedID(JobIDPrefix) }

// GenerateOutboxID returns an ID for a caregiver outbox message.
func GenerateOutboxID() string { return PrefixedID(OutboxIDPrefix) }
