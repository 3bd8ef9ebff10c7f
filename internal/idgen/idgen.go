// Package idgen generates short, URL-safe identifiers for correlation and
// outbox messages.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes used across the server.
const (
	CorrelationPrefix = "cor-"
	OutboxPrefix      = "obx-"
)

// Alphabet defines the character set used for the random portion of the ID.
const Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
const Length = 10

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustGenerate is GenerateWithPrefix for callers that cannot handle an
// entropy failure.
func MustGenerate(prefix string) string {
	id, err := GenerateWithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id
}

// Correlation returns a new correlation ID.
func Correlation() string {
	return MustGenerate(CorrelationPrefix)
}

// Outbox returns a new outbox message ID.
func Outbox() string {
	return MustGenerate(OutboxPrefix)
}
