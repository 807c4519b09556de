package substrate

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the adapter and relied on across the engine.
// Callers test with errors.Is; the concrete substrate errors are never
// exposed above this package.
var (
	// ErrNotFound marks an absent stream, consumer, bucket, key or message.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a caller bug: bad arguments that no retry will fix.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks "already in use" responses. EnsureStream treats it
	// as success; it is exported for callers that need to distinguish.
	ErrConflict = errors.New("already in use")

	// ErrConnection marks an unreachable substrate.
	ErrConnection = errors.New("substrate unreachable")

	// ErrPublish marks a rejected publish.
	ErrPublish = errors.New("publish rejected")
)

// Validationf builds an ErrValidation with remediation text.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf builds an ErrNotFound with context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}
