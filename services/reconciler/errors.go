package reconciler

import (
	"errors"
	"fmt"
)

// ErrUnrecoverable marks a failure that must not be retried, such as a stored
// snapshot that can no longer be decoded. The consumer acks these after
// logging instead of requeueing a poison message.
var ErrUnrecoverable = errors.New("unrecoverable event processing failure")

func unrecoverable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnrecoverable, fmt.Sprintf(format, args...))
}
