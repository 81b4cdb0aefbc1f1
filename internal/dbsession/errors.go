package dbsession

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Caller-level errors. These describe configuration mistakes or misuse and are
// returned wrapped with the key/session they concern.
var (
	ErrUnknownConnectionKey      = errors.New("no connection string registered for key")
	ErrUnsupportedBackend        = errors.New("unsupported connection string backend")
	ErrUnknownContextType        = errors.New("no factory registered for context type")
	ErrUnsupportedContextBackend = errors.New("context type does not support connection backend")
	ErrConnectionAlreadyInUse    = errors.New("connection already in use by another unit of work")
	ErrConnectionReplaced        = errors.New("connection record was replaced")
	ErrBrokenConnection          = errors.New("connection is broken")
	ErrForeignHandle             = errors.New("handle belongs to a different coordinator")
)

// Invariant violations. Code outside the coordinator changed state the
// coordinator owns; these are always delivered inside an *InvariantError.
var (
	ErrDirtyConnection     = errors.New("live transaction attached to a closed connection")
	ErrDirtyContextState   = errors.New("context state does not match its connection record")
	ErrCrossConnectionLeak = errors.New("contexts for one key attached to different connections")
)

// InvariantError reports broken bookkeeping. It is not recoverable by retrying:
// the session that produced it should be abandoned.
type InvariantError struct {
	Err    error
	Detail string
}

func (e *InvariantError) Error() string {
	return e.Err.Error() + ": " + e.Detail
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// IsInvariantViolation reports whether err carries an *InvariantError.
func IsInvariantViolation(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func invariant(err error, format string, args ...any) error {
	e := &InvariantError{Err: err, Detail: fmt.Sprintf(format, args...)}
	log.Error().Err(e).Msg("Connection bookkeeping invariant violated")
	return e
}
