package ledger

import (
	"errors"
	"fmt"
)

// Error kinds callers are expected to branch on. Anything else coming
// out of the ledger is a backend failure, passed through wrapped and
// never retried here; the order-keyed uniqueness makes whole-operation
// retries by the caller safe.
var (
	// ErrDuplicate marks a replay of an already-applied mutation or an
	// already-taken history snapshot. It means "already done", not
	// corruption.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrInvalidArgument marks a malformed request, rejected before any
	// storage call.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a lookup of a key that was never written.
	ErrNotFound = errors.New("not found")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
