package dumps

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown dump id.
	ErrNotFound = errors.New("dump not found")

	// ErrInconsistent reports a live record whose blob is missing. This is
	// a violated invariant (external tampering or a lost file), surfaced
	// distinctly from ErrNotFound so operators can detect it.
	ErrInconsistent = errors.New("dump file missing from storage")
)

// ValidationError reports a rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
