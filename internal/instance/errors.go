package instance

import "fmt"

// LifecycleError reports an operation attempted against an instance in an
// invalid state, or a provider failure rephrased with a fixed
// operation-specific message. The message is stable and safe to surface to
// API callers directly.
type LifecycleError struct {
	Message string
	Err     error
}

func (e *LifecycleError) Error() string { return e.Message }

func (e *LifecycleError) Unwrap() error { return e.Err }

// VerificationError reports that a target identity does not exist on the
// messaging network.
type VerificationError struct {
	UserID string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("no account exists for %s", e.UserID)
}
