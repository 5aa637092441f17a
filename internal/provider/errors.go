package provider

import (
	"errors"
	"fmt"
)

// ErrNotOnNetwork reports that the target identity does not exist on the
// messaging network.
var ErrNotOnNetwork = errors.New("no account exists")

// ErrSocketClosed reports a command issued against a torn-down connection.
var ErrSocketClosed = errors.New("socket connection closed")

// ProviderError wraps an opaque failure surfaced by the protocol library.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider: %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
