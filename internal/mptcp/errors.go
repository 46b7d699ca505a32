package mptcp

import "errors"

// Error kinds surfaced to the host tool. Individual failures wrap these
// with context; classify with errors.Cause.
var (
	// The MPTCP option is malformed, or unexpected for the packet's
	// flags and direction.
	ErrOption = errors.New("mptcp: unexpected or malformed option")

	// A session precondition was violated: no pending variable name where
	// a key binding was required, or a derived value consulted before
	// both keys are known.
	ErrState = errors.New("mptcp: session state precondition violated")

	// A bounded resource is exhausted.
	ErrResource = errors.New("mptcp: resource limit reached")
)
