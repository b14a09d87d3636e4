package lifecycle

import "errors"

var (
	// ErrUnexpectedEvent is returned for broker events that match no
	// tracked order, or that arrive in a state where they cannot apply.
	// The manager state is left untouched.
	ErrUnexpectedEvent = errors.New("unexpected broker event")

	// ErrInterventionRequired means an open position has no working exit
	// and needs a human.
	ErrInterventionRequired = errors.New("manual intervention required")
)
