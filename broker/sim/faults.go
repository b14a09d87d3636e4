package sim

import "time"

// Faults makes the simulator misbehave on purpose so failure paths can be
// exercised deterministically.
type Faults struct {
	// RejectSubmits synchronously rejects the next n entry orders.
	RejectSubmits int
	// RejectSubmitsAsync accepts the next n entry orders and reports a
	// rejection event instead of a fill.
	RejectSubmitsAsync int
	// RejectCloses synchronously rejects the next n close orders.
	RejectCloses int
	// HoldEntries leaves entry orders working until cancelled or released.
	HoldEntries bool
	// Latency delays every call. Calls honor ctx, so a short deadline turns
	// this into a timeout.
	Latency time.Duration
}
