package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/risk"
)

type State string

const (
	StateIdle         State = "idle"
	StatePendingEntry State = "pending_entry"
	StateOpen         State = "open"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	// StateFailed is an open position whose exits were exhausted. The exit
	// is retried on every price update.
	StateFailed State = "failed"
)

var allStates = []string{
	string(StateIdle), string(StatePendingEntry), string(StateOpen),
	string(StateClosing), string(StateClosed), string(StateFailed),
}

// holdsPosition reports whether the broker has (or may have) a live trade.
func (s State) holdsPosition() bool {
	return s == StateOpen || s == StateClosing || s == StateFailed
}

// SignalPolicy decides what happens to entry signals that arrive while a
// position is pending or open.
type SignalPolicy string

const (
	SignalIgnore SignalPolicy = "ignore"
	SignalQueue  SignalPolicy = "queue"
)

func ParseSignalPolicy(s string) (SignalPolicy, error) {
	switch SignalPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case SignalIgnore, "":
		return SignalIgnore, nil
	case SignalQueue:
		return SignalQueue, nil
	default:
		return "", fmt.Errorf("unknown signal policy %q (want ignore|queue)", s)
	}
}

type Config struct {
	Instrument string
	Sizer      risk.Params
	Policy     risk.Policy

	// CommissionPerLot is charged on entry and again on exit.
	CommissionPerLot float64

	SignalPolicy SignalPolicy
	// SignalCooldown drops entry signals closer together than this.
	SignalCooldown time.Duration

	// FillTimeout cancels an entry that has not filled in time. Zero waits
	// forever.
	FillTimeout time.Duration
	// CallTimeout bounds every broker call.
	CallTimeout time.Duration

	// EntryRetries and ExitRetries count attempts after the first.
	EntryRetries int
	ExitRetries  int
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Instrument:       market.XAUUSD,
		Sizer:            risk.DefaultParams(),
		Policy:           risk.DefaultPolicy(),
		CommissionPerLot: 7,
		SignalPolicy:     SignalIgnore,
		FillTimeout:      30 * time.Second,
		CallTimeout:      10 * time.Second,
		EntryRetries:     2,
		ExitRetries:      5,
		RetryBackoff:     500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

func (c Config) Validate() error {
	if _, ok := market.Lookup(c.Instrument); !ok {
		return fmt.Errorf("lifecycle: unknown instrument %q", c.Instrument)
	}
	if err := c.Sizer.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if c.CommissionPerLot < 0 {
		return fmt.Errorf("lifecycle: commission must not be negative")
	}
	if _, err := ParseSignalPolicy(string(c.SignalPolicy)); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	if c.EntryRetries < 0 || c.ExitRetries < 0 {
		return fmt.Errorf("lifecycle: retry counts must not be negative")
	}
	if c.FillTimeout < 0 || c.CallTimeout < 0 || c.RetryBackoff < 0 || c.SignalCooldown < 0 {
		return fmt.Errorf("lifecycle: durations must not be negative")
	}
	return nil
}
