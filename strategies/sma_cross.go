package strategies

import (
	"fmt"

	"github.com/rustyeddy/xautrader/indicators"
	"github.com/rustyeddy/xautrader/market"
)

// DeathCrossMode selects what a fast-below-slow cross does.
type DeathCrossMode string

const (
	// DeathCrossFlat closes an open long and stays flat.
	DeathCrossFlat DeathCrossMode = "flat"
	// DeathCrossReverse enters short.
	DeathCrossReverse DeathCrossMode = "reverse"
)

func ParseDeathCrossMode(s string) (DeathCrossMode, error) {
	switch DeathCrossMode(s) {
	case DeathCrossFlat, "":
		return DeathCrossFlat, nil
	case DeathCrossReverse:
		return DeathCrossReverse, nil
	}
	return "", fmt.Errorf("unknown death cross mode %q (want flat|reverse)", s)
}

// Relation of the fast average to the slow one.
type Relation int

const (
	Undefined Relation = iota
	FastBelow
	FastAbove
)

func (r Relation) String() string {
	switch r {
	case FastBelow:
		return "fast_below_slow"
	case FastAbove:
		return "fast_above_slow"
	default:
		return "undefined"
	}
}

// SMACross emits a signal only on a change of relation between two defined
// states. The first ready sample just defines the state, and an exact tie
// keeps the previous one.
type SMACross struct {
	mode  DeathCrossMode
	state Relation
}

func NewSMACross(mode DeathCrossMode) (*SMACross, error) {
	m, err := ParseDeathCrossMode(string(mode))
	if err != nil {
		return nil, err
	}
	return &SMACross{mode: m}, nil
}

func (s *SMACross) Name() string {
	return "sma-cross"
}

func (s *SMACross) State() Relation {
	return s.state
}

func (s *SMACross) Reset() {
	s.state = Undefined
}

func (s *SMACross) OnSample(smp indicators.Sample) (Signal, bool) {
	if !smp.Ready {
		return Signal{}, false
	}

	var next Relation
	switch {
	case smp.Fast > smp.Slow:
		next = FastAbove
	case smp.Fast < smp.Slow:
		next = FastBelow
	default:
		return Signal{}, false
	}

	prev := s.state
	s.state = next
	if prev == Undefined || prev == next {
		return Signal{}, false
	}

	sig := Signal{
		Time:   smp.Time,
		Price:  smp.Close,
		Sample: smp,
	}
	if next == FastAbove {
		sig.Kind = GoldenCross
		sig.Action = ActionEnter
		sig.Direction = market.Long
		return sig, true
	}

	sig.Kind = DeathCross
	if s.mode == DeathCrossReverse {
		sig.Action = ActionEnter
		sig.Direction = market.Short
	} else {
		sig.Action = ActionExit
		sig.Direction = market.Long
	}
	return sig, true
}
