// Package strategies turns indicator samples into trading signals.
package strategies

import (
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/xautrader/indicators"
	"github.com/rustyeddy/xautrader/market"
)

type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
)

type Kind string

const (
	GoldenCross Kind = "golden_cross"
	DeathCross  Kind = "death_cross"
)

// Signal is emitted on the bar where a crossover is detected.
type Signal struct {
	Time      time.Time
	Action    Action
	Direction market.Direction // entry direction, or the side to flatten on exit
	Kind      Kind
	Price     float64 // close of the signal bar
	Sample    indicators.Sample
}

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %s @ %.3f (%s)", s.Kind, s.Action, s.Direction, s.Price, s.Time.UTC().Format(time.RFC3339))
}

// Generator consumes indicator samples and reports at most one signal per
// sample.
type Generator interface {
	Name() string
	OnSample(s indicators.Sample) (Signal, bool)
	Reset()
}

// ByName builds a generator from its CLI/config name.
func ByName(name string, mode DeathCrossMode) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sma-cross", "smacross", "":
		return NewSMACross(mode)
	default:
		return nil, fmt.Errorf("unknown strategy %q (supported: sma-cross)", name)
	}
}
