package market

import "fmt"

// Direction of a position or entry signal.
type Direction int

const (
	Flat  Direction = 0
	Long  Direction = 1
	Short Direction = -1
)

// Sign returns +1 for long, -1 for short and 0 for flat.
func (d Direction) Sign() float64 {
	return float64(d)
}

// Opposite returns the reverse direction. Flat stays flat.
func (d Direction) Opposite() Direction {
	return -d
}

func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

func ParseDirection(s string) (Direction, error) {
	switch s {
	case "long", "buy":
		return Long, nil
	case "short", "sell":
		return Short, nil
	case "flat", "":
		return Flat, nil
	}
	return Flat, fmt.Errorf("unknown direction %q", s)
}

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitManual     ExitReason = "manual"
	ExitSignal     ExitReason = "signal"
	ExitEndOfData  ExitReason = "end_of_data"
	ExitReconciled ExitReason = "reconciled"
)
