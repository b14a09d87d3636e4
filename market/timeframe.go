package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a bar period named the way MT5 and OANDA name them (M1, H4, D1).
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
)

var timeframes = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
}

func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if tf == "D" {
		tf = D1
	}
	if _, ok := timeframes[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe %q (want M1|M5|M15|M30|H1|H4|D1)", s)
	}
	return tf, nil
}

func (tf Timeframe) Duration() time.Duration {
	return timeframes[tf]
}

// Granularity returns the OANDA candle granularity for the timeframe.
func (tf Timeframe) Granularity() string {
	if tf == D1 {
		return "D"
	}
	return string(tf)
}

// Truncate returns the start of the bar containing t.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(tf.Duration())
}
