package market

import (
	"fmt"
	"math"
	"time"
)

// DataError reports a malformed or out-of-order bar.
type DataError struct {
	Index  int
	Time   time.Time
	Reason string
}

func (e *DataError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("bad bar #%d at %s: %s", e.Index, e.Time.UTC().Format(time.RFC3339), e.Reason)
	}
	return fmt.Sprintf("bad bar at %s: %s", e.Time.UTC().Format(time.RFC3339), e.Reason)
}

// ValidateBar checks OHLC sanity of a single bar.
func ValidateBar(b Bar) error {
	bad := func(reason string) error {
		return &DataError{Index: -1, Time: b.Time, Reason: reason}
	}
	if b.Time.IsZero() {
		return bad("missing timestamp")
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return bad("non-finite value")
		}
	}
	if b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0 {
		return bad("non-positive price")
	}
	if b.High < math.Max(b.Open, b.Close) || b.Low > math.Min(b.Open, b.Close) || b.High < b.Low {
		return bad("high/low do not bound open/close")
	}
	if b.Volume < 0 {
		return bad("negative volume")
	}
	return nil
}

// SequenceValidator enforces strictly increasing timestamps across a stream.
type SequenceValidator struct {
	last  time.Time
	count int
}

func (v *SequenceValidator) Check(b Bar) error {
	idx := v.count
	if err := ValidateBar(b); err != nil {
		de := err.(*DataError)
		de.Index = idx
		return de
	}
	if v.count > 0 && !b.Time.After(v.last) {
		reason := "timestamp not after previous bar"
		if b.Time.Equal(v.last) {
			reason = "duplicate timestamp"
		}
		return &DataError{Index: idx, Time: b.Time, Reason: reason}
	}
	v.last = b.Time
	v.count++
	return nil
}

// Count returns how many bars passed the check.
func (v *SequenceValidator) Count() int {
	return v.count
}

func (v *SequenceValidator) Reset() {
	*v = SequenceValidator{}
}

// ValidateSequence checks every bar and the ordering of the slice.
func ValidateSequence(bars []Bar) error {
	var v SequenceValidator
	for _, b := range bars {
		if err := v.Check(b); err != nil {
			return err
		}
	}
	return nil
}
