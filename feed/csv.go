package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

// CSV streams bars from a candle file:
//
//	time,open,high,low,close[,volume]
//
// time is RFC3339, "2006-01-02 15:04:05" (UTC) or unix seconds as MT5
// exports it. A single header row is allowed and short rows are skipped.
// Bars outside [from, to) are dropped when the bounds are set.
type CSV struct {
	path string
	from time.Time
	to   time.Time

	f    *os.File
	r    *csv.Reader
	line int
}

func OpenCSV(path string, from, to time.Time) (*CSV, error) {
	c := &CSV{path: path, from: from, to: to}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset reopens the file at the first row.
func (c *CSV) Reset() error {
	if c.f != nil {
		c.f.Close()
	}
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	c.f, c.r, c.line = f, r, 0
	return nil
}

func (c *CSV) Close() error {
	if c.f == nil {
		return nil
	}
	err := c.f.Close()
	c.f = nil
	return err
}

func (c *CSV) Next(ctx context.Context) (market.Bar, error) {
	for {
		if err := ctx.Err(); err != nil {
			return market.Bar{}, err
		}
		if c.r == nil {
			return market.Bar{}, ErrClosed
		}
		row, err := c.r.Read()
		if err != nil {
			return market.Bar{}, err
		}
		c.line++
		if len(row) == 0 {
			continue
		}
		if c.line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}
		b, ok, err := ParseBarRow(row)
		if err != nil {
			return market.Bar{}, fmt.Errorf("%s:%d: %w", c.path, c.line, err)
		}
		if !ok || !inRange(b.Time, c.from, c.to) {
			continue
		}
		return b, nil
	}
}

// ReadCSV loads every bar from r.
func ReadCSV(r io.Reader) ([]market.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var bars []market.Bar
	for line := 1; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}
		b, ok, err := ParseBarRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if ok {
			bars = append(bars, b)
		}
	}
}

// WriteCSV writes bars in the format ReadCSV accepts.
func WriteCSV(w io.Writer, bars []market.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, b := range bars {
		row := []string{b.Time.UTC().Format(time.RFC3339), f(b.Open), f(b.High), f(b.Low), f(b.Close), f(b.Volume)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseBarRow parses one candle row. ok is false for rows too short to hold
// a bar.
func ParseBarRow(row []string) (market.Bar, bool, error) {
	if len(row) < 5 {
		return market.Bar{}, false, nil
	}
	ts := strings.TrimSpace(row[0])
	if ts == "" {
		return market.Bar{}, false, nil
	}
	t, err := parseTime(ts)
	if err != nil {
		return market.Bar{}, false, err
	}

	var vals [5]float64
	n := 4
	if len(row) > 5 && strings.TrimSpace(row[5]) != "" {
		n = 5
	}
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(row[i+1]), 64)
		if err != nil {
			return market.Bar{}, false, fmt.Errorf("bad number %q: %w", row[i+1], err)
		}
		vals[i] = v
	}
	return market.Bar{
		Time:   t,
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, true, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time %q", s)
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}
