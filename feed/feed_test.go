package feed

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rustyeddy/xautrader/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func bars(n int) []market.Bar {
	out := make([]market.Bar, n)
	for i := range out {
		p := 2300 + float64(i)
		out[i] = market.Bar{Time: t0.Add(time.Duration(i) * time.Minute), Open: p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 10}
	}
	return out
}

func TestSliceRestart(t *testing.T) {
	ctx := context.Background()
	s := NewSlice(bars(3))

	first, err := Collect(ctx, s)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.Reset())
	second, err := Collect(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSliceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSlice(bars(1)).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadCSVFormats(t *testing.T) {
	in := strings.Join([]string{
		"time,open,high,low,close,volume",
		"2024-05-01T00:00:00Z,2300,2301,2299,2300.5,12",
		"2024-05-01 00:01:00,2300.5,2302,2300,2301",
		"1714521720,2301,2303,2300.5,2302.25,7",
		"short,row",
	}, "\n")

	got, err := ReadCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, t0, got[0].Time)
	assert.Equal(t, 12.0, got[0].Volume)
	assert.Equal(t, t0.Add(time.Minute), got[1].Time)
	assert.Zero(t, got[1].Volume)
	assert.Equal(t, t0.Add(2*time.Minute), got[2].Time)
	assert.Equal(t, 2302.25, got[2].Close)
	require.NoError(t, market.ValidateSequence(got))
}

func TestReadCSVBadNumber(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("2024-05-01T00:00:00Z,abc,1,1,1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}

func TestCSVRoundTripAndRange(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, bars(5)))

	path := filepath.Join(t.TempDir(), "xau.csv")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	c, err := OpenCSV(path, t0.Add(time.Minute), t0.Add(4*time.Minute))
	require.NoError(t, err)
	defer c.Close()

	got, err := Collect(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, bars(5)[1:4], got)

	require.NoError(t, c.Reset())
	again, err := Collect(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestOpenCSVMissing(t *testing.T) {
	_, err := OpenCSV(filepath.Join(t.TempDir(), "nope.csv"), time.Time{}, time.Time{})
	assert.Error(t, err)
}

func TestQueue(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(4)
	in := bars(2)

	require.NoError(t, q.Push(ctx, in[0]))
	require.NoError(t, q.Disconnected(ctx))
	require.NoError(t, q.Push(ctx, in[1]))
	q.Close()

	b, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, in[0], b)

	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	b, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, in[1], b)

	_, err = q.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, q.Push(ctx, in[0]), ErrClosed)
}

func TestQueueBlocksUntilPush(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := NewQueue(1)
	want := bars(1)[0]

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = q.Push(ctx, want)
	}()

	got, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestQueueNextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := NewQueue(1).Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAggregator(t *testing.T) {
	a := NewAggregator(market.M5)

	_, ok := a.Add(t0.Add(30*time.Second), 2300, 1)
	assert.False(t, ok)
	_, ok = a.Add(t0.Add(2*time.Minute), 2304, 1)
	assert.False(t, ok)
	_, ok = a.Add(t0.Add(3*time.Minute), 2298, 2)
	assert.False(t, ok)
	_, ok = a.Add(t0.Add(4*time.Minute), 2301, 1)
	assert.False(t, ok)

	// late tick from an earlier period is ignored
	_, ok = a.Add(t0.Add(-time.Minute), 9999, 1)
	assert.False(t, ok)

	b, ok := a.AddTick(market.Tick{Time: t0.Add(5 * time.Minute), Bid: 2302, Ask: 2302.3})
	require.True(t, ok)
	assert.Equal(t, market.Bar{Time: t0, Open: 2300, High: 2304, Low: 2298, Close: 2301, Volume: 5}, b)

	last, ok := a.Flush()
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Minute), last.Time)
	assert.Equal(t, 2302.0, last.Close)

	_, ok = a.Flush()
	assert.False(t, ok)
}
