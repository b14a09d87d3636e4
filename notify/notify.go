// Package notify escalates conditions that need a human, such as an open
// position with no working exit.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/xautrader/internal/logging"
	"go.uber.org/zap"
)

type Level int

const (
	Info Level = iota
	Warning
	Critical
)

func (l Level) String() string {
	switch l {
	case Info:
		return "INFO"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info", "":
		return Info, nil
	case "warning", "warn":
		return Warning, nil
	case "critical":
		return Critical, nil
	}
	return Info, fmt.Errorf("unknown alert level %q (want info|warning|critical)", s)
}

type Alert struct {
	Level      Level
	Title      string
	Message    string
	PositionID string
	Time       time.Time
}

func (a Alert) String() string {
	s := fmt.Sprintf("[%s] %s", a.Level, a.Title)
	if a.PositionID != "" {
		s += " (position " + a.PositionID + ")"
	}
	if a.Message != "" {
		s += "\n" + a.Message
	}
	return s
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type Nop struct{}

func (Nop) Alert(context.Context, Alert) error { return nil }

// Log writes alerts to a zap logger at a level matching the alert.
type Log struct {
	log *zap.Logger
}

func NewLog(l *zap.Logger) *Log {
	return &Log{log: logging.OrNop(l).Named("alert")}
}

func (l *Log) Alert(_ context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("title", a.Title),
		zap.String("message", a.Message),
	}
	if a.PositionID != "" {
		fields = append(fields, zap.String("position", a.PositionID))
	}
	if !a.Time.IsZero() {
		fields = append(fields, zap.Time("at", a.Time))
	}
	switch a.Level {
	case Critical:
		l.log.Error("alert", fields...)
	case Warning:
		l.log.Warn("alert", fields...)
	default:
		l.log.Info("alert", fields...)
	}
	return nil
}

// Multi delivers to every alerter and joins their errors.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if al == nil {
			continue
		}
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MinLevel drops alerts below min before passing them on.
func MinLevel(min Level, next Alerter) Alerter {
	return levelFilter{min: min, next: next}
}

type levelFilter struct {
	min  Level
	next Alerter
}

func (f levelFilter) Alert(ctx context.Context, a Alert) error {
	if a.Level < f.min {
		return nil
	}
	return f.next.Alert(ctx, a)
}
