// Package lifecycle owns the single tracked position: it turns signals into
// sized orders, follows them through fills and exits, and writes one
// ClosedTrade per finished position. Replay and live drivers use the same
// Manager; only the broker behind it differs.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/internal/id"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
	"github.com/rustyeddy/xautrader/notify"
	"github.com/rustyeddy/xautrader/risk"
	"github.com/rustyeddy/xautrader/strategies"
	"go.uber.org/zap"
)

type Option func(*Manager)

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNop(l) }
}

func WithAlerter(a notify.Alerter) Option {
	return func(m *Manager) {
		if a != nil {
			m.alerts = a
		}
	}
}

// WithIDs sets the position ID source. Replays pass a seeded generator.
func WithIDs(g *id.Generator) Option {
	return func(m *Manager) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithClock replaces time.Now. Replays report bar time.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSleep replaces the retry backoff wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NoSleep retries immediately. Replays use it so simulated failures do
// not cost wall time.
func NoSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager is the order lifecycle state machine. Every exported method runs
// under one mutex, so at most one transition is in flight.
type Manager struct {
	mu sync.Mutex

	cfg     Config
	meta    market.InstrumentMeta
	broker  broker.Broker
	journal journal.Journal
	alerts  notify.Alerter
	ids     *id.Generator
	log     *zap.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	state  State
	pos    *Position
	queued *strategies.Signal
	trades []journal.ClosedTrade
	// order IDs of finished positions; late reports for them are dropped
	retired map[string]bool
	// entries given up after a timeout, by client ID; the broker may still
	// fill them
	orphans map[string]*Position

	realized   float64
	lastPrice  float64
	lastTime   time.Time
	lastSignal time.Time
	stale      bool
}

func New(cfg Config, b broker.Broker, j journal.Journal, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("lifecycle: broker is required")
	}
	if j == nil {
		j = journal.Nop{}
	}
	meta, _ := market.Lookup(cfg.Instrument)
	cfg.Instrument = meta.Name
	if cfg.SignalPolicy == "" {
		cfg.SignalPolicy = SignalIgnore
	}

	m := &Manager{
		cfg:     cfg,
		meta:    meta,
		broker:  b,
		journal: j,
		alerts:  notify.Nop{},
		ids:     id.NewGenerator(),
		log:     zap.NewNop(),
		now:     time.Now,
		sleep:   sleepCtx,
		state:   StateIdle,
		retired: make(map[string]bool),
		orphans: make(map[string]*Position),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.Named("lifecycle")
	return m, nil
}

// Reset forgets all positions and trades and rewinds the ID source. The
// broker is not touched.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = StateIdle
	m.pos = nil
	m.queued = nil
	m.trades = nil
	m.retired = make(map[string]bool)
	m.orphans = make(map[string]*Position)
	m.realized = 0
	m.lastPrice = 0
	m.lastTime = time.Time{}
	m.lastSignal = time.Time{}
	m.stale = false
	m.ids.Reset()
}

// OnSignal acts on a crossover signal.
func (m *Manager) OnSignal(ctx context.Context, sig strategies.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.log.With(zap.String("signal", string(sig.Kind)), zap.Stringer("direction", sig.Direction), zap.Time("at", sig.Time))
	outcome := func(o string) {
		metrics.SignalsTotal.WithLabelValues(string(sig.Kind), o).Inc()
	}

	switch sig.Action {
	case strategies.ActionExit:
		if m.state != StateOpen || m.pos.Direction != sig.Direction {
			log.Debug("exit signal ignored", zap.String("state", string(m.state)))
			outcome("ignored")
			return nil
		}
		outcome("exit")
		return m.exitLocked(ctx, market.ExitSignal, 0)
	case strategies.ActionEnter:
	default:
		return fmt.Errorf("lifecycle: unknown signal action %q", sig.Action)
	}

	if m.cfg.SignalCooldown > 0 && !m.lastSignal.IsZero() && sig.Time.Sub(m.lastSignal) < m.cfg.SignalCooldown {
		log.Debug("entry signal inside cooldown")
		outcome("cooldown")
		return nil
	}
	m.lastSignal = sig.Time

	switch m.state {
	case StateIdle:
		return m.enterLocked(ctx, sig)
	case StateOpen:
		if sig.Direction == m.pos.Direction.Opposite() {
			log.Info("reversal: closing before entry", zap.String("position", m.pos.ID))
			q := sig
			m.queued = &q
			outcome("reversal")
			return m.exitLocked(ctx, market.ExitSignal, 0)
		}
	}

	if m.cfg.SignalPolicy == SignalQueue {
		q := sig
		m.queued = &q
		log.Info("entry signal queued", zap.String("state", string(m.state)))
		outcome("queued")
		return nil
	}
	log.Debug("entry signal ignored", zap.String("state", string(m.state)))
	outcome("ignored")
	return nil
}

// enterLocked sizes and submits an entry. Broker failures and no-trade
// decisions leave the manager idle and are not returned as errors.
func (m *Manager) enterLocked(ctx context.Context, sig strategies.Signal) error {
	log := m.log.With(zap.String("signal", string(sig.Kind)), zap.Time("at", sig.Time))
	outcome := func(o string) {
		metrics.SignalsTotal.WithLabelValues(string(sig.Kind), o).Inc()
	}

	if m.stale {
		log.Warn("entry skipped: broker connection stale")
		outcome("stale")
		return nil
	}

	var acct broker.Account
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		acct, err = m.broker.GetAccount(ctx)
		return err
	})
	if err != nil {
		m.noteBrokerError(err)
		log.Warn("entry skipped: account unavailable", zap.Error(err))
		outcome("account_error")
		return ctx.Err()
	}

	sz, err := risk.Size(m.cfg.Sizer, risk.Inputs{
		Equity:    acct.Equity,
		ATR:       sig.Sample.ATR,
		Entry:     sig.Price,
		Direction: sig.Direction,
	})
	if err != nil {
		if errors.Is(err, risk.ErrSizingRejected) {
			log.Info("no trade: size below minimum lot", zap.Float64("equity", acct.Equity), zap.Float64("atr", sig.Sample.ATR))
			outcome("sizing_rejected")
		} else {
			log.Warn("no trade: sizing failed", zap.Error(err))
			outcome("sizing_error")
		}
		return nil
	}
	if sz.Capped {
		log.Info("size capped at max lot", zap.Float64("lots", sz.Lots))
	}

	dec := risk.Evaluate(m.cfg.Policy, risk.TradeIntent{
		Now:          sig.Time,
		Instrument:   m.cfg.Instrument,
		Lots:         sz.Lots,
		ContractSize: m.meta.ContractSize,
		Entry:        sig.Price,
		Stop:         sz.StopLoss,
		TakeProfit:   sz.TakeProfit,
	}, risk.AccountSnapshot{
		Balance: acct.Balance,
		Equity:  acct.Equity,
	}, risk.PnLSnapshot{DayRealized: m.dayRealizedLocked(sig.Time)})
	if !dec.Allowed {
		log.Warn("no trade: risk policy", zap.String("decision", dec.String()))
		outcome("policy_rejected")
		return nil
	}

	m.pos = &Position{
		ID:         m.ids.New(sig.Time),
		Instrument: m.cfg.Instrument,
		Direction:  sig.Direction,
		Lots:       sz.Lots,
		StopLoss:   sz.StopLoss,
		TakeProfit: sz.TakeProfit,
		Sizing:     sz,
		LastPrice:  sig.Price,
		LastTime:   sig.Time,
	}
	m.setState(StatePendingEntry)
	outcome("entered")

	if err := m.submitEntryLocked(ctx); err != nil {
		return ctx.Err()
	}
	return nil
}

// submitEntryLocked sends the pending entry, retrying transient failures.
// On final failure the position is dropped and the manager returns to idle.
func (m *Manager) submitEntryLocked(ctx context.Context) error {
	p := m.pos
	req := broker.OrderRequest{
		ClientID:   p.ID,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Lots:       p.Lots,
		Time:       m.now(),
	}
	if m.broker.Capabilities().NativeBrackets {
		req.StopLoss = p.StopLoss
		req.TakeProfit = p.TakeProfit
	}

	var ack broker.OrderAck
	timedOut := false
	err := m.retry(ctx, "entry", &p.entryAttempts, m.cfg.EntryRetries, func(ctx context.Context) error {
		var err error
		ack, err = m.broker.SubmitOrder(ctx, req)
		if errors.Is(err, broker.ErrTimeout) {
			timedOut = true
		}
		return err
	})
	if err != nil && timedOut && ctx.Err() == nil {
		// A timed-out submit may still have been accepted.
		if rerr := m.reconcileLocked(ctx, false); rerr != nil {
			m.log.Warn("reconcile after entry timeout failed", zap.String("position", p.ID), zap.Error(rerr))
		}
		if m.pos == p && m.state == StateOpen {
			m.log.Warn("timed-out entry found at broker", zap.String("position", p.ID), zap.String("trade", p.TradeID))
			return nil
		}
	}
	if err != nil {
		m.log.Warn("entry failed, back to idle",
			zap.String("position", p.ID),
			zap.Int("attempts", p.entryAttempts),
			zap.Error(err))
		m.alert(ctx, notify.Warning, "entry failed", err.Error())
		if timedOut {
			m.orphans[p.ID] = p
		}
		m.retireLocked(p)
		m.pos = nil
		m.setState(StateIdle)
		return err
	}

	p.EntryOrderID = ack.OrderID
	p.SubmittedAt = m.now()
	if ack.StopLossOrderID != "" {
		p.StopLossOrderID = ack.StopLossOrderID
	}
	if ack.TakeProfitOrderID != "" {
		p.TakeProfitOrderID = ack.TakeProfitOrderID
	}
	m.log.Info("entry submitted",
		zap.String("position", p.ID),
		zap.String("order", ack.OrderID),
		zap.Stringer("direction", p.Direction),
		zap.Float64("lots", p.Lots),
		zap.Float64("sl", p.StopLoss),
		zap.Float64("tp", p.TakeProfit))
	return nil
}

// exitLocked submits a close for the tracked position. When the close
// cannot be placed the position is flagged and ErrInterventionRequired is
// returned the first time.
func (m *Manager) exitLocked(ctx context.Context, reason market.ExitReason, hint float64) error {
	p := m.pos
	p.ExitReason = reason
	m.setState(StateClosing)

	req := broker.CloseRequest{
		TradeID:    p.TradeID,
		ClientID:   p.ID,
		Instrument: p.Instrument,
		Lots:       p.Lots,
		Reason:     reason,
		Price:      hint,
		Time:       m.now(),
	}
	var ack broker.OrderAck
	err := m.retry(ctx, "exit", &p.exitAttempts, m.cfg.ExitRetries, func(ctx context.Context) error {
		var err error
		ack, err = m.broker.ClosePosition(ctx, req)
		return err
	})
	if err == nil {
		p.ExitOrderID = ack.OrderID
		m.log.Info("exit submitted",
			zap.String("position", p.ID),
			zap.String("order", ack.OrderID),
			zap.String("reason", string(reason)),
			zap.Float64("hint", hint))
		return nil
	}

	if errors.Is(err, broker.ErrNotFound) {
		m.log.Warn("exit: trade not found at broker, reconciling", zap.String("position", p.ID))
		return m.reconcileLocked(ctx, false)
	}

	first := !p.exitFailed
	p.exitFailed = true
	p.Flagged = true
	m.setState(StateFailed)
	if !first {
		m.log.Warn("exit retry failed", zap.String("position", p.ID), zap.Error(err))
		return nil
	}
	m.log.Error("exit failed, position needs intervention", zap.String("position", p.ID), zap.Error(err))
	m.alert(ctx, notify.Critical, "exit failed", fmt.Sprintf("%s: %v", p, err))
	return fmt.Errorf("%w: position %s: %v", ErrInterventionRequired, p.ID, err)
}

// OnPrice records the latest bar and, when the broker keeps no brackets,
// checks stop and target against it.
func (m *Manager) OnPrice(ctx context.Context, b market.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPrice = b.Close
	m.lastTime = b.Time
	p := m.pos
	if p == nil {
		return nil
	}
	p.LastPrice = b.Close
	p.LastTime = b.Time

	switch m.state {
	case StateOpen:
		if p.nativeLegs() {
			break
		}
		if price, reason, hit := market.CheckBrackets(p.Direction, p.StopLoss, p.TakeProfit, b); hit {
			m.log.Info("bracket touched",
				zap.String("position", p.ID),
				zap.String("reason", string(reason)),
				zap.Float64("price", price))
			return m.exitLocked(ctx, reason, price)
		}
	case StateFailed:
		// one attempt per update
		p.exitAttempts = m.cfg.ExitRetries
		return m.exitLocked(ctx, p.ExitReason, 0)
	}
	metrics.FloatingPL.Set(m.floatingLocked())
	return nil
}

// CheckTimeouts cancels an entry that has waited longer than FillTimeout.
func (m *Manager) CheckTimeouts(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.pos
	if m.state != StatePendingEntry || p == nil || p.EntryOrderID == "" || m.cfg.FillTimeout <= 0 {
		return nil
	}
	if now.Sub(p.SubmittedAt) < m.cfg.FillTimeout {
		return nil
	}
	m.log.Warn("entry not filled in time, cancelling",
		zap.String("position", p.ID),
		zap.Duration("waited", now.Sub(p.SubmittedAt)))
	return m.cancelEntryLocked(ctx)
}

func (m *Manager) cancelEntryLocked(ctx context.Context) error {
	p := m.pos
	err := m.call(ctx, func(ctx context.Context) error {
		return m.broker.CancelOrder(ctx, p.EntryOrderID)
	})
	metrics.ObserveOrder("cancel", err)
	switch {
	case err == nil:
		m.log.Info("entry cancelled", zap.String("position", p.ID))
		m.retireLocked(p)
		m.pos = nil
		m.setState(StateIdle)
		return nil
	case errors.Is(err, broker.ErrNotFound):
		// Filled or gone before the cancel arrived.
		return m.reconcileLocked(ctx, true)
	default:
		m.noteBrokerError(err)
		m.log.Warn("entry cancel failed, will retry", zap.String("position", p.ID), zap.Error(err))
		return nil
	}
}

// Close exits the tracked position by hand. A pending entry is cancelled.
func (m *Manager) Close(ctx context.Context, reason market.ExitReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason == "" {
		reason = market.ExitManual
	}
	switch m.state {
	case StateOpen:
		return m.exitLocked(ctx, reason, 0)
	case StateFailed:
		m.pos.exitAttempts = 0
		return m.exitLocked(ctx, reason, 0)
	case StatePendingEntry:
		if m.pos.EntryOrderID == "" {
			return nil
		}
		if err := m.cancelEntryLocked(ctx); err != nil {
			return err
		}
		if m.state == StateOpen {
			return m.exitLocked(ctx, reason, 0)
		}
	}
	return nil
}

// FloatingPL is the unrealized P/L of the tracked position at the last
// price, before commission.
func (m *Manager) FloatingPL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.floatingLocked()
}

func (m *Manager) floatingLocked() float64 {
	p := m.pos
	if p == nil || !m.state.holdsPosition() || m.lastPrice == 0 {
		return 0
	}
	return GrossPL(p.Direction, p.EntryPrice, m.lastPrice, p.Lots, m.meta.ContractSize)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Trades returns a copy of every ClosedTrade so far.
func (m *Manager) Trades() []journal.ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]journal.ClosedTrade(nil), m.trades...)
}

type Snapshot struct {
	State      State
	Position   *Position
	Queued     *strategies.Signal
	Stale      bool
	LastPrice  float64
	FloatingPL float64
	RealizedPL float64
	Trades     int
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		State:      m.state,
		Stale:      m.stale,
		LastPrice:  m.lastPrice,
		FloatingPL: m.floatingLocked(),
		RealizedPL: m.realized,
		Trades:     len(m.trades),
	}
	if m.pos != nil {
		p := *m.pos
		s.Position = &p
	}
	if m.queued != nil {
		q := *m.queued
		s.Queued = &q
	}
	return s
}

func (m *Manager) setState(s State) {
	if m.state != s {
		m.log.Debug("state", zap.String("from", string(m.state)), zap.String("to", string(s)))
	}
	m.state = s
	if m.pos != nil {
		m.pos.Status = s
	}
	metrics.SetState(string(s), allStates)
}

func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	return broker.Call(ctx, m.cfg.CallTimeout, fn)
}

// retry runs fn until it succeeds, fails permanently, or attempts passes
// retries+1. attempts carries over between calls.
func (m *Manager) retry(ctx context.Context, kind string, attempts *int, retries int, fn func(context.Context) error) error {
	err := fmt.Errorf("%s: no attempts left", kind)
	for n := 0; *attempts <= retries; n++ {
		if n > 0 {
			if serr := m.sleep(ctx, m.backoff(n)); serr != nil {
				return serr
			}
		}
		*attempts++
		err = m.call(ctx, fn)
		metrics.ObserveOrder(kind, err)
		if err == nil {
			return nil
		}
		m.noteBrokerError(err)
		if !broker.Retryable(err) {
			return err
		}
		m.log.Warn("broker call failed",
			zap.String("kind", kind),
			zap.Int("attempt", *attempts),
			zap.Error(err))
	}
	return err
}

// backoff grows the base delay by 1.8x per retry, capped at MaxBackoff.
func (m *Manager) backoff(n int) time.Duration {
	d := time.Duration(float64(m.cfg.RetryBackoff) * math.Pow(1.8, float64(n-1)))
	if m.cfg.MaxBackoff > 0 && d > m.cfg.MaxBackoff {
		d = m.cfg.MaxBackoff
	}
	return d
}

func (m *Manager) noteBrokerError(err error) {
	if errors.Is(err, broker.ErrConnectionLost) && !m.stale {
		m.log.Warn("broker connection lost")
		m.stale = true
	}
}

func (m *Manager) alert(ctx context.Context, lvl notify.Level, title, msg string) {
	a := notify.Alert{Level: lvl, Title: title, Message: msg, Time: m.now()}
	if m.pos != nil {
		a.PositionID = m.pos.ID
	}
	if err := m.alerts.Alert(context.WithoutCancel(ctx), a); err != nil {
		m.log.Error("alert delivery failed", zap.Error(err))
	}
}

func (m *Manager) retireLocked(p *Position) {
	for _, id := range []string{p.EntryOrderID, p.ExitOrderID, p.StopLossOrderID, p.TakeProfitOrderID} {
		if id != "" {
			m.retired[id] = true
		}
	}
}

func (m *Manager) dayRealizedLocked(t time.Time) float64 {
	y, mo, d := t.UTC().Date()
	var sum float64
	for _, tr := range m.trades {
		ty, tm, td := tr.ExitTime.UTC().Date()
		if ty == y && tm == mo && td == d {
			sum += tr.RealizedPL
		}
	}
	return sum
}
