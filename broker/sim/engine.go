// Package sim is a bar driven simulated broker. It is the execution adapter
// used by replays and paper trading.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/internal/id"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/risk"
	"go.uber.org/zap"
)

type Config struct {
	AccountID  string  `json:"account_id" yaml:"account_id"`
	Currency   string  `json:"currency" yaml:"currency"`
	Balance    float64 `json:"balance" yaml:"balance"`
	Instrument string  `json:"instrument" yaml:"instrument"`

	// Spread is the full bid/ask spread in price units. Half of it is paid
	// on every fill.
	Spread float64 `json:"spread" yaml:"spread"`
	// CommissionPerLot is charged on entry and again on exit.
	CommissionPerLot float64 `json:"commission_per_lot" yaml:"commission_per_lot"`

	// NativeBrackets keeps SL/TP as resting orders inside the simulator.
	NativeBrackets bool `json:"native_brackets" yaml:"native_brackets"`
	// FillDelayBars > 0 fills market orders at the open of a later bar
	// instead of immediately at the last close.
	FillDelayBars int `json:"fill_delay_bars" yaml:"fill_delay_bars"`

	Seed int64 `json:"seed" yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		AccountID:        "SIM-001",
		Currency:         "USD",
		Balance:          10000,
		Instrument:       market.XAUUSD,
		Spread:           0.25,
		CommissionPerLot: 7,
		Seed:             1,
	}
}

type Engine struct {
	mu        sync.Mutex
	cfg       Config
	meta      market.InstrumentMeta
	acct      broker.Account
	last      market.Bar
	hasPrice  bool
	bars      int
	trades    []*Trade
	orders    []*order
	faults    Faults
	connected bool

	events  *broker.EventQueue
	journal journal.Journal
	ids     *id.Generator
	log     *zap.Logger
}

func NewEngine(cfg Config, j journal.Journal, log *zap.Logger) (*Engine, error) {
	meta, ok := market.Lookup(cfg.Instrument)
	if !ok {
		return nil, fmt.Errorf("sim: unknown instrument %q", cfg.Instrument)
	}
	if cfg.Balance <= 0 {
		return nil, fmt.Errorf("sim: balance must be positive")
	}
	if cfg.Spread < 0 || cfg.CommissionPerLot < 0 || cfg.FillDelayBars < 0 {
		return nil, fmt.Errorf("sim: spread, commission and fill delay must not be negative")
	}
	if j == nil {
		j = journal.Nop{}
	}
	cfg.Instrument = meta.Name

	e := &Engine{
		cfg:     cfg,
		meta:    meta,
		events:  broker.NewEventQueue(),
		journal: j,
		ids:     id.NewSeeded(cfg.Seed),
		log:     logging.OrNop(log).Named("sim"),
	}
	e.resetLocked()
	return e, nil
}

// Reset restores the starting account and forgets all trades and orders.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.ids.Reset()
	e.events.Drain()
}

func (e *Engine) resetLocked() {
	e.acct = broker.Account{
		ID:         e.cfg.AccountID,
		Currency:   e.cfg.Currency,
		Balance:    e.cfg.Balance,
		Equity:     e.cfg.Balance,
		FreeMargin: e.cfg.Balance,
	}
	e.last = market.Bar{}
	e.hasPrice = false
	e.bars = 0
	e.trades = nil
	e.orders = nil
	e.faults = Faults{}
	e.connected = true
}

func (e *Engine) SetFaults(f Faults) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = f
}

// Disconnect drops the client link: calls fail with ErrConnectionLost and
// events are lost until Reconnect. Brackets keep working broker side.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return
	}
	e.events.Push(broker.Event{Kind: broker.EventDisconnected, Time: e.last.Time})
	e.connected = false
}

func (e *Engine) Reconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connected {
		return
	}
	e.connected = true
	e.events.Push(broker.Event{Kind: broker.EventReconnected, Time: e.last.Time})
}

// ReleaseEntries fills held entry orders at the last close.
func (e *Engine) ReleaseEntries() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults.HoldEntries = false
	for _, o := range e.workingOrders(orderEntry) {
		if o.held {
			e.fillEntryLocked(o, e.last.Close, e.last.Time)
		}
	}
}

func (e *Engine) Capabilities() broker.Capabilities {
	return broker.Capabilities{NativeBrackets: e.cfg.NativeBrackets}
}

func (e *Engine) Events() *broker.EventQueue {
	return e.events
}

func (e *Engine) wait(ctx context.Context) error {
	e.mu.Lock()
	d := e.faults.Latency
	e.mu.Unlock()

	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter performs the latency and connectivity checks shared by all calls and
// returns with the lock held on success.
func (e *Engine) enter(ctx context.Context) error {
	if err := e.wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return broker.ErrConnectionLost
	}
	return nil
}

func (e *Engine) GetAccount(ctx context.Context) (broker.Account, error) {
	if err := e.enter(ctx); err != nil {
		return broker.Account{}, err
	}
	defer e.mu.Unlock()

	e.revalueLocked()
	return e.acct, nil
}

func (e *Engine) Positions(ctx context.Context) ([]broker.PositionInfo, error) {
	if err := e.enter(ctx); err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	var out []broker.PositionInfo
	for _, t := range e.trades {
		if t.Open {
			out = append(out, t.info())
		}
	}
	return out, nil
}

func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	if err := e.enter(ctx); err != nil {
		return broker.OrderAck{}, err
	}
	defer e.mu.Unlock()

	if e.faults.RejectSubmits > 0 {
		e.faults.RejectSubmits--
		return broker.OrderAck{}, fmt.Errorf("%w: simulated rejection", broker.ErrRejected)
	}
	if err := e.validateLocked(req); err != nil {
		return broker.OrderAck{}, err
	}

	o := &order{
		id:        e.ids.New(e.last.Time),
		kind:      orderEntry,
		clientID:  req.ClientID,
		direction: req.Direction,
		lots:      req.Lots,
		stopLoss:  req.StopLoss,
		takeProf:  req.TakeProfit,
	}
	ack := broker.OrderAck{OrderID: o.id}

	if e.faults.RejectSubmitsAsync > 0 {
		e.faults.RejectSubmitsAsync--
		e.push(broker.Event{
			Kind:     broker.EventRejected,
			OrderID:  o.id,
			ClientID: o.clientID,
			Time:     e.last.Time,
			Reason:   "simulated rejection",
		})
		return ack, nil
	}

	switch {
	case e.faults.HoldEntries:
		o.held = true
		e.orders = append(e.orders, o)
	case e.cfg.FillDelayBars > 0:
		o.fillAtBar = e.bars + e.cfg.FillDelayBars
		e.orders = append(e.orders, o)
	default:
		e.fillEntryLocked(o, e.last.Close, e.last.Time)
	}

	e.log.Debug("order accepted",
		zap.String("order", o.id),
		zap.String("client", o.clientID),
		zap.Stringer("direction", o.direction),
		zap.Float64("lots", o.lots))
	return ack, nil
}

func (e *Engine) validateLocked(req broker.OrderRequest) error {
	reject := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", broker.ErrRejected, fmt.Sprintf(format, args...))
	}
	if m, ok := market.Lookup(req.Instrument); !ok || m.Name != e.cfg.Instrument {
		return reject("instrument %q not traded", req.Instrument)
	}
	if req.Direction != market.Long && req.Direction != market.Short {
		return reject("direction must be long or short")
	}
	if req.Lots < e.meta.MinLot || req.Lots > e.meta.MaxLot {
		return reject("lots %.2f outside [%.2f, %.2f]", req.Lots, e.meta.MinLot, e.meta.MaxLot)
	}
	if math.Abs(risk.QuantizeLots(req.Lots+1e-9, e.meta.LotStep)-req.Lots) > 1e-9 {
		return reject("lots %v not a multiple of %v", req.Lots, e.meta.LotStep)
	}
	if !e.hasPrice {
		return reject("no market price yet")
	}
	px := e.last.Close
	if req.Direction == market.Long {
		if (req.StopLoss > 0 && req.StopLoss >= px) || (req.TakeProfit > 0 && req.TakeProfit <= px) {
			return reject("brackets on wrong side of %.3f", px)
		}
	} else if (req.StopLoss > 0 && req.StopLoss <= px) || (req.TakeProfit > 0 && req.TakeProfit >= px) {
		return reject("brackets on wrong side of %.3f", px)
	}
	return nil
}

func (e *Engine) ClosePosition(ctx context.Context, req broker.CloseRequest) (broker.OrderAck, error) {
	if err := e.enter(ctx); err != nil {
		return broker.OrderAck{}, err
	}
	defer e.mu.Unlock()

	if e.faults.RejectCloses > 0 {
		e.faults.RejectCloses--
		return broker.OrderAck{}, fmt.Errorf("%w: simulated close rejection", broker.ErrRejected)
	}

	t := e.findOpen(req.TradeID, req.ClientID)
	if t == nil {
		return broker.OrderAck{}, fmt.Errorf("close %q: %w", req.TradeID, broker.ErrNotFound)
	}

	o := &order{
		id:       e.ids.New(e.last.Time),
		kind:     orderClose,
		clientID: t.ClientID,
		tradeID:  t.ID,
		lots:     t.Lots,
		price:    req.Price,
		reason:   req.Reason,
	}
	if e.cfg.FillDelayBars > 0 && req.Price == 0 {
		o.fillAtBar = e.bars + e.cfg.FillDelayBars
		e.orders = append(e.orders, o)
		return broker.OrderAck{OrderID: o.id}, nil
	}

	ref := e.last.Close
	if req.Price > 0 {
		ref = req.Price
	}
	e.fillCloseLocked(o, t, ref, e.last.Time)
	return broker.OrderAck{OrderID: o.id}, nil
}

func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	if err := e.enter(ctx); err != nil {
		return err
	}
	defer e.mu.Unlock()

	for i, o := range e.orders {
		if o.id == orderID {
			e.orders = append(e.orders[:i], e.orders[i+1:]...)
			e.log.Debug("order cancelled", zap.String("order", orderID))
			return nil
		}
	}
	return fmt.Errorf("cancel %q: %w", orderID, broker.ErrNotFound)
}

// OnBar advances the simulator by one closed bar: delayed orders fill at the
// open, resting brackets are checked against the range, and an equity
// snapshot is journaled.
func (e *Engine) OnBar(b market.Bar) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.last = b
	e.hasPrice = true
	e.bars++

	for _, o := range append([]*order(nil), e.orders...) {
		if o.held || o.fillAtBar == 0 || o.fillAtBar > e.bars {
			continue
		}
		switch o.kind {
		case orderEntry:
			e.fillEntryLocked(o, b.Open, b.Time)
		case orderClose:
			e.removeOrder(o.id)
			t := e.findOpen(o.tradeID, "")
			if t == nil {
				e.push(broker.Event{Kind: broker.EventRejected, OrderID: o.id, TradeID: o.tradeID, Time: b.Time, Reason: "trade already closed"})
				continue
			}
			e.fillCloseLocked(o, t, b.Open, b.Time)
		}
	}

	if e.cfg.NativeBrackets {
		for _, t := range e.trades {
			if !t.Open {
				continue
			}
			e.checkLegsLocked(t, b)
		}
	}

	e.revalueLocked()
	return e.journal.RecordEquity(journal.EquitySnapshot{
		Time:        b.Time,
		Balance:     e.acct.Balance,
		Equity:      e.acct.Equity,
		MarginUsed:  e.acct.MarginUsed,
		FreeMargin:  e.acct.FreeMargin,
		MarginLevel: e.acct.MarginLevel,
	})
}

func (e *Engine) checkLegsLocked(t *Trade, b market.Bar) {
	sl, tp := 0.0, 0.0
	if e.hasOrder(t.StopLossOrderID) {
		sl = t.StopLoss
	}
	if e.hasOrder(t.TakeProfitOrderID) {
		tp = t.TakeProfit
	}
	price, reason, hit := market.CheckBrackets(t.Direction, sl, tp, b)
	if !hit {
		return
	}

	legID := t.StopLossOrderID
	if reason == market.ExitTakeProfit {
		legID = t.TakeProfitOrderID
	}
	// The sibling leg stays working; cancelling it is the client's job.
	e.removeOrder(legID)
	o := &order{id: legID, clientID: t.ClientID, tradeID: t.ID, lots: t.Lots, reason: reason}
	e.fillCloseLocked(o, t, price, b.Time)
}

func (e *Engine) fillEntryLocked(o *order, ref float64, at time.Time) {
	e.removeOrder(o.id)

	t := &Trade{
		ID:         e.ids.New(at),
		ClientID:   o.clientID,
		Instrument: e.cfg.Instrument,
		Direction:  o.direction,
		Lots:       o.lots,
		EntryPrice: e.fillPrice(o.direction, ref),
		OpenTime:   at,
		StopLoss:   o.stopLoss,
		TakeProfit: o.takeProf,
		Open:       true,
	}
	if e.cfg.NativeBrackets {
		if t.StopLoss > 0 {
			t.StopLossOrderID = e.ids.New(at)
			e.orders = append(e.orders, &order{id: t.StopLossOrderID, kind: orderStopLoss, tradeID: t.ID})
		}
		if t.TakeProfit > 0 {
			t.TakeProfitOrderID = e.ids.New(at)
			e.orders = append(e.orders, &order{id: t.TakeProfitOrderID, kind: orderTakeProfit, tradeID: t.ID})
		}
	}
	e.trades = append(e.trades, t)
	e.acct.Balance -= e.commission(t.Lots)

	e.log.Debug("entry filled",
		zap.String("trade", t.ID),
		zap.Stringer("direction", t.Direction),
		zap.Float64("price", t.EntryPrice),
		zap.Float64("lots", t.Lots))

	e.push(broker.Event{
		Kind:              broker.EventFilled,
		OrderID:           o.id,
		TradeID:           t.ID,
		ClientID:          t.ClientID,
		Price:             t.EntryPrice,
		Lots:              t.Lots,
		Time:              at,
		StopLossOrderID:   t.StopLossOrderID,
		TakeProfitOrderID: t.TakeProfitOrderID,
	})
}

func (e *Engine) fillCloseLocked(o *order, t *Trade, ref float64, at time.Time) {
	price := e.fillPrice(t.Direction.Opposite(), ref)
	pl := UnrealizedPL(*t, price, e.meta.ContractSize)

	t.ClosePrice = price
	t.CloseTime = at
	t.RealizedPL = pl
	t.Open = false
	e.acct.Balance += pl - e.commission(t.Lots)

	e.log.Debug("trade closed",
		zap.String("trade", t.ID),
		zap.Float64("price", price),
		zap.Float64("pl", pl),
		zap.String("reason", string(o.reason)))

	ev := broker.Event{
		Kind:     broker.EventFilled,
		OrderID:  o.id,
		TradeID:  t.ID,
		ClientID: t.ClientID,
		Price:    price,
		Lots:     t.Lots,
		Time:     at,
	}
	if o.kind != orderClose {
		ev.Trigger = o.reason
	}
	e.push(ev)
}

// fillPrice applies half the spread against the side doing the trading.
func (e *Engine) fillPrice(side market.Direction, ref float64) float64 {
	return ref + side.Sign()*e.cfg.Spread/2
}

func (e *Engine) commission(lots float64) float64 {
	return lots * e.cfg.CommissionPerLot
}

func (e *Engine) push(ev broker.Event) {
	if !e.connected {
		e.log.Debug("event lost while disconnected", zap.Stringer("event", ev))
		return
	}
	e.events.Push(ev)
}

func (e *Engine) findOpen(tradeID, clientID string) *Trade {
	for _, t := range e.trades {
		if !t.Open {
			continue
		}
		if (tradeID != "" && t.ID == tradeID) || (tradeID == "" && clientID != "" && t.ClientID == clientID) {
			return t
		}
	}
	return nil
}

func (e *Engine) hasOrder(id string) bool {
	if id == "" {
		return false
	}
	for _, o := range e.orders {
		if o.id == id {
			return true
		}
	}
	return false
}

func (e *Engine) removeOrder(id string) {
	for i, o := range e.orders {
		if o.id == id {
			e.orders = append(e.orders[:i], e.orders[i+1:]...)
			return
		}
	}
}

func (e *Engine) workingOrders(kind orderKind) []*order {
	var out []*order
	for _, o := range e.orders {
		if o.kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// WorkingOrders returns the IDs of all working orders, oldest first.
func (e *Engine) WorkingOrders() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, o.id)
	}
	return out
}

// ClosedTrades returns copies of every trade the simulator has closed.
func (e *Engine) ClosedTrades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Trade
	for _, t := range e.trades {
		if !t.Open {
			out = append(out, *t)
		}
	}
	return out
}

func (e *Engine) revalueLocked() {
	equity := e.acct.Balance
	var used float64
	for _, t := range e.trades {
		if !t.Open {
			continue
		}
		mark := e.fillPrice(t.Direction.Opposite(), e.last.Close)
		equity += UnrealizedPL(*t, mark, e.meta.ContractSize)
		used += TradeMargin(t.Lots, e.last.Close, e.meta)
	}

	e.acct.Equity = equity
	e.acct.MarginUsed = used
	e.acct.FreeMargin = equity - used
	if used > 0 {
		e.acct.MarginLevel = equity / used
	} else {
		e.acct.MarginLevel = 0
	}
}
