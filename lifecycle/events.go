package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/metrics"
	"github.com/rustyeddy/xautrader/notify"
	"go.uber.org/zap"
)

// HandleEvent applies one asynchronous broker report. Events are matched to
// the tracked position by order ID, broker trade ID or client ID, never by
// arrival order.
func (m *Manager) HandleEvent(ctx context.Context, ev broker.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case broker.EventDisconnected:
		m.stale = true
		m.log.Warn("broker disconnected", zap.String("state", string(m.state)))
		if m.pos != nil {
			m.alert(ctx, notify.Warning, "broker disconnected",
				"position kept in memory, will reconcile on reconnect")
		}
		return nil
	case broker.EventReconnected:
		m.log.Info("broker reconnected, reconciling")
		return m.reconcileLocked(ctx, false)
	case broker.EventFilled:
		return m.onFillLocked(ctx, ev)
	case broker.EventRejected:
		return m.onRejectLocked(ctx, ev)
	case broker.EventCancelled:
		return m.onCancelLocked(ctx, ev)
	}
	return m.unexpected(ev, "unknown kind")
}

func (m *Manager) unexpected(ev broker.Event, why string) error {
	if ev.OrderID != "" && m.retired[ev.OrderID] {
		m.log.Debug("late report for finished order", zap.Stringer("event", ev))
		return nil
	}
	m.log.Warn("unexpected broker event",
		zap.Stringer("event", ev),
		zap.String("why", why),
		zap.String("state", string(m.state)))
	return fmt.Errorf("%w: %s (%s, state %s)", ErrUnexpectedEvent, ev, why, m.state)
}

func (m *Manager) isEntryFill(ev broker.Event) bool {
	p := m.pos
	if ev.OrderID != "" && ev.OrderID == p.EntryOrderID {
		return true
	}
	return ev.ClientID != "" && ev.ClientID == p.ID && ev.Trigger == "" && !p.ownsExitOrder(ev.OrderID)
}

func (m *Manager) isExitFill(ev broker.Event) bool {
	p := m.pos
	if p.ownsExitOrder(ev.OrderID) {
		return true
	}
	return ev.Trigger != "" && ev.TradeID != "" && ev.TradeID == p.TradeID
}

func (m *Manager) onFillLocked(ctx context.Context, ev broker.Event) error {
	if orphan, ok := m.orphans[ev.ClientID]; ok && ev.ClientID != "" && ev.Trigger == "" {
		return m.lateEntryFillLocked(ctx, orphan, ev)
	}
	if m.pos == nil {
		return m.unexpected(ev, "no tracked position")
	}
	switch {
	case m.state == StatePendingEntry && m.isEntryFill(ev):
		m.openLocked(ev)
		return nil
	case m.state.holdsPosition() && m.isExitFill(ev):
		reason := m.pos.ExitReason
		if ev.Trigger != "" {
			reason = ev.Trigger
		}
		if reason == "" {
			reason = market.ExitManual
		}
		m.cancelLegsLocked(ctx, ev.OrderID)
		return m.finalizeLocked(ctx, ev.Price, ev.Time, reason)
	case m.state.holdsPosition() && ev.Trigger == "" && ev.ClientID == m.pos.ID && ev.TradeID != "" && ev.TradeID == m.pos.TradeID:
		// entry fill for a position reconcile already opened
		if m.pos.EntryOrderID == "" {
			m.pos.EntryOrderID = ev.OrderID
		}
		m.log.Debug("entry fill already applied", zap.Stringer("event", ev))
		return nil
	}
	return m.unexpected(ev, "fill matches no working order")
}

// lateEntryFillLocked handles a fill for an entry that was given up after
// a timeout. The trade is live at the broker, so it is taken back when the
// slot is free and escalated when another position holds it.
func (m *Manager) lateEntryFillLocked(ctx context.Context, p *Position, ev broker.Event) error {
	delete(m.orphans, p.ID)
	if m.pos != nil {
		m.log.Error("late fill for abandoned entry while another position is held",
			zap.String("position", p.ID),
			zap.String("held", m.pos.ID),
			zap.Stringer("event", ev))
		m.alert(ctx, notify.Critical, "second position at broker",
			fmt.Sprintf("timed-out entry %s filled as trade %s while %s is held", p.ID, ev.TradeID, m.pos.ID))
		return fmt.Errorf("%w: late fill for %s while %s is held", ErrInterventionRequired, p.ID, m.pos.ID)
	}
	m.pos = p
	m.setState(StatePendingEntry)
	m.openLocked(ev)
	m.log.Warn("late fill for timed-out entry, position restored", zap.String("position", p.ID), zap.String("trade", p.TradeID))
	m.alert(ctx, notify.Warning, "timed-out entry filled", p.String())
	return nil
}

func (m *Manager) openLocked(ev broker.Event) {
	p := m.pos
	p.EntryPrice = ev.Price
	if ev.Lots > 0 {
		p.Lots = ev.Lots
	}
	if ev.OrderID != "" {
		p.EntryOrderID = ev.OrderID
	}
	p.TradeID = ev.TradeID
	p.EntryTime = ev.Time
	if p.EntryTime.IsZero() {
		p.EntryTime = m.now()
	}
	if ev.StopLossOrderID != "" {
		p.StopLossOrderID = ev.StopLossOrderID
	}
	if ev.TakeProfitOrderID != "" {
		p.TakeProfitOrderID = ev.TakeProfitOrderID
	}
	m.setState(StateOpen)

	if m.broker.Capabilities().NativeBrackets && !p.nativeLegs() {
		m.log.Warn("broker did not confirm both brackets, monitoring internally", zap.String("position", p.ID))
	}
	m.log.Info("position opened",
		zap.String("position", p.ID),
		zap.String("trade", p.TradeID),
		zap.Stringer("direction", p.Direction),
		zap.Float64("lots", p.Lots),
		zap.Float64("entry", p.EntryPrice),
		zap.Float64("sl", p.StopLoss),
		zap.Float64("tp", p.TakeProfit))
}

// cancelLegsLocked cancels the protective orders that did not fill. A leg
// the broker already removed is fine.
func (m *Manager) cancelLegsLocked(ctx context.Context, filled string) {
	p := m.pos
	for _, leg := range []string{p.StopLossOrderID, p.TakeProfitOrderID} {
		if leg == "" || leg == filled {
			continue
		}
		err := m.call(ctx, func(ctx context.Context) error {
			return m.broker.CancelOrder(ctx, leg)
		})
		metrics.ObserveOrder("cancel", err)
		if err == nil || errors.Is(err, broker.ErrNotFound) {
			continue
		}
		m.noteBrokerError(err)
		m.log.Warn("sibling leg cancel failed", zap.String("position", p.ID), zap.String("order", leg), zap.Error(err))
		m.alert(ctx, notify.Warning, "bracket leg still working", fmt.Sprintf("order %s: %v", leg, err))
	}
}

// finalizeLocked records the ClosedTrade and returns to idle. It is the only
// path out of a held position.
func (m *Manager) finalizeLocked(ctx context.Context, price float64, at time.Time, reason market.ExitReason) error {
	p := m.pos
	if at.IsZero() {
		at = m.now()
	}
	gross := GrossPL(p.Direction, p.EntryPrice, price, p.Lots, m.meta.ContractSize)
	comm := Commission(p.Lots, m.cfg.CommissionPerLot)
	ct := journal.ClosedTrade{
		PositionID: p.ID,
		TradeID:    p.TradeID,
		Instrument: p.Instrument,
		Direction:  p.Direction,
		Lots:       p.Lots,
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		EntryTime:  p.EntryTime,
		ExitTime:   at,
		ExitReason: reason,
		GrossPL:    gross,
		Commission: comm,
		RealizedPL: gross - comm,
	}
	m.trades = append(m.trades, ct)
	m.realized += ct.RealizedPL
	m.retireLocked(p)

	m.setState(StateClosed)
	m.pos = nil
	m.setState(StateIdle)

	metrics.TradesTotal.WithLabelValues(string(reason)).Inc()
	metrics.RealizedPL.Add(ct.RealizedPL)
	metrics.FloatingPL.Set(0)
	m.log.Info("position closed",
		zap.String("position", ct.PositionID),
		zap.String("reason", string(reason)),
		zap.Float64("exit", price),
		zap.Float64("gross", gross),
		zap.Float64("commission", comm),
		zap.Float64("realized", ct.RealizedPL))

	var jerr error
	if err := m.journal.RecordTrade(ct); err != nil {
		m.log.Error("journal write failed", zap.String("position", ct.PositionID), zap.Error(err))
		jerr = fmt.Errorf("lifecycle: journal trade %s: %w", ct.PositionID, err)
	}
	return errors.Join(jerr, m.drainQueueLocked(ctx))
}

// drainQueueLocked enters a queued signal once the manager is idle again.
// The entry is re-anchored to the latest price.
func (m *Manager) drainQueueLocked(ctx context.Context) error {
	if m.queued == nil || m.state != StateIdle {
		return nil
	}
	sig := *m.queued
	m.queued = nil
	if m.lastPrice > 0 {
		sig.Price = m.lastPrice
	}
	m.log.Info("entering queued signal", zap.String("signal", string(sig.Kind)), zap.Stringer("direction", sig.Direction))
	return m.enterLocked(ctx, sig)
}

func (m *Manager) onRejectLocked(ctx context.Context, ev broker.Event) error {
	p := m.pos
	if p == nil {
		return m.unexpected(ev, "no tracked position")
	}
	switch {
	case m.state == StatePendingEntry && ev.OrderID != "" && ev.OrderID == p.EntryOrderID:
		m.log.Warn("entry rejected by broker", zap.String("position", p.ID), zap.String("reason", ev.Reason))
		metrics.ObserveOrder("entry", broker.ErrRejected)
		m.retired[ev.OrderID] = true
		p.EntryOrderID = ""
		if err := m.submitEntryLocked(ctx); err != nil {
			return ctx.Err()
		}
		return nil
	case m.state == StateClosing && ev.OrderID != "" && ev.OrderID == p.ExitOrderID:
		m.log.Warn("exit rejected by broker", zap.String("position", p.ID), zap.String("reason", ev.Reason))
		metrics.ObserveOrder("exit", broker.ErrRejected)
		m.retired[ev.OrderID] = true
		p.ExitOrderID = ""
		return m.exitLocked(ctx, p.ExitReason, 0)
	}
	return m.unexpected(ev, "rejection matches no working order")
}

func (m *Manager) onCancelLocked(ctx context.Context, ev broker.Event) error {
	p := m.pos
	if p == nil || ev.OrderID == "" {
		return m.unexpected(ev, "no tracked position")
	}
	switch {
	case m.state == StatePendingEntry && ev.OrderID == p.EntryOrderID:
		m.log.Warn("entry cancelled by broker", zap.String("position", p.ID), zap.String("reason", ev.Reason))
		m.retireLocked(p)
		m.pos = nil
		m.setState(StateIdle)
		return nil
	case m.state == StateClosing && ev.OrderID == p.ExitOrderID:
		m.log.Warn("exit cancelled by broker", zap.String("position", p.ID), zap.String("reason", ev.Reason))
		m.retired[ev.OrderID] = true
		p.ExitOrderID = ""
		return m.exitLocked(ctx, p.ExitReason, 0)
	case m.state.holdsPosition() && (ev.OrderID == p.StopLossOrderID || ev.OrderID == p.TakeProfitOrderID):
		// The broker dropped a protective leg. Stop and target are
		// monitored internally from here on.
		if ev.OrderID == p.StopLossOrderID {
			p.StopLossOrderID = ""
		} else {
			p.TakeProfitOrderID = ""
		}
		m.retired[ev.OrderID] = true
		m.log.Warn("bracket leg cancelled by broker", zap.String("position", p.ID), zap.String("order", ev.OrderID))
		m.alert(ctx, notify.Warning, "bracket leg cancelled", "monitoring stop and target internally")
		return nil
	}
	return m.unexpected(ev, "cancel matches no working order")
}
