package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/market"
	"github.com/rustyeddy/xautrader/notify"
	"go.uber.org/zap"
)

// Reconcile compares the tracked position with what the broker reports and
// adopts, finalizes or flags. It never re-creates a position.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconcileLocked(ctx, false)
}

// entryGone is set when the broker no longer knows the pending entry order,
// so a missing trade means the entry will never fill.
func (m *Manager) reconcileLocked(ctx context.Context, entryGone bool) error {
	var infos []broker.PositionInfo
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		infos, err = m.broker.Positions(ctx)
		return err
	})
	if err != nil {
		m.noteBrokerError(err)
		return fmt.Errorf("lifecycle: reconcile: %w", err)
	}
	m.stale = false

	var mine []broker.PositionInfo
	for _, in := range infos {
		if meta, ok := market.Lookup(in.Instrument); ok && meta.Name == m.cfg.Instrument {
			mine = append(mine, in)
		}
	}

	p := m.pos
	if p == nil {
		switch len(mine) {
		case 0:
			return nil
		case 1:
			m.adoptLocked(mine[0])
			return nil
		default:
			m.alert(ctx, notify.Critical, "untracked positions at broker",
				fmt.Sprintf("%d %s positions open, none tracked", len(mine), m.cfg.Instrument))
			return fmt.Errorf("%w: %d untracked %s positions", ErrInterventionRequired, len(mine), m.cfg.Instrument)
		}
	}

	match := -1
	for i, in := range mine {
		if (p.TradeID != "" && in.TradeID == p.TradeID) || (in.ClientID != "" && in.ClientID == p.ID) {
			match = i
			break
		}
	}

	switch {
	case m.state == StatePendingEntry && match >= 0:
		m.fillFromBrokerLocked(mine[match])
	case m.state == StatePendingEntry:
		if entryGone {
			m.log.Warn("pending entry vanished at broker", zap.String("position", p.ID))
			m.retireLocked(p)
			m.pos = nil
			m.setState(StateIdle)
		}
	case m.state.holdsPosition() && match < 0:
		price := m.lastPrice
		if price == 0 {
			price = p.EntryPrice
		}
		m.log.Warn("position closed at broker while untracked",
			zap.String("position", p.ID),
			zap.Float64("assumed_exit", price))
		m.alert(ctx, notify.Warning, "position closed at broker",
			fmt.Sprintf("%s finalized at last price %.3f", p, price))
		m.cancelLegsLocked(ctx, "")
		if err := m.finalizeLocked(ctx, price, m.now(), market.ExitReconciled); err != nil {
			return err
		}
	case m.state.holdsPosition():
		in := mine[match]
		p.TradeID = in.TradeID
		if in.Lots > 0 {
			p.Lots = in.Lots
		}
		if p.StopLossOrderID == "" {
			p.StopLossOrderID = in.StopLossOrderID
		}
		if p.TakeProfitOrderID == "" {
			p.TakeProfitOrderID = in.TakeProfitOrderID
		}
		if m.state == StateClosing && p.ExitOrderID == "" {
			// nothing is closing it; retry on the next price
			p.Flagged = true
			m.setState(StateFailed)
		}
		m.log.Info("position confirmed at broker", zap.String("position", p.ID), zap.String("trade", p.TradeID))
	}

	extra := len(mine)
	if match >= 0 {
		extra--
	}
	if extra > 0 && m.pos != nil {
		m.alert(ctx, notify.Critical, "untracked positions at broker",
			fmt.Sprintf("%d %s positions besides %s", extra, m.cfg.Instrument, m.pos.ID))
		return fmt.Errorf("%w: %d untracked %s positions", ErrInterventionRequired, extra, m.cfg.Instrument)
	}
	return nil
}

func (m *Manager) fillFromBrokerLocked(in broker.PositionInfo) {
	p := m.pos
	p.TradeID = in.TradeID
	p.EntryPrice = in.EntryPrice
	p.EntryTime = in.OpenTime
	if in.Lots > 0 {
		p.Lots = in.Lots
	}
	p.StopLossOrderID = in.StopLossOrderID
	p.TakeProfitOrderID = in.TakeProfitOrderID
	m.setState(StateOpen)
	m.log.Info("pending entry found filled at broker", zap.String("position", p.ID), zap.String("trade", p.TradeID))
}

// adoptLocked takes ownership of a broker position the manager did not know
// about, e.g. after a restart or an entry that timed out but was accepted.
// A position without both protective levels is flagged.
func (m *Manager) adoptLocked(in broker.PositionInfo) {
	pid := in.ClientID
	if pid == "" {
		pid = m.ids.New(m.now())
	}
	sl, tp := in.StopLoss, in.TakeProfit
	if orphan, ok := m.orphans[pid]; ok {
		delete(m.orphans, pid)
		if sl == 0 {
			sl = orphan.StopLoss
		}
		if tp == 0 {
			tp = orphan.TakeProfit
		}
	}
	m.pos = &Position{
		ID:                pid,
		Instrument:        m.cfg.Instrument,
		Direction:         in.Direction,
		Lots:              in.Lots,
		EntryPrice:        in.EntryPrice,
		StopLoss:          sl,
		TakeProfit:        tp,
		EntryTime:         in.OpenTime,
		TradeID:           in.TradeID,
		StopLossOrderID:   in.StopLossOrderID,
		TakeProfitOrderID: in.TakeProfitOrderID,
		LastPrice:         m.lastPrice,
		Adopted:           true,
	}
	m.setState(StateOpen)
	m.log.Warn("adopted broker position", zap.String("position", pid), zap.String("trade", in.TradeID))

	var missing []string
	if sl == 0 {
		missing = append(missing, "stop-loss")
	}
	if tp == 0 {
		missing = append(missing, "take-profit")
	}
	if len(missing) > 0 {
		m.pos.Flagged = true
		m.alert(context.Background(), notify.Critical, "adopted position unprotected",
			fmt.Sprintf("%s has no %s", m.pos, strings.Join(missing, " or ")))
		return
	}
	m.alert(context.Background(), notify.Warning, "adopted broker position", m.pos.String())
}
