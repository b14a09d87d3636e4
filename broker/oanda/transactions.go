package oanda

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/market"
)

type sinceResp struct {
	Transactions      []transaction `json:"transactions"`
	LastTransactionID string        `json:"lastTransactionID"`
}

// Poll fetches transactions since the last one seen and reports what the
// broker did on its own: bracket fills, closes made outside this process,
// order cancels, and fills for orders that were accepted here but had not
// filled yet. Orders whose outcome was already reported are skipped.
//
// A lost connection is reported once as EventDisconnected and the first
// successful poll afterwards as EventReconnected.
func (b *Broker) Poll(ctx context.Context) error {
	b.mu.Lock()
	since := b.lastTx
	b.mu.Unlock()
	if since == "" {
		if _, err := b.GetAccount(ctx); err != nil {
			return b.pollFailed(err)
		}
		return b.pollOK()
	}

	var r sinceResp
	q := url.Values{"id": {since}}
	if err := b.c.do(ctx, "GET", b.path("/transactions/sinceid"), q, nil, &r); err != nil {
		return b.pollFailed(err)
	}
	for _, tx := range r.Transactions {
		b.apply(ctx, tx)
	}

	b.mu.Lock()
	if r.LastTransactionID != "" {
		b.lastTx = r.LastTransactionID
	} else if n := len(r.Transactions); n > 0 {
		b.lastTx = r.Transactions[n-1].ID
	}
	b.mu.Unlock()
	return b.pollOK()
}

func (b *Broker) pollFailed(err error) error {
	if !errors.Is(err, broker.ErrConnectionLost) {
		return err
	}
	b.mu.Lock()
	first := !b.down
	b.down = true
	b.mu.Unlock()
	if first {
		b.log.Warn("connection lost", zap.Error(err))
		b.events.Push(broker.Event{Kind: broker.EventDisconnected, Reason: err.Error(), Time: time.Now().UTC()})
	}
	return err
}

func (b *Broker) pollOK() error {
	b.mu.Lock()
	was := b.down
	b.down = false
	b.mu.Unlock()
	if was {
		b.log.Info("connection restored")
		b.events.Push(broker.Event{Kind: broker.EventReconnected, Time: time.Now().UTC()})
	}
	return nil
}

func fillTrigger(reason string) market.ExitReason {
	switch reason {
	case "STOP_LOSS_ORDER", "TRAILING_STOP_LOSS_ORDER", "GUARANTEED_STOP_LOSS_ORDER":
		return market.ExitStopLoss
	case "TAKE_PROFIT_ORDER":
		return market.ExitTakeProfit
	}
	return market.ExitManual
}

func (b *Broker) apply(ctx context.Context, tx transaction) {
	b.mu.Lock()
	own := b.own[tx.OrderID]
	w, working := b.working[tx.OrderID]
	b.mu.Unlock()

	switch tx.Type {
	case "ORDER_FILL":
		if own {
			return
		}
		if working {
			b.remember(tx.OrderID)
			var ev broker.Event
			switch {
			case w.tradeID != "":
				ev = b.closeFill(tx.OrderID, w.clientID, w.tradeID, &tx)
			case tx.TradeOpened != nil:
				ev = b.entryFill(ctx, tx.OrderID, w.clientID, &tx)
			default:
				b.log.Warn("working order filled without opening a trade", zap.String("order", tx.OrderID))
				return
			}
			b.log.Info("working order filled", zap.String("order", tx.OrderID), zap.String("trade", ev.TradeID), zap.Float64("price", ev.Price))
			b.events.Push(ev)
			return
		}
		if len(tx.TradesClosed) == 0 {
			return
		}
		tc := tx.TradesClosed[0]
		ev := broker.Event{
			Kind:    broker.EventFilled,
			OrderID: tx.OrderID,
			TradeID: tc.TradeID,
			Price:   mustNum(tx.Price),
			Lots:    b.lots(tc.Units),
			Time:    parseTime(tx.Time),
			Trigger: fillTrigger(tx.Reason),
			Reason:  tx.Reason,
		}
		if p := mustNum(tc.Price); p > 0 {
			ev.Price = p
		}
		b.log.Info("trade closed by broker", zap.String("trade", ev.TradeID), zap.String("reason", tx.Reason), zap.Float64("price", ev.Price))
		b.events.Push(ev)

	case "ORDER_CANCEL":
		// Legs are cancelled with their trade; the close fill covers that.
		if own || tx.Reason == "LINKED_TRADE_CLOSED" {
			return
		}
		if working {
			b.remember(tx.OrderID)
		}
		b.events.Push(broker.Event{
			Kind:     broker.EventCancelled,
			OrderID:  tx.OrderID,
			ClientID: w.clientID,
			Time:     parseTime(tx.Time),
			Reason:   tx.Reason,
		})
	}
}

// Watch polls until ctx is done. Failed polls back off up to a minute.
func (b *Broker) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	wait := interval
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if err := b.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, broker.ErrConnectionLost) {
				b.log.Warn("poll failed", zap.Error(err))
			}
			wait = nextBackoff(wait, time.Minute)
			continue
		}
		wait = interval
	}
}

func nextBackoff(d, limit time.Duration) time.Duration {
	d = time.Duration(float64(d) * 1.8)
	if d > limit {
		return limit
	}
	return d
}
