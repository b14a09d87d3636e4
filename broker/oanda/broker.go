package oanda

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/broker"
	"github.com/rustyeddy/xautrader/internal/logging"
	"github.com/rustyeddy/xautrader/market"
)

// Broker implements broker.Broker against one OANDA account. Stop loss and
// take profit ride on the entry order, so brackets are native. Results of
// calls made here are reported synchronously on Events(); bracket fills and
// broker side changes are picked up by Poll.
type Broker struct {
	c      *Client
	meta   market.InstrumentMeta
	events *broker.EventQueue
	log    *zap.Logger

	mu     sync.Mutex
	lastTx string
	// order IDs whose outcome was already reported; polling skips them
	own map[string]bool
	// orders accepted here but not yet filled; polling reports them
	working map[string]workingOrder
	down    bool
}

type workingOrder struct {
	clientID string
	tradeID  string // set for closes
}

func New(c *Client, instrument string, log *zap.Logger) (*Broker, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	meta, ok := market.Lookup(instrument)
	if !ok {
		return nil, fmt.Errorf("oanda: unknown instrument %q", instrument)
	}
	return &Broker{
		c:      c,
		meta:   meta,
		events: broker.NewEventQueue(),
		log:    logging.OrNop(log).Named("oanda"),
		own:     make(map[string]bool),
		working: make(map[string]workingOrder),
	}, nil
}

func (b *Broker) Capabilities() broker.Capabilities {
	return broker.Capabilities{NativeBrackets: true}
}

func (b *Broker) Events() *broker.EventQueue { return b.events }

func (b *Broker) path(format string, args ...any) string {
	return fmt.Sprintf("/v3/accounts/%s"+format, append([]any{b.c.AccountID}, args...)...)
}

type summaryResp struct {
	Account struct {
		ID              string `json:"id"`
		Currency        string `json:"currency"`
		Balance         string `json:"balance"`
		NAV             string `json:"NAV"`
		MarginUsed      string `json:"marginUsed"`
		MarginAvailable string `json:"marginAvailable"`
	} `json:"account"`
	LastTransactionID string `json:"lastTransactionID"`
}

func (b *Broker) GetAccount(ctx context.Context) (broker.Account, error) {
	var r summaryResp
	if err := b.c.do(ctx, "GET", b.path("/summary"), nil, nil, &r); err != nil {
		return broker.Account{}, err
	}
	b.mu.Lock()
	if b.lastTx == "" {
		b.lastTx = r.LastTransactionID
	}
	b.mu.Unlock()

	a := broker.Account{
		ID:         r.Account.ID,
		Currency:   r.Account.Currency,
		Balance:    mustNum(r.Account.Balance),
		Equity:     mustNum(r.Account.NAV),
		MarginUsed: mustNum(r.Account.MarginUsed),
		FreeMargin: mustNum(r.Account.MarginAvailable),
	}
	if a.MarginUsed > 0 {
		a.MarginLevel = a.Equity / a.MarginUsed * 100
	}
	return a, nil
}

type priceDetails struct {
	Price string `json:"price"`
}

type extensions struct {
	ID string `json:"id,omitempty"`
}

type marketOrder struct {
	Type                  string        `json:"type"`
	Instrument            string        `json:"instrument"`
	Units                 string        `json:"units"`
	TimeInForce           string        `json:"timeInForce"`
	PositionFill          string        `json:"positionFill"`
	StopLossOnFill        *priceDetails `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill      *priceDetails `json:"takeProfitOnFill,omitempty"`
	TradeClientExtensions *extensions   `json:"tradeClientExtensions,omitempty"`
}

type tradeRef struct {
	TradeID string `json:"tradeID"`
	Units   string `json:"units"`
	Price   string `json:"price"`
}

type transaction struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Time         string     `json:"time"`
	OrderID      string     `json:"orderID"`
	Reason       string     `json:"reason"`
	Price        string     `json:"price"`
	RejectReason string     `json:"rejectReason"`
	TradeOpened  *tradeRef  `json:"tradeOpened,omitempty"`
	TradesClosed []tradeRef `json:"tradesClosed,omitempty"`
}

type orderResp struct {
	OrderCreateTransaction *transaction `json:"orderCreateTransaction"`
	OrderFillTransaction   *transaction `json:"orderFillTransaction"`
	OrderCancelTransaction *transaction `json:"orderCancelTransaction"`
	LastTransactionID      string       `json:"lastTransactionID"`
}

func (b *Broker) units(lots float64, dir market.Direction) string {
	u := decimal.NewFromFloat(lots).Mul(decimal.NewFromFloat(b.meta.ContractSize)).Round(0)
	if dir == market.Short {
		u = u.Neg()
	}
	return u.String()
}

func (b *Broker) lots(units string) float64 {
	u, err := decimal.NewFromString(units)
	if err != nil || b.meta.ContractSize == 0 {
		return 0
	}
	return u.Abs().Div(decimal.NewFromFloat(b.meta.ContractSize)).InexactFloat64()
}

// SubmitOrder places a fill-or-kill market order with the brackets attached.
// A kill comes back as ErrRejected.
func (b *Broker) SubmitOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderAck, error) {
	if req.Direction != market.Long && req.Direction != market.Short {
		return broker.OrderAck{}, fmt.Errorf("%w: direction %s", broker.ErrRejected, req.Direction)
	}
	o := marketOrder{
		Type:         "MARKET",
		Instrument:   b.meta.Name,
		Units:        b.units(req.Lots, req.Direction),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}
	if o.Units == "0" {
		return broker.OrderAck{}, fmt.Errorf("%w: %.2f lots is less than one unit", broker.ErrRejected, req.Lots)
	}
	if req.StopLoss > 0 {
		o.StopLossOnFill = &priceDetails{Price: price(req.StopLoss, b.meta.PriceDecimals)}
	}
	if req.TakeProfit > 0 {
		o.TakeProfitOnFill = &priceDetails{Price: price(req.TakeProfit, b.meta.PriceDecimals)}
	}
	if req.ClientID != "" {
		o.TradeClientExtensions = &extensions{ID: req.ClientID}
	}

	var r orderResp
	if err := b.c.do(ctx, "POST", b.path("/orders"), nil, map[string]any{"order": o}, &r); err != nil {
		return broker.OrderAck{}, err
	}
	if r.OrderCreateTransaction == nil {
		return broker.OrderAck{}, fmt.Errorf("oanda: order response without create transaction")
	}
	ack := broker.OrderAck{OrderID: r.OrderCreateTransaction.ID}

	if r.OrderCancelTransaction != nil {
		b.remember(ack.OrderID)
		return ack, fmt.Errorf("%w: order %s cancelled: %s", broker.ErrRejected, ack.OrderID, r.OrderCancelTransaction.Reason)
	}
	fill := r.OrderFillTransaction
	if fill == nil || fill.TradeOpened == nil {
		// Accepted but not yet filled. The fill shows up in Poll.
		b.track(ack.OrderID, workingOrder{clientID: req.ClientID})
		return ack, nil
	}
	b.remember(ack.OrderID)

	ev := b.entryFill(ctx, ack.OrderID, req.ClientID, fill)
	ack.StopLossOrderID = ev.StopLossOrderID
	ack.TakeProfitOrderID = ev.TakeProfitOrderID
	b.events.Push(ev)
	b.log.Info("entry filled", zap.String("order", ack.OrderID), zap.String("trade", ev.TradeID), zap.Float64("price", ev.Price))
	return ack, nil
}

// entryFill builds the fill event for an order that opened a trade and looks
// up the bracket legs the broker attached to it.
func (b *Broker) entryFill(ctx context.Context, orderID, clientID string, fill *transaction) broker.Event {
	ev := broker.Event{
		Kind:     broker.EventFilled,
		OrderID:  orderID,
		TradeID:  fill.TradeOpened.TradeID,
		ClientID: clientID,
		Price:    mustNum(fill.TradeOpened.Price),
		Lots:     b.lots(fill.TradeOpened.Units),
		Time:     parseTime(fill.Time),
	}
	if ev.Price == 0 {
		ev.Price = mustNum(fill.Price)
	}
	if info, err := b.trade(ctx, ev.TradeID); err == nil {
		ev.StopLossOrderID = info.StopLossOrderID
		ev.TakeProfitOrderID = info.TakeProfitOrderID
	} else {
		b.log.Warn("bracket lookup failed", zap.String("trade", ev.TradeID), zap.Error(err))
	}
	return ev
}

func (b *Broker) ClosePosition(ctx context.Context, req broker.CloseRequest) (broker.OrderAck, error) {
	if req.TradeID == "" {
		return broker.OrderAck{}, fmt.Errorf("close without trade id: %w", broker.ErrNotFound)
	}
	var r orderResp
	if err := b.c.do(ctx, "PUT", b.path("/trades/%s/close", url.PathEscape(req.TradeID)), nil, map[string]string{"units": "ALL"}, &r); err != nil {
		return broker.OrderAck{}, err
	}
	if r.OrderCreateTransaction == nil {
		return broker.OrderAck{}, fmt.Errorf("oanda: close response without create transaction")
	}
	ack := broker.OrderAck{OrderID: r.OrderCreateTransaction.ID}

	if r.OrderCancelTransaction != nil {
		b.remember(ack.OrderID)
		return ack, fmt.Errorf("%w: close %s cancelled: %s", broker.ErrRejected, ack.OrderID, r.OrderCancelTransaction.Reason)
	}
	fill := r.OrderFillTransaction
	if fill == nil {
		b.track(ack.OrderID, workingOrder{clientID: req.ClientID, tradeID: req.TradeID})
		return ack, nil
	}
	b.remember(ack.OrderID)
	ev := b.closeFill(ack.OrderID, req.ClientID, req.TradeID, fill)
	if ev.Lots == 0 {
		ev.Lots = req.Lots
	}
	b.events.Push(ev)
	return ack, nil
}

func (b *Broker) closeFill(orderID, clientID, tradeID string, fill *transaction) broker.Event {
	ev := broker.Event{
		Kind:     broker.EventFilled,
		OrderID:  orderID,
		TradeID:  tradeID,
		ClientID: clientID,
		Price:    mustNum(fill.Price),
		Time:     parseTime(fill.Time),
	}
	for _, tc := range fill.TradesClosed {
		if tc.TradeID == tradeID {
			ev.Lots = b.lots(tc.Units)
			if p := mustNum(tc.Price); p > 0 {
				ev.Price = p
			}
		}
	}
	return ev
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	b.remember(orderID)
	return b.c.do(ctx, "PUT", b.path("/orders/%s/cancel", url.PathEscape(orderID)), nil, nil, nil)
}

type apiTrade struct {
	ID               string     `json:"id"`
	Instrument       string     `json:"instrument"`
	Price            string     `json:"price"`
	OpenTime         string     `json:"openTime"`
	CurrentUnits     string     `json:"currentUnits"`
	ClientExtensions extensions `json:"clientExtensions"`
	StopLossOrder    *struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"stopLossOrder,omitempty"`
	TakeProfitOrder *struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"takeProfitOrder,omitempty"`
}

func (b *Broker) info(t apiTrade) broker.PositionInfo {
	units := mustNum(t.CurrentUnits)
	in := broker.PositionInfo{
		TradeID:    t.ID,
		ClientID:   t.ClientExtensions.ID,
		Instrument: t.Instrument,
		Direction:  market.Long,
		Lots:       b.lots(t.CurrentUnits),
		EntryPrice: mustNum(t.Price),
		OpenTime:   parseTime(t.OpenTime),
	}
	if units < 0 {
		in.Direction = market.Short
	}
	if t.StopLossOrder != nil {
		in.StopLossOrderID = t.StopLossOrder.ID
		in.StopLoss = mustNum(t.StopLossOrder.Price)
	}
	if t.TakeProfitOrder != nil {
		in.TakeProfitOrderID = t.TakeProfitOrder.ID
		in.TakeProfit = mustNum(t.TakeProfitOrder.Price)
	}
	return in
}

func (b *Broker) trade(ctx context.Context, id string) (broker.PositionInfo, error) {
	var r struct {
		Trade apiTrade `json:"trade"`
	}
	if err := b.c.do(ctx, "GET", b.path("/trades/%s", url.PathEscape(id)), nil, nil, &r); err != nil {
		return broker.PositionInfo{}, err
	}
	return b.info(r.Trade), nil
}

// Positions lists open trades on every instrument; the caller filters.
func (b *Broker) Positions(ctx context.Context) ([]broker.PositionInfo, error) {
	var r struct {
		Trades []apiTrade `json:"trades"`
	}
	if err := b.c.do(ctx, "GET", b.path("/openTrades"), nil, nil, &r); err != nil {
		return nil, err
	}
	out := make([]broker.PositionInfo, 0, len(r.Trades))
	for _, t := range r.Trades {
		out = append(out, b.info(t))
	}
	return out, nil
}

func (b *Broker) remember(orderID string) {
	if orderID == "" {
		return
	}
	b.mu.Lock()
	b.own[orderID] = true
	delete(b.working, orderID)
	b.mu.Unlock()
}

func (b *Broker) track(orderID string, w workingOrder) {
	if orderID == "" {
		return
	}
	b.mu.Lock()
	b.working[orderID] = w
	b.mu.Unlock()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

var _ broker.Broker = (*Broker)(nil)
