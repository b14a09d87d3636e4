package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

type EventKind string

const (
	EventFilled       EventKind = "filled"
	EventRejected     EventKind = "rejected"
	EventCancelled    EventKind = "cancelled"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
)

// Event is an asynchronous report from the broker.
type Event struct {
	Kind    EventKind
	OrderID string
	TradeID string
	// ClientID echoes OrderRequest.ClientID when the broker supports it.
	ClientID string
	Price    float64
	Lots     float64
	Time     time.Time
	Reason   string

	// Trigger is set on fills of resting SL/TP orders.
	Trigger market.ExitReason

	// Leg order IDs assigned when an entry with native brackets fills.
	StopLossOrderID   string
	TakeProfitOrderID string
}

func (e Event) String() string {
	s := fmt.Sprintf("%s order=%s trade=%s", e.Kind, e.OrderID, e.TradeID)
	if e.Kind == EventFilled {
		s += fmt.Sprintf(" lots=%.2f price=%.3f", e.Lots, e.Price)
	}
	if e.Trigger != "" {
		s += " trigger=" + string(e.Trigger)
	}
	if e.Reason != "" {
		s += " reason=" + e.Reason
	}
	return s
}

// EventQueue is an unbounded FIFO between a broker and its consumer. Push
// never blocks, so brokers may report from inside their own calls.
type EventQueue struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

func (q *EventQueue) Push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued, oldest first.
func (q *EventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Ready receives a value whenever events were pushed since the last receive.
func (q *EventQueue) Ready() <-chan struct{} {
	return q.ready
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
