package journal

import "sync"

// Memory keeps records in process. The runner uses it to build the report.
type Memory struct {
	mu     sync.Mutex
	trades []ClosedTrade
	equity []EquitySnapshot
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordTrade(t ClosedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, t)
	return nil
}

func (m *Memory) RecordEquity(e EquitySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = append(m.equity, e)
	return nil
}

func (m *Memory) Trades() []ClosedTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ClosedTrade(nil), m.trades...)
}

func (m *Memory) Equity() []EquitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]EquitySnapshot(nil), m.equity...)
}

// Reset drops everything recorded so far.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = nil
	m.equity = nil
}

func (m *Memory) Close() error {
	return nil
}
