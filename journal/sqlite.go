package journal

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite journals into a single database file. Records are tagged with
// RunID so several backtests can share one file.
type SQLite struct {
	db    *sql.DB
	RunID string
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordTrade(t ClosedTrade) error {
	_, err := j.db.Exec(`
		INSERT INTO trades
		(position_id, run_id, trade_id, instrument, direction, lots, entry_price, exit_price,
		 stop_loss, take_profit, entry_time, exit_time, exit_reason, gross_pl, commission, realized_pl)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.PositionID, j.RunID, t.TradeID, t.Instrument, int(t.Direction), t.Lots,
		t.EntryPrice, t.ExitPrice, t.StopLoss, t.TakeProfit,
		t.EntryTime.UTC(), t.ExitTime.UTC(), string(t.ExitReason),
		t.GrossPL, t.Commission, t.RealizedPL,
	)
	return err
}

func (j *SQLite) RecordEquity(e EquitySnapshot) error {
	_, err := j.db.Exec(`
		INSERT INTO equity
		(run_id, time, balance, equity, margin_used, free_margin, margin_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.RunID, e.Time.UTC(), e.Balance, e.Equity, e.MarginUsed, e.FreeMargin, e.MarginLevel,
	)
	return err
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
