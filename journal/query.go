package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rustyeddy/xautrader/market"
)

const tradeColumns = `position_id, trade_id, instrument, direction, lots, entry_price, exit_price,
	stop_loss, take_profit, entry_time, exit_time, exit_reason, gross_pl, commission, realized_pl`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(r rowScanner) (ClosedTrade, error) {
	var (
		rec    ClosedTrade
		dir    int
		reason string
	)
	err := r.Scan(
		&rec.PositionID,
		&rec.TradeID,
		&rec.Instrument,
		&dir,
		&rec.Lots,
		&rec.EntryPrice,
		&rec.ExitPrice,
		&rec.StopLoss,
		&rec.TakeProfit,
		&rec.EntryTime,
		&rec.ExitTime,
		&reason,
		&rec.GrossPL,
		&rec.Commission,
		&rec.RealizedPL,
	)
	rec.Direction = market.Direction(dir)
	rec.ExitReason = market.ExitReason(reason)
	return rec, err
}

func collectTrades(rows *sql.Rows) ([]ClosedTrade, error) {
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetTrade returns a single trade record by position ID.
func (j *SQLite) GetTrade(positionID string) (ClosedTrade, error) {
	row := j.db.QueryRow(`SELECT `+tradeColumns+` FROM trades WHERE position_id = ?`, positionID)

	rec, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClosedTrade{}, fmt.Errorf("trade %q not found", positionID)
		}
		return ClosedTrade{}, err
	}
	return rec, nil
}

// ListTradesClosedBetween returns trades whose exit_time is within [start, end).
func (j *SQLite) ListTradesClosedBetween(start, end time.Time) ([]ClosedTrade, error) {
	rows, err := j.db.Query(`
		SELECT `+tradeColumns+`
		FROM trades
		WHERE exit_time >= ? AND exit_time < ?
		ORDER BY exit_time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (j *SQLite) ListTradesByRunID(runID string) ([]ClosedTrade, error) {
	rows, err := j.db.Query(`
		SELECT `+tradeColumns+`
		FROM trades
		WHERE run_id = ?
		ORDER BY exit_time ASC`, runID)
	if err != nil {
		return nil, err
	}
	return collectTrades(rows)
}

func (j *SQLite) ListEquityBetween(start, end time.Time) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT time, balance, equity, margin_used, free_margin, margin_level
		FROM equity
		WHERE time >= ? AND time < ?
		ORDER BY time ASC`, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	return collectEquity(rows)
}

func (j *SQLite) ListEquityByRunID(runID string) ([]EquitySnapshot, error) {
	rows, err := j.db.Query(`
		SELECT time, balance, equity, margin_used, free_margin, margin_level
		FROM equity
		WHERE run_id = ?
		ORDER BY time ASC`, runID)
	if err != nil {
		return nil, err
	}
	return collectEquity(rows)
}

func collectEquity(rows *sql.Rows) ([]EquitySnapshot, error) {
	defer rows.Close()

	var out []EquitySnapshot
	for rows.Next() {
		var rec EquitySnapshot
		if err := rows.Scan(
			&rec.Time,
			&rec.Balance,
			&rec.Equity,
			&rec.MarginUsed,
			&rec.FreeMargin,
			&rec.MarginLevel,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
