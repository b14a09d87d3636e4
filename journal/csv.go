package journal

import (
	"encoding/csv"
	"errors"
	"os"
	"strconv"
	"time"
)

// sheet is one CSV file that is flushed after every row so a crashed run
// still leaves a readable journal.
type sheet struct {
	file *os.File
	w    *csv.Writer
}

func openSheet(path string, header []string) (*sheet, error) {
	fh, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s := &sheet{file: fh, w: csv.NewWriter(fh)}
	if err := s.row(header); err != nil {
		fh.Close()
		return nil, err
	}
	return s, nil
}

func (s *sheet) row(cols []string) error {
	if err := s.w.Write(cols); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *sheet) close() error {
	s.w.Flush()
	return errors.Join(s.w.Error(), s.file.Close())
}

// CSVJournal writes trades and equity snapshots to two CSV files.
type CSVJournal struct {
	trades *sheet
	equity *sheet
}

var (
	tradeHeader = []string{
		"position_id", "trade_id", "instrument", "direction", "lots",
		"entry_price", "exit_price", "stop_loss", "take_profit",
		"entry_time", "exit_time", "exit_reason",
		"gross_pl", "commission", "realized_pl",
	}
	equityHeader = []string{"time", "balance", "equity", "margin_used", "free_margin", "margin_level"}
)

func NewCSV(tradesPath, equityPath string) (*CSVJournal, error) {
	trades, err := openSheet(tradesPath, tradeHeader)
	if err != nil {
		return nil, err
	}
	equity, err := openSheet(equityPath, equityHeader)
	if err != nil {
		trades.close()
		return nil, err
	}
	return &CSVJournal{trades: trades, equity: equity}, nil
}

func (j *CSVJournal) RecordTrade(t ClosedTrade) error {
	return j.trades.row([]string{
		t.PositionID, t.TradeID, t.Instrument, t.Direction.String(),
		strconv.FormatFloat(t.Lots, 'f', 2, 64),
		px(t.EntryPrice), px(t.ExitPrice), px(t.StopLoss), px(t.TakeProfit),
		stamp(t.EntryTime), stamp(t.ExitTime), string(t.ExitReason),
		usd(t.GrossPL), usd(t.Commission), usd(t.RealizedPL),
	})
}

func (j *CSVJournal) RecordEquity(e EquitySnapshot) error {
	return j.equity.row([]string{
		stamp(e.Time),
		usd(e.Balance), usd(e.Equity), usd(e.MarginUsed), usd(e.FreeMargin),
		strconv.FormatFloat(e.MarginLevel, 'f', 2, 64),
	})
}

func (j *CSVJournal) Close() error {
	return errors.Join(j.trades.close(), j.equity.close())
}

// Gold is quoted to three decimals; money to the cent.
func px(x float64) string  { return strconv.FormatFloat(x, 'f', 3, 64) }
func usd(x float64) string { return strconv.FormatFloat(x, 'f', 2, 64) }

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339) }
