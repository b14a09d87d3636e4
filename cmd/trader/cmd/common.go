package cmd

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/xautrader/config"
	"github.com/rustyeddy/xautrader/journal"
	"github.com/rustyeddy/xautrader/notify"
)

// openJournal returns the configured journal. sq is set when it is SQLite so
// callers can tag records with a run id.
func openJournal(cfg *config.Config) (j journal.Journal, sq *journal.SQLite, err error) {
	switch cfg.Journal.Type {
	case "csv":
		j, err = journal.NewCSV(cfg.Journal.TradesFile, cfg.Journal.EquityFile)
	case "sqlite":
		sq, err = journal.NewSQLite(cfg.Journal.DBPath)
		j = sq
	default:
		j = journal.Nop{}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create journal: %w", err)
	}
	return j, sq, nil
}

// newAlerter always logs. Telegram is added when a chat id is configured,
// filtered by notify.min_level.
func newAlerter(cfg *config.Config, log *zap.Logger) (notify.Alerter, error) {
	logged := notify.NewLog(log)
	if cfg.Notify.TelegramChatID == 0 {
		return logged, nil
	}
	floor, err := notify.ParseLevel(cfg.Notify.MinLevel)
	if err != nil {
		return nil, err
	}
	token, err := cfg.TelegramToken()
	if err != nil {
		return nil, err
	}
	tg, err := notify.NewTelegram(token, cfg.Notify.TelegramChatID)
	if err != nil {
		return nil, err
	}
	return notify.Multi{logged, notify.MinLevel(floor, tg)}, nil
}
