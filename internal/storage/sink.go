// Package storage persists stream records. Every write goes through a
// transaction that commits fully or not at all.
package storage

import (
	"context"
	"errors"
	"fmt"

	"marketrecorder/config"
	"marketrecorder/internal/models"
)

var ErrUnknownDriver = errors.New("unknown database driver")

// Tx is an open write scope. Inserts assign the record IDs.
type Tx interface {
	InsertOrderBook(r *models.OrderBookRecord) error
	InsertTrades(rs []models.TradeRecord) error
	InsertCandle(r *models.CandleRecord) error
	InsertTicker(r *models.TickerRecord) error
	InsertLog(e *models.LogEntry) error
}

// Sink runs fn inside one transaction. It commits when fn returns nil and
// rolls back otherwise. Implementations must allow concurrent Transact calls.
type Sink interface {
	Transact(ctx context.Context, fn func(Tx) error) error
}

// Store is a Sink owning resources.
type Store interface {
	Sink
	Close() error
}

// Open builds the store selected by cfg.Driver and creates the schema when
// cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		pg, err := NewPostgres(OptionFromConfig(cfg))
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
