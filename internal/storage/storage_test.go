package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"marketrecorder/config"
	"marketrecorder/internal/models"
)

func TestOptionDSN(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
		want string
	}{
		{
			name: "defaults",
			opt:  Option{Database: "market"},
			want: "postgres://localhost:5432/market?sslmode=disable",
		},
		{
			name: "credentials",
			opt:  Option{Host: "db", Port: 6543, User: "rec", Password: "p@ss", Database: "market", SSLMode: "require"},
			want: "postgres://rec:p%40ss@db:6543/market?sslmode=require",
		},
		{
			name: "conn string wins",
			opt:  Option{ConnString: "postgres://x/y", Host: "ignored"},
			want: "postgres://x/y",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.opt.dsn(); got != c.want {
				t.Fatalf("dsn() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"})
	if !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", store)
	}
}

func TestMemoryCommitAssignsIDs(t *testing.T) {
	mem := NewMemory()
	trades := []models.TradeRecord{{TradeID: "a"}, {TradeID: "b"}}
	book := models.OrderBookRecord{Symbol: "BTC/USDT:USDT"}

	err := mem.Transact(context.Background(), func(tx Tx) error {
		if err := tx.InsertTrades(trades); err != nil {
			return err
		}
		return tx.InsertOrderBook(&book)
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if trades[0].ID == 0 || trades[1].ID == 0 || book.ID == 0 {
		t.Fatalf("ids not assigned: %+v %+v", trades, book)
	}
	snap := mem.Snapshot()
	if len(snap.Trades) != 2 || len(snap.OrderBooks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMemoryRollbackOnError(t *testing.T) {
	mem := NewMemory()
	boom := errors.New("boom")

	err := mem.Transact(context.Background(), func(tx Tx) error {
		_ = tx.InsertCandle(&models.CandleRecord{Timestamp: 100})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := mem.Snapshot().Len(); n != 0 {
		t.Fatalf("rolled back transaction left %d records", n)
	}
}

func TestMemoryBeforeCommitVeto(t *testing.T) {
	mem := NewMemory()
	mem.SetBeforeCommit(func(b Batch) error {
		if len(b.Trades) > 0 {
			return errors.New("commit failed")
		}
		return nil
	})

	err := mem.Transact(context.Background(), func(tx Tx) error {
		return tx.InsertTrades([]models.TradeRecord{{TradeID: "x"}})
	})
	if err == nil || !strings.Contains(err.Error(), "commit failed") {
		t.Fatalf("expected vetoed commit, got %v", err)
	}
	if err := mem.Transact(context.Background(), func(tx Tx) error {
		return tx.InsertTicker(&models.TickerRecord{LastPrice: 1})
	}); err != nil {
		t.Fatalf("ticker commit: %v", err)
	}
	snap := mem.Snapshot()
	if len(snap.Trades) != 0 || len(snap.Tickers) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMemoryConcurrentTransactions(t *testing.T) {
	mem := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mem.Transact(context.Background(), func(tx Tx) error {
				return tx.InsertLog(&models.LogEntry{Message: "x"})
			})
		}()
	}
	wg.Wait()

	logs := mem.Snapshot().Logs
	if len(logs) != 20 {
		t.Fatalf("expected 20 logs, got %d", len(logs))
	}
	seen := map[uint64]bool{}
	for _, l := range logs {
		if seen[l.ID] {
			t.Fatalf("duplicate id %d", l.ID)
		}
		seen[l.ID] = true
	}
}

func TestGormLogLevel(t *testing.T) {
	if gormLogLevel("") != gormLogLevel("warn") {
		t.Fatalf("default level should be warn")
	}
}
