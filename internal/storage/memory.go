package storage

import (
	"context"
	"sync"

	"marketrecorder/internal/models"
)

// Batch holds the records written by one transaction.
type Batch struct {
	OrderBooks []models.OrderBookRecord
	Trades     []models.TradeRecord
	Candles    []models.CandleRecord
	Tickers    []models.TickerRecord
	Logs       []models.LogEntry
}

func (b Batch) Len() int {
	return len(b.OrderBooks) + len(b.Trades) + len(b.Candles) + len(b.Tickers) + len(b.Logs)
}

// Memory keeps committed records in process. Transactions are staged and
// appended under a lock on commit, so a failed transaction leaves no trace.
type Memory struct {
	mu     sync.Mutex
	nextID uint64
	data   Batch

	// BeforeCommit, when set, may veto a commit by returning an error.
	BeforeCommit func(Batch) error
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Transact(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	hook := m.BeforeCommit
	m.mu.Unlock()

	tx := &memoryTx{mem: m}
	if err := fn(tx); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(tx.staged); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.OrderBooks = append(m.data.OrderBooks, tx.staged.OrderBooks...)
	m.data.Trades = append(m.data.Trades, tx.staged.Trades...)
	m.data.Candles = append(m.data.Candles, tx.staged.Candles...)
	m.data.Tickers = append(m.data.Tickers, tx.staged.Tickers...)
	m.data.Logs = append(m.data.Logs, tx.staged.Logs...)
	return nil
}

// SetBeforeCommit swaps the commit hook while transactions may be running.
func (m *Memory) SetBeforeCommit(hook func(Batch) error) {
	m.mu.Lock()
	m.BeforeCommit = hook
	m.mu.Unlock()
}

// Snapshot returns a copy of everything committed so far.
func (m *Memory) Snapshot() Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Batch{
		OrderBooks: append([]models.OrderBookRecord(nil), m.data.OrderBooks...),
		Trades:     append([]models.TradeRecord(nil), m.data.Trades...),
		Candles:    append([]models.CandleRecord(nil), m.data.Candles...),
		Tickers:    append([]models.TickerRecord(nil), m.data.Tickers...),
		Logs:       append([]models.LogEntry(nil), m.data.Logs...),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) id() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

type memoryTx struct {
	mem    *Memory
	staged Batch
}

func (t *memoryTx) InsertOrderBook(r *models.OrderBookRecord) error {
	r.ID = t.mem.id()
	t.staged.OrderBooks = append(t.staged.OrderBooks, *r)
	return nil
}

func (t *memoryTx) InsertTrades(rs []models.TradeRecord) error {
	for i := range rs {
		rs[i].ID = t.mem.id()
	}
	t.staged.Trades = append(t.staged.Trades, rs...)
	return nil
}

func (t *memoryTx) InsertCandle(r *models.CandleRecord) error {
	r.ID = t.mem.id()
	t.staged.Candles = append(t.staged.Candles, *r)
	return nil
}

func (t *memoryTx) InsertTicker(r *models.TickerRecord) error {
	r.ID = t.mem.id()
	t.staged.Tickers = append(t.staged.Tickers, *r)
	return nil
}

func (t *memoryTx) InsertLog(e *models.LogEntry) error {
	e.ID = t.mem.id()
	t.staged.Logs = append(t.staged.Logs, *e)
	return nil
}
