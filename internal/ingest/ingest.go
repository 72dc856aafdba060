// Package ingest expands the configured exchanges and symbols into running
// supervisors.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketrecorder/config"
	"marketrecorder/internal/exchange"
	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/storage"
	"marketrecorder/internal/supervisor"
	"marketrecorder/internal/symbols"
	"marketrecorder/internal/watcher"
	"marketrecorder/logger"
)

// ErrNothingToRecord is returned when no (exchange, symbol) pair could be
// started.
var ErrNothingToRecord = errors.New("no exchange symbol pair could be started")

// FeedFactory opens the feed of one configured exchange.
type FeedFactory func(cfg config.ExchangeConfig, stream config.StreamConfig) (feed.Feed, error)

type Option func(*Orchestrator)

func WithFeedFactory(factory FeedFactory) Option {
	return func(o *Orchestrator) { o.newFeed = factory }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	cfg     *config.Config
	sink    storage.Sink
	newFeed FeedFactory
	now     func() time.Time
	log     *logger.Log

	mu          sync.RWMutex
	feeds       []feed.Feed
	supervisors []*supervisor.Supervisor
}

func New(cfg *config.Config, sink storage.Sink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		sink:    sink,
		newFeed: exchange.New,
		now:     time.Now,
		log:     logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run starts one supervisor per (exchange, symbol) pair and blocks until
// all of them return, which happens once ctx is cancelled. Exchanges that
// cannot be opened or whose markets cannot be loaded are skipped, as are
// symbols missing from the loaded markets. Feeds are closed on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.log.WithComponent("orchestrator")

	for _, ex := range o.cfg.Exchanges {
		if !ex.IsEnabled() {
			log.WithField("exchange", ex.Name).Info("exchange disabled, skipping")
			continue
		}
		o.startExchange(ctx, ex)
	}
	defer o.closeFeeds()

	o.mu.RLock()
	sups := append([]*supervisor.Supervisor(nil), o.supervisors...)
	nFeeds := len(o.feeds)
	o.mu.RUnlock()
	if len(sups) == 0 {
		return ErrNothingToRecord
	}

	log.WithFields(logger.Fields{
		"supervisors": len(sups),
		"feeds":       nFeeds,
	}).Info("ingestion started")

	var g errgroup.Group
	for _, s := range sups {
		g.Go(func() error {
			if err := s.Run(ctx); err != nil {
				return fmt.Errorf("%s %s: %w", s.Exchange(), s.Symbol(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	log.Info("ingestion stopped")
	return err
}

func (o *Orchestrator) startExchange(ctx context.Context, ex config.ExchangeConfig) {
	log := o.log.WithComponent("orchestrator").WithField("exchange", ex.Name)

	allowed, err := models.ParseStreamSet(ex.Streams)
	if err != nil {
		log.WithError(err).Error("invalid stream allow-list, skipping exchange")
		return
	}

	f, err := o.newFeed(ex, o.cfg.Stream)
	if err != nil {
		log.WithError(err).Error("failed to create exchange feed, skipping exchange")
		return
	}

	start := time.Now()
	markets, err := f.LoadMarkets(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load markets, skipping exchange")
		if cerr := f.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close feed")
		}
		return
	}
	logger.LogPerformanceEntry(log, "orchestrator", "load_markets", time.Since(start), logger.Fields{
		"markets": len(markets),
	})

	var started int
	for _, raw := range ex.Symbols {
		symbol := raw
		if u, err := symbols.Parse(raw); err == nil {
			symbol = u.String()
		}
		if _, ok := markets[symbol]; !ok {
			log.WithField("symbol", raw).Warn("symbol not listed by exchange, skipping")
			continue
		}

		s, err := supervisor.New(f, symbol, o.sink, supervisor.Options{
			Streams:      allowed,
			Timeframe:    o.cfg.Stream.Timeframe,
			CandleLimit:  o.cfg.Stream.CandleLimit,
			Depth:        o.cfg.Stream.OrderbookDepth,
			LogCooldown:  o.cfg.Stream.LogCooldown,
			RetryBackoff: o.cfg.Stream.RetryBackoff,
			Log:          o.log,
			Now:          o.now,
		})
		if err != nil {
			log.WithError(err).WithField("symbol", symbol).Error("failed to create supervisor, skipping symbol")
			continue
		}
		o.mu.Lock()
		o.supervisors = append(o.supervisors, s)
		o.mu.Unlock()
		started++
	}

	if started == 0 {
		log.Warn("no symbol of this exchange could be started")
		if cerr := f.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close feed")
		}
		return
	}
	o.mu.Lock()
	o.feeds = append(o.feeds, f)
	o.mu.Unlock()
}

func (o *Orchestrator) closeFeeds() {
	o.mu.Lock()
	feeds := o.feeds
	o.feeds = nil
	o.mu.Unlock()

	for _, f := range feeds {
		if err := f.Close(); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).WithField("exchange", f.Name()).Warn("failed to close feed")
		}
	}
}

// Statuses reports every watcher of every running supervisor.
func (o *Orchestrator) Statuses() []watcher.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []watcher.Status
	for _, s := range o.supervisors {
		out = append(out, s.Statuses()...)
	}
	return out
}
