// Package supervisor runs every stream watcher of one (exchange, symbol)
// pair as a group.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"marketrecorder/internal/feed"
	"marketrecorder/internal/models"
	"marketrecorder/internal/ratelog"
	"marketrecorder/internal/storage"
	"marketrecorder/internal/watcher"
	"marketrecorder/logger"
)

type Options struct {
	// Streams restricts the recorded streams. It is intersected with the
	// feed capabilities.
	Streams      models.StreamSet
	Timeframe    string
	CandleLimit  int
	Depth        int
	LogCooldown  time.Duration
	// RetryBackoff is passed to every watcher, zero keeps the default.
	RetryBackoff time.Duration

	Log *logger.Log
	Now func() time.Time
}

type Supervisor struct {
	exchange string
	symbol   string
	watchers []*watcher.Watcher
	log      *logger.Entry
}

// New queries the feed capabilities once and builds one watcher, with its
// own rate limited log, per stream that is both supported and allowed.
func New(f feed.Feed, symbol string, sink storage.Sink, opts Options) (*Supervisor, error) {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Supervisor{
		exchange: f.Name(),
		symbol:   symbol,
		log: log.WithComponent("supervisor").WithFields(logger.Fields{
			"exchange": f.Name(),
			"symbol":   symbol,
		}),
	}

	params := watcher.Params{
		Exchange:    f.Name(),
		Symbol:      symbol,
		Timeframe:   opts.Timeframe,
		CandleLimit: opts.CandleLimit,
		Depth:       opts.Depth,
	}
	streams := f.Capabilities().Intersect(opts.Streams)
	if streams.Has(models.StreamOHLCV) && !feed.SupportsTimeframe(f, opts.Timeframe) {
		s.log.WithFields(logger.Fields{
			"timeframe":  opts.Timeframe,
			"timeframes": strings.Join(f.Timeframes(), ","),
		}).Warn("timeframe not supported by exchange, candles will not be recorded")
		streams = streams.Without(models.StreamOHLCV)
	}
	for _, st := range streams.Streams() {
		w, err := watcher.New(st, f, params, watcher.Deps{
			Sink:    sink,
			RateLog: ratelog.New(opts.LogCooldown),
			Log:     log,
			Now:     opts.Now,

			RetryBackoff: opts.RetryBackoff,
		})
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", f.Name(), symbol, err)
		}
		s.watchers = append(s.watchers, w)
	}

	s.log.WithFields(logger.Fields{
		"capabilities": f.Capabilities().String(),
		"streams":      streams.String(),
	}).Info("supervisor created")
	return s, nil
}

func (s *Supervisor) Exchange() string { return s.exchange }
func (s *Supervisor) Symbol() string   { return s.symbol }

func (s *Supervisor) Watchers() []*watcher.Watcher {
	return append([]*watcher.Watcher(nil), s.watchers...)
}

func (s *Supervisor) Statuses() []watcher.Status {
	out := make([]watcher.Status, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w.Status())
	}
	return out
}

// Run starts every watcher and returns once all of them have returned. The
// group has no shared context, so a failing or panicking watcher leaves its
// siblings running. The first unexpected error is returned.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.watchers) == 0 {
		s.log.Warn("no supported streams, nothing to record")
		return nil
	}

	var g errgroup.Group
	for _, w := range s.watchers {
		g.Go(func() error {
			return s.runWatcher(ctx, w)
		})
	}
	err := g.Wait()
	s.log.Info("supervisor stopped")
	return err
}

func (s *Supervisor) runWatcher(ctx context.Context, w *watcher.Watcher) (err error) {
	log := s.log.WithField("stream", w.Stream().String())
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			}).Error("watcher panicked")
			err = fmt.Errorf("%s watcher panicked: %v", w.Stream(), r)
		}
	}()

	err = w.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	log.WithError(err).Error("watcher stopped")
	return fmt.Errorf("%s watcher: %w", w.Stream(), err)
}
