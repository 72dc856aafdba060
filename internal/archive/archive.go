// Package archive copies committed candle and trade records to S3 as
// snappy compressed parquet files. It wraps a storage.Sink so only rows
// that made it into the database are archived.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"marketrecorder/config"
	"marketrecorder/internal/models"
	"marketrecorder/internal/storage"
	"marketrecorder/logger"
)

const (
	keySeparator         = "|"
	defaultFlushInterval = time.Minute
	defaultMaxBuffer     = 500
	uploadTimeout        = 30 * time.Second
	fullQueueSize        = 64
)

// Uploader is the part of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Options struct {
	Bucket        string
	Prefix        string
	FlushInterval time.Duration
	MaxBufferSize int
}

type buffer struct {
	candles   []models.CandleRecord
	trades    []models.TradeRecord
	firstSeen time.Time
	// queued is set once the key was handed to the flush worker
	queued bool
}

func (b *buffer) len() int { return len(b.candles) + len(b.trades) }

// Archiver buffers committed records per (exchange, stream, symbol) and
// uploads a parquet file when a buffer is full or older than the flush
// interval. Uploads run on the worker started by Start, never on the
// committing goroutine.
type Archiver struct {
	client Uploader
	opts   Options
	log    *logger.Entry
	now    func() time.Time

	mu      sync.Mutex
	buffers map[string]*buffer
	full    chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewS3Client builds the S3 client from the archive configuration. Static
// keys are used when both are set, the default AWS chain otherwise.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func New(client Uploader, opts Options) (*Archiver, error) {
	opts.Bucket = strings.TrimSpace(opts.Bucket)
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = defaultMaxBuffer
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")

	a := &Archiver{
		client:  client,
		opts:    opts,
		log:     logger.GetLogger().WithComponent("archive"),
		now:     time.Now,
		buffers: make(map[string]*buffer),
		full:    make(chan string, fullQueueSize),
	}
	a.log.WithFields(logger.Fields{
		"bucket":         opts.Bucket,
		"prefix":         opts.Prefix,
		"flush_interval": opts.FlushInterval.String(),
		"max_buffer":     opts.MaxBufferSize,
	}).Info("archiver initialized")
	return a, nil
}

// Start runs the flush worker until Stop or until ctx ends. Uploads in
// flight when ctx ends are aborted and their records kept for Stop.
func (a *Archiver) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	tick := a.opts.FlushInterval / 4
	if tick > time.Second*15 {
		tick = time.Second * 15
	}
	if tick <= 0 {
		tick = time.Second
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case key := <-a.full:
				a.flushKey(ctx, key)
			case <-ticker.C:
				a.flushDue(ctx)
			}
		}
	}()
}

// Stop ends the flush worker and uploads whatever is buffered. ctx bounds
// the final uploads.
func (a *Archiver) Stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.FlushAll(ctx, "stop")
	a.log.Info("archiver stopped")
}

// Wrap returns a sink that archives what inner commits.
func (a *Archiver) Wrap(inner storage.Sink) storage.Sink {
	return &sink{inner: inner, archiver: a}
}

func bufferKey(exchange string, stream models.Stream, symbol string) string {
	return strings.Join([]string{strings.ToLower(exchange), stream.String(), symbol}, keySeparator)
}

// add buffers committed rows and queues full buffers for the worker. It
// never waits on S3.
func (a *Archiver) add(candles []models.CandleRecord, trades []models.TradeRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	get := func(key string) *buffer {
		b, ok := a.buffers[key]
		if !ok {
			b = &buffer{firstSeen: a.now()}
			a.buffers[key] = b
		}
		return b
	}
	for _, c := range candles {
		key := bufferKey(c.Exchange, models.StreamOHLCV, c.Symbol)
		b := get(key)
		b.candles = append(b.candles, c)
		a.queueIfFull(key, b)
	}
	for _, t := range trades {
		key := bufferKey(t.Exchange, models.StreamTrades, t.Symbol)
		b := get(key)
		b.trades = append(b.trades, t)
		a.queueIfFull(key, b)
	}
}

// queueIfFull must be called with a.mu held. When the queue is full the
// key is left for the next flushDue sweep.
func (a *Archiver) queueIfFull(key string, b *buffer) {
	if b.queued || b.len() < a.opts.MaxBufferSize {
		return
	}
	select {
	case a.full <- key:
		b.queued = true
	default:
	}
}

// flushDue uploads buffers that are full or older than the flush interval.
func (a *Archiver) flushDue(ctx context.Context) {
	now := a.now()
	a.mu.Lock()
	var keys []string
	for key, b := range a.buffers {
		if b.len() >= a.opts.MaxBufferSize || (b.len() > 0 && now.Sub(b.firstSeen) >= a.opts.FlushInterval) {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.flushKey(ctx, key)
	}
}

// FlushAll uploads every non empty buffer.
func (a *Archiver) FlushAll(ctx context.Context, reason string) {
	a.mu.Lock()
	keys := make([]string, 0, len(a.buffers))
	for key, b := range a.buffers {
		if b.len() > 0 {
			keys = append(keys, key)
		}
	}
	a.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	a.log.WithFields(logger.Fields{
		"buffers": len(keys),
		"reason":  reason,
	}).Info("flushing archive buffers")
	for _, key := range keys {
		a.flushKey(ctx, key)
	}
}

func (a *Archiver) flushKey(ctx context.Context, key string) {
	a.mu.Lock()
	b, ok := a.buffers[key]
	if !ok || b.len() == 0 {
		a.mu.Unlock()
		return
	}
	delete(a.buffers, key)
	a.mu.Unlock()

	parts := strings.SplitN(key, keySeparator, 3)
	exchange, stream, symbol := parts[0], parts[1], parts[2]
	log := a.log.WithFields(logger.Fields{"exchange": exchange, "symbol": symbol, "archive_stream": stream})

	var (
		data   []byte
		latest int64
		err    error
	)
	if len(b.candles) > 0 {
		data, latest, err = candlesParquet(b.candles)
	} else {
		data, latest, err = tradesParquet(b.trades)
	}
	if err != nil {
		log.WithError(err).Error("failed to encode parquet batch")
		return
	}

	objectKey := a.objectKey(exchange, stream, symbol, models.MillisToTime(latest))
	start := time.Now()
	uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	_, err = a.client.PutObject(uploadCtx, &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	})
	if err != nil {
		if ctx.Err() != nil {
			a.restore(key, b)
			log.WithError(err).WithField("records", b.len()).Warn("archive upload interrupted, records kept for the final flush")
			return
		}
		log.WithError(err).WithField("s3_key", objectKey).Error("failed to upload archive batch")
		return
	}
	logger.LogPerformanceEntry(log, "archive", "upload", time.Since(start), logger.Fields{
		"s3_key":  objectKey,
		"records": b.len(),
		"bytes":   len(data),
	})
}

// restore puts back the records of an interrupted upload ahead of anything
// buffered since.
func (a *Archiver) restore(key string, b *buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.queued = false
	if cur, ok := a.buffers[key]; ok {
		b.candles = append(b.candles, cur.candles...)
		b.trades = append(b.trades, cur.trades...)
	}
	a.buffers[key] = b
}

var symbolReplacer = strings.NewReplacer("/", "-", ":", "-")

// objectKey lays files out as
// <prefix>/exchange=<x>/stream=<s>/symbol=<sym>/date=YYYY-MM-DD/<x>_<s>_<sym>_<ts>_<id>.parquet
func (a *Archiver) objectKey(exchange, stream, symbol string, ts time.Time) string {
	if ts.IsZero() || ts.Unix() <= 0 {
		ts = a.now().UTC()
	}
	sym := symbolReplacer.Replace(symbol)
	name := fmt.Sprintf("%s_%s_%s_%s_%s.parquet", exchange, stream, sym, ts.Format("20060102150405"), uuid.NewString())
	parts := []string{
		"exchange=" + exchange,
		"stream=" + stream,
		"symbol=" + sym,
		"date=" + ts.Format("2006-01-02"),
		name,
	}
	if a.opts.Prefix != "" {
		parts = append([]string{a.opts.Prefix}, parts...)
	}
	return path.Join(parts...)
}

// sink forwards to the wrapped sink and hands committed rows to the
// archiver.
type sink struct {
	inner    storage.Sink
	archiver *Archiver
}

func (s *sink) Transact(ctx context.Context, fn func(storage.Tx) error) error {
	var rec *recordingTx
	err := s.inner.Transact(ctx, func(tx storage.Tx) error {
		rec = &recordingTx{Tx: tx}
		return fn(rec)
	})
	if err != nil || rec == nil {
		return err
	}
	if len(rec.candles) > 0 || len(rec.trades) > 0 {
		s.archiver.add(rec.candles, rec.trades)
	}
	return nil
}

type recordingTx struct {
	storage.Tx
	candles []models.CandleRecord
	trades  []models.TradeRecord
}

func (t *recordingTx) InsertCandle(r *models.CandleRecord) error {
	if err := t.Tx.InsertCandle(r); err != nil {
		return err
	}
	t.candles = append(t.candles, *r)
	return nil
}

func (t *recordingTx) InsertTrades(rs []models.TradeRecord) error {
	if err := t.Tx.InsertTrades(rs); err != nil {
		return err
	}
	t.trades = append(t.trades, rs...)
	return nil
}
