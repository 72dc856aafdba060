package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"marketrecorder/config"
	"marketrecorder/internal/models"
	"marketrecorder/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Params          map[string]string
	ConnString      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

func OptionFromConfig(cfg config.DatabaseConfig) Option {
	return Option{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Name,
		SSLMode:         cfg.SSLMode,
		ConnString:      cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		LogLevel:        cfg.LogLevel,
	}
}

// Postgres is the gorm backed sink.
type Postgres struct {
	db *gorm.DB
}

func NewPostgres(opt Option) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(opt.dsn()), &gorm.Config{
		Logger: gormlogger.New(logger.GetLogger().WithComponent("gorm"), gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogLevel(opt.LogLevel),
			IgnoreRecordNotFoundError: true,
		}),
		// inserts already run inside explicit transactions
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	if opt.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}

	return &Postgres{db: db}, nil
}

// Migrate creates or updates the record tables.
func (p *Postgres) Migrate(ctx context.Context) error {
	if err := p.db.WithContext(ctx).AutoMigrate(
		&models.OrderBookRecord{},
		&models.TradeRecord{},
		&models.CandleRecord{},
		&models.TickerRecord{},
		&models.LogEntry{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	logger.GetLogger().WithComponent("storage").Info("schema migrated")
	return nil
}

func (p *Postgres) Transact(ctx context.Context, fn func(Tx) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(gormTx{db: tx})
	})
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func (t gormTx) InsertOrderBook(r *models.OrderBookRecord) error {
	return wrapInsert("orderbook", t.db.Create(r).Error)
}

func (t gormTx) InsertTrades(rs []models.TradeRecord) error {
	if len(rs) == 0 {
		return nil
	}
	return wrapInsert("trades", t.db.Create(&rs).Error)
}

func (t gormTx) InsertCandle(r *models.CandleRecord) error {
	return wrapInsert("ohlcv", t.db.Create(r).Error)
}

func (t gormTx) InsertTicker(r *models.TickerRecord) error {
	return wrapInsert("ticker", t.db.Create(r).Error)
}

func (t gormTx) InsertLog(e *models.LogEntry) error {
	return wrapInsert("logs", t.db.Create(e).Error)
}

func wrapInsert(table string, err error) error {
	if err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info":
		return gormlogger.Info
	default:
		return gormlogger.Warn
	}
}

func (opt Option) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key != "" {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}
