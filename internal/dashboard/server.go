// Package dashboard serves the recorder's monitoring API: watcher states,
// recent logs and metrics, host resources and the Prometheus endpoint.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"marketrecorder/config"
	"marketrecorder/internal/metrics"
	"marketrecorder/internal/watcher"
	"marketrecorder/logger"
)

// StatusSource reports the state of every running watcher.
type StatusSource interface {
	Statuses() []watcher.Status
}

type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	streams         StatusSource
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	startedAt       time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, streams StatusSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		streams:         streams,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   metrics.RegisterMetricHandler(metricStore.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, "/", log),
		startedAt:       time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) statuses() []watcher.Status {
	if s.streams == nil {
		return nil
	}
	out := s.streams.Statuses()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Stream < b.Stream
	})
	return out
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":                 appName,
			"uptime_seconds":      int64(time.Since(s.startedAt).Seconds()),
			"refresh_interval_ms": s.cfg.RefreshInterval.Milliseconds(),
			"endpoints": []string{
				"/healthz", "/metrics", "/api/streams", "/api/logs", "/api/metrics", "/api/resources",
			},
		})
	})

	// healthz is unhealthy only when nothing is being recorded. Watchers
	// that failed within the last minute are counted, not fatal.
	router.GET("/healthz", func(c *gin.Context) {
		var failing int
		all := s.statuses()
		for _, st := range all {
			if !st.LastErrorAt.IsZero() && time.Since(st.LastErrorAt) < time.Minute {
				failing++
			}
		}
		code := http.StatusOK
		status := "ok"
		switch {
		case len(all) == 0:
			code = http.StatusServiceUnavailable
			status = "idle"
		case failing > 0:
			status = "degraded"
		}
		c.JSON(code, gin.H{"status": status, "watchers": len(all), "failing": failing})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/streams", func(c *gin.Context) {
		exchange := c.Query("exchange")
		symbol := c.Query("symbol")
		out := make([]watcher.Status, 0)
		for _, st := range s.statuses() {
			if exchange != "" && !strings.EqualFold(exchange, st.Exchange) {
				continue
			}
			if symbol != "" && symbol != st.Symbol {
				continue
			}
			out = append(out, st)
		}
		c.JSON(http.StatusOK, gin.H{"streams": out})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.filter(c.Query("name"))
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		records := s.logStore.query(logQuery{
			Level:    c.Query("level"),
			Exchange: c.Query("exchange"),
			Symbol:   c.Query("symbol"),
			Stream:   c.Query("stream"),
		})
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			if n < len(records) {
				records = records[len(records)-n:]
			}
		}
		c.JSON(http.StatusOK, gin.H{"logs": records})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshots := s.resourceSampler.snapshot()
		if snapshots == nil {
			snapshots = []resourceSnapshot{}
		}
		c.JSON(http.StatusOK, gin.H{"resources": snapshots})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
