package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type streamStat struct {
	records    int64
	warnings   int64
	errors     int64
	suppressed int64
}

var streams sync.Map // map[string]*streamStat

func statFor(stream string) *streamStat {
	v, _ := streams.LoadOrStore(stream, &streamStat{})
	return v.(*streamStat)
}

func recordWarn(stream string) {
	atomic.AddInt64(&statFor(stream).warnings, 1)
}

func recordError(stream string) {
	atomic.AddInt64(&statFor(stream).errors, 1)
}

// RecordPersisted counts records committed for stream.
func RecordPersisted(stream string, n int) {
	atomic.AddInt64(&statFor(stream).records, int64(n))
}

// RecordSuppressed counts error log entries dropped by a cooldown.
func RecordSuppressed(stream string) {
	atomic.AddInt64(&statFor(stream).suppressed, 1)
}

// StreamCounters is a point in time copy of one stream's counters.
type StreamCounters struct {
	Stream     string `json:"stream"`
	Records    int64  `json:"records"`
	Warnings   int64  `json:"warnings"`
	Errors     int64  `json:"errors"`
	Suppressed int64  `json:"suppressed"`
}

// StreamSnapshot returns the counters of every stream seen so far, sorted by
// name.
func StreamSnapshot() []StreamCounters {
	var out []StreamCounters
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		out = append(out, StreamCounters{
			Stream:     k.(string),
			Records:    atomic.LoadInt64(&st.records),
			Warnings:   atomic.LoadInt64(&st.warnings),
			Errors:     atomic.LoadInt64(&st.errors),
			Suppressed: atomic.LoadInt64(&st.suppressed),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Report is the periodic runtime summary handed to a ReportPublisher.
type Report struct {
	Goroutines   int
	CPUPercent   float64
	MemoryMB     float64
	DiskMB       float64
	NetBytesSent uint64
	NetBytesRecv uint64
	Streams      []StreamCounters
}

// ReportPublisher receives every report after it has been logged, e.g. to
// forward it to CloudWatch.
type ReportPublisher func(ctx context.Context, r Report)

// StartReport begins periodic logging of system and stream statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration, publish ReportPublisher) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r := collectReport()
				logReport(log, r)
				if publish != nil {
					publish(ctx, r)
				}
			}
		}
	}()
}

func collectReport() Report {
	r := Report{
		Goroutines: runtime.NumGoroutine(),
		Streams:    StreamSnapshot(),
	}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.MemoryMB = float64(vm.Used) / 1024 / 1024
	}
	if du, err := disk.Usage("/"); err == nil {
		r.DiskMB = float64(du.Used) / 1024 / 1024
	}
	if io, err := gnet.IOCounters(false); err == nil && len(io) > 0 {
		r.NetBytesSent = io[0].BytesSent
		r.NetBytesRecv = io[0].BytesRecv
	}
	return r
}

func logReport(log *Log, r Report) {
	streamData := make(map[string]map[string]int64, len(r.Streams))
	for _, s := range r.Streams {
		streamData[s.Stream] = map[string]int64{
			"records":    s.Records,
			"warnings":   s.Warnings,
			"errors":     s.Errors,
			"suppressed": s.Suppressed,
		}
	}

	log.WithComponent("report").WithFields(Fields{
		"goroutines":     r.Goroutines,
		"cpu_percent":    r.CPUPercent,
		"memory_mb":      int64(r.MemoryMB),
		"disk_mb":        int64(r.DiskMB),
		"net_bytes_sent": int64(r.NetBytesSent),
		"net_bytes_recv": int64(r.NetBytesRecv),
		"streams":        streamData,
	}).Info("runtime report")
}
