package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"marketrecorder/logger"
)

func stubCollectors(t *testing.T, rssErr error) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	originalRSS := processRSSFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
		processRSSFn = originalRSS
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		time.Sleep(interval)
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	processRSSFn = func(ctx context.Context) (uint64, error) {
		return 512, rssErr
	}
	return calls
}

func waitForSamples(t *testing.T, s *resourceSampler) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(s.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubCollectors(t, nil)
	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.GetLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)
	waitForSamples(t, sampler)
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) > 3 {
		t.Fatalf("ring exceeded its limit: %d", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if latest.ProcessRSS != 512 || latest.Goroutines == 0 {
		t.Fatalf("missing process data: %#v", latest)
	}
	if calls.Load() == 0 {
		t.Fatal("expected cpu sampler to be invoked")
	}
}

func TestResourceSamplerToleratesMissingProcessStats(t *testing.T) {
	stubCollectors(t, errors.New("no such process"))
	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.GetLogger())

	snap, err := sampler.sample(context.Background())
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if snap.ProcessRSS != 0 || snap.MemoryUsed != 1024 {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}
