// Package metrics logs process resource usage and ingest rates at a fixed
// interval while long-running commands work.
package metrics

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// Snapshot holds one sample
type Snapshot struct {
	SysCPUPercent  float64
	ProcCPUPercent float64 // per core, can exceed 100 on multi-core hosts
	ProcRSSMB      float64
	MemoryPercent  float64
	DiskReadMBps   float64
	DiskWriteMBps  float64
	Counters       map[string]int64
	Rates          map[string]float64 // per second since the previous sample
	Timestamp      time.Time
}

// Collector periodically samples resource usage and registered counters
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	mu           sync.Mutex
	counters     map[string]func() int64
	lastCounters map[string]int64
	lastDisk     map[string]disk.IOCountersStat
	lastSample   time.Time
	last         *Snapshot
}

// NewCollector creates a collector logging to logger every interval.
// Intervals under a second fall back to 30s.
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval:     interval,
		logger:       logger,
		proc:         proc,
		counters:     make(map[string]func() int64),
		lastCounters: make(map[string]int64),
	}
}

// Track registers a monotonically increasing counter, e.g. changesets read.
// Each sample logs its value and its rate.
func (c *Collector) Track(name string, fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] = fn
}

// Start samples until ctx is cancelled. It always returns nil so it can be
// run directly in an errgroup.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the baselines for rates
	c.Sample()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return nil
		case <-ticker.C:
			c.log(c.Sample())
		}
	}
}

// Last returns the most recent sample, or nil before the first one
func (c *Collector) Last() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Sample takes a snapshot now
func (c *Collector) Sample() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	snap := &Snapshot{
		Counters:  make(map[string]int64, len(c.counters)),
		Rates:     make(map[string]float64, len(c.counters)),
		Timestamp: now,
	}
	var elapsed float64
	if !c.lastSample.IsZero() {
		elapsed = now.Sub(c.lastSample).Seconds()
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.SysCPUPercent = pct[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vmem.UsedPercent
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			snap.ProcCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			snap.ProcRSSMB = float64(info.RSS) / (1024 * 1024)
		}
	}
	snap.DiskReadMBps, snap.DiskWriteMBps = c.diskRates(elapsed)

	for name, fn := range c.counters {
		v := fn()
		snap.Counters[name] = v
		if elapsed > 0 {
			if prev, ok := c.lastCounters[name]; ok && v >= prev {
				snap.Rates[name] = float64(v-prev) / elapsed
			}
		}
		c.lastCounters[name] = v
	}

	c.lastSample = now
	c.last = snap
	return snap
}

// diskRates returns read and write MB/s across all disks since the last call
func (c *Collector) diskRates(elapsed float64) (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	defer func() { c.lastDisk = counters }()

	if c.lastDisk == nil || elapsed < 0.1 {
		return 0, 0
	}

	var readDelta, writeDelta uint64
	for name, cur := range counters {
		prev, ok := c.lastDisk[name]
		if !ok {
			continue
		}
		// counters can wrap
		if cur.ReadBytes >= prev.ReadBytes {
			readDelta += cur.ReadBytes - prev.ReadBytes
		}
		if cur.WriteBytes >= prev.WriteBytes {
			writeDelta += cur.WriteBytes - prev.WriteBytes
		}
	}
	return float64(readDelta) / elapsed / (1024 * 1024), float64(writeDelta) / elapsed / (1024 * 1024)
}

func (c *Collector) log(s *Snapshot) {
	fields := []zap.Field{
		zap.String("sys_cpu", fmt.Sprintf("%.1f%%", s.SysCPUPercent)),
		zap.String("proc_cpu", fmt.Sprintf("%.1f%%", s.ProcCPUPercent)),
		zap.String("rss", fmt.Sprintf("%.1f MB", s.ProcRSSMB)),
		zap.String("mem", fmt.Sprintf("%.1f%%", s.MemoryPercent)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", s.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", s.DiskWriteMBps)),
	}

	names := make([]string, 0, len(s.Counters))
	for name := range s.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields,
			zap.Int64(name, s.Counters[name]),
			zap.String(name+"_rate", fmt.Sprintf("%.0f/s", s.Rates[name])))
	}

	c.logger.Info("Metrics", fields...)
}
