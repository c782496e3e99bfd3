package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// BotProcessMetrics holds CPU and memory usage of one running bot.
type BotProcessMetrics struct {
	BotID      int64     `json:"bot_id"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for bot process sampling
type SamplerConfig struct {
	Enabled  bool          `toml:"process_metrics" mapstructure:"process_metrics"`
	Interval time.Duration `toml:"process_interval" mapstructure:"process_interval"`
}

// BotSampler periodically samples running bot processes with gopsutil.
type BotSampler struct {
	enabled  bool
	interval time.Duration

	mu     sync.RWMutex
	latest map[int64]BotProcessMetrics
	procs  map[int32]*process.Process // cached so CPU percent is a delta between ticks

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewBotSampler creates a sampler; it does nothing unless cfg.Enabled.
func NewBotSampler(cfg SamplerConfig) *BotSampler {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second // default
	}
	labels := []string{"bot_id"}
	return &BotSampler{
		enabled:  cfg.Enabled,
		interval: interval,
		latest:   make(map[int64]BotProcessMetrics),
		procs:    make(map[int32]*process.Process),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botrunner", Subsystem: "bot", Name: "cpu_percent",
			Help: "CPU usage percentage of running bots.",
		}, labels),
		memoryMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botrunner", Subsystem: "bot", Name: "memory_mb",
			Help: "Resident memory in MB of running bots.",
		}, labels),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botrunner", Subsystem: "bot", Name: "num_threads",
			Help: "Thread count of running bots.",
		}, labels),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botrunner", Subsystem: "bot", Name: "num_fds",
			Help: "Open file descriptors of running bots (Unix only).",
		}, labels),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *BotSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	collectors := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	// Only register FD metrics on Unix systems
	if runtime.GOOS != "windows" {
		collectors = append(collectors, s.numFDs)
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx ends or Stop is called.
func (s *BotSampler) Start(ctx context.Context, pids func() map[int64]int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pids())
			}
		}
	}()
}

// Stop stops the sampling loop.
func (s *BotSampler) Stop() {
	if !s.enabled {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of every bot in running and drops stale entries.
func (s *BotSampler) Collect(running map[int64]int) {
	now := time.Now()
	results := make(map[int64]BotProcessMetrics, len(running))
	for botID, pid := range running {
		if pid <= 0 {
			continue
		}
		m, err := s.sample(botID, int32(pid), now)
		if err != nil {
			slog.Debug("Failed to collect metrics for bot", "bot_id", botID, "pid", pid, "error", err)
			continue
		}
		results[botID] = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for botID, m := range results {
		label := strconv.FormatInt(botID, 10)
		s.cpuPercent.WithLabelValues(label).Set(m.CPUPercent)
		s.memoryMB.WithLabelValues(label).Set(m.MemoryMB)
		s.numThreads.WithLabelValues(label).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			s.numFDs.WithLabelValues(label).Set(float64(m.NumFDs))
		}
		s.latest[botID] = m
	}
	for botID, m := range s.latest {
		if _, ok := results[botID]; ok {
			continue
		}
		label := strconv.FormatInt(botID, 10)
		s.cpuPercent.DeleteLabelValues(label)
		s.memoryMB.DeleteLabelValues(label)
		s.numThreads.DeleteLabelValues(label)
		s.numFDs.DeleteLabelValues(label)
		delete(s.procs, m.PID)
		delete(s.latest, botID)
	}
}

func (s *BotSampler) handle(pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

func (s *BotSampler) sample(botID int64, pid int32, ts time.Time) (BotProcessMetrics, error) {
	proc, err := s.handle(pid)
	if err != nil {
		return BotProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	cpu, err := proc.Percent(0)
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return BotProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	m := BotProcessMetrics{
		BotID:      botID,
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			m.NumFDs = fds
		}
	}
	return m, nil
}

// Latest returns the most recent sample for botID.
func (s *BotSampler) Latest(botID int64) (BotProcessMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.latest[botID]
	return m, ok
}
