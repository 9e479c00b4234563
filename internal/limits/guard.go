package limits

import (
	"context"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/statecast/statecast/internal/metrics"
)

// GuardConfig holds the static admission thresholds.
type GuardConfig struct {
	// MaxGoroutines rejects new connections when the process runs more
	// goroutines than this.
	MaxGoroutines int

	// CPURejectThreshold rejects new connections above this CPU
	// percentage. Zero disables the check.
	CPURejectThreshold float64

	// MemoryLimit in bytes; 0 means detect from the cgroup files.
	MemoryLimit int64
}

// Guard enforces static resource limits at connection admission. Limits are
// configured, never derived, so behaviour under load stays predictable.
type Guard struct {
	cfg    GuardConfig
	logger zerolog.Logger

	mu         sync.RWMutex
	currentCPU float64

	stop chan struct{}
	once sync.Once
}

// NewGuard builds a guard. When the config carries no memory limit, the
// cgroup files are consulted and the detected limit is logged.
func NewGuard(cfg GuardConfig, logger zerolog.Logger) *Guard {
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = MemoryLimit()
	}
	g := &Guard{cfg: cfg, logger: logger, stop: make(chan struct{})}

	evt := logger.Info().
		Int("max_goroutines", cfg.MaxGoroutines).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold)
	if cfg.MemoryLimit > 0 {
		evt = evt.Int64("memory_limit_bytes", cfg.MemoryLimit)
	}
	evt.Msg("Resource guard configured")
	return g
}

// Start samples CPU usage at the given interval until the context ends.
func (g *Guard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sampleCPU()
			case <-ctx.Done():
				return
			case <-g.stop:
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (g *Guard) Stop() {
	g.once.Do(func() { close(g.stop) })
}

func (g *Guard) sampleCPU() {
	// Percent with zero interval compares against the previous call, so
	// the sampling ticker sets the effective window.
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Debug().Err(err).Msg("CPU sample unavailable")
		return
	}
	value := percents[0]
	if math.IsNaN(value) || value < 0 {
		return
	}

	g.mu.Lock()
	g.currentCPU = value
	g.mu.Unlock()
	metrics.CPUUsagePercent.Set(value)
}

// CPUPercent returns the last sampled CPU usage.
func (g *Guard) CPUPercent() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.currentCPU
}

// ShouldAccept decides whether one more connection may be admitted. The
// second return value names the rejecting check for logs and metrics.
func (g *Guard) ShouldAccept() (bool, string) {
	if g.cfg.MaxGoroutines > 0 && runtime.NumGoroutine() >= g.cfg.MaxGoroutines {
		return false, "goroutine_limit"
	}
	if g.cfg.CPURejectThreshold > 0 && g.CPUPercent() >= g.cfg.CPURejectThreshold {
		return false, "cpu_threshold"
	}
	return true, ""
}

// MemoryLimitBytes returns the effective memory limit, 0 when unlimited.
func (g *Guard) MemoryLimitBytes() int64 {
	return g.cfg.MemoryLimit
}
