package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// StartSystemSampler feeds the process CPU, memory and goroutine gauges on a
// fixed interval until ctx is cancelled. One sampler per process is enough;
// every component reads the same gauges.
func StartSystemSampler(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("System sampler disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cpu, err := proc.CPUPercent(); err == nil {
					cpuPercent.Set(cpu)
				}
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					memoryBytes.Set(float64(mem.RSS))
				}
				goroutines.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}
