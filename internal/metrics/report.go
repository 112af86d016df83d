package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"depthflow/logger"
)

// StartReport logs pipeline totals and host usage every interval until ctx is
// done. Each reading is also emitted so CloudWatch receives it when enabled.
func StartReport(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		var last Totals
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last = logReport(last)
			}
		}
	}()
}

func logReport(last Totals) Totals {
	cur := Snapshot()

	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := int64(0)
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = int64(vm.Used) / 1024 / 1024
	}

	fields := logger.Fields{
		"messages":     cur.Messages,
		"written":      cur.Written,
		"skipped":      cur.Skipped,
		"write_errors": cur.WriteErrors,
		"runs":         cur.Runs,
		"goroutines":   runtime.NumGoroutine(),
		"cpu_percent":  cpuPct,
		"memory_mb":    memMB,
	}
	logger.GetLogger().WithComponent("report").WithFields(fields).Info("runtime report")

	EmitMetric("report", "messages", float64(cur.Messages-last.Messages), "count", nil)
	EmitMetric("report", "records_written", float64(cur.Written-last.Written), "count", nil)
	EmitMetric("report", "write_errors", float64(cur.WriteErrors-last.WriteErrors), "count", nil)
	EmitMetric("report", "cpu_percent", cpuPct, "percent", nil)
	EmitMetric("report", "memory_used", float64(memMB), "megabytes", nil)
	return cur
}
