package async

import (
	"context"
	"fmt"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive     int     `json:"workers_active"`     // Workers currently running a handler
	WorkersTotal      int     `json:"workers_total"`      // Total configured workers
	MemoryUsedGB      float64 `json:"memory_used_gb"`     // Current memory usage in GB
	MemoryTotalGB     float64 `json:"memory_total_gb"`    // Total system memory in GB
	MemoryPercent     float64 `json:"memory_percent"`     // Memory utilization percentage
	ExecutionsPending int     `json:"executions_pending"` // Executions waiting to be claimed
	ExecutionsRunning int     `json:"executions_running"` // Executions currently RUNNING
}

// hostMemory is implemented per platform; the pool reads it through memoryStats

func (wp *WorkerPool) memoryPercent() (float64, bool) {
	total, available, err := wp.memoryStats()
	if err != nil || total == 0 {
		return 0, false
	}
	return float64(total-available) / float64(total) * 100, true
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	total, available, err := wp.memoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	// database errors degrade to zero counts
	counts, err := wp.engine.store.CountByStatus(ctx, wp.engine.db)
	if err != nil {
		counts = map[Status]int{}
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive:     activeWorkers,
		WorkersTotal:      wp.workers,
		MemoryUsedGB:      memUsedGB,
		MemoryTotalGB:     memTotalGB,
		MemoryPercent:     memPercent,
		ExecutionsPending: counts[StatusPending],
		ExecutionsRunning: counts[StatusRunning],
	}
}

// memoryPressureHigh reports whether claiming should pause.
func (wp *WorkerPool) memoryPressureHigh() bool {
	if wp.poolConfig.MaxMemoryPercent <= 0 {
		return false
	}
	pct, ok := wp.memoryPercent()
	return ok && pct >= wp.poolConfig.MaxMemoryPercent
}

// checkMemoryPressure returns a warning when memory is already above the
// claim threshold at startup, empty string if OK
func (wp *WorkerPool) checkMemoryPressure() string {
	if wp.poolConfig.MaxMemoryPercent <= 0 {
		return ""
	}
	pct, ok := wp.memoryPercent()
	if !ok {
		return "" // Can't check, assume OK
	}
	if pct >= wp.poolConfig.MaxMemoryPercent {
		return fmt.Sprintf(
			"Memory usage %.1f%% is above worker.max_memory_percent (%.0f%%). "+
				"Workers will not claim executions until it drops.",
			pct, wp.poolConfig.MaxMemoryPercent)
	}
	return ""
}
