//go:build linux || darwin || windows

package async

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/pulseline/errors"
)

// hostMemoryTimeout keeps a slow /proc or WMI read from stalling
// a claim loop.
const hostMemoryTimeout = 2 * time.Second

// hostMemory reports total and available host memory in bytes. The worker
// pool gates claims on it through WorkerPoolConfig.MaxMemoryPercent.
func hostMemory() (total uint64, available uint64, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), hostMemoryTimeout)
	defer cancel()

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to read host memory")
	}
	if v.Available > v.Total {
		return 0, 0, errors.Newf("host memory reading is inconsistent: available %d > total %d", v.Available, v.Total)
	}
	return v.Total, v.Available, nil
}
