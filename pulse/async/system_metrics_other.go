//go:build !linux && !darwin && !windows

package async

import "github.com/teranos/pulseline/errors"

// hostMemory is unsupported here; memory gating is skipped.
func hostMemory() (total uint64, available uint64, err error) {
	return 0, 0, errors.New("host memory unsupported on this platform")
}
