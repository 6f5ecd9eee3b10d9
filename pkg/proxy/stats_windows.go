//go:build windows

package proxy

import "time"

// processCPUTime is not implemented on windows; cpu_usage_total stays at 0.
func processCPUTime() time.Duration {
	return 0
}
