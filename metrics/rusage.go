package metrics

import "time"

// Usage is a process resource sample.
type Usage struct {
	PeakRSS int64 // bytes
	CPUTime time.Duration
}

// ReadUsage samples the process resource usage.  ok is false on platforms
// without getrusage.
func ReadUsage() (u Usage, ok bool) { return readUsage() }
