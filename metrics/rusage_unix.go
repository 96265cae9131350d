//go:build linux || darwin || freebsd

package metrics

import (
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

func readUsage() (Usage, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return Usage{}, false
	}
	rss := int64(ru.Maxrss)
	if runtime.GOOS != "darwin" {
		rss *= 1024 // kilobytes everywhere but darwin
	}
	cpu := time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
	return Usage{PeakRSS: rss, CPUTime: cpu}, true
}
