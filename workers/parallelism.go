package workers

import (
	"io/fs"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// AvailableParallelism returns the number of CPUs this process may use:
// the minimum of the host CPU count, GOMAXPROCS and the cgroup CPU quota.
func AvailableParallelism() int {
	n := min(runtime.NumCPU(), runtime.GOMAXPROCS(0))
	if q, ok := cgroupCPULimit(os.DirFS("/")); ok {
		n = min(n, q)
	}
	return max(n, 1)
}

// cgroupCPULimit reads the CPU quota from cgroup v2 cpu.max, falling back to
// the v1 cfs quota/period pair.  The quota is rounded up to whole CPUs.
func cgroupCPULimit(fsys fs.FS) (int, bool) {
	if b, err := fs.ReadFile(fsys, "sys/fs/cgroup/cpu.max"); err == nil {
		f := strings.Fields(string(b))
		if len(f) == 2 && f[0] != "max" {
			return quota(f[0], f[1])
		}
		return 0, false
	}
	q, err := fs.ReadFile(fsys, "sys/fs/cgroup/cpu/cpu.cfs_quota_us")
	if err != nil {
		return 0, false
	}
	p, err := fs.ReadFile(fsys, "sys/fs/cgroup/cpu/cpu.cfs_period_us")
	if err != nil {
		return 0, false
	}
	return quota(strings.TrimSpace(string(q)), strings.TrimSpace(string(p)))
}

func quota(q, p string) (int, bool) {
	qv, err := strconv.ParseFloat(q, 64)
	if err != nil || qv <= 0 {
		return 0, false
	}
	pv, err := strconv.ParseFloat(p, 64)
	if err != nil || pv <= 0 {
		return 0, false
	}
	return max(int(math.Ceil(qv/pv)), 1), true
}
