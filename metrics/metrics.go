// Package metrics records per-run measurements of the execution engine and
// exports aggregate counters to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/Skryldev/image-optimizer/core"
)

// Metrics describes one output run.  Stage timings are taken from a single
// monotonic baseline, so TotalMS >= DecodeMS + OpsMS + EncodeMS.
type Metrics struct {
	DecodeMS float64
	OpsMS    float64
	EncodeMS float64
	TotalMS  float64

	// PeakRSS is the process high-water resident set size in bytes and
	// CPUTime the CPU consumed by the process during the run.  Both are
	// process-wide and therefore include concurrent work.
	PeakRSS int64
	CPUTime time.Duration

	BytesIn          int64
	BytesOut         int64
	CompressionRatio float64

	ICCPreserved     bool
	MetadataStripped bool
	PolicyViolations []string

	// PixelBytesPeak is the high-water mark of live pixel bytes inside the
	// executor; PermitBytes is the admission weight held for the run.
	PixelBytesPeak int64
	PermitBytes    int64
}

// Recorder accumulates Metrics for one run.  It is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	now   core.Clock
	start time.Time
	usage Usage
	m     Metrics
	done  bool
}

// NewRecorder starts a recorder.  now defaults to time.Now.
func NewRecorder(now core.Clock) *Recorder {
	if now == nil {
		now = time.Now
	}
	u, _ := ReadUsage()
	return &Recorder{now: now, start: now(), usage: u}
}

// Start opens a stage interval and returns the function that closes it.
// Only decode, transform and encode are timed.
func (r *Recorder) Start(stage core.Stage) func() time.Duration {
	begin := r.now()
	return func() time.Duration {
		d := r.now().Sub(begin)
		ms := float64(d) / float64(time.Millisecond)
		r.mu.Lock()
		switch stage {
		case core.StageDecode:
			r.m.DecodeMS += ms
		case core.StageTransform:
			r.m.OpsMS += ms
		case core.StageEncode:
			r.m.EncodeMS += ms
		}
		r.mu.Unlock()
		return d
	}
}

// Elapsed returns the time since the recorder started.
func (r *Recorder) Elapsed() time.Duration { return r.now().Sub(r.start) }

// SetBytes records input and output sizes.
func (r *Recorder) SetBytes(in, out int64) {
	r.mu.Lock()
	r.m.BytesIn, r.m.BytesOut = in, out
	r.mu.Unlock()
}

// SetMetadata records whether the ICC profile survived and whether metadata
// was stripped.
func (r *Recorder) SetMetadata(iccPreserved, stripped bool) {
	r.mu.Lock()
	r.m.ICCPreserved, r.m.MetadataStripped = iccPreserved, stripped
	r.mu.Unlock()
}

// Violation appends a firewall violation kind.
func (r *Recorder) Violation(kind string) {
	r.mu.Lock()
	r.m.PolicyViolations = append(r.m.PolicyViolations, kind)
	r.mu.Unlock()
}

// SetMemory records the executor pixel peak and the permit weight.
func (r *Recorder) SetMemory(pixelPeak, permit int64) {
	r.mu.Lock()
	r.m.PixelBytesPeak, r.m.PermitBytes = pixelPeak, permit
	r.mu.Unlock()
}

// Finish stamps the totals and returns the metrics.  Later calls return the
// same result.
func (r *Recorder) Finish() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.snapshot()
	}
	r.done = true

	r.m.TotalMS = float64(r.now().Sub(r.start)) / float64(time.Millisecond)
	if sum := r.m.DecodeMS + r.m.OpsMS + r.m.EncodeMS; r.m.TotalMS < sum {
		r.m.TotalMS = sum
	}
	if r.m.BytesOut > 0 {
		r.m.CompressionRatio = float64(r.m.BytesIn) / float64(r.m.BytesOut)
	}
	if u, ok := ReadUsage(); ok {
		r.m.PeakRSS = u.PeakRSS
		r.m.CPUTime = max(u.CPUTime-r.usage.CPUTime, 0)
	}
	return r.snapshot()
}

func (r *Recorder) snapshot() Metrics {
	m := r.m
	m.PolicyViolations = append([]string(nil), r.m.PolicyViolations...)
	return m
}
