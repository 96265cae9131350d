// Package imageoptimizer is a resource-governed image optimization engine.
//
// An Optimizer owns one memory admission gate and one CPU worker pool for
// the whole process.  Pipelines opened from it are lazy: operations are
// queued and validated against the header, and nothing is decoded until an
// output is requested.
//
//	opt, err := imageoptimizer.New(imageoptimizer.DefaultConfig())
//	p, err := opt.OpenFile(ctx, "in.jpg")
//	defer p.Close()
//	_ = p.Enqueue(imageoptimizer.Resize(1024, 0))
//	m, err := p.ToFile(ctx, "out.webp", imageoptimizer.OutputOptions{Quality: 80})
package imageoptimizer

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/adapters/storage"
	"github.com/Skryldev/image-optimizer/admission"
	"github.com/Skryldev/image-optimizer/batch"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/engine"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/firewall"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/metrics"
	"github.com/Skryldev/image-optimizer/pipeline"
)

// Re-export Format constants for convenience.
const (
	JPEG = core.FormatJPEG
	PNG  = core.FormatPNG
	WebP = core.FormatWebP
	AVIF = core.FormatAVIF
)

type (
	Pipeline      = engine.Pipeline
	OutputOptions = engine.OutputOptions
	Operation     = pipeline.Operation
	Metrics       = metrics.Metrics
	BatchItem     = batch.Item
	BatchOptions  = batch.Options
	BatchResult   = batch.Result
)

// DefaultConfig returns a sensible production configuration.
func DefaultConfig() config.Config { return config.Default() }

// Optimizer is the primary entry point.  It is safe for concurrent use.
type Optimizer struct {
	cfg   config.Config
	reg   *core.DefaultRegistry
	rm    *engine.ResourceManager
	batch *batch.Orchestrator
	stats *hooks.InMemoryMetrics
	prom  *metrics.PrometheusCollector

	storeOnce sync.Once
	store     core.StorageAdapter
	storeErr  error

	processed atomic.Int64
	failed    atomic.Int64
}

type options struct {
	logger     core.Logger
	registerer prometheus.Registerer
	store      core.StorageAdapter
	clock      core.Clock
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logrus logger built from cfg.Log.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer sets the Prometheus registerer used when cfg.Metrics is
// enabled.  It defaults to prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithStorage replaces the storage adapter selected by cfg.Storage.
func WithStorage(s core.StorageAdapter) Option { return func(o *options) { o.store = s } }

// WithClock replaces time.Now for deadlines and metrics.
func WithClock(c core.Clock) Option { return func(o *options) { o.clock = c } }

// New creates a fully wired Optimizer with the pure Go JPEG, PNG, WebP and
// GIF codecs registered.  Swap in libvips with vips.RegisterBackend on
// Registry().
func New(cfg config.Config, opts ...Option) (*Optimizer, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = hooks.NewLogger(cfg.Log.Level, cfg.Log.Format)
	}

	reg := core.NewRegistry()
	decoder.Register(reg)
	encoder.Register(reg, cfg.DefaultQuality)

	opt := &Optimizer{cfg: cfg, reg: reg, stats: hooks.NewInMemoryMetrics(), store: o.store}
	collectors := fanOut{opt.stats}
	if cfg.Metrics.Enabled {
		r := o.registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		prom, err := metrics.NewPrometheusCollector(cfg.Metrics.Namespace, r)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidParameter, "optimizer.metrics", err)
		}
		opt.prom = prom
		collectors = append(collectors, prom)
	}

	rmOpts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithCollector(collectors),
		engine.WithHooks(hooks.NewLoggingHook(o.logger), hooks.NewMetricsHook(collectors)),
	}
	if o.clock != nil {
		rmOpts = append(rmOpts, engine.WithClock(o.clock))
	}
	rm, err := engine.NewResourceManager(cfg, reg, rmOpts...)
	if err != nil {
		return nil, err
	}
	if opt.prom != nil {
		gate := rm.Gate()
		if err := opt.prom.RegisterGate(gate.InUse, gate.Capacity); err != nil {
			rm.Shutdown()
			return nil, apperrors.Wrap(apperrors.CodeInvalidParameter, "optimizer.metrics", err)
		}
	}
	opt.rm = rm
	opt.batch = batch.New(rm)

	o.logger.Info("optimizer ready",
		"memory_budget", cfg.MemoryBudget,
		"workers", rm.Coordinator().WorkerCount(),
		"policy", cfg.FirewallPolicy,
	)
	return opt, nil
}

// Registry exposes the codec registry for custom or libvips codecs.
func (o *Optimizer) Registry() core.Registry { return o.reg }

// Resources returns the shared gate and worker coordinator.
func (o *Optimizer) Resources() *engine.ResourceManager { return o.rm }

// SetLogger replaces the logger.
func (o *Optimizer) SetLogger(l core.Logger) { o.rm.SetLogger(l) }

// AddHook registers an observer for engine stage events.
func (o *Optimizer) AddHook(h core.Hook) { o.rm.AddHook(h) }

// SetPolicy switches the default firewall policy by preset name.
func (o *Optimizer) SetPolicy(name string) error {
	p, err := firewall.Preset(name)
	if err != nil {
		return err
	}
	o.rm.SetPolicy(p)
	return nil
}

// Reconfigure changes the memory budget and the I/O thread reservation at
// runtime.
func (o *Optimizer) Reconfigure(memoryBudget int64, reservedIOThreads int) error {
	return o.rm.Reconfigure(memoryBudget, reservedIOThreads)
}

// Shutdown drains the worker pool and closes the admission gate.
func (o *Optimizer) Shutdown() { o.rm.Shutdown() }

// ── Sources ───────────────────────────────────────────────────────────────────

// Open starts a lazy pipeline over src.  The caller keeps ownership of src.
func (o *Optimizer) Open(ctx context.Context, src *core.Source, opts ...engine.PipelineOption) *Pipeline {
	return o.rm.Open(ctx, src, opts...)
}

// FromBytes starts a pipeline over an in-memory image.
func (o *Optimizer) FromBytes(ctx context.Context, name string, data []byte) *Pipeline {
	return o.rm.Open(ctx, core.FromBytes(name, data), engine.OwnSource())
}

// OpenFile starts a pipeline over a file.  Large files are memory mapped;
// the mapping is released by Pipeline.Close.
func (o *Optimizer) OpenFile(ctx context.Context, path string) (*Pipeline, error) {
	src, err := core.OpenFile(path, o.rm.MapThreshold())
	if err != nil {
		return nil, err
	}
	return o.rm.Open(ctx, src, engine.OwnSource()), nil
}

// OpenReader drains r into memory and starts a pipeline over it.  Inputs
// larger than the policy's byte limit are rejected while reading.
func (o *Optimizer) OpenReader(ctx context.Context, name string, r io.Reader) (*Pipeline, error) {
	src, err := core.ReadAll(ctx, name, r, o.rm.Policy().MaxBytes)
	if err != nil {
		return nil, err
	}
	return o.rm.Open(ctx, src, engine.OwnSource()), nil
}

// ── Operations ────────────────────────────────────────────────────────────────

// Resize scales to w×h; a zero axis keeps the aspect ratio.
func Resize(w, h int) Operation { return pipeline.Resize{Width: w, Height: h} }

// Crop extracts the rectangle at (x, y) of size w×h.
func Crop(x, y, w, h int) Operation { return pipeline.Crop{X: x, Y: y, Width: w, Height: h} }

// Rotate rotates clockwise by a multiple of 90 degrees.
func Rotate(degrees int) Operation { return pipeline.Rotate{Degrees: degrees} }

func FlipH() Operation { return pipeline.FlipH{} }

func FlipV() Operation { return pipeline.FlipV{} }

// AutoOrient applies the EXIF orientation and resets the tag.
func AutoOrient() Operation { return pipeline.AutoOrient{} }

func Grayscale() Operation { return pipeline.Grayscale{} }

// Brightness shifts brightness by amount in -100..100.
func Brightness(amount int) Operation { return pipeline.Brightness{Amount: amount} }

// Contrast scales contrast by amount in -100..100.
func Contrast(amount int) Operation { return pipeline.Contrast{Amount: amount} }

// NormalizeColor converts wide-gamut or linear input to sRGB.
func NormalizeColor() Operation { return pipeline.ColorSpaceNormalize{} }

// StripMetadata drops EXIF and ICC from the output.
func StripMetadata() Operation { return pipeline.StripMetadata{} }

// ── Batch & async ─────────────────────────────────────────────────────────────

// Batch applies ops to every item on the CPU pool.  A zero
// opts.Concurrency falls back to cfg.BatchConcurrency.  Item failures are
// reported per result; err is set only when the batch cannot start.
func (o *Optimizer) Batch(ctx context.Context, items []BatchItem, ops []Operation, opts BatchOptions) ([]BatchResult, error) {
	if opts.Concurrency == 0 {
		opts.Concurrency = o.cfg.BatchConcurrency
	}
	res, err := o.batch.Run(ctx, items, ops, opts)
	if err != nil {
		return nil, err
	}
	for _, r := range res {
		o.count(r.Err)
	}
	return res, nil
}

// Job is one asynchronous optimization.
type Job struct {
	// ID defaults to a generated uuid.
	ID     string
	Source *core.Source
	Ops    []Operation
	Output OutputOptions
	// Key, when set, stores the output through the configured storage
	// adapter instead of returning the bytes.
	Key *core.StorageKey
	// ResultCh receives exactly one JobResult; nil for fire-and-forget.
	ResultCh chan<- JobResult
}

// JobResult is the outcome of a Job.
type JobResult struct {
	JobID   string
	Data    []byte
	Metrics Metrics
	Err     error
}

// Submit queues job on the CPU pool without blocking and returns its id.
// The job owns Source from here on.  A full queue fails with
// ErrWorkerPoolFull.
func (o *Optimizer) Submit(ctx context.Context, job Job) (string, error) {
	if job.Source == nil {
		return "", apperrors.New(apperrors.CodeEmptyInput, "optimizer.submit", apperrors.ErrEmptyInput)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	err := o.rm.Coordinator().Submit(ctx, func(ctx context.Context) {
		res := o.runJob(ctx, job)
		o.count(res.Err)
		if job.ResultCh != nil {
			job.ResultCh <- res
		}
	})
	if err != nil {
		job.Source.Close()
		return "", err
	}
	return job.ID, nil
}

func (o *Optimizer) runJob(ctx context.Context, job Job) (res JobResult) {
	res.JobID = job.ID
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = apperrors.Newf(apperrors.CodeInvariantViolation, "optimizer.job", "panic: %v", r)
		}
		logger := o.rm.Logger()
		if res.Err != nil {
			logger.Warn("job failed", "job", job.ID, "error", res.Err)
			return
		}
		logger.Debug("job finished", "job", job.ID, "bytes_out", res.Metrics.BytesOut, "elapsed", time.Since(start))
	}()

	p := o.rm.Open(ctx, job.Source, engine.WithSourceID(job.ID), engine.OwnSource())
	defer p.Close()
	for _, op := range job.Ops {
		if err := p.Enqueue(op); err != nil {
			res.Err = err
			return res
		}
	}
	if job.Key != nil {
		store, err := o.Storage()
		if err != nil {
			res.Err = err
			return res
		}
		res.Metrics, res.Err = p.ToStorage(ctx, store, *job.Key, job.Output)
		return res
	}
	res.Data, res.Metrics, res.Err = p.ToBuffer(ctx, job.Output)
	return res
}

// ── Storage & stats ───────────────────────────────────────────────────────────

// Storage returns the output sink selected by cfg.Storage, building it on
// first use.
func (o *Optimizer) Storage() (core.StorageAdapter, error) {
	o.storeOnce.Do(func() {
		if o.store != nil {
			return
		}
		o.store, o.storeErr = storage.NewFromConfig(o.cfg)
		if o.storeErr != nil {
			o.storeErr = apperrors.Wrap(apperrors.CodeIOFailure, "optimizer.storage", o.storeErr)
		}
	})
	return o.store, o.storeErr
}

// Stats is a point-in-time view of the optimizer.
type Stats struct {
	// Processed and Failed count batch items and async jobs.
	Processed int64
	Failed    int64
	Workers   int
	Gate      admission.Stats
	Metrics   hooks.MetricsSnapshot
}

// Stats returns counters, admission state and aggregated stage metrics.
func (o *Optimizer) Stats() Stats {
	return Stats{
		Processed: o.processed.Load(),
		Failed:    o.failed.Load(),
		Workers:   o.rm.Coordinator().WorkerCount(),
		Gate:      o.rm.Gate().Stats(),
		Metrics:   o.stats.Snapshot(),
	}
}

func (o *Optimizer) count(err error) {
	o.processed.Add(1)
	if err != nil {
		o.failed.Add(1)
	}
}

// fanOut forwards every record to each collector.
type fanOut []core.MetricsCollector

func (f fanOut) RecordStage(stage core.Stage, d time.Duration) {
	for _, c := range f {
		c.RecordStage(stage, d)
	}
}

func (f fanOut) RecordBytes(in, out int64) {
	for _, c := range f {
		c.RecordBytes(in, out)
	}
}

func (f fanOut) RecordViolation(kind string) {
	for _, c := range f {
		c.RecordViolation(kind)
	}
}

func (f fanOut) RecordError(stage core.Stage, category string) {
	for _, c := range f {
		c.RecordError(stage, category)
	}
}
