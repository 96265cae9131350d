// Package batch fans one operation plan out over many sources on the CPU
// worker pool.
package batch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/engine"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/firewall"
	"github.com/Skryldev/image-optimizer/metrics"
	"github.com/Skryldev/image-optimizer/pipeline"
)

// Item is one batch input.  Exactly one of Path or Data is used; Path wins
// when both are set.
type Item struct {
	// ID names the item in results; it defaults to Path or a generated id.
	ID   string
	Path string
	Data []byte
	// Output is the destination file.  Empty keeps the result in memory
	// unless Options.OutputDir is set.
	Output string
}

// Options tunes a batch run.
type Options struct {
	// Concurrency bounds the items in flight.  0 uses the coordinator's
	// worker count; values above config.MaxBatchConcurrency are rejected.
	Concurrency int
	Output      engine.OutputOptions
	// OutputDir receives one file per item without an explicit Output.
	OutputDir string
	// Policy overrides the firewall policy for every item.
	Policy *firewall.Policy
}

// Result is the outcome of one item, independent of its siblings.
type Result struct {
	SourceID      string
	Success       bool
	Err           error
	ErrorCode     apperrors.Code
	ErrorCategory apperrors.Category
	OutputPath    string
	// Data holds the encoded bytes when no output file was written.
	Data    []byte
	Metrics metrics.Metrics
}

// Orchestrator runs batches against a ResourceManager.
type Orchestrator struct {
	rm *engine.ResourceManager
}

// New returns an orchestrator sharing rm's gate and worker pool.
func New(rm *engine.ResourceManager) *Orchestrator {
	return &Orchestrator{rm: rm}
}

// Concurrency resolves the effective concurrency for a requested value.
func (o *Orchestrator) Concurrency(requested int) (int, error) {
	switch {
	case requested < 0:
		return 0, apperrors.Newf(apperrors.CodeInvalidParameter, "batch.concurrency",
			"concurrency must not be negative, got %d", requested)
	case requested > config.MaxBatchConcurrency:
		return 0, apperrors.Newf(apperrors.CodeConcurrencyCeiling, "batch.concurrency",
			"concurrency %d exceeds the ceiling of %d", requested, config.MaxBatchConcurrency).
			WithHint("pass 0 to derive the concurrency from the CPU quota")
	case requested == 0:
		return o.rm.Coordinator().WorkerCount(), nil
	}
	return requested, nil
}

// Run processes items with ops and returns one result per item in input
// order.  Item failures are reported in their results; the returned error
// is only set for an invalid concurrency.
func (o *Orchestrator) Run(ctx context.Context, items []Item, ops []pipeline.Operation, opts Options) ([]Result, error) {
	conc, err := o.Concurrency(opts.Concurrency)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results, nil
	}

	logger := o.rm.Logger()
	batchID := uuid.NewString()
	logger.Info("batch started", "batch", batchID, "items", len(items), "concurrency", conc)

	coord := o.rm.Coordinator()
	slots := make(chan struct{}, conc)
	var wg sync.WaitGroup
	for i := range items {
		id := itemID(items[i])
		if err := ctx.Err(); err != nil {
			results[i] = failure(id, apperrors.New(apperrors.CodeCancelled, "batch.run", err))
			continue
		}
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			results[i] = failure(id, apperrors.New(apperrors.CodeCancelled, "batch.run", ctx.Err()))
			continue
		}

		wg.Add(1)
		task := func(ctx context.Context) {
			defer wg.Done()
			defer func() { <-slots }()
			results[i] = o.process(ctx, id, items[i], ops, opts)
		}
		// The coordinator is asked per item so a Reconfigure mid-batch
		// lands on the replacement pool.
		if err := coord.SubmitWait(ctx, task); err != nil {
			wg.Done()
			<-slots
			results[i] = failure(id, err)
		}
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logger.Info("batch finished", "batch", batchID, "items", len(items), "failed", failed)
	return results, nil
}

func itemID(it Item) string {
	switch {
	case it.ID != "":
		return it.ID
	case it.Path != "":
		return it.Path
	}
	return uuid.NewString()
}

// process runs one item.  A panic anywhere in the item is reported as an
// internal bug in its result.
func (o *Orchestrator) process(ctx context.Context, id string, it Item, ops []pipeline.Operation, opts Options) (res Result) {
	logger := o.rm.Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch item panicked", "source", id, "panic", r)
			res = failure(id, apperrors.Newf(apperrors.CodeInvariantViolation, "batch.item", "panic: %v", r))
		}
	}()

	src, err := o.source(it, id)
	if err != nil {
		return o.logFailure(failure(id, err))
	}
	popts := []engine.PipelineOption{engine.WithSourceID(id), engine.OwnSource()}
	if opts.Policy != nil {
		popts = append(popts, engine.WithPolicy(*opts.Policy))
	}
	p := o.rm.Open(ctx, src, popts...)
	defer p.Close()

	for _, op := range ops {
		if err := p.Enqueue(op); err != nil {
			return o.logFailure(failure(id, err))
		}
	}

	res = Result{SourceID: id}
	if out := outputPath(it, id, p.Declared().Format, opts); out != "" && p.State() != engine.StateFailed {
		res.Metrics, err = p.ToFile(ctx, out, opts.Output)
		res.OutputPath = out
	} else {
		res.Data, res.Metrics, err = p.ToBuffer(ctx, opts.Output)
	}
	if err != nil {
		m := res.Metrics
		res = failure(id, err)
		res.Metrics = m
		return o.logFailure(res)
	}
	res.Success = true
	return res
}

func (o *Orchestrator) source(it Item, id string) (*core.Source, error) {
	if it.Path != "" {
		return core.OpenFile(it.Path, o.rm.MapThreshold())
	}
	return core.FromBytes(id, it.Data), nil
}

// outputPath picks the destination file of an item, or "" to keep the
// output in memory.
func outputPath(it Item, id string, in core.Format, opts Options) string {
	if it.Output != "" {
		return it.Output
	}
	if opts.OutputDir == "" {
		return ""
	}
	stem := id
	if it.Path != "" {
		stem = filepath.Base(it.Path)
	}
	stem = strings.TrimSuffix(filepath.Base(stem), filepath.Ext(stem))
	format := opts.Output.Format
	if format == "" {
		format = in
	}
	return filepath.Join(opts.OutputDir, stem+format.Extension())
}

func failure(id string, err error) Result {
	pe := apperrors.Classify("batch.item", err)
	return Result{
		SourceID:      id,
		Err:           pe,
		ErrorCode:     pe.Code,
		ErrorCategory: pe.Category,
	}
}

func (o *Orchestrator) logFailure(r Result) Result {
	o.rm.Logger().Warn("batch item failed",
		"source", r.SourceID,
		"code", r.ErrorCode.String(),
		"category", string(r.ErrorCategory),
		"error", r.Err,
	)
	return r
}
