package engine

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Skryldev/image-optimizer/adapters/storage"
	"github.com/Skryldev/image-optimizer/admission"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/firewall"
	"github.com/Skryldev/image-optimizer/metrics"
	"github.com/Skryldev/image-optimizer/pipeline"
	"github.com/Skryldev/image-optimizer/utils"
)

// State is the lifecycle position of a Pipeline.
type State uint8

const (
	StateUnopened State = iota
	StateInspected
	StateDecoded
	StateTransformed
	StateEncoded
	// StateFailed is terminal: the input could not be inspected or decoded.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateInspected:
		return "inspected"
	case StateDecoded:
		return "decoded"
	case StateTransformed:
		return "transformed"
	case StateEncoded:
		return "encoded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// OutputOptions selects the encoded output.
type OutputOptions struct {
	// Format defaults to the input format when an encoder exists for it,
	// otherwise to the configured default.
	Format core.Format
	// Quality 0 uses the configured default.
	Quality  int
	Lossless bool
	// StripMetadata drops ICC and EXIF from this output only.
	StripMetadata bool
	// MaxBytes > 0 lowers the quality of lossy formats until the output
	// fits.  The last attempt is returned even if it is still too large.
	MaxBytes int
}

// PipelineOption configures a Pipeline at Open.
type PipelineOption func(*Pipeline)

// WithPolicy overrides the resource manager's firewall policy.
func WithPolicy(p firewall.Policy) PipelineOption {
	return func(pl *Pipeline) { pl.policy = p }
}

// WithSourceID names the pipeline in logs, hooks and batch results.
func WithSourceID(id string) PipelineOption {
	return func(pl *Pipeline) {
		if id != "" {
			pl.id = id
		}
	}
}

// OwnSource makes Close also close the source.
func OwnSource() PipelineOption {
	return func(pl *Pipeline) { pl.ownsSource = true }
}

// Pipeline is one lazily evaluated image.  Enqueue only records operations;
// pixel work happens when an output is requested.  Outputs can be requested
// repeatedly: the decoded buffer is kept and shared with each run, so the
// source is decoded at most once.  Methods are safe for concurrent use but
// runs on the same Pipeline are serialised.
type Pipeline struct {
	rm         *ResourceManager
	src        *core.Source
	ownsSource bool
	id         string
	policy     firewall.Policy

	mu       sync.Mutex
	state    State
	declared firewall.Declared
	queue    *pipeline.Queue
	failErr  error

	decoded     *pipeline.Buffer
	decodedCS   core.ColorState
	orientation int
}

// Open inspects src with the firewall and returns a pipeline in the
// Inspected state.  A rejected input still yields a Pipeline; the error
// surfaces when an output is requested.
//
// After the first output the decoded pixels are cached on the pipeline for
// re-encoding.  That buffer is held outside the admission budget, which
// only covers in-flight runs, until Close releases it.
func (rm *ResourceManager) Open(ctx context.Context, src *core.Source, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{rm: rm, src: src, id: src.Name(), policy: rm.Policy()}
	if p.id == "" {
		p.id = uuid.NewString()
	}
	for _, o := range opts {
		o(p)
	}

	_, hooks, _ := rm.snapshot()
	info := core.StageInfo{SourceID: p.id, Bytes: src.Len()}
	begin := rm.clock()
	notifyBefore(ctx, hooks, core.StageInspect, info)
	var d firewall.Declared
	data, err := src.Borrow()
	if err == nil {
		d, err = firewall.Inspect(data, p.policy)
		src.Return()
	}
	info.Format, info.Width, info.Height = d.Format, d.Dims.Width, d.Dims.Height
	notifyAfter(ctx, hooks, core.StageInspect, info, rm.clock().Sub(begin), err)

	p.declared = d
	p.queue = pipeline.NewQueue(declaredState(d))
	if err != nil {
		p.fail(err)
		return p
	}
	p.state = StateInspected
	return p
}

// declaredState is what operations are validated against before decode.
// AVIF carries no EXIF orientation; the codec applies irot/imir itself, so
// there is nothing for AutoOrient to act on.
func declaredState(d firewall.Declared) pipeline.State {
	st := pipeline.State{Dims: d.Dims, DimsKnown: d.DimsTrusted}
	switch d.Format {
	case core.FormatUnknown:
	case core.FormatAVIF:
		st.OrientationKnown = true
	default:
		st.Orientation, st.OrientationKnown = d.Orientation, true
	}
	return st
}

// ID returns the source identifier.
func (p *Pipeline) ID() string { return p.id }

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Declared returns what the container header claims about the input.
func (p *Pipeline) Declared() firewall.Declared {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.declared
}

// Err returns the error that moved the pipeline to StateFailed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failErr
}

// Enqueue validates op against the declared state and queues it.
func (p *Pipeline) Enqueue(op pipeline.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Enqueue(op)
}

// Plan returns the fused plan of the queued operations.
func (p *Pipeline) Plan() pipeline.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Plan()
}

func (p *Pipeline) fail(err error) {
	p.state = StateFailed
	p.failErr = apperrors.Classify("engine.open", err)
}

// ── Output ───────────────────────────────────────────────────────────────────

// ToBuffer runs the pipeline and returns the encoded bytes.  The returned
// metrics are filled in on failure too.
func (p *Pipeline) ToBuffer(ctx context.Context, opts OutputOptions) ([]byte, metrics.Metrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	logger, hooks, collector := p.rm.snapshot()
	r := &run{
		p:         p,
		opts:      opts,
		rec:       metrics.NewRecorder(p.rm.clock),
		logger:    logger,
		hooks:     hooks,
		collector: collector,
	}
	out, err := r.execute(ctx)
	if err != nil {
		pe := apperrors.Classify("engine.output", err)
		r.violation(pe)
		m := r.rec.Finish()
		logger.Debug("pipeline failed", "source", p.id, "state", p.state.String(), "code", pe.Code.String())
		return nil, m, pe
	}
	m := r.rec.Finish()
	if collector != nil {
		collector.RecordBytes(m.BytesIn, m.BytesOut)
	}
	logger.Debug("pipeline done",
		"source", p.id,
		"bytes_in", m.BytesIn,
		"bytes_out", m.BytesOut,
		"total_ms", m.TotalMS,
	)
	return out, m, nil
}

// ToFile runs the pipeline and writes the output atomically to path.  An
// unset Format is taken from the file extension.
func (p *Pipeline) ToFile(ctx context.Context, path string, opts OutputOptions) (metrics.Metrics, error) {
	if opts.Format == "" {
		f, err := core.ParseFormat(filepath.Ext(path))
		if err != nil {
			return metrics.Metrics{}, apperrors.Wrap(apperrors.CodeInvalidParameter, "engine.to_file", err)
		}
		opts.Format = f
	}
	out, m, err := p.ToBuffer(ctx, opts)
	if err != nil {
		return m, err
	}
	if err := storage.WriteFileAtomic(path, bytes.NewReader(out), 0o644); err != nil {
		return m, apperrors.Classify("engine.to_file", err)
	}
	return m, nil
}

// ToStorage runs the pipeline and puts the output under key.
func (p *Pipeline) ToStorage(ctx context.Context, dst core.StorageAdapter, key core.StorageKey, opts OutputOptions) (metrics.Metrics, error) {
	out, m, err := p.ToBuffer(ctx, opts)
	if err != nil {
		return m, err
	}
	format, _ := core.ParseFormat(string(opts.Format))
	if format == core.FormatUnknown {
		format = core.Format(utils.DetectFormat(out))
	}
	meta := map[string]string{
		"Content-Type": format.MIME(),
		"Source-Id":    p.id,
	}
	if err := dst.Put(ctx, key, bytes.NewReader(out), meta); err != nil {
		return m, apperrors.Classify("engine.to_storage", err)
	}
	return m, nil
}

// Close drops the cached decoded buffer and, if owned, closes the source.
// Callers that keep many pipelines open should close them promptly: the
// cached buffer is not counted by the admission gate.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.decoded != nil {
		p.decoded.Release()
		p.decoded = nil
	}
	if p.ownsSource {
		return p.src.Close()
	}
	return nil
}

// ── Run ──────────────────────────────────────────────────────────────────────

// run holds the state of one output request.  The caller holds p.mu.
type run struct {
	p         *Pipeline
	opts      OutputOptions
	rec       *metrics.Recorder
	logger    core.Logger
	hooks     []core.Hook
	collector core.MetricsCollector
	tracker   pipeline.Tracker
}

func (r *run) execute(ctx context.Context) ([]byte, error) {
	p := r.p
	r.rec.SetBytes(p.declared.Bytes, 0)
	if p.state == StateFailed {
		return nil, p.failErr
	}

	format, enc, err := r.encoder()
	if err != nil {
		return nil, err
	}
	plan := p.queue.Plan()

	est := r.estimate(plan, format)
	permit, err := p.rm.gate.Acquire(ctx, est)
	if err != nil {
		return nil, err
	}
	defer permit.Release()
	// The time budget covers this input's own work, not the admission wait.
	deadline := p.policy.Start(p.rm.clock)
	r.logger.Debug("permit acquired", "source", p.id, "weight", permit.Weight(), "plan", plan.String())

	buf, st, err := r.decode(ctx, deadline)
	if err != nil {
		return nil, err
	}
	r.tracker.Alloc(pipeline.PixelBytes(buf.Image()))

	buf, st, err = r.transform(ctx, plan, buf, st)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, freed := buf.Release()
		r.tracker.Free(freed)
	}()

	out, err := r.encode(ctx, deadline, enc, format, buf, st)
	if err != nil {
		return nil, err
	}
	r.rec.SetMemory(r.tracker.Peak(), permit.Weight())
	return out, nil
}

// encoder resolves the output format and its encoder.
func (r *run) encoder() (core.Format, core.Encoder, error) {
	p := r.p
	reg := p.rm.registry
	format := r.opts.Format
	if format == "" {
		format = p.rm.defaultFormat
		if _, ok := reg.EncoderFor(p.declared.Format); ok {
			format = p.declared.Format
		}
	}
	enc, ok := reg.EncoderFor(format)
	if !ok {
		return format, nil, apperrors.Newf(apperrors.CodeUnsupportedFormat, "engine.encoder",
			"no encoder registered for %q", format)
	}
	return format, enc, nil
}

// estimate sizes the permit from the largest geometry the plan
// materialises.  Without trusted header dimensions the policy's pixel limit
// is the bound, and without one the whole budget.
func (r *run) estimate(plan pipeline.Plan, format core.Format) int64 {
	p := r.p
	switch {
	case p.decoded != nil:
		b := p.decoded.Bounds()
		dims := core.Dimensions{Width: b.Dx(), Height: b.Dy()}
		return admission.EstimateDecoded(admission.Largest(plan.Geometries(dims)...), format).Bytes
	case p.declared.DimsTrusted:
		return admission.EstimateHeader(admission.Largest(plan.Geometries(p.declared.Dims)...), format).Bytes
	case p.policy.MaxPixels > 0:
		return p.policy.MaxPixels*int64(admission.BytesPerPixel(format)) + admission.FixedOverhead
	}
	return p.rm.gate.Capacity()
}

// decode returns a shared handle on the decoded pixels, decoding the source
// on first use.
func (r *run) decode(ctx context.Context, deadline firewall.Deadline) (*pipeline.Buffer, pipeline.State, error) {
	p := r.p
	if err := deadline.Check(core.StageDecode); err != nil {
		return nil, pipeline.State{}, err
	}
	if p.decoded != nil {
		return p.decoded.Share(), r.decodedState(), nil
	}

	info := r.info()
	var img *core.ImageData
	err := r.stage(ctx, core.StageDecode, info, func() error {
		dec, ok := p.rm.registry.DecoderFor(p.declared.Format)
		if !ok {
			return apperrors.Newf(apperrors.CodeUnsupportedFormat, "engine.decode",
				"no decoder registered for %q", p.declared.Format)
		}
		data, err := p.src.Borrow()
		if err != nil {
			return err
		}
		defer p.src.Return()
		img, err = safeCall("engine.decode", apperrors.CodeCorruptInput, r.logger, func() (*core.ImageData, error) {
			return dec.Decode(ctx, data)
		})
		if err != nil {
			return err
		}
		if img == nil || img.Image == nil {
			return apperrors.New(apperrors.CodeCorruptInput, "engine.decode", apperrors.ErrInvalidDimensions)
		}
		b := img.Image.Bounds()
		return firewall.CheckDecoded(core.Dimensions{Width: b.Dx(), Height: b.Dy()}, p.policy)
	})
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeCancelled) {
			p.fail(err)
		}
		return nil, pipeline.State{}, err
	}

	b := img.Image.Bounds()
	if !p.declared.DimsTrusted {
		p.declared.Dims = core.Dimensions{Width: b.Dx(), Height: b.Dy()}
	}
	p.orientation = p.declared.Orientation
	if p.orientation == 0 {
		p.orientation = img.Meta.Orientation
	}
	if len(p.declared.ICC) == 0 && len(img.Meta.ICC) > 0 {
		p.declared.ICC = bytes.Clone(img.Meta.ICC)
	}
	p.decodedCS = img.Color
	p.decoded = pipeline.NewBuffer(img.Image)
	p.state = StateDecoded
	return p.decoded.Share(), r.decodedState(), nil
}

func (r *run) decodedState() pipeline.State {
	return pipeline.DecodedState(r.p.decoded.Image(), r.p.decodedCS, r.p.orientation)
}

func (r *run) transform(ctx context.Context, plan pipeline.Plan, buf *pipeline.Buffer, st pipeline.State) (*pipeline.Buffer, pipeline.State, error) {
	var (
		out   *pipeline.Buffer
		outSt pipeline.State
	)
	err := r.stage(ctx, core.StageTransform, r.info(), func() error {
		var err error
		out, outSt, err = pipeline.Execute(ctx, plan, buf, st, pipeline.Options{
			Parallelism: r.p.rm.coord.WorkerCount(),
			Tracker:     &r.tracker,
		})
		return err
	})
	if err != nil {
		return nil, st, err
	}
	r.p.state = StateTransformed
	return out, outSt, nil
}

func (r *run) encode(ctx context.Context, deadline firewall.Deadline, enc core.Encoder, format core.Format, buf *pipeline.Buffer, st pipeline.State) ([]byte, error) {
	p := r.p
	if err := deadline.Check(core.StageEncode); err != nil {
		return nil, err
	}

	strip := r.opts.StripMetadata || st.MetadataStripped
	eo := core.EncodeOptions{Quality: r.opts.Quality, Lossless: r.opts.Lossless}
	if eo.Quality <= 0 {
		eo.Quality = p.rm.defaultQuality
	}
	if !strip {
		if st.Color.ICCPresent {
			eo.ICC = p.declared.ICC
		}
		if st.Orientation > 1 {
			eo.Orientation = st.Orientation
		}
	}
	data := &core.ImageData{Image: buf.Image(), Format: format, Color: st.Color, Meta: p.declared.Metadata()}

	info := r.info()
	info.Format = format
	var out []byte
	err := r.stage(ctx, core.StageEncode, info, func() error {
		var err error
		out, err = r.encodeOnce(ctx, enc, data, eo)
		if err != nil || r.opts.MaxBytes <= 0 || !lossy(format, eo.Lossless) {
			return err
		}
		out, err = r.fit(ctx, enc, data, eo, out)
		return err
	})
	if err != nil {
		return nil, err
	}

	preserved := len(eo.ICC) > 0 && bytes.Equal(utils.ParseContainerMetadata(out).ICC, eo.ICC)
	r.rec.SetMetadata(preserved, strip)
	r.rec.SetBytes(p.declared.Bytes, int64(len(out)))
	p.state = StateEncoded
	return out, nil
}

func (r *run) encodeOnce(ctx context.Context, enc core.Encoder, data *core.ImageData, eo core.EncodeOptions) ([]byte, error) {
	return safeCall("engine.encode", apperrors.CodeEncodeFailed, r.logger, func() ([]byte, error) {
		return enc.Encode(ctx, data, eo)
	})
}

// fit re-encodes with decreasing quality until the output fits MaxBytes or
// the quality floor is reached.  The step shrinks faster the further the
// output is from the target.
func (r *run) fit(ctx context.Context, enc core.Encoder, data *core.ImageData, eo core.EncodeOptions, out []byte) ([]byte, error) {
	const minQuality = 10
	limit := r.opts.MaxBytes
	for len(out) > limit && eo.Quality > minQuality {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.New(apperrors.CodeCancelled, "engine.fit", err)
		}
		delta := float64(len(out)) / float64(limit)
		switch {
		case delta > 3:
			eo.Quality = int(float64(eo.Quality) * 0.25)
		case delta > 1.5:
			eo.Quality = int(float64(eo.Quality) * 0.5)
		default:
			eo.Quality = int(float64(eo.Quality) * 0.75)
		}
		eo.Quality = max(eo.Quality, 1)

		next, err := r.encodeOnce(ctx, enc, data, eo)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("quality lowered to fit", "source", r.p.id, "quality", eo.Quality, "bytes", len(next), "max_bytes", limit)
		out = next
	}
	return out, nil
}

func lossy(f core.Format, lossless bool) bool {
	switch f {
	case core.FormatJPEG:
		return true
	case core.FormatWebP, core.FormatAVIF:
		return !lossless
	}
	return false
}

func (r *run) info() core.StageInfo {
	d := r.p.declared
	return core.StageInfo{
		SourceID: r.p.id,
		Format:   d.Format,
		Width:    d.Dims.Width,
		Height:   d.Dims.Height,
		Bytes:    d.Bytes,
	}
}

// stage times fn into the recorder and notifies hooks around it.
func (r *run) stage(ctx context.Context, stage core.Stage, info core.StageInfo, fn func() error) error {
	notifyBefore(ctx, r.hooks, stage, info)
	stop := r.rec.Start(stage)
	err := fn()
	d := stop()
	notifyAfter(ctx, r.hooks, stage, info, d, err)
	return err
}

// violation records a firewall rejection in the run metrics and collector.
func (r *run) violation(err error) {
	v, ok := firewall.AsViolation(err)
	if !ok {
		return
	}
	r.rec.Violation(string(v.Kind))
	if r.collector != nil {
		r.collector.RecordViolation(string(v.Kind))
	}
	r.logger.Warn("firewall violation",
		"source", r.p.id,
		"kind", string(v.Kind),
		"observed", v.Observed,
		"limit", v.Limit,
		"hint", v.Hint,
	)
}

func notifyBefore(ctx context.Context, hooks []core.Hook, stage core.Stage, info core.StageInfo) {
	for _, h := range hooks {
		h.BeforeStage(ctx, stage, info)
	}
}

func notifyAfter(ctx context.Context, hooks []core.Hook, stage core.Stage, info core.StageInfo, d time.Duration, err error) {
	for _, h := range hooks {
		h.AfterStage(ctx, stage, info, d, err)
	}
}

