package pipeline

import (
	"image"
	"reflect"
	"strings"

	"github.com/Skryldev/image-optimizer/core"
)

// Every variant must satisfy the sealed interface.
var (
	_ Operation = Resize{}
	_ Operation = Extract{}
	_ Operation = Crop{}
	_ Operation = Rotate{}
	_ Operation = FlipH{}
	_ Operation = FlipV{}
	_ Operation = Grayscale{}
	_ Operation = Brightness{}
	_ Operation = Contrast{}
	_ Operation = AutoOrient{}
	_ Operation = ColorSpaceNormalize{}
	_ Operation = StripMetadata{}
)

// Queue accumulates operations lazily.  Enqueue validates each operation
// against the declared state left by the operations before it; no pixel
// work happens until the plan is executed.  A Queue is not safe for
// concurrent use.
type Queue struct {
	initial State
	state   State
	ops     []Operation
}

// NewQueue returns an empty queue validated against initial.
func NewQueue(initial State) *Queue {
	return &Queue{initial: initial, state: initial}
}

// Enqueue validates op and appends it.  A rejected operation leaves the
// queue unchanged.
func (q *Queue) Enqueue(op Operation) error {
	next := q.state
	resolved, err := op.resolve(&next)
	if err != nil {
		return err
	}
	q.ops = append(q.ops, resolved)
	q.state = next
	return nil
}

// Len returns the number of queued operations.
func (q *Queue) Len() int { return len(q.ops) }

// Ops returns a copy of the queued operations.
func (q *Queue) Ops() []Operation {
	out := make([]Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// State returns the declared state after all queued operations.
func (q *Queue) State() State { return q.state }

// Initial returns the state the queue was created with.
func (q *Queue) Initial() State { return q.initial }

// Plan returns the fused plan for the queued operations.
func (q *Queue) Plan() Plan { return Plan{Steps: Fuse(q.ops)} }

// Fuse rewrites a Resize immediately followed by a Crop that fits the
// resize output into a single Extract.  All other operations keep their
// order.  Fuse is pure and idempotent.
func Fuse(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for i := 0; i < len(ops); i++ {
		r, ok := ops[i].(Resize)
		if ok && r.resolved() && i+1 < len(ops) {
			if c, ok := ops[i+1].(Crop); ok && c.Rect().In(image.Rect(0, 0, r.Width, r.Height)) {
				out = append(out, Extract{Width: r.Width, Height: r.Height, Rect: c.Rect(), Filter: r.Filter})
				i++
				continue
			}
		}
		out = append(out, ops[i])
	}
	return out
}

// Plan is an executable, fused operation list.
type Plan struct {
	Steps []Operation
}

// Equal reports whether two plans are structurally identical.
func (p Plan) Equal(o Plan) bool {
	if len(p.Steps) != len(o.Steps) {
		return false
	}
	return reflect.DeepEqual(p.Steps, o.Steps)
}

// MutatesPixels reports whether any step declares a pixel mutation.
func (p Plan) MutatesPixels() bool {
	for _, s := range p.Steps {
		if s.Contract().Has(MutatesPixels) {
			return true
		}
	}
	return false
}

// Replan fuses the plan's steps again; the result equals p.
func (p Plan) Replan() Plan { return Plan{Steps: Fuse(p.Steps)} }

// Geometries returns every intermediate geometry the plan materialises,
// starting with src.  Unknown geometries are skipped.
func (p Plan) Geometries(src core.Dimensions) []core.Dimensions {
	s := State{Dims: src, DimsKnown: src.Valid()}
	out := []core.Dimensions{src}
	for _, step := range p.Steps {
		if e, ok := step.(Extract); ok {
			// the full resize is never allocated, but its row window is
			out = append(out, core.Dimensions{Width: e.Rect.Dx(), Height: s.Dims.Height})
		}
		if _, err := step.resolve(&s); err != nil || !s.DimsKnown {
			break
		}
		out = append(out, s.Dims)
	}
	return out
}

func (p Plan) String() string {
	if len(p.Steps) == 0 {
		return "[]"
	}
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}
