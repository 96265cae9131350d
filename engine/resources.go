// Package engine runs lazily planned pipelines under the process-wide
// resource limits: the admission gate bounds decoded memory and the worker
// coordinator bounds CPU parallelism.
package engine

import (
	"sync"
	"time"

	"github.com/Skryldev/image-optimizer/admission"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/firewall"
	"github.com/Skryldev/image-optimizer/workers"
)

// ResourceManager owns the admission gate, the worker coordinator and the
// shared engine settings.  Pipelines receive it at creation; it is safe for
// concurrent use.
type ResourceManager struct {
	gate  *admission.Gate
	coord *workers.Coordinator

	mu             sync.RWMutex
	registry       core.Registry
	policy         firewall.Policy
	logger         core.Logger
	hooks          []core.Hook
	collector      core.MetricsCollector
	clock          core.Clock
	defaultFormat  core.Format
	defaultQuality int
	mapThreshold   int64
}

// Option configures a ResourceManager.
type Option func(*ResourceManager)

// WithLogger sets the logger; nil keeps the no-op logger.
func WithLogger(l core.Logger) Option {
	return func(rm *ResourceManager) {
		if l != nil {
			rm.logger = l
		}
	}
}

// WithHooks registers stage observers.
func WithHooks(h ...core.Hook) Option {
	return func(rm *ResourceManager) { rm.hooks = append(rm.hooks, h...) }
}

// WithCollector receives byte counts and firewall violations.
func WithCollector(c core.MetricsCollector) Option {
	return func(rm *ResourceManager) { rm.collector = c }
}

// WithClock replaces time.Now for timeouts and metrics.
func WithClock(c core.Clock) Option {
	return func(rm *ResourceManager) { rm.clock = c }
}

// WithCoordinator replaces the worker coordinator built from the config.
func WithCoordinator(c *workers.Coordinator) Option {
	return func(rm *ResourceManager) { rm.coord = c }
}

// NewResourceManager builds the gate and coordinator from cfg.
func NewResourceManager(cfg config.Config, reg core.Registry, opts ...Option) (*ResourceManager, error) {
	gate, err := admission.NewGate(cfg.MemoryBudget)
	if err != nil {
		return nil, err
	}
	policy, err := firewall.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParameter, "engine.config", err)
	}
	format, err := core.ParseFormat(cfg.DefaultFormat)
	if err != nil {
		format = core.FormatJPEG
	}

	rm := &ResourceManager{
		gate:           gate,
		registry:       reg,
		policy:         policy,
		logger:         core.NopLogger{},
		clock:          time.Now,
		defaultFormat:  format,
		defaultQuality: cfg.DefaultQuality,
		mapThreshold:   cfg.MapThreshold,
	}
	for _, o := range opts {
		o(rm)
	}
	if rm.coord == nil {
		rm.coord = workers.NewCoordinator(cfg.ReservedIOThreads, cfg.QueueSize, workers.WithLogger(rm.logger))
	}
	return rm, nil
}

// Gate returns the admission gate.
func (rm *ResourceManager) Gate() *admission.Gate { return rm.gate }

// Coordinator returns the worker coordinator.
func (rm *ResourceManager) Coordinator() *workers.Coordinator { return rm.coord }

// Registry returns the codec registry.
func (rm *ResourceManager) Registry() core.Registry { return rm.registry }

// MapThreshold is the file size from which sources are memory mapped.
func (rm *ResourceManager) MapThreshold() int64 { return rm.mapThreshold }

// Policy returns the default firewall policy.
func (rm *ResourceManager) Policy() firewall.Policy {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.policy
}

// SetPolicy replaces the default firewall policy for new pipelines.
func (rm *ResourceManager) SetPolicy(p firewall.Policy) {
	rm.mu.Lock()
	rm.policy = p
	rm.mu.Unlock()
}

// Logger returns the configured logger.
func (rm *ResourceManager) Logger() core.Logger {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.logger
}

// SetLogger replaces the logger; nil installs the no-op logger.
func (rm *ResourceManager) SetLogger(l core.Logger) {
	if l == nil {
		l = core.NopLogger{}
	}
	rm.mu.Lock()
	rm.logger = l
	rm.mu.Unlock()
}

// AddHook registers a stage observer.
func (rm *ResourceManager) AddHook(h core.Hook) {
	rm.mu.Lock()
	rm.hooks = append(rm.hooks, h)
	rm.mu.Unlock()
}

func (rm *ResourceManager) snapshot() (core.Logger, []core.Hook, core.MetricsCollector) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.logger, rm.hooks, rm.collector
}

// Reconfigure changes the memory budget and the I/O thread reservation.
// Permits already granted stay valid; the worker pool is rebuilt lazily
// with the new size.
func (rm *ResourceManager) Reconfigure(memoryBudget int64, reservedIOThreads int) error {
	if err := rm.gate.Reconfigure(memoryBudget); err != nil {
		return err
	}
	if rm.coord.Reserved() != reservedIOThreads {
		rm.coord.SetReserved(reservedIOThreads)
		rm.coord.Reset()
	}
	rm.Logger().Info("resources reconfigured",
		"memory_budget", memoryBudget,
		"reserved_io_threads", reservedIOThreads,
		"workers", rm.coord.WorkerCount(),
	)
	return nil
}

// Shutdown drains the worker pool and closes the gate.  Waiting acquirers
// fail with Cancelled.
func (rm *ResourceManager) Shutdown() {
	rm.coord.Shutdown()
	rm.gate.Close()
}
