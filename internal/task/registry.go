package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotRegistered is returned when resolving an unknown task kind.
	ErrNotRegistered = errors.New("task is not registered")

	// ErrNoHandler is returned when registering a value that implements
	// neither Handler nor ProgressHandler.
	ErrNoHandler = errors.New("value implements neither Handler nor ProgressHandler")
)

// Definition is a registered task kind.
type Definition struct {
	Kind        string
	Description string
	// Concurrency is the default admission limit; 0 defers to the engine default.
	Concurrency int
	// Timeout is the default per-job timeout; 0 defers to the engine default.
	Timeout time.Duration
	// ReportsProgress is true when the implementation accepts a ProgressSink.
	ReportsProgress bool

	run func(ctx context.Context, args Args, progress ProgressSink) (any, error)
}

// Invoke runs the task. progress is only handed to kinds that report progress.
func (d *Definition) Invoke(ctx context.Context, args Args, progress ProgressSink) (any, error) {
	return d.run(ctx, args, progress)
}

// Info describes a registered kind for listing.
type Info struct {
	Kind            string  `json:"kind"`
	Description     string  `json:"description,omitempty"`
	Concurrency     int     `json:"concurrency,omitempty"`
	TimeoutS        float64 `json:"timeout_s,omitempty"`
	ReportsProgress bool    `json:"reports_progress"`
}

// Option configures a Definition at registration.
type Option func(*Definition)

// WithDescription sets a human-readable description.
func WithDescription(desc string) Option {
	return func(d *Definition) { d.Description = desc }
}

// WithConcurrency sets the default admission limit for the kind.
func WithConcurrency(n int) Option {
	return func(d *Definition) { d.Concurrency = n }
}

// WithTimeout sets the default per-job timeout for the kind.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Definition) { d.Timeout = timeout }
}

// Registry holds registered task kinds. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Definition
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]*Definition),
	}
}

// Register adds impl under kind. impl must implement Handler or
// ProgressHandler; when it implements both, ProgressHandler wins.
// Registering an existing kind replaces it.
func (r *Registry) Register(kind string, impl any, opts ...Option) error {
	if kind == "" {
		return errors.New("task kind is required")
	}

	d := &Definition{Kind: kind}
	switch h := impl.(type) {
	case ProgressHandler:
		d.ReportsProgress = true
		d.run = h.RunWithProgress
	case Handler:
		d.run = func(ctx context.Context, args Args, _ ProgressSink) (any, error) {
			return h.Run(ctx, args)
		}
	default:
		return fmt.Errorf("register %q: %w", kind, ErrNoHandler)
	}

	for _, opt := range opts {
		opt(d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = d
	return nil
}

// Configure applies opts to the already registered kind.
func (r *Registry) Configure(kind string, opts ...Option) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.kinds[kind]
	if !ok {
		return fmt.Errorf("task %q: %w", kind, ErrNotRegistered)
	}
	// Definitions handed out by Resolve are never mutated.
	updated := *d
	for _, opt := range opts {
		opt(&updated)
	}
	r.kinds[kind] = &updated
	return nil
}

// Resolve returns the definition registered under kind.
func (r *Registry) Resolve(kind string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("task %q: %w", kind, ErrNotRegistered)
	}
	return d, nil
}

// List returns information about all registered kinds, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.kinds))
	for _, d := range r.kinds {
		infos = append(infos, Info{
			Kind:            d.Kind,
			Description:     d.Description,
			Concurrency:     d.Concurrency,
			TimeoutS:        d.Timeout.Seconds(),
			ReportsProgress: d.ReportsProgress,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
