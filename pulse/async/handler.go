package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/pulseline/errors"
)

// Handler executes one workflow at one version. Pipelines are opaque to the
// engine: it hands the handler normalised params and records what comes back.
//
// Context cancellation: handlers MUST watch ctx.Done(). The worker pool
// cancels the context when the execution is cancelled or its lease is lost.
type Handler interface {
	Name() string
	Version() string
	Execute(ctx context.Context, params json.RawMessage, ec ExecContext) (json.RawMessage, error)
}

// ExecContext describes the execution a handler is running for.
type ExecContext struct {
	ExecutionID string
	LogicalKey  string
	LineageID   string
	Attempt     int
	Lane        string
	Workflow    string
	Version     string
	ParentRunID string
}

// HandlerFunc is the body of a handler built with NewHandler
type HandlerFunc func(ctx context.Context, params json.RawMessage, ec ExecContext) (json.RawMessage, error)

type funcHandler struct {
	name    string
	version string
	fn      HandlerFunc
}

func (h *funcHandler) Name() string    { return h.name }
func (h *funcHandler) Version() string { return h.version }
func (h *funcHandler) Execute(ctx context.Context, params json.RawMessage, ec ExecContext) (json.RawMessage, error) {
	return h.fn(ctx, params, ec)
}

// NewHandler wraps fn as a Handler.
func NewHandler(name, version string, fn HandlerFunc) Handler {
	return &funcHandler{name: name, version: version, fn: fn}
}

type versioned struct {
	version *semver.Version
	handler Handler
}

// Registry manages handlers by (name, version).
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]versioned // sorted by version descending
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]versioned)}
}

// Register adds a handler. Panics on a duplicate (name, version) or an
// unparseable version, both of which are programming errors.
func (r *Registry) Register(h Handler) {
	v, err := semver.NewVersion(h.Version())
	if err != nil {
		panic(fmt.Sprintf("handler %s has invalid version %q: %v", h.Name(), h.Version(), err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[h.Name()]
	for _, existing := range list {
		if existing.version.Equal(v) {
			panic(fmt.Sprintf("handler already registered: %s@%s", h.Name(), v))
		}
	}
	list = append(list, versioned{version: v, handler: h})
	sort.Slice(list, func(i, j int) bool { return list[i].version.GreaterThan(list[j].version) })
	r.handlers[h.Name()] = list
}

// Resolve finds the handler for name. An empty version selects the highest
// registered version; an exact version must match; anything else is read
// as a semver constraint ("^1.2", ">= 2, < 3") and selects the highest match.
func (r *Registry) Resolve(name, version string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.handlers[name]
	if len(list) == 0 {
		return nil, errors.Wrapf(errors.ErrUnknownWorkflow, "no handler registered for %s", name)
	}
	if version == "" {
		return list[0].handler, nil
	}

	if exact, err := semver.StrictNewVersion(version); err == nil {
		for _, vh := range list {
			if vh.version.Equal(exact) {
				return vh.handler, nil
			}
		}
		return nil, errors.Wrapf(errors.ErrUnknownWorkflow, "no handler registered for %s@%s", name, version)
	}

	c, err := semver.NewConstraint(version)
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid version %q for %s: %v", version, name, err)
	}
	for _, vh := range list {
		if c.Check(vh.version) {
			return vh.handler, nil
		}
	}
	err = errors.Wrapf(errors.ErrUnknownWorkflow, "no handler for %s matches %s", name, version)
	return nil, errors.WithHintf(err, "Registered versions: %v", versionsOf(list))
}

// Has checks if any version of name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name]) > 0
}

// Names returns all registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the registered versions of name, highest first.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return versionsOf(r.handlers[name])
}

func versionsOf(list []versioned) []string {
	out := make([]string, 0, len(list))
	for _, vh := range list {
		out = append(out, vh.version.String())
	}
	return out
}
