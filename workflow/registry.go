package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Registration is a Registry entry. It is never modified once inserted.
type Registration struct {
	Definition   *Definition
	Engine       *Engine
	RegisteredAt time.Time
}

// Registry caches compiled workflows by identifier, each bound to an Engine.
//
// Entries live until Unregister, Refresh or Clear; there is no eviction.
// All methods are safe for concurrent use. Lookups take a read lock only.
//
// Every removal advances a generation counter. A registration made with a
// definition read at generation g is refused with ErrStaleDefinition when
// its id was removed after g, so a definition loaded before an update can
// never outlive the Refresh that update performed.
type Registry struct {
	engine   *Engine
	compiler Compiler
	logger   *slog.Logger
	metrics  *Metrics
	clock    func() time.Time

	mu        sync.RWMutex
	entries   map[string]Registration
	gen       uint64
	removedAt map[string]uint64
	clearedAt uint64

	// group collapses concurrent first registrations of one id into a
	// single compile.
	group singleflight.Group
}

// NewRegistry creates an empty Registry whose entries run on engine.
//
// Recognised options: WithCompiler, WithLogger, WithMetrics, WithClock.
func NewRegistry(engine *Engine, opts ...Option) (*Registry, error) {
	if engine == nil {
		return nil, errors.New("engine must not be nil")
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return &Registry{
		engine:    engine,
		compiler:  cfg.compiler,
		logger:    cfg.logger,
		metrics:   cfg.metrics,
		clock:     cfg.clock,
		entries:   make(map[string]Registration),
		removedAt: make(map[string]uint64),
	}, nil
}

// Register binds an already compiled definition under def.ID().
//
// Registering an id that is already present is a no-op.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return &ValidationError{Field: "definition", Message: "definition is nil"}
	}
	id := strings.TrimSpace(def.ID())
	if id == "" {
		return &ValidationError{Field: "id", Message: "definition has no workflow id"}
	}
	since := r.Generation()
	if r.IsRegistered(id) {
		return nil
	}
	_, err, _ := r.group.Do(groupKey(id, since), func() (interface{}, error) {
		return nil, r.insert(id, def, since)
	})
	return err
}

// RegisterRaw compiles raw with the Registry's Compiler and registers the
// result under id.
//
// If id is already registered nothing is compiled. A document that fails to
// compile is never inserted: the failure is logged at WARN and returned so
// the caller can surface it. raw is taken to be current as of the call; use
// RegisterRawSince when it was read earlier.
func (r *Registry) RegisterRaw(id string, raw []byte) error {
	return r.RegisterRawSince(id, raw, r.Generation())
}

// RegisterRawSince is RegisterRaw for a document read no earlier than
// generation since (see Generation). It returns ErrStaleDefinition, and
// registers nothing, when id was refreshed or unregistered after since.
func (r *Registry) RegisterRawSince(id string, raw []byte, since uint64) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return &ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if r.IsRegistered(id) {
		return nil
	}

	_, err, _ := r.group.Do(groupKey(id, since), func() (interface{}, error) {
		if r.IsRegistered(id) {
			return nil, nil
		}
		def, err := r.compiler.Compile(raw)
		if err != nil {
			r.logger.Warn("workflow definition rejected, not registered", "workflow_id", id, "error", err)
			return nil, err
		}
		return nil, r.insert(id, def.WithID(id), since)
	})
	return err
}

// groupKey keeps registrations read at different generations from sharing
// one compile.
func groupKey(id string, since uint64) string {
	return id + "@" + strconv.FormatUint(since, 10)
}

// insert adds def under id unless id is present or was removed after since.
func (r *Registry) insert(id string, def *Definition, since uint64) error {
	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return nil
	}
	if removed := max(r.removedAt[id], r.clearedAt); removed > since {
		r.mu.Unlock()
		r.logger.Debug("stale workflow definition not registered", "workflow_id", id,
			"read_at", since, "removed_at", removed)
		return fmt.Errorf("%w: %s", ErrStaleDefinition, id)
	}
	r.entries[id] = Registration{Definition: def, Engine: r.engine, RegisteredAt: r.clock()}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetRegistered(n)
	r.logger.Info("workflow registered", "workflow_id", id, "steps", def.Len())
	return nil
}

// Generation returns the current removal generation. Read it before loading
// a definition that will later be passed to RegisterRawSince.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Unregister removes id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.gen++
	r.removedAt[id] = r.gen
	n := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.metrics.SetRegistered(n)
		r.logger.Info("workflow unregistered", "workflow_id", id)
	}
}

// Refresh drops the cached entry for id. It does not re-register: the next
// caller to RegisterRaw supplies the freshly loaded definition, and any
// registration in flight with a definition read before Refresh is refused.
func (r *Registry) Refresh(id string) {
	r.Unregister(id)
}

// Lookup returns the entry for id.
func (r *Registry) Lookup(id string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[id]
	return reg, ok
}

// Execute runs the workflow registered under id.
//
// It returns *NotRegisteredError when id is absent and otherwise propagates
// the Engine's error unchanged.
func (r *Registry) Execute(ctx context.Context, id, input string) (string, error) {
	reg, ok := r.Lookup(id)
	if !ok {
		return "", &NotRegisteredError{WorkflowID: id}
	}
	return reg.Engine.Run(ctx, reg.Definition, input)
}

// IsRegistered reports whether id has an entry.
func (r *Registry) IsRegistered(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Count returns the number of entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Clear removes every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.entries = make(map[string]Registration)
	r.gen++
	r.clearedAt = r.gen
	r.removedAt = make(map[string]uint64)
	r.mu.Unlock()
	r.metrics.SetRegistered(0)
}
