// Package catalog manages stored workflows and keeps the Registry in step
// with them.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/agentflow/workflow"
	"github.com/dshills/agentflow/workflow/store"
)

// DefaultCacheTTL is how long lookups stay cached.
const DefaultCacheTTL = 5 * time.Minute

// Service is the administrative API over stored workflows.
//
// Every change that affects what a workflow runs drops its Registry entry,
// so the next execution compiles the stored definition afresh. Lookups by id
// and by code are cached.
type Service struct {
	store    store.WorkflowStore
	registry *workflow.Registry
	cache    *gocache.Cache
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string

	// fillMu orders cache fills against evictions; evictions counts the
	// latter so a load that raced one is not cached.
	fillMu    sync.Mutex
	evictions uint64
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL sets the lookup cache lifetime. Zero or less disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl <= 0 {
			s.cache = nil
			return
		}
		s.cache = gocache.New(ttl, 2*ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides workflow id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService creates a Service over st that keeps registry current.
func NewService(st store.WorkflowStore, registry *workflow.Registry, opts ...Option) *Service {
	s := &Service{
		store:    st,
		registry: registry,
		cache:    gocache.New(DefaultCacheTTL, 2*DefaultCacheTTL),
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new enabled workflow.
//
// Returns a *workflow.ValidationError for blank fields or a definition that
// does not compile, and workflow.ErrCodeExists for a taken code.
func (s *Service) Create(ctx context.Context, code, name, description, definition string) (*workflow.Workflow, error) {
	wf, err := workflow.NewWorkflow(s.newID(), code, name, description, definition, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.ValidateDefinition(wf.Definition); err != nil {
		return nil, err
	}

	unique, err := s.IsCodeUnique(ctx, wf.Code)
	if err != nil {
		return nil, err
	}
	if !unique {
		return nil, fmt.Errorf("%w: %s", workflow.ErrCodeExists, wf.Code)
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		if errors.Is(err, store.ErrCodeExists) {
			return nil, fmt.Errorf("%w: %s", workflow.ErrCodeExists, wf.Code)
		}
		return nil, err
	}

	s.logger.Info("workflow created", "workflow_id", wf.ID, "code", wf.Code)
	return wf, nil
}

// Update replaces a workflow's name, description and definition.
func (s *Service) Update(ctx context.Context, id, name, description, definition string) (*workflow.Workflow, error) {
	wf, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := wf.UpdateInfo(name, description, definition, s.now()); err != nil {
		return nil, err
	}
	if err := s.ValidateDefinition(wf.Definition); err != nil {
		return nil, err
	}
	if err := s.save(ctx, wf); err != nil {
		return nil, err
	}

	s.logger.Info("workflow updated", "workflow_id", wf.ID, "code", wf.Code)
	return wf, nil
}

// Enable marks a workflow runnable and registers it immediately, so a
// definition that no longer compiles is reported here rather than on the
// next execution.
func (s *Service) Enable(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Enable(s.now())
	if err := s.save(ctx, wf); err != nil {
		return nil, err
	}
	err = s.registry.RegisterRaw(wf.ID, []byte(wf.Definition))
	if err != nil && !errors.Is(err, workflow.ErrStaleDefinition) {
		return wf, fmt.Errorf("workflow %s enabled but not registered: %w", wf.Code, err)
	}

	s.logger.Info("workflow enabled", "workflow_id", wf.ID, "code", wf.Code)
	return wf, nil
}

// Disable marks a workflow not runnable. Executions already running are
// not affected.
func (s *Service) Disable(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Disable(s.now())
	if err := s.save(ctx, wf); err != nil {
		return nil, err
	}

	s.logger.Info("workflow disabled", "workflow_id", wf.ID, "code", wf.Code)
	return wf, nil
}

// FindByID implements workflow.WorkflowSource.
func (s *Service) FindByID(ctx context.Context, id string) (*workflow.Workflow, error) {
	return s.lookup(ctx, "id:"+id, id, s.store.GetWorkflow)
}

// FindByCode implements workflow.WorkflowSource.
func (s *Service) FindByCode(ctx context.Context, code string) (*workflow.Workflow, error) {
	return s.lookup(ctx, "code:"+code, code, s.store.GetWorkflowByCode)
}

// ListEnabled returns every enabled workflow ordered by code.
func (s *Service) ListEnabled(ctx context.Context) ([]*workflow.Workflow, error) {
	return s.store.ListWorkflows(ctx, true)
}

// List returns every workflow ordered by code.
func (s *Service) List(ctx context.Context) ([]*workflow.Workflow, error) {
	return s.store.ListWorkflows(ctx, false)
}

// IsCodeUnique reports whether no stored workflow uses code.
func (s *Service) IsCodeUnique(ctx context.Context, code string) (bool, error) {
	exists, err := s.store.ExistsByCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// ValidateDefinition compiles definition and discards the result.
func (s *Service) ValidateDefinition(definition string) error {
	_, err := workflow.CompileString(definition)
	return err
}

// Prewarm registers every enabled workflow using at most concurrency
// goroutines. A workflow that fails to register does not stop the others;
// all failures are returned joined. A workflow updated while prewarming is
// left for its next execution to register.
func (s *Service) Prewarm(ctx context.Context, concurrency int) error {
	since := s.registry.Generation()
	wfs, err := s.ListEnabled(ctx)
	if err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(concurrency)
	for _, wf := range wfs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := s.registry.RegisterRawSince(wf.ID, []byte(wf.Definition), since)
			if err != nil && !errors.Is(err, workflow.ErrStaleDefinition) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("workflow %s: %w", wf.Code, err))
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info("workflows prewarmed", "enabled", len(wfs), "failed", len(errs))
	return errors.Join(errs...)
}

func (s *Service) load(ctx context.Context, id string) (*workflow.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &workflow.WorkflowNotFoundError{Identifier: id}
	}
	return wf, err
}

// save persists wf and drops every cached view of it.
func (s *Service) save(ctx context.Context, wf *workflow.Workflow) error {
	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &workflow.WorkflowNotFoundError{Identifier: wf.ID}
		}
		return err
	}
	s.evict(wf)
	s.registry.Refresh(wf.ID)
	return nil
}

func (s *Service) lookup(ctx context.Context, key, identifier string, load func(context.Context, string) (*workflow.Workflow, error)) (*workflow.Workflow, error) {
	var seen uint64
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			cp := *v.(*workflow.Workflow)
			return &cp, nil
		}
		s.fillMu.Lock()
		seen = s.evictions
		s.fillMu.Unlock()
	}

	wf, err := load(ctx, identifier)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &workflow.WorkflowNotFoundError{Identifier: identifier}
	}
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.fillMu.Lock()
		if s.evictions == seen {
			cp := *wf
			s.cache.SetDefault(key, &cp)
		}
		s.fillMu.Unlock()
	}
	return wf, nil
}

func (s *Service) evict(wf *workflow.Workflow) {
	if s.cache == nil {
		return
	}
	s.fillMu.Lock()
	defer s.fillMu.Unlock()
	s.evictions++
	s.cache.Delete("id:" + wf.ID)
	s.cache.Delete("code:" + wf.Code)
}

var _ workflow.WorkflowSource = (*Service)(nil)
