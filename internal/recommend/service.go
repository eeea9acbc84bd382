package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/agentflow/workflow"
)

// Starter starts outfit recommendation executions. *workflow.Orchestrator
// satisfies it.
type Starter interface {
	ExecuteOutfitRecommend(ctx context.Context, r workflow.OutfitRecommend) (string, error)
}

// Service accepts recommendation requests.
type Service struct {
	starter Starter
	source  workflow.WorkflowSource
	sink    workflow.EventSink
	repo    Repository
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewService returns a Service that resolves the workflow through source
// and publishes completion events to sink.
func NewService(starter Starter, source workflow.WorkflowSource, sink workflow.EventSink, repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		starter: starter,
		source:  source,
		sink:    sink,
		repo:    repo,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Request starts a recommendation for userID and returns its PENDING
// record.
//
// The completion event is held back until the record is stored, so a
// consumer never sees an event for a record it cannot find.
func (s *Service) Request(ctx context.Context, userID, prompt string) (*Record, error) {
	userID = strings.TrimSpace(userID)
	prompt = strings.TrimSpace(prompt)
	if userID == "" {
		return nil, &workflow.ValidationError{Field: "userId", Message: "user id is required"}
	}
	if prompt == "" {
		return nil, &workflow.ValidationError{Field: "prompt", Message: "prompt is required"}
	}

	gate := &holdSink{next: s.sink}
	defer func() {
		if err := gate.release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("failed to publish held recommendation events", "user_id", userID, "error", err)
		}
	}()

	execID, err := s.starter.ExecuteOutfitRecommend(ctx, workflow.OutfitRecommend{
		Source: s.source,
		Sink:   gate,
		Prompt: prompt,
		User:   userID,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		ID:          s.newID(),
		ExecutionID: execID,
		UserID:      userID,
		Prompt:      prompt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save recommendation for execution %s: %w", execID, err)
	}

	s.logger.Info("outfit recommendation requested",
		"recommendation_id", rec.ID, "execution_id", execID, "user_id", userID)
	return rec, nil
}

// Get returns a stored record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.repo.Get(ctx, id)
}

// holdSink buffers events until release, then forwards them and every later
// event straight to next.
type holdSink struct {
	next workflow.EventSink

	mu       sync.Mutex
	released bool
	held     []workflow.CompletionEvent
}

func (h *holdSink) Publish(ctx context.Context, ev workflow.CompletionEvent) error {
	h.mu.Lock()
	if !h.released {
		h.held = append(h.held, ev)
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()
	if h.next == nil {
		return nil
	}
	return h.next.Publish(ctx, ev)
}

func (h *holdSink) release(ctx context.Context) error {
	h.mu.Lock()
	h.released = true
	held := h.held
	h.held = nil
	h.mu.Unlock()

	if h.next == nil {
		return nil
	}
	var errs []error
	for _, ev := range held {
		if err := h.next.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
