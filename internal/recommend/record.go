// Package recommend turns outfit recommendation executions into stored
// recommendation records.
//
// Service starts an OUTFIT_RECOMMEND execution and records a PENDING
// request. Consumer listens for the execution's completion event, creates
// the outfit from the clothing ids the workflow produced and settles the
// record.
package recommend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the state of a recommendation record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether s is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// ErrNotFound is returned by a Repository for unknown records.
var ErrNotFound = errors.New("recommendation not found")

// ErrFinal is returned when settling a record that is already terminal.
var ErrFinal = errors.New("recommendation already settled")

// Record is one user request for an outfit.
type Record struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"executionId"`
	UserID      string    `json:"userId"`
	Prompt      string    `json:"prompt"`
	Status      Status    `json:"status"`
	OutfitID    string    `json:"outfitId,omitempty"`
	FailReason  string    `json:"failReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Complete settles r with the created outfit.
func (r *Record) Complete(outfitID string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFinal, r.ID, r.Status)
	}
	r.Status = StatusCompleted
	r.OutfitID = outfitID
	r.UpdatedAt = now
	return nil
}

// Fail settles r with reason.
func (r *Record) Fail(reason string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFinal, r.ID, r.Status)
	}
	r.Status = StatusFailed
	r.FailReason = reason
	r.UpdatedAt = now
	return nil
}

// Repository stores recommendation records.
type Repository interface {
	Save(ctx context.Context, r *Record) error

	// Settle stores r's terminal state provided the stored record is still
	// PENDING, and returns an error matching ErrFinal otherwise.
	Settle(ctx context.Context, r *Record) error

	Get(ctx context.Context, id string) (*Record, error)
	FindByExecutionID(ctx context.Context, executionID string) (*Record, error)
	ListByUser(ctx context.Context, userID string) ([]*Record, error)
}

// MemoryRepository is a Repository held in memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
	byExec  map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*Record),
		byExec:  make(map[string]string),
	}
}

func (m *MemoryRepository) Save(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("recommendation %s already exists", r.ID)
	}
	cp := *r
	m.records[r.ID] = &cp
	if r.ExecutionID != "" {
		m.byExec[r.ExecutionID] = r.ID
	}
	return nil
}

func (m *MemoryRepository) Settle(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.records[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if old.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrFinal, r.ID, old.Status)
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) FindByExecutionID(ctx context.Context, executionID string) (*Record, error) {
	m.mu.RLock()
	id, ok := m.byExec[executionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, executionID)
	}
	return m.Get(ctx, id)
}

// ListByUser returns the user's records, newest first.
func (m *MemoryRepository) ListByUser(_ context.Context, userID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, r := range m.records {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ Repository = (*MemoryRepository)(nil)
