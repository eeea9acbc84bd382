package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dshills/agentflow/workflow"
)

// MemStore is an in-memory Store.
//
// Values are cloned on the way in and out, so callers never share memory
// with the store. Data is lost when the process exits.
type MemStore struct {
	mu         sync.RWMutex
	workflows  map[string]*workflow.Workflow        // id -> workflow
	codes      map[string]string                    // code -> id
	executions map[string]*workflow.ExecutionRecord // id -> record
	recs       map[string]*Recommendation           // id -> recommendation
	recsByExec map[string]string                    // execution id -> recommendation id
	closed     bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:  make(map[string]*workflow.Workflow),
		codes:      make(map[string]string),
		executions: make(map[string]*workflow.ExecutionRecord),
		recs:       make(map[string]*Recommendation),
		recsByExec: make(map[string]string),
	}
}

// SaveWorkflow implements WorkflowStore.
func (m *MemStore) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.codes[wf.Code]; ok {
		return ErrCodeExists
	}
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrCodeExists
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	m.codes[wf.Code] = wf.ID
	return nil
}

// UpdateWorkflow implements WorkflowStore. The code is immutable and is
// kept from the stored row.
func (m *MemStore) UpdateWorkflow(_ context.Context, wf *workflow.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.workflows[wf.ID]
	if !ok {
		return ErrNotFound
	}
	cp := cloneWorkflow(wf)
	cp.Code = old.Code
	cp.CreatedAt = old.CreatedAt
	m.workflows[wf.ID] = cp
	return nil
}

// GetWorkflow implements WorkflowStore.
func (m *MemStore) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	wf, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

// GetWorkflowByCode implements WorkflowStore.
func (m *MemStore) GetWorkflowByCode(ctx context.Context, code string) (*workflow.Workflow, error) {
	m.mu.RLock()
	id, ok := m.codes[code]
	m.mu.RUnlock()
	if !ok {
		if m.isClosed() {
			return nil, ErrClosed
		}
		return nil, ErrNotFound
	}
	return m.GetWorkflow(ctx, id)
}

// ExistsByCode implements WorkflowStore.
func (m *MemStore) ExistsByCode(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.codes[code]
	return ok, nil
}

// ListWorkflows implements WorkflowStore.
func (m *MemStore) ListWorkflows(_ context.Context, enabledOnly bool) ([]*workflow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*workflow.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if enabledOnly && !wf.IsEnabled() {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Create implements workflow.ExecutionRepository.
func (m *MemStore) Create(_ context.Context, rec *workflow.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.executions[rec.ID] = rec.Clone()
	return nil
}

// Update implements workflow.ExecutionRepository.
func (m *MemStore) Update(_ context.Context, rec *workflow.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.executions[rec.ID]; !ok {
		return ErrNotFound
	}
	m.executions[rec.ID] = rec.Clone()
	return nil
}

// Get implements workflow.ExecutionRepository.
func (m *MemStore) Get(_ context.Context, id string) (*workflow.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	rec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// ListExecutions implements ExecutionStore.
func (m *MemStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]*workflow.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*workflow.ExecutionRecord, 0)
	for _, rec := range m.executions {
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveRecommendation implements RecommendationStore.
func (m *MemStore) SaveRecommendation(_ context.Context, r *Recommendation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.recs[r.ID]; ok {
		return fmt.Errorf("%w: recommendation %s", ErrDuplicate, r.ID)
	}
	if _, ok := m.recsByExec[r.ExecutionID]; ok {
		return fmt.Errorf("%w: recommendation for execution %s", ErrDuplicate, r.ExecutionID)
	}
	cp := *r
	m.recs[r.ID] = &cp
	m.recsByExec[r.ExecutionID] = r.ID
	return nil
}

// SettleRecommendation implements RecommendationStore.
func (m *MemStore) SettleRecommendation(_ context.Context, r *Recommendation, from string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old, ok := m.recs[r.ID]
	if !ok {
		return ErrNotFound
	}
	if old.Status != from {
		return fmt.Errorf("%w: recommendation %s is no longer %s", ErrConflict, r.ID, from)
	}
	cp := *old
	cp.Status = r.Status
	cp.OutfitID = r.OutfitID
	cp.FailReason = r.FailReason
	cp.UpdatedAt = r.UpdatedAt
	m.recs[r.ID] = &cp
	return nil
}

// GetRecommendation implements RecommendationStore.
func (m *MemStore) GetRecommendation(_ context.Context, id string) (*Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// GetRecommendationByExecution implements RecommendationStore.
func (m *MemStore) GetRecommendationByExecution(ctx context.Context, executionID string) (*Recommendation, error) {
	m.mu.RLock()
	id, ok := m.recsByExec[executionID]
	m.mu.RUnlock()
	if !ok {
		if m.isClosed() {
			return nil, ErrClosed
		}
		return nil, ErrNotFound
	}
	return m.GetRecommendation(ctx, id)
}

// ListRecommendations implements RecommendationStore.
func (m *MemStore) ListRecommendations(_ context.Context, userID string) ([]*Recommendation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := []*Recommendation{}
	for _, r := range m.recs {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Ping implements Store.
func (m *MemStore) Ping(context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemStore) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
