package workflow

import (
	"context"
	"errors"
	"sync"
	"time"
)

const outfitJSON = `{
  "id": "OUTFIT_RECOMMEND",
  "version": "1.0",
  "name": "Outfit recommendation",
  "steps": [
    {"id": "s1", "name": "Stylist", "agentId": "stylist", "order": 1,
     "input": {"static": "casual winter look for a rainy commute"}},
    {"id": "s2", "name": "Critic", "agentId": "critic", "order": 2,
     "input": {"previousOutput": "s1"}}
  ]
}`

type agentCall struct {
	AgentRef string
	Prompt   string
}

// stubAgent answers from fixed tables and records every call.
type stubAgent struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []agentCall
}

func newStubAgent(replies map[string]string) *stubAgent {
	return &stubAgent{replies: replies, errs: map[string]error{}}
}

func (s *stubAgent) Invoke(ctx context.Context, agentRef, prompt string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, agentCall{AgentRef: agentRef, Prompt: prompt})
	err := s.errs[agentRef]
	reply, ok := s.replies[agentRef]
	s.mu.Unlock()

	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("no reply configured for " + agentRef)
	}
	return reply, nil
}

func (s *stubAgent) Calls() []agentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agentCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func outfitAgent() *stubAgent {
	return newStubAgent(map[string]string{
		"stylist": "knit sweater + trench coat",
		"critic":  "refine: swap trench for raincoat",
	})
}

// memExecutions is a minimal ExecutionRepository.
type memExecutions struct {
	mu      sync.Mutex
	records map[string]*ExecutionRecord
	updates int
}

func newMemExecutions() *memExecutions {
	return &memExecutions{records: map[string]*ExecutionRecord{}}
}

func (m *memExecutions) Create(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *memExecutions) Update(_ context.Context, rec *ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		return ErrNotFound
	}
	m.records[rec.ID] = rec.Clone()
	m.updates++
	return nil
}

func (m *memExecutions) Get(_ context.Context, id string) (*ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// memSource is a WorkflowSource over a fixed set of workflows.
type memSource struct {
	byID map[string]*Workflow
}

func newMemSource(wfs ...*Workflow) *memSource {
	s := &memSource{byID: map[string]*Workflow{}}
	for _, w := range wfs {
		s.byID[w.ID] = w
	}
	return s
}

func (s *memSource) FindByID(_ context.Context, id string) (*Workflow, error) {
	if w, ok := s.byID[id]; ok {
		return w, nil
	}
	return nil, &WorkflowNotFoundError{Identifier: id}
}

func (s *memSource) FindByCode(_ context.Context, code string) (*Workflow, error) {
	for _, w := range s.byID {
		if w.Code == code {
			return w, nil
		}
	}
	return nil, &WorkflowNotFoundError{Identifier: code}
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []CompletionEvent
	done   chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{done: make(chan struct{}, 16)}
}

func (r *recordingSink) Publish(_ context.Context, ev CompletionEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingSink) Events() []CompletionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CompletionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// waitTerminal polls repo until id is terminal or the deadline passes.
func waitTerminal(repo ExecutionRepository, id string, timeout time.Duration) (*ExecutionRecord, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		rec, err := repo.Get(context.Background(), id)
		if err == nil && rec.IsCompleted() {
			return rec, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}
