package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dshills/agentflow/workflow"
	"github.com/dshills/agentflow/workflow/store"
)

const outfitDef = `{"steps": [
	{"id": "s1", "agentId": "stylist", "order": 1, "input": {"static": "rainy commute"}},
	{"id": "s2", "agentId": "critic", "order": 2, "input": {"previousOutput": "s1"}}
]}`

func newTestService(t *testing.T, opts ...Option) (*Service, *store.MemStore, *workflow.Registry) {
	t.Helper()
	agent := workflow.AgentFunc(func(ctx context.Context, agentRef, prompt string) (string, error) {
		return agentRef + ":" + prompt, nil
	})
	engine, err := workflow.NewEngine(agent)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	registry, err := workflow.NewRegistry(engine)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	st := store.NewMemStore()
	n := 0
	base := []Option{
		WithClock(func() time.Time { return time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("wf-%d", n) }),
	}
	return NewService(st, registry, append(base, opts...)...), st, registry
}

func TestService_Create(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, " OUTFIT_RECOMMEND ", "Outfits", "stylist then critic", outfitDef)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if wf.ID != "wf-1" || wf.Code != "OUTFIT_RECOMMEND" || !wf.IsEnabled() {
		t.Errorf("unexpected workflow %+v", wf)
	}
	if _, err := st.GetWorkflow(ctx, "wf-1"); err != nil {
		t.Errorf("workflow not stored: %v", err)
	}

	unique, err := svc.IsCodeUnique(ctx, "OUTFIT_RECOMMEND")
	if err != nil || unique {
		t.Errorf("expected code to be taken, got unique=%v err=%v", unique, err)
	}

	_, err = svc.Create(ctx, "OUTFIT_RECOMMEND", "Again", "", outfitDef)
	if !errors.Is(err, workflow.ErrCodeExists) {
		t.Errorf("expected ErrCodeExists, got %v", err)
	}
}

func TestService_CreateRejects(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		wfName     string
		definition string
		field      string
	}{
		{name: "blank code", code: " ", wfName: "n", definition: outfitDef, field: "code"},
		{name: "blank name", code: "C", wfName: "", definition: outfitDef, field: "name"},
		{name: "blank definition", code: "C", wfName: "n", definition: "  ", field: "definition"},
		{name: "no steps", code: "C", wfName: "n", definition: `{"steps": []}`, field: "steps"},
		{name: "forward reference", code: "C", wfName: "n", definition: `{"steps": [
			{"id": "a", "agentId": "x", "order": 1, "input": {"previousOutput": "b"}},
			{"id": "b", "agentId": "y", "order": 2}
		]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newTestService(t)
			_, err := svc.Create(context.Background(), tt.code, tt.wfName, "", tt.definition)

			var verr *workflow.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if tt.field != "" && verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
			if all, _ := st.ListWorkflows(context.Background(), false); len(all) != 0 {
				t.Errorf("rejected workflow was stored: %+v", all)
			}
		})
	}
}

func TestService_UpdateRefreshesRegistry(t *testing.T) {
	svc, _, registry := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "OUTFIT_RECOMMEND", "Outfits", "", outfitDef)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := registry.RegisterRaw(wf.ID, []byte(wf.Definition)); err != nil {
		t.Fatalf("RegisterRaw failed: %v", err)
	}

	single := `{"steps": [{"id": "only", "agentId": "stylist", "order": 1}]}`
	updated, err := svc.Update(ctx, wf.ID, "Outfits v2", "one step", single)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if updated.Name != "Outfits v2" || updated.Code != "OUTFIT_RECOMMEND" {
		t.Errorf("unexpected update %+v", updated)
	}
	if registry.IsRegistered(wf.ID) {
		t.Fatal("update should drop the registry entry")
	}

	if err := registry.RegisterRaw(wf.ID, []byte(updated.Definition)); err != nil {
		t.Fatalf("RegisterRaw failed: %v", err)
	}
	out, err := registry.Execute(ctx, wf.ID, "city break")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "stylist:city break" {
		t.Errorf("expected the new definition to run, got %q", out)
	}

	if _, err := svc.Update(ctx, wf.ID, "x", "", `{"steps": []}`); err == nil {
		t.Error("expected invalid definition to be rejected")
	}
	if _, err := svc.Update(ctx, "ghost", "x", "", outfitDef); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_EnableDisable(t *testing.T) {
	svc, _, registry := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "OUTFIT_RECOMMEND", "Outfits", "", outfitDef)
	if _, err := svc.FindByCode(ctx, "OUTFIT_RECOMMEND"); err != nil {
		t.Fatalf("FindByCode failed: %v", err)
	}

	disabled, err := svc.Disable(ctx, wf.ID)
	if err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	if disabled.IsEnabled() {
		t.Error("expected workflow to be disabled")
	}
	found, _ := svc.FindByCode(ctx, "OUTFIT_RECOMMEND")
	if found.IsEnabled() {
		t.Error("cached lookup should have been evicted on disable")
	}
	if enabled, _ := svc.ListEnabled(ctx); len(enabled) != 0 {
		t.Errorf("expected no enabled workflows, got %d", len(enabled))
	}

	if _, err := svc.Enable(ctx, wf.ID); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !registry.IsRegistered(wf.ID) {
		t.Error("enable should register the workflow")
	}
	if _, err := svc.Disable(ctx, "ghost"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_EnableReportsBrokenDefinition(t *testing.T) {
	svc, st, registry := newTestService(t)
	ctx := context.Background()

	broken := &workflow.Workflow{
		ID: "wf-broken", Code: "BROKEN", Name: "Broken",
		Definition: `{"steps": [{"id": "a", "order": 1}]}`,
		Status:     workflow.WorkflowDisabled,
	}
	if err := st.SaveWorkflow(ctx, broken); err != nil {
		t.Fatalf("SaveWorkflow failed: %v", err)
	}

	wf, err := svc.Enable(ctx, "wf-broken")
	var verr *workflow.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if wf == nil || !wf.IsEnabled() {
		t.Error("status change should still be saved")
	}
	if registry.IsRegistered("wf-broken") {
		t.Error("broken definition must not be registered")
	}
}

func TestService_FindCaches(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "OUTFIT_RECOMMEND", "Outfits", "", outfitDef)
	if _, err := svc.FindByID(ctx, wf.ID); err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}

	behind := *wf
	behind.Name = "changed behind the cache"
	if err := st.UpdateWorkflow(ctx, &behind); err != nil {
		t.Fatalf("UpdateWorkflow failed: %v", err)
	}

	cached, _ := svc.FindByID(ctx, wf.ID)
	if cached.Name != "Outfits" {
		t.Errorf("expected cached name, got %q", cached.Name)
	}
	cached.Name = "mutated by caller"
	again, _ := svc.FindByID(ctx, wf.ID)
	if again.Name != "Outfits" {
		t.Errorf("callers must not mutate the cache, got %q", again.Name)
	}

	uncached, _, _ := newTestService(t, WithCacheTTL(0))
	if uncached.cache != nil {
		t.Error("zero TTL should disable caching")
	}

	_, err := svc.FindByCode(ctx, "MISSING")
	var nf *workflow.WorkflowNotFoundError
	if !errors.As(err, &nf) || nf.Identifier != "MISSING" {
		t.Errorf("expected WorkflowNotFoundError, got %v", err)
	}
}

func TestService_Prewarm(t *testing.T) {
	svc, st, registry := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Create(ctx, fmt.Sprintf("CODE_%d", i), "n", "", outfitDef); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	_ = st.SaveWorkflow(ctx, &workflow.Workflow{
		ID: "wf-bad", Code: "BAD", Name: "Bad",
		Definition: `not json`, Status: workflow.WorkflowNormal,
	})
	_, _ = svc.Disable(ctx, "wf-5")

	err := svc.Prewarm(ctx, 2)
	if err == nil || !strings.Contains(err.Error(), "BAD") {
		t.Errorf("expected joined error naming BAD, got %v", err)
	}
	if registry.Count() != 4 {
		t.Errorf("expected 4 registered workflows, got %d: %v", registry.Count(), registry.IDs())
	}
	if registry.IsRegistered("wf-5") {
		t.Error("disabled workflow should not be prewarmed")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	registry.Clear()
	if err := svc.Prewarm(cancelled, 2); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestService_UpdateDuringExecuteIsNotLost(t *testing.T) {
	svc, st, registry := newTestService(t)
	ctx := context.Background()

	wf, err := svc.Create(ctx, "OUTFIT_RECOMMEND", "Outfits", "", outfitDef)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	orch, err := workflow.NewOrchestrator(registry, st)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	defer orch.Shutdown(ctx)

	single := `{"steps": [{"id": "only", "agentId": "stylist", "order": 1, "input": {"static": "v2"}}]}`
	finds := 0
	find := func(ctx context.Context, id string) (*workflow.Workflow, error) {
		finds++
		old, err := svc.FindByID(ctx, id)
		if err != nil || finds > 1 {
			return old, err
		}
		if _, err := svc.Update(ctx, id, "Outfits v2", "", single); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		return old, nil
	}

	done := make(chan string, 1)
	_, err = orch.Execute(ctx,
		workflow.Generic{Identifier: wf.ID, Input: "rainy commute", User: "u-1", Find: find},
		workflow.CompletionHooks{
			OnSuccess: func(_ context.Context, _, _, _, output string) { done <- output },
			OnFailure: func(_ context.Context, _, _, _, msg string) { done <- "failed: " + msg },
		})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	select {
	case out := <-done:
		if out != "stylist:v2" {
			t.Errorf("expected the updated definition to run, got %q", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	if finds != 2 {
		t.Errorf("expected one reload after the update, got %d finds", finds)
	}
	reg, ok := registry.Lookup(wf.ID)
	if !ok || reg.Definition.Len() != 1 {
		t.Errorf("registry kept the pre-update definition")
	}
}

func TestService_CacheFillRacingEviction(t *testing.T) {
	svc, st, _ := newTestService(t)
	ctx := context.Background()

	wf, _ := svc.Create(ctx, "OUTFIT_RECOMMEND", "Outfits", "", outfitDef)

	// A load that reads the old row, then loses the race to an update.
	slowLoad := func(ctx context.Context, id string) (*workflow.Workflow, error) {
		old, err := st.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if _, err := svc.Update(ctx, id, "Outfits v2", "", outfitDef); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		return old, nil
	}
	stale, err := svc.lookup(ctx, "id:"+wf.ID, wf.ID, slowLoad)
	if err != nil || stale.Name != "Outfits" {
		t.Fatalf("expected the racing load to return the old row, got %+v, %v", stale, err)
	}

	fresh, err := svc.FindByID(ctx, wf.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if fresh.Name != "Outfits v2" {
		t.Errorf("stale row was cached after the update evicted it: %q", fresh.Name)
	}
}
