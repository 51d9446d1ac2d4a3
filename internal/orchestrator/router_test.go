package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/models"
)

type routerFixture struct {
	store    *fakeStore
	ledger   *fakeLedger
	registry *Registry
	queue    *fakeQueue
	primary  *fakeAdapter
	backup   *fakeAdapter
	router   *Router
}

func newRouterFixture() *routerFixture {
	store := newFakeStore()
	ledger := newFakeLedger()
	queue := &fakeQueue{}
	registry := NewRegistry()
	primary := newFakeAdapter("primary")
	backup := newFakeAdapter("backup")
	registry.Register("primary_model", "primary", primary)
	registry.Register("backup_model", "backup", backup)
	registry.SetFallback("primary_model", "backup_model")
	registry.SetFallback("backup_model", "primary_model")
	router := NewRouter(store, ledger, registry, queue, "https://api.example.com", 4, 90*time.Second)
	return &routerFixture{store: store, ledger: ledger, registry: registry, queue: queue, primary: primary, backup: backup, router: router}
}

func genRequest(scenes int) *models.GenerateRequest {
	img := "https://img.example.com/ref.jpg"
	prompts := make([]models.ScenePrompt, scenes)
	for i := range prompts {
		prompts[i] = models.ScenePrompt{Prompt: fmt.Sprintf("scene %d", i+1)}
	}
	return &models.GenerateRequest{
		UserID:       uuid.New(),
		Model:        "primary_model",
		ImageURL:     &img,
		ScenePrompts: prompts,
	}
}

func asStartError(t *testing.T, err error) *StartError {
	t.Helper()
	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StartError, got %T: %v", err, err)
	}
	return se
}

func TestStartHappyPath(t *testing.T) {
	f := newRouterFixture()
	resp, err := f.router.Start(context.Background(), genRequest(2))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !resp.Success || resp.TaskID == "" || resp.ModelUsed != "primary_model" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.FallbackUsed {
		t.Fatal("no fallback should have been used")
	}

	gen, err := f.store.GetGeneration(context.Background(), resp.GenerationID)
	if err != nil {
		t.Fatalf("generation not persisted: %v", err)
	}
	if gen.InitialStatus != models.PhaseStatusGenerating || gen.InitialTaskID == nil {
		t.Fatalf("scene 1 not in flight: %s", gen.InitialStatus)
	}
	if gen.NumberOfScenes != 2 || !gen.IsMultiScene {
		t.Fatalf("scene count wrong: %d", gen.NumberOfScenes)
	}
	if f.ledger.reserved[gen.ID] != 8 {
		t.Fatalf("expected reservation of 8 credits, got %d", f.ledger.reserved[gen.ID])
	}
	if len(f.queue.enqueued) != 1 {
		t.Fatalf("expected a scheduled poll, got %d", len(f.queue.enqueued))
	}
	if len(f.primary.gens) != 1 || f.primary.gens[0].CallbackURL != "https://api.example.com/v1/webhooks/primary" {
		t.Fatalf("wrong dispatch: %+v", f.primary.gens)
	}
}

func TestStartFallsBackOnProviderError(t *testing.T) {
	f := newRouterFixture()
	f.primary.genErr = fmt.Errorf("internal server error from provider")

	resp, err := f.router.Start(context.Background(), genRequest(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !resp.FallbackUsed || resp.ModelUsed != "backup_model" {
		t.Fatalf("expected fallback to backup_model: %+v", resp)
	}
	if resp.FallbackReason == "" {
		t.Fatal("fallback must report a reason")
	}

	gen, _ := f.store.GetGeneration(context.Background(), resp.GenerationID)
	if gen.Model != "backup_model" || gen.RequestedModel != "primary_model" {
		t.Fatalf("model columns wrong: model=%s requested=%s", gen.Model, gen.RequestedModel)
	}
}

func TestStartAttemptsAreBounded(t *testing.T) {
	f := newRouterFixture()
	// Cyclic fallback map with both models failing: the attempt cap is the
	// only thing that terminates the loop.
	f.primary.genErr = fmt.Errorf("internal server error")
	f.backup.genErr = fmt.Errorf("internal server error")

	req := genRequest(1)
	mr := 2
	req.MaxRetries = &mr

	_, err := f.router.Start(context.Background(), req)
	se := asStartError(t, err)
	if len(se.Attempts) != 3 {
		t.Fatalf("expected exactly 3 attempts (1 + 2 retries), got %d", len(se.Attempts))
	}

	gen := f.onlyGeneration(t)
	if gen.InitialStatus != models.PhaseStatusFailed {
		t.Fatalf("exhausted generation should be failed, got %s", gen.InitialStatus)
	}
}

// onlyGeneration returns the single generation the test created.
func (f *routerFixture) onlyGeneration(t *testing.T) *models.Generation {
	t.Helper()
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.gens) != 1 {
		t.Fatalf("expected exactly one generation, got %d", len(f.store.gens))
	}
	for _, g := range f.store.gens {
		return copyGen(g)
	}
	return nil
}

func TestStartCreditExhaustionNeverFallsBack(t *testing.T) {
	f := newRouterFixture()
	f.primary.genErr = fmt.Errorf("insufficient credits, please top up")

	_, err := f.router.Start(context.Background(), genRequest(1))
	se := asStartError(t, err)
	if se.Class != models.ErrorCreditExhausted {
		t.Fatalf("expected CREDIT_EXHAUSTED, got %s", se.Class)
	}
	if len(se.Attempts) != 1 {
		t.Fatalf("account-level failure must not retry: %d attempts", len(se.Attempts))
	}
	if len(f.backup.gens) != 0 {
		t.Fatal("fallback model was called on a credit failure")
	}
	if se.UserAction() == "" {
		t.Fatal("credit errors must carry a user action")
	}
}

func TestStartInsufficientReservation(t *testing.T) {
	f := newRouterFixture()
	f.ledger.insufficient = true

	_, err := f.router.Start(context.Background(), genRequest(2))
	se := asStartError(t, err)
	if se.Class != models.ErrorCreditExhausted {
		t.Fatalf("expected CREDIT_EXHAUSTED, got %s", se.Class)
	}
	if len(f.primary.gens) != 0 {
		t.Fatal("no provider may be called without a reservation")
	}
}

func TestStartOpenReservationsDrawDownBalance(t *testing.T) {
	f := newRouterFixture()
	balance := 10 // enough for one 2-scene reservation (8), not two
	f.ledger.balance = &balance

	if _, err := f.router.Start(context.Background(), genRequest(2)); err != nil {
		t.Fatalf("first start: %v", err)
	}

	_, err := f.router.Start(context.Background(), genRequest(2))
	se := asStartError(t, err)
	if se.Class != models.ErrorCreditExhausted {
		t.Fatalf("open reservation must count against the balance, got %s", se.Class)
	}
	if len(f.primary.gens) != 1 {
		t.Fatalf("unfunded request must not reach a provider, got %d dispatches", len(f.primary.gens))
	}
}

func TestStartRestartReservesStoredSceneCount(t *testing.T) {
	f := newRouterFixture()
	f.primary.genErr = fmt.Errorf("internal server error")
	off := false

	req := genRequest(2)
	req.EnableFallback = &off
	if _, err := f.router.Start(context.Background(), req); err == nil {
		t.Fatal("expected first start to fail")
	}
	gen := f.onlyGeneration(t)

	// Re-submit with extra prompts: the stored record still has 2 scenes and
	// that is what the reservation must be priced from.
	f.primary.genErr = nil
	retry := genRequest(3)
	retry.UserID = gen.UserID
	retry.GenerationID = &gen.ID
	if _, err := f.router.Start(context.Background(), retry); err != nil {
		t.Fatalf("restart: %v", err)
	}

	last := f.ledger.requests[len(f.ledger.requests)-1]
	if last != 8 {
		t.Fatalf("restart reserved %d credits, want 8 (2 stored scenes)", last)
	}
}

func TestStartCapabilityFallback(t *testing.T) {
	f := newRouterFixture()
	f.primary.caps.TextOnly = false

	req := genRequest(1)
	req.ImageURL = nil // text-only request

	resp, err := f.router.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !resp.FallbackUsed || resp.ModelUsed != "backup_model" {
		t.Fatalf("expected capability fallback: %+v", resp)
	}
	if resp.FallbackReason != "unsupported_gen_type" {
		t.Fatalf("expected reason unsupported_gen_type, got %q", resp.FallbackReason)
	}
	if len(f.primary.gens) != 0 {
		t.Fatal("incapable model must not be called at all")
	}
}

func TestStartFallbackDisabled(t *testing.T) {
	f := newRouterFixture()
	f.primary.genErr = fmt.Errorf("internal server error")

	req := genRequest(1)
	off := false
	req.EnableFallback = &off

	_, err := f.router.Start(context.Background(), req)
	se := asStartError(t, err)
	if len(se.Attempts) != 1 {
		t.Fatalf("fallback disabled must mean one attempt, got %d", len(se.Attempts))
	}
	if len(f.backup.gens) != 0 {
		t.Fatal("backup was called with fallback disabled")
	}
}

func TestStartRejectsEmptyPrompts(t *testing.T) {
	f := newRouterFixture()
	req := genRequest(1)
	req.ScenePrompts = nil

	_, err := f.router.Start(context.Background(), req)
	se := asStartError(t, err)
	if se.Class != models.ErrorInvalidParams {
		t.Fatalf("expected INVALID_PARAMS, got %s", se.Class)
	}
}

func TestStartRejectsActiveGeneration(t *testing.T) {
	f := newRouterFixture()
	resp, err := f.router.Start(context.Background(), genRequest(1))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	req := genRequest(1)
	req.GenerationID = &resp.GenerationID
	_, err = f.router.Start(context.Background(), req)
	se := asStartError(t, err)
	if se.Class != models.ErrorInvalidParams {
		t.Fatalf("restarting an in-flight generation must be rejected, got %s", se.Class)
	}
}

func TestStartMaxRetriesIsCapped(t *testing.T) {
	f := newRouterFixture()
	f.primary.genErr = fmt.Errorf("internal server error")
	f.backup.genErr = fmt.Errorf("internal server error")

	req := genRequest(1)
	mr := 10
	req.MaxRetries = &mr

	_, err := f.router.Start(context.Background(), req)
	se := asStartError(t, err)
	if len(se.Attempts) != 4 {
		t.Fatalf("retries capped at 3 means 4 attempts, got %d", len(se.Attempts))
	}
}
