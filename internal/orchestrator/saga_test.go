package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/db"
	"github.com/hammerpath/avatarcast/internal/models"
	"github.com/hammerpath/avatarcast/internal/providers"
)

// fakeStore mirrors the conditional-write semantics of the SQL store in
// memory, including the status guards that make completion idempotent.
type fakeStore struct {
	mu   sync.Mutex
	gens map[uuid.UUID]*models.Generation
}

func newFakeStore() *fakeStore {
	return &fakeStore{gens: make(map[uuid.UUID]*models.Generation)}
}

func (s *fakeStore) get(id uuid.UUID) (*models.Generation, bool) {
	g, ok := s.gens[id]
	return g, ok
}

func copyGen(g *models.Generation) *models.Generation {
	cp := *g
	cp.VideoSegments = append(models.SegmentList{}, g.VideoSegments...)
	cp.ScenePrompts = append(models.ScenePromptList{}, g.ScenePrompts...)
	return &cp
}

func (s *fakeStore) CreateGeneration(_ context.Context, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[g.ID] = copyGen(g)
	return nil
}

func (s *fakeStore) GetGeneration(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return copyGen(g), nil
}

func (s *fakeStore) GetGenerationByTaskID(_ context.Context, taskID string) (*models.Generation, models.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.gens {
		if g.ExtendedTaskID != nil && *g.ExtendedTaskID == taskID {
			return copyGen(g), models.PhaseExtended, nil
		}
		if g.InitialTaskID != nil && *g.InitialTaskID == taskID {
			return copyGen(g), models.PhaseInitial, nil
		}
	}
	return nil, "", fmt.Errorf("not found")
}

func (s *fakeStore) SetPhaseTask(_ context.Context, id uuid.UUID, phase models.Phase, taskID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return fmt.Errorf("not found")
	}
	g.Model = model
	switch phase {
	case models.PhaseInitial:
		g.InitialStatus = models.PhaseStatusGenerating
		g.InitialTaskID = &taskID
		g.InitialError = nil
	case models.PhaseExtended:
		g.ExtendedStatus = models.PhaseStatusGenerating
		g.ExtendedTaskID = &taskID
		g.ExtendedError = nil
	}
	return nil
}

func (s *fakeStore) FailPhase(_ context.Context, id uuid.UUID, phase models.Phase, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return false, fmt.Errorf("not found")
	}
	status, _, _ := g.PhaseState(phase)
	if status != models.PhaseStatusPending && status != models.PhaseStatusGenerating {
		return false, nil
	}
	switch phase {
	case models.PhaseInitial:
		g.InitialStatus = models.PhaseStatusFailed
		g.InitialError = &message
	case models.PhaseExtended:
		g.ExtendedStatus = models.PhaseStatusFailed
		g.ExtendedError = &message
	case models.PhaseFinal:
		g.FinalStatus = models.PhaseStatusFailed
		g.FinalError = &message
	}
	return true, nil
}

func (s *fakeStore) CompletePhase(_ context.Context, id uuid.UUID, phase models.Phase, taskID string, segment models.VideoSegment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return false, fmt.Errorf("not found")
	}
	status, tid, _ := g.PhaseState(phase)
	if status != models.PhaseStatusGenerating || tid == nil || *tid != taskID {
		return false, nil
	}
	if len(g.VideoSegments) >= g.NumberOfScenes {
		return false, nil
	}
	g.VideoSegments = append(g.VideoSegments, segment)
	switch phase {
	case models.PhaseInitial:
		g.InitialStatus = models.PhaseStatusCompleted
		g.InitialVideoURL = &segment.URL
	case models.PhaseExtended:
		g.ExtendedStatus = models.PhaseStatusCompleted
		g.ExtendedVideoURL = &segment.URL
	}
	return true, nil
}

func (s *fakeStore) AdvanceScene(_ context.Context, id uuid.UUID, nextScene int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return false, fmt.Errorf("not found")
	}
	if g.CurrentScene >= nextScene || g.Cancelled {
		return false, nil
	}
	g.CurrentScene = nextScene
	g.ExtendedStatus = models.PhaseStatusPending
	g.ExtendedTaskID = nil
	g.ExtendedError = nil
	return true, nil
}

func (s *fakeStore) MarkFinalStitching(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return false, fmt.Errorf("not found")
	}
	if g.FinalStatus != models.PhaseStatusPending || len(g.VideoSegments) < g.NumberOfScenes {
		return false, nil
	}
	g.FinalStatus = models.PhaseStatusGenerating
	return true, nil
}

func (s *fakeStore) CompleteFinal(_ context.Context, id uuid.UUID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return fmt.Errorf("not found")
	}
	g.FinalStatus = models.PhaseStatusCompleted
	g.FinalVideoURL = &url
	g.IsFinal = true
	return nil
}

func (s *fakeStore) ResetPhase(_ context.Context, id uuid.UUID, phase models.Phase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.get(id)
	if !ok {
		return false, fmt.Errorf("not found")
	}
	status, _, _ := g.PhaseState(phase)
	if status != models.PhaseStatusFailed {
		return false, nil
	}
	switch phase {
	case models.PhaseInitial:
		g.InitialStatus = models.PhaseStatusPending
		g.InitialTaskID = nil
		g.InitialError = nil
	case models.PhaseExtended:
		g.ExtendedStatus = models.PhaseStatusPending
		g.ExtendedTaskID = nil
		g.ExtendedError = nil
	case models.PhaseFinal:
		g.FinalStatus = models.PhaseStatusPending
		g.FinalError = nil
	}
	return true, nil
}

func (s *fakeStore) ListStuckGenerations(_ context.Context, _ time.Duration, limit int) ([]models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Generation
	for _, g := range s.gens {
		if g.InitialStatus == models.PhaseStatusGenerating || g.ExtendedStatus == models.PhaseStatusGenerating {
			out = append(out, *copyGen(g))
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// fakeLedger mirrors the reservation semantics of the SQL ledger: a repeat
// reservation for a generation is a no-op, and when a balance is set, open
// reservations draw it down.
type fakeLedger struct {
	mu           sync.Mutex
	insufficient bool
	balance      *int
	requests     []int
	reserved     map[uuid.UUID]int
	charges      []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{reserved: make(map[uuid.UUID]int)}
}

func (l *fakeLedger) ReserveCredits(_ context.Context, generationID, _ uuid.UUID, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requests = append(l.requests, amount)
	if l.insufficient {
		return db.ErrInsufficientCredits
	}
	if _, ok := l.reserved[generationID]; ok {
		return nil
	}
	if l.balance != nil {
		open := 0
		for id, a := range l.reserved {
			if !l.charged(id) {
				open += a
			}
		}
		if *l.balance-open < amount {
			return db.ErrInsufficientCredits
		}
	}
	l.reserved[generationID] = amount
	return nil
}

func (l *fakeLedger) charged(generationID uuid.UUID) bool {
	for _, id := range l.charges {
		if id == generationID {
			return true
		}
	}
	return false
}

func (l *fakeLedger) ChargeReservation(_ context.Context, generationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.charged(generationID) {
		return nil // already charged, no-op like the SQL guard
	}
	l.charges = append(l.charges, generationID)
	return nil
}

type fakeStitcher struct {
	mu    sync.Mutex
	calls [][]string
	url   string
	err   error
}

func (f *fakeStitcher) Concatenate(_ context.Context, urls []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{}, urls...))
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []uuid.UUID
}

func (q *fakeQueue) EnqueuePoll(_ context.Context, id uuid.UUID, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, id)
	return nil
}

// fakeAdapter returns scripted task ids and records every dispatch.
type fakeAdapter struct {
	mu       sync.Mutex
	name     string
	caps     providers.Capabilities
	genErr   error
	nextTask int
	gens     []providers.GenerateInput
	exts     []providers.ExtendInput
	queryRes *providers.TaskResult
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		caps: providers.Capabilities{Image: true, TextOnly: true, Chaining: true},
	}
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Capabilities() providers.Capabilities { return a.caps }

func (a *fakeAdapter) Generate(_ context.Context, in providers.GenerateInput) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.genErr != nil {
		return "", a.genErr
	}
	a.gens = append(a.gens, in)
	a.nextTask++
	return fmt.Sprintf("%s-task-%d", a.name, a.nextTask), nil
}

func (a *fakeAdapter) Extend(_ context.Context, in providers.ExtendInput) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.genErr != nil {
		return "", a.genErr
	}
	a.exts = append(a.exts, in)
	a.nextTask++
	return fmt.Sprintf("%s-task-%d", a.name, a.nextTask), nil
}

func (a *fakeAdapter) QueryTask(_ context.Context, taskID string) (*providers.TaskResult, error) {
	if a.queryRes == nil {
		return &providers.TaskResult{TaskID: taskID}, nil
	}
	res := *a.queryRes
	res.TaskID = taskID
	return &res, nil
}

func (a *fakeAdapter) ParseCallback(_ []byte) (*providers.TaskResult, error) {
	return nil, fmt.Errorf("not used")
}

type sagaFixture struct {
	store    *fakeStore
	ledger   *fakeLedger
	stitcher *fakeStitcher
	queue    *fakeQueue
	registry *Registry
	adapter  *fakeAdapter
	saga     *Saga
}

func newSagaFixture() *sagaFixture {
	store := newFakeStore()
	ledger := newFakeLedger()
	stitcher := &fakeStitcher{url: "https://cdn.example.com/final.mp4"}
	queue := &fakeQueue{}
	registry := NewRegistry()
	adapter := newFakeAdapter("fake")
	registry.Register("fake_model", "fake", adapter)
	saga := NewSaga(store, ledger, registry, stitcher, queue, "https://api.example.com", 90*time.Second)
	return &sagaFixture{store: store, ledger: ledger, stitcher: stitcher, queue: queue, registry: registry, adapter: adapter, saga: saga}
}

func (f *sagaFixture) seedGeneration(t *testing.T, scenes int) *models.Generation {
	t.Helper()
	img := "https://img.example.com/ref.jpg"
	prompts := make(models.ScenePromptList, scenes)
	for i := range prompts {
		prompts[i] = models.ScenePrompt{Prompt: fmt.Sprintf("scene %d prompt", i+1)}
	}
	gen := &models.Generation{
		ID:                uuid.New(),
		UserID:            uuid.New(),
		ReferenceImageURL: &img,
		Model:             "fake_model",
		RequestedModel:    "fake_model",
		AspectRatio:       "9:16",
		NumberOfScenes:    scenes,
		ScenePrompts:      prompts,
		CurrentScene:      1,
		IsMultiScene:      scenes > 1,
		VideoSegments:     models.SegmentList{},
		InitialStatus:     models.PhaseStatusPending,
		ExtendedStatus:    models.PhaseStatusPending,
		FinalStatus:       models.PhaseStatusPending,
	}
	if err := f.store.CreateGeneration(context.Background(), gen); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return gen
}

// startScene marks the given phase generating with a task id, as the router
// or advance would.
func (f *sagaFixture) startScene(t *testing.T, id uuid.UUID, phase models.Phase, taskID string) {
	t.Helper()
	if err := f.store.SetPhaseTask(context.Background(), id, phase, taskID, "fake_model"); err != nil {
		t.Fatalf("set task: %v", err)
	}
}

func result(taskID, url string) *providers.TaskResult {
	return &providers.TaskResult{TaskID: taskID, Done: true, Success: true, VideoURL: url, Duration: 8}
}

func TestSingleSceneCompletion(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	gen, _ = f.store.GetGeneration(context.Background(), gen.ID)

	if err := f.saga.HandleTaskResult(context.Background(), gen, models.PhaseInitial, result("t1", "https://v.example.com/1.mp4")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusCompleted || !got.IsFinal {
		t.Fatalf("expected final completed, got %s is_final=%v", got.FinalStatus, got.IsFinal)
	}
	if got.FinalVideoURL == nil || *got.FinalVideoURL != "https://v.example.com/1.mp4" {
		t.Fatalf("single-scene final URL should be the lone segment, got %v", got.FinalVideoURL)
	}
	if len(f.stitcher.calls) != 0 {
		t.Fatalf("single-scene generation must not be stitched")
	}
	if len(f.ledger.charges) != 1 {
		t.Fatalf("expected exactly one charge, got %d", len(f.ledger.charges))
	}
}

func TestDuplicateWebhookIsNoOp(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	gen, _ = f.store.GetGeneration(context.Background(), gen.ID)

	res := result("t1", "https://v.example.com/1.mp4")
	if err := f.saga.HandleTaskResult(context.Background(), gen, models.PhaseInitial, res); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redeliver with the stale in-memory copy, as a real duplicate would.
	if err := f.saga.HandleTaskResult(context.Background(), gen, models.PhaseInitial, res); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if len(got.VideoSegments) != 1 {
		t.Fatalf("duplicate delivery appended a segment: %d", len(got.VideoSegments))
	}
	if len(f.ledger.charges) != 1 {
		t.Fatalf("duplicate delivery double-charged: %d", len(f.ledger.charges))
	}
}

func TestMultiSceneOrderingAndStitch(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 3)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	// Scene 1 completes: scene 2 must be dispatched, no stitch yet.
	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, result("t1", "https://v.example.com/1.mp4")); err != nil {
		t.Fatalf("scene 1: %v", err)
	}
	if len(f.adapter.exts) != 1 {
		t.Fatalf("expected 1 extend dispatch, got %d", len(f.adapter.exts))
	}
	if f.adapter.exts[0].Scene != 2 || f.adapter.exts[0].Prompt != "scene 2 prompt" {
		t.Fatalf("wrong scene dispatched: %+v", f.adapter.exts[0])
	}
	if f.adapter.exts[0].PreviousTaskID != "t1" {
		t.Fatalf("extend should chain from t1, got %q", f.adapter.exts[0].PreviousTaskID)
	}
	if len(f.stitcher.calls) != 0 {
		t.Fatalf("stitch fired with 1 of 3 segments")
	}

	// Scene 2 completes.
	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, result(*cur.ExtendedTaskID, "https://v.example.com/2.mp4")); err != nil {
		t.Fatalf("scene 2: %v", err)
	}
	if len(f.adapter.exts) != 2 || f.adapter.exts[1].Scene != 3 {
		t.Fatalf("scene 3 not dispatched: %+v", f.adapter.exts)
	}

	// Scene 3 completes: stitch fires once with segments in scene order.
	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, result(*cur.ExtendedTaskID, "https://v.example.com/3.mp4")); err != nil {
		t.Fatalf("scene 3: %v", err)
	}
	if len(f.stitcher.calls) != 1 {
		t.Fatalf("expected exactly one stitch, got %d", len(f.stitcher.calls))
	}
	want := []string{"https://v.example.com/1.mp4", "https://v.example.com/2.mp4", "https://v.example.com/3.mp4"}
	for i, u := range f.stitcher.calls[0] {
		if u != want[i] {
			t.Fatalf("stitch order wrong at %d: got %v", i, f.stitcher.calls[0])
		}
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusCompleted || got.FinalVideoURL == nil || *got.FinalVideoURL != f.stitcher.url {
		t.Fatalf("final not completed with stitched URL: %s %v", got.FinalStatus, got.FinalVideoURL)
	}
	if len(f.ledger.charges) != 1 {
		t.Fatalf("expected one charge after stitch, got %d", len(f.ledger.charges))
	}
}

func TestTwoSceneScenario(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 2)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, result("t1", "https://v.example.com/a.mp4")); err != nil {
		t.Fatalf("scene 1: %v", err)
	}
	mid, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if mid.FinalStatus != models.PhaseStatusPending {
		t.Fatalf("final started with 1 of 2 segments: %s", mid.FinalStatus)
	}
	if mid.CurrentScene != 2 || mid.ExtendedStatus != models.PhaseStatusGenerating {
		t.Fatalf("scene 2 not in flight: scene=%d status=%s", mid.CurrentScene, mid.ExtendedStatus)
	}

	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, result(*cur.ExtendedTaskID, "https://v.example.com/b.mp4")); err != nil {
		t.Fatalf("scene 2: %v", err)
	}
	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusCompleted {
		t.Fatalf("final not completed: %s", got.FinalStatus)
	}
	if len(f.stitcher.calls) != 1 || len(f.stitcher.calls[0]) != 2 {
		t.Fatalf("expected one stitch of 2 segments, got %v", f.stitcher.calls)
	}
}

func TestNotDoneResultIsIgnored(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)

	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, &providers.TaskResult{TaskID: "t1"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.InitialStatus != models.PhaseStatusGenerating {
		t.Fatalf("in-progress result changed status to %s", got.InitialStatus)
	}
}

func TestFailureRecordsHumanizedError(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 2)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)

	res := &providers.TaskResult{TaskID: "t1", Done: true, Success: false, Error: "Request rejected: content policy violation (code 400)"}
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, res); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.InitialStatus != models.PhaseStatusFailed {
		t.Fatalf("expected failed, got %s", got.InitialStatus)
	}
	if got.InitialError == nil || strings.Contains(*got.InitialError, "code 400") {
		t.Fatalf("error not humanized: %v", got.InitialError)
	}
	if len(f.adapter.exts) != 0 {
		t.Fatalf("failure must not advance scenes")
	}
	if len(f.ledger.charges) != 0 {
		t.Fatalf("failed generation must not be charged")
	}
}

func TestCancelledStopsAdvancement(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 3)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	f.store.mu.Lock()
	f.store.gens[gen.ID].Cancelled = true
	f.store.mu.Unlock()

	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, result("t1", "https://v.example.com/1.mp4")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if len(got.VideoSegments) != 1 {
		t.Fatalf("in-flight segment should still be recorded")
	}
	if len(f.adapter.exts) != 0 {
		t.Fatalf("cancelled generation advanced to next scene")
	}
}

func TestStitchFailureMarksFinalFailed(t *testing.T) {
	f := newSagaFixture()
	f.stitcher.err = fmt.Errorf("cloudinary: upstream timeout")
	gen := f.seedGeneration(t, 2)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, result("t1", "https://v.example.com/a.mp4")); err != nil {
		t.Fatalf("scene 1: %v", err)
	}
	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	_ = f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, result(*cur.ExtendedTaskID, "https://v.example.com/b.mp4"))

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusFailed {
		t.Fatalf("expected final failed, got %s", got.FinalStatus)
	}
	if len(f.ledger.charges) != 0 {
		t.Fatalf("failed stitch must not charge")
	}

	// Operator retry re-runs the stitch from the persisted segments.
	f.stitcher.err = nil
	if err := f.saga.Retry(context.Background(), gen.ID, models.PhaseFinal); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusCompleted {
		t.Fatalf("retry did not complete final: %s", got.FinalStatus)
	}
	if len(f.ledger.charges) != 1 {
		t.Fatalf("expected one charge after retried stitch, got %d", len(f.ledger.charges))
	}
}

func TestRetryRejectsNonFailedPhase(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	if err := f.saga.Retry(context.Background(), gen.ID, models.PhaseInitial); err == nil {
		t.Fatal("retry of a generating phase must be rejected")
	}
}

func TestRetryRedispatchesFailedScene(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 2)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	if _, err := f.store.FailPhase(context.Background(), gen.ID, models.PhaseInitial, "provider error"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if err := f.saga.Retry(context.Background(), gen.ID, models.PhaseInitial); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.InitialStatus != models.PhaseStatusGenerating {
		t.Fatalf("retry did not re-dispatch: %s", got.InitialStatus)
	}
	if len(f.adapter.gens) != 1 {
		t.Fatalf("expected one generate call, got %d", len(f.adapter.gens))
	}
}

func TestRetryRedispatchesFailedExtendedScene(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 2)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")

	// Scene 1 completes and scene 2 is dispatched.
	cur, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseInitial, result("t1", "https://v.example.com/a.mp4")); err != nil {
		t.Fatalf("scene 1: %v", err)
	}

	// Scene 2 fails at the provider.
	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	fail := &providers.TaskResult{TaskID: *cur.ExtendedTaskID, Done: true, Success: false, Error: "internal server error"}
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, fail); err != nil {
		t.Fatalf("scene 2 failure: %v", err)
	}

	if err := f.saga.Retry(context.Background(), gen.ID, models.PhaseExtended); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.ExtendedStatus != models.PhaseStatusGenerating || got.ExtendedTaskID == nil {
		t.Fatalf("retry did not re-dispatch scene 2: status=%s", got.ExtendedStatus)
	}
	if len(f.adapter.exts) != 2 {
		t.Fatalf("expected 2 extend dispatches, got %d", len(f.adapter.exts))
	}
	redo := f.adapter.exts[1]
	if redo.Scene != 2 || redo.PreviousVideoURL != "https://v.example.com/a.mp4" {
		t.Fatalf("wrong scene re-dispatched: %+v", redo)
	}

	// Completing the retried task finishes the generation normally.
	cur, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if err := f.saga.HandleTaskResult(context.Background(), cur, models.PhaseExtended, result(*cur.ExtendedTaskID, "https://v.example.com/b.mp4")); err != nil {
		t.Fatalf("retried scene completion: %v", err)
	}
	got, _ = f.store.GetGeneration(context.Background(), gen.ID)
	if got.FinalStatus != models.PhaseStatusCompleted {
		t.Fatalf("generation not finished after retried scene: %s", got.FinalStatus)
	}
}

func TestPollerAppliesQueryResult(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	f.adapter.queryRes = &providers.TaskResult{Done: true, Success: true, VideoURL: "https://v.example.com/p.mp4", Duration: 8}

	poller := NewPoller(f.store, f.registry, f.saga, f.queue, 4, time.Minute, 5*time.Minute)
	if err := poller.PollGeneration(context.Background(), gen.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}

	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.InitialStatus != models.PhaseStatusCompleted {
		t.Fatalf("poll result not applied: %s", got.InitialStatus)
	}
}

func TestPollerRequeuesRunningTask(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	f.adapter.queryRes = &providers.TaskResult{Done: false}

	poller := NewPoller(f.store, f.registry, f.saga, f.queue, 4, time.Minute, 5*time.Minute)
	if err := poller.PollGeneration(context.Background(), gen.ID); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(f.queue.enqueued) == 0 {
		t.Fatal("running task should be requeued")
	}
}

func TestSweepPollsStuckGenerations(t *testing.T) {
	f := newSagaFixture()
	gen := f.seedGeneration(t, 1)
	f.startScene(t, gen.ID, models.PhaseInitial, "t1")
	f.adapter.queryRes = &providers.TaskResult{Done: true, Success: true, VideoURL: "https://v.example.com/s.mp4"}

	poller := NewPoller(f.store, f.registry, f.saga, f.queue, 4, time.Minute, 5*time.Minute)
	n, err := poller.Sweep(context.Background(), 50)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept generation, got %d", n)
	}
	got, _ := f.store.GetGeneration(context.Background(), gen.ID)
	if got.InitialStatus != models.PhaseStatusCompleted {
		t.Fatalf("sweep did not apply result: %s", got.InitialStatus)
	}
}
