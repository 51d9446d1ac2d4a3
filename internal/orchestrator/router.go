package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/db"
	"github.com/hammerpath/avatarcast/internal/errclass"
	"github.com/hammerpath/avatarcast/internal/models"
	"github.com/hammerpath/avatarcast/internal/providers"
)

const (
	DefaultMaxRetries = 2
	maxRetriesCap     = 3
	defaultAspect     = "16:9"
)

// Router is the single entry point for starting a generation. It resolves
// the requested model to an adapter and, when the model cannot serve the
// request or fails in a recoverable way, substitutes the statically
// configured fallback model — bounded by max retries, never for
// account-level failures.
type Router struct {
	store           Store
	ledger          Ledger
	registry        *Registry
	queue           PollQueue
	classify        errclass.Classifier
	callbackBaseURL string
	creditsPerScene int
	pollAfter       time.Duration
}

func NewRouter(store Store, ledger Ledger, registry *Registry, queue PollQueue, callbackBaseURL string, creditsPerScene int, pollAfter time.Duration) *Router {
	return &Router{
		store:           store,
		ledger:          ledger,
		registry:        registry,
		queue:           queue,
		classify:        errclass.Classify,
		callbackBaseURL: callbackBaseURL,
		creditsPerScene: creditsPerScene,
		pollAfter:       pollAfter,
	}
}

// Attempt records one tried model for the aggregate failure report.
type Attempt struct {
	Model  string           `json:"model"`
	Error  string           `json:"error"`
	Reason string           `json:"reason"` // "unsupported_gen_type" or the error class
	Class  models.ErrorType `json:"class"`
}

// StartError is a failed Start with its taxonomy class and every attempted
// model, so no fallback is ever silent.
type StartError struct {
	Message  string
	Class    models.ErrorType
	Attempts []Attempt
}

func (e *StartError) Error() string { return e.Message }

func (e *StartError) UserAction() string { return errclass.UserAction(e.Class) }

// Start validates the request, reserves credits, creates (or reloads) the
// generation record, and dispatches scene 1 — falling back per the static map
// on recoverable failures. The HTTP response returns as soon as a provider
// accepts the job; video generation itself completes via webhook.
func (r *Router) Start(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResponse, error) {
	if req.Model == "" {
		return nil, &StartError{Message: "model is required", Class: models.ErrorInvalidParams}
	}
	if len(req.ScenePrompts) == 0 {
		return nil, &StartError{Message: "scene_prompts must not be empty", Class: models.ErrorInvalidParams}
	}

	scenes := len(req.ScenePrompts)
	if req.NumberOfScenes != nil && *req.NumberOfScenes > 0 && *req.NumberOfScenes < scenes {
		scenes = *req.NumberOfScenes
	}

	aspect := defaultAspect
	if req.AspectRatio != nil && *req.AspectRatio != "" {
		aspect = *req.AspectRatio
	}

	enableFallback := true
	if req.EnableFallback != nil {
		enableFallback = *req.EnableFallback
	}

	maxRetries := DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > maxRetriesCap {
		maxRetries = maxRetriesCap
	}

	gen, err := r.loadOrCreate(ctx, req, scenes, aspect)
	if err != nil {
		return nil, err
	}

	// Reserve credits before any provider is contacted; nothing is ever
	// silently charged. The record's scene count is authoritative, so a
	// re-submission cannot change what was priced at creation.
	amount := gen.NumberOfScenes * r.creditsPerScene
	if err := r.ledger.ReserveCredits(ctx, gen.ID, gen.UserID, amount); err != nil {
		if errors.Is(err, db.ErrInsufficientCredits) {
			return nil, &StartError{
				Message: fmt.Sprintf("insufficient credits: %d required", amount),
				Class:   models.ErrorCreditExhausted,
			}
		}
		return nil, &StartError{Message: fmt.Sprintf("credit reservation failed: %v", err), Class: models.ErrorAPI}
	}

	hasImage := gen.ReferenceImageURL != nil && *gen.ReferenceImageURL != ""
	first := gen.ScenePrompts[0]

	var attempts []Attempt
	maxAttempts := 1 + maxRetries
	model := req.Model
	fallbackReason := ""

	for len(attempts) < maxAttempts {
		attempt, taskID := r.tryModel(ctx, gen, model, hasImage, first, aspect)
		if taskID != "" {
			if err := r.store.SetPhaseTask(ctx, gen.ID, models.PhaseInitial, taskID, model); err != nil {
				return nil, &StartError{Message: fmt.Sprintf("failed to record task: %v", err), Class: models.ErrorAPI}
			}
			r.schedulePoll(ctx, gen.ID)

			resp := &models.GenerateResponse{
				Success:      true,
				GenerationID: gen.ID,
				TaskID:       taskID,
				ModelUsed:    model,
			}
			if model != req.Model {
				resp.FallbackUsed = true
				resp.FallbackReason = fallbackReason
				log.Printf("[Router] Generation %s fell back %s → %s (%s)", gen.ID, req.Model, model, fallbackReason)
			}
			return resp, nil
		}

		attempts = append(attempts, attempt)

		// Account-level failures surface immediately; no model can fix them.
		if !errclass.Fallbackable(attempt.Class) {
			if _, err := r.store.FailPhase(ctx, gen.ID, models.PhaseInitial, attempt.Error); err != nil {
				log.Printf("[Router] Failed to record phase failure for %s: %v", gen.ID, err)
			}
			return nil, &StartError{Message: attempt.Error, Class: attempt.Class, Attempts: attempts}
		}

		fb, ok := r.registry.Fallback(model)
		if !enableFallback || !ok {
			break
		}
		if fallbackReason == "" {
			fallbackReason = attempt.Reason
		}
		model = fb
	}

	tried := make([]string, len(attempts))
	for i, a := range attempts {
		tried[i] = fmt.Sprintf("%s (%s)", a.Model, a.Error)
	}
	msg := fmt.Sprintf("all models failed after %d attempt(s): %s", len(attempts), strings.Join(tried, "; "))

	if _, err := r.store.FailPhase(ctx, gen.ID, models.PhaseInitial, msg); err != nil {
		log.Printf("[Router] Failed to record phase failure for %s: %v", gen.ID, err)
	}

	class := models.ErrorAPI
	if len(attempts) > 0 {
		class = attempts[len(attempts)-1].Class
	}
	return nil, &StartError{Message: msg, Class: class, Attempts: attempts}
}

// tryModel attempts one model. On success it returns the provider task id;
// on failure it returns the attempt record and an empty id.
func (r *Router) tryModel(ctx context.Context, gen *models.Generation, model string, hasImage bool, first models.ScenePrompt, aspect string) (Attempt, string) {
	adapter, err := r.registry.Resolve(model)
	if err != nil {
		return Attempt{Model: model, Error: err.Error(), Reason: "unknown_model", Class: models.ErrorInvalidParams}, ""
	}

	caps := adapter.Capabilities()
	if !hasImage && !caps.TextOnly {
		msg := fmt.Sprintf("model %s does not support text-only generation", model)
		return Attempt{Model: model, Error: msg, Reason: "unsupported_gen_type", Class: models.ErrorInvalidParams}, ""
	}
	if hasImage && !caps.Image {
		msg := fmt.Sprintf("model %s does not accept a reference image", model)
		return Attempt{Model: model, Error: msg, Reason: "unsupported_gen_type", Class: models.ErrorInvalidParams}, ""
	}

	imageURL := ""
	if gen.ReferenceImageURL != nil {
		imageURL = *gen.ReferenceImageURL
	}

	taskID, err := adapter.Generate(ctx, providers.GenerateInput{
		GenerationID: gen.ID,
		Prompt:       first.Prompt,
		Script:       first.Script,
		ImageURL:     imageURL,
		AspectRatio:  aspect,
		CallbackURL:  r.callbackURL(model),
	})
	if err != nil {
		class := r.classify(err.Error())
		return Attempt{Model: model, Error: err.Error(), Reason: string(class), Class: class}, ""
	}
	return Attempt{Model: model}, taskID
}

func (r *Router) loadOrCreate(ctx context.Context, req *models.GenerateRequest, scenes int, aspect string) (*models.Generation, error) {
	if req.GenerationID != nil {
		gen, err := r.store.GetGeneration(ctx, *req.GenerationID)
		if err != nil {
			return nil, &StartError{Message: fmt.Sprintf("generation %s not found", *req.GenerationID), Class: models.ErrorInvalidParams}
		}
		if gen.InitialStatus == models.PhaseStatusCompleted || gen.InitialStatus == models.PhaseStatusGenerating {
			return nil, &StartError{
				Message: fmt.Sprintf("generation %s already %s", gen.ID, gen.InitialStatus),
				Class:   models.ErrorInvalidParams,
			}
		}
		return gen, nil
	}

	gen := &models.Generation{
		ID:                uuid.New(),
		UserID:            req.UserID,
		ReferenceImageURL: req.ImageURL,
		Model:             req.Model,
		RequestedModel:    req.Model,
		AspectRatio:       aspect,
		NumberOfScenes:    scenes,
		ScenePrompts:      models.ScenePromptList(req.ScenePrompts[:scenes]),
		CurrentScene:      1,
		IsMultiScene:      scenes > 1,
		VideoSegments:     models.SegmentList{},
		InitialStatus:     models.PhaseStatusPending,
		ExtendedStatus:    models.PhaseStatusPending,
		FinalStatus:       models.PhaseStatusPending,
	}

	if err := r.store.CreateGeneration(ctx, gen); err != nil {
		return nil, &StartError{Message: fmt.Sprintf("failed to create generation: %v", err), Class: models.ErrorAPI}
	}
	return gen, nil
}

func (r *Router) callbackURL(model string) string {
	return fmt.Sprintf("%s/v1/webhooks/%s", r.callbackBaseURL, r.registry.Slug(model))
}

func (r *Router) schedulePoll(ctx context.Context, id uuid.UUID) {
	if r.queue == nil {
		return
	}
	if err := r.queue.EnqueuePoll(ctx, id, time.Now().Add(r.pollAfter)); err != nil {
		// The poll is a webhook safety net; failing to schedule it is not
		// fatal to the generation.
		log.Printf("[Router] Failed to schedule poll for %s: %v", id, err)
	}
}
