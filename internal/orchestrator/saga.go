package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/errclass"
	"github.com/hammerpath/avatarcast/internal/models"
	"github.com/hammerpath/avatarcast/internal/providers"
)

// Saga applies provider task results to the generation record and triggers
// whatever comes next: the next scene, the stitch, or nothing. All coordination
// state lives in the database row; Saga itself is stateless and safe to call
// from any number of concurrent webhook handlers and pollers. Duplicate
// results collapse into no-ops through the store's conditional writes.
type Saga struct {
	store           Store
	ledger          Ledger
	registry        *Registry
	stitcher        Stitcher
	queue           PollQueue
	callbackBaseURL string
	pollAfter       time.Duration
}

func NewSaga(store Store, ledger Ledger, registry *Registry, stitcher Stitcher, queue PollQueue, callbackBaseURL string, pollAfter time.Duration) *Saga {
	return &Saga{
		store:           store,
		ledger:          ledger,
		registry:        registry,
		stitcher:        stitcher,
		queue:           queue,
		callbackBaseURL: callbackBaseURL,
		pollAfter:       pollAfter,
	}
}

// HandleTaskResult is the single entry point for task outcomes, from webhooks
// and polls alike. It is idempotent: replays and duplicate deliveries are
// absorbed by the conditional completion write.
func (s *Saga) HandleTaskResult(ctx context.Context, gen *models.Generation, phase models.Phase, res *providers.TaskResult) error {
	if !res.Done {
		return nil
	}

	if !res.Success {
		msg := errclass.Humanize(res.Error)
		applied, err := s.store.FailPhase(ctx, gen.ID, phase, msg)
		if err != nil {
			return fmt.Errorf("failed to record %s failure: %w", phase, err)
		}
		if !applied {
			log.Printf("[Saga] Ignoring failure for %s %s: phase already terminal", gen.ID, phase)
			return nil
		}
		log.Printf("[Saga] Generation %s %s failed: %s", gen.ID, phase, msg)
		return nil
	}

	segment := models.VideoSegment{
		URL:         res.VideoURL,
		Scene:       gen.CurrentScene,
		Type:        segmentTypeFor(phase),
		Duration:    res.Duration,
		CompletedAt: time.Now().UTC(),
	}

	applied, err := s.store.CompletePhase(ctx, gen.ID, phase, res.TaskID, segment)
	if err != nil {
		return fmt.Errorf("failed to record %s completion: %w", phase, err)
	}
	if !applied {
		// Duplicate webhook, stale task id, or a phase already moved on.
		log.Printf("[Saga] Ignoring completion for %s %s (task %s): no state change", gen.ID, phase, res.TaskID)
		return nil
	}

	log.Printf("[Saga] Generation %s scene %d completed (%s)", gen.ID, segment.Scene, phase)

	// Reload for the post-append segment count; the trigger decision reads
	// committed state, never the in-memory copy.
	gen, err = s.store.GetGeneration(ctx, gen.ID)
	if err != nil {
		return fmt.Errorf("failed to reload generation: %w", err)
	}

	if gen.Cancelled {
		log.Printf("[Saga] Generation %s is cancelled; segment kept, no further scenes", gen.ID)
		return nil
	}

	done := len(gen.VideoSegments)
	if done >= gen.NumberOfScenes {
		return s.finish(ctx, gen)
	}

	// Downstream trigger failures are recorded in the row; the completed
	// segment above is never unwound.
	if err := s.advance(ctx, gen, done+1); err != nil {
		log.Printf("[Saga] Failed to advance %s to scene %d: %v", gen.ID, done+1, err)
		if _, ferr := s.store.FailPhase(ctx, gen.ID, models.PhaseExtended, err.Error()); ferr != nil {
			log.Printf("[Saga] Failed to record advance failure for %s: %v", gen.ID, ferr)
		}
	}
	return nil
}

// advance moves the scene counter forward and dispatches that scene. A
// counter that already moved (a concurrent trigger won) makes this a no-op.
func (s *Saga) advance(ctx context.Context, gen *models.Generation, nextScene int) error {
	applied, err := s.store.AdvanceScene(ctx, gen.ID, nextScene)
	if err != nil {
		return fmt.Errorf("failed to advance scene: %w", err)
	}
	if !applied {
		log.Printf("[Saga] Generation %s already at or past scene %d", gen.ID, nextScene)
		return nil
	}
	return s.dispatchScene(ctx, gen, nextScene)
}

// dispatchScene submits the extension for scene through the generation's
// current model. The record's scene counter must already sit on scene.
func (s *Saga) dispatchScene(ctx context.Context, gen *models.Generation, scene int) error {
	if scene > len(gen.ScenePrompts) {
		return fmt.Errorf("no prompt for scene %d (have %d)", scene, len(gen.ScenePrompts))
	}

	adapter, err := s.registry.Resolve(gen.Model)
	if err != nil {
		return err
	}

	prompt := gen.ScenePrompts[scene-1]
	imageURL := ""
	if gen.ReferenceImageURL != nil {
		imageURL = *gen.ReferenceImageURL
	}

	taskID, err := adapter.Extend(ctx, providers.ExtendInput{
		GenerationID:     gen.ID,
		Scene:            scene,
		Prompt:           prompt.Prompt,
		Script:           prompt.Script,
		ImageURL:         imageURL,
		AspectRatio:      gen.AspectRatio,
		CallbackURL:      fmt.Sprintf("%s/v1/webhooks/%s", s.callbackBaseURL, s.registry.Slug(gen.Model)),
		PreviousTaskID:   gen.LastTaskID(),
		PreviousVideoURL: lastSegmentURL(gen),
	})
	if err != nil {
		return fmt.Errorf("scene %d dispatch failed: %w", scene, err)
	}

	if err := s.store.SetPhaseTask(ctx, gen.ID, models.PhaseExtended, taskID, gen.Model); err != nil {
		return fmt.Errorf("failed to record scene %d task: %w", scene, err)
	}

	s.schedulePoll(ctx, gen.ID)
	log.Printf("[Saga] Generation %s scene %d dispatched (task %s)", gen.ID, scene, taskID)
	return nil
}

// finish closes out a generation whose every scene has a segment: single-scene
// generations promote the lone segment, multi-scene ones are stitched. The
// stitching claim guarantees at most one live stitch per generation.
func (s *Saga) finish(ctx context.Context, gen *models.Generation) error {
	if gen.NumberOfScenes < 2 {
		url := ""
		if len(gen.VideoSegments) > 0 {
			url = gen.VideoSegments[0].URL
		}
		if err := s.store.CompleteFinal(ctx, gen.ID, url); err != nil {
			return fmt.Errorf("failed to finalize: %w", err)
		}
		s.charge(ctx, gen.ID)
		log.Printf("[Saga] Generation %s complete (single scene)", gen.ID)
		return nil
	}

	claimed, err := s.store.MarkFinalStitching(ctx, gen.ID)
	if err != nil {
		return fmt.Errorf("failed to claim stitch: %w", err)
	}
	if !claimed {
		log.Printf("[Saga] Stitch for %s already claimed", gen.ID)
		return nil
	}

	segments := make([]models.VideoSegment, len(gen.VideoSegments))
	copy(segments, gen.VideoSegments)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Scene < segments[j].Scene })

	urls := make([]string, len(segments))
	for i, seg := range segments {
		urls[i] = seg.URL
	}

	finalURL, err := s.stitcher.Concatenate(ctx, urls)
	if err != nil {
		msg := fmt.Sprintf("stitching failed: %v", err)
		if _, ferr := s.store.FailPhase(ctx, gen.ID, models.PhaseFinal, msg); ferr != nil {
			log.Printf("[Saga] Failed to record stitch failure for %s: %v", gen.ID, ferr)
		}
		return fmt.Errorf("%s", msg)
	}

	if err := s.store.CompleteFinal(ctx, gen.ID, finalURL); err != nil {
		return fmt.Errorf("failed to finalize: %w", err)
	}
	s.charge(ctx, gen.ID)
	log.Printf("[Saga] Generation %s complete: %d scenes stitched", gen.ID, len(segments))
	return nil
}

// Retry resets a failed phase to pending and, for the final phase, re-runs the
// stitch directly. Retrying initial/extended re-dispatches the scene the
// failure interrupted. This is the only backward edge in the status machine.
func (s *Saga) Retry(ctx context.Context, id uuid.UUID, phase models.Phase) error {
	gen, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		return fmt.Errorf("generation not found: %w", err)
	}

	status, _, _ := gen.PhaseState(phase)
	if status != models.PhaseStatusFailed {
		return fmt.Errorf("phase %s is %s, only failed phases can be retried", phase, status)
	}

	applied, err := s.store.ResetPhase(ctx, id, phase)
	if err != nil {
		return fmt.Errorf("failed to reset phase: %w", err)
	}
	if !applied {
		return fmt.Errorf("phase %s no longer failed", phase)
	}

	gen, err = s.store.GetGeneration(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload generation: %w", err)
	}

	switch phase {
	case models.PhaseFinal:
		if len(gen.VideoSegments) >= gen.NumberOfScenes {
			return s.finish(ctx, gen)
		}
		return fmt.Errorf("cannot retry final: %d of %d segments present", len(gen.VideoSegments), gen.NumberOfScenes)
	case models.PhaseExtended:
		return s.redispatchScene(ctx, gen)
	default:
		return s.redispatchInitial(ctx, gen)
	}
}

// redispatchScene re-submits the scene an extended failure interrupted. The
// scene counter already sits on that scene, so going through advance would
// trip the monotonic guard and dispatch nothing.
func (s *Saga) redispatchScene(ctx context.Context, gen *models.Generation) error {
	scene := len(gen.VideoSegments) + 1

	var err error
	if gen.CurrentScene >= scene {
		err = s.dispatchScene(ctx, gen, scene)
	} else {
		err = s.advance(ctx, gen, scene)
	}
	if err != nil {
		if _, ferr := s.store.FailPhase(ctx, gen.ID, models.PhaseExtended, err.Error()); ferr != nil {
			log.Printf("[Saga] Failed to record retry failure for %s: %v", gen.ID, ferr)
		}
	}
	return err
}

func (s *Saga) redispatchInitial(ctx context.Context, gen *models.Generation) error {
	adapter, err := s.registry.Resolve(gen.Model)
	if err != nil {
		return err
	}

	prompt := gen.ScenePrompts[0]
	imageURL := ""
	if gen.ReferenceImageURL != nil {
		imageURL = *gen.ReferenceImageURL
	}

	taskID, err := adapter.Generate(ctx, providers.GenerateInput{
		GenerationID: gen.ID,
		Prompt:       prompt.Prompt,
		Script:       prompt.Script,
		ImageURL:     imageURL,
		AspectRatio:  gen.AspectRatio,
		CallbackURL:  fmt.Sprintf("%s/v1/webhooks/%s", s.callbackBaseURL, s.registry.Slug(gen.Model)),
	})
	if err != nil {
		if _, ferr := s.store.FailPhase(ctx, gen.ID, models.PhaseInitial, err.Error()); ferr != nil {
			log.Printf("[Saga] Failed to record retry failure for %s: %v", gen.ID, ferr)
		}
		return fmt.Errorf("retry dispatch failed: %w", err)
	}

	if err := s.store.SetPhaseTask(ctx, gen.ID, models.PhaseInitial, taskID, gen.Model); err != nil {
		return fmt.Errorf("failed to record retry task: %w", err)
	}
	s.schedulePoll(ctx, gen.ID)
	log.Printf("[Saga] Generation %s scene 1 re-dispatched (task %s)", gen.ID, taskID)
	return nil
}

// charge finalizes the credit reservation. Charging is deliberately decoupled
// from delivery: the video is already persisted, so a ledger error is logged
// and never unwinds the completion.
func (s *Saga) charge(ctx context.Context, id uuid.UUID) {
	if err := s.ledger.ChargeReservation(ctx, id); err != nil {
		log.Printf("[Saga] Failed to charge reservation for %s: %v", id, err)
	}
}

func (s *Saga) schedulePoll(ctx context.Context, id uuid.UUID) {
	if s.queue == nil {
		return
	}
	if err := s.queue.EnqueuePoll(ctx, id, time.Now().Add(s.pollAfter)); err != nil {
		log.Printf("[Saga] Failed to schedule poll for %s: %v", id, err)
	}
}

func segmentTypeFor(phase models.Phase) models.SegmentType {
	if phase == models.PhaseInitial {
		return models.SegmentTypeInitial
	}
	return models.SegmentTypeExtended
}

func lastSegmentURL(gen *models.Generation) string {
	if len(gen.VideoSegments) == 0 {
		return ""
	}
	last := gen.VideoSegments[0]
	for _, seg := range gen.VideoSegments[1:] {
		if seg.Scene > last.Scene {
			last = seg
		}
	}
	return last.URL
}
