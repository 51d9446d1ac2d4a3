package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hammerpath/avatarcast/internal/models"
)

// Poller reconciles generations whose webhooks never arrived by querying the
// provider's status endpoint directly. Poll results flow through the same
// saga handler as webhooks; whichever lands first wins and the other is a
// no-op.
type Poller struct {
	store      Store
	registry   *Registry
	saga       *Saga
	queue      PollQueue
	maxInPoll  int
	pollAfter  time.Duration
	stuckAfter time.Duration
}

func NewPoller(store Store, registry *Registry, saga *Saga, queue PollQueue, maxInPoll int, pollAfter, stuckAfter time.Duration) *Poller {
	if maxInPoll < 1 {
		maxInPoll = 1
	}
	return &Poller{
		store:      store,
		registry:   registry,
		saga:       saga,
		queue:      queue,
		maxInPoll:  maxInPoll,
		pollAfter:  pollAfter,
		stuckAfter: stuckAfter,
	}
}

// PollGeneration queries the provider for the generation's in-flight phase
// and applies the result. Still-running tasks are re-queued for a later poll.
func (p *Poller) PollGeneration(ctx context.Context, id uuid.UUID) error {
	gen, err := p.store.GetGeneration(ctx, id)
	if err != nil {
		return fmt.Errorf("generation not found: %w", err)
	}

	phase, taskID, ok := activePhase(gen)
	if !ok {
		// Nothing in flight: the webhook already landed or the phase failed.
		return nil
	}

	adapter, err := p.registry.Resolve(gen.Model)
	if err != nil {
		return err
	}

	res, err := adapter.QueryTask(ctx, taskID)
	if err != nil {
		// Transient provider or network error: keep the task queued rather
		// than failing a generation that may still be running.
		log.Printf("[Poller] Query for %s (task %s) failed: %v", id, taskID, err)
		p.requeue(ctx, id)
		return nil
	}

	if !res.Done {
		p.requeue(ctx, id)
		return nil
	}

	return p.saga.HandleTaskResult(ctx, gen, phase, res)
}

// Sweep polls every generation stuck in a generating phase past the stuck
// threshold, bounded by maxInPoll concurrent provider queries.
func (p *Poller) Sweep(ctx context.Context, limit int) (int, error) {
	stuck, err := p.store.ListStuckGenerations(ctx, p.stuckAfter, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck generations: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	log.Printf("[Poller] Sweeping %d stuck generation(s)", len(stuck))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxInPoll)
	for _, gen := range stuck {
		id := gen.ID
		g.Go(func() error {
			if err := p.PollGeneration(ctx, id); err != nil {
				// One bad generation must not abort the sweep.
				log.Printf("[Poller] Poll for %s failed: %v", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(stuck), err
	}
	return len(stuck), nil
}

func (p *Poller) requeue(ctx context.Context, id uuid.UUID) {
	if p.queue == nil {
		return
	}
	if err := p.queue.EnqueuePoll(ctx, id, time.Now().Add(p.pollAfter)); err != nil {
		log.Printf("[Poller] Failed to requeue poll for %s: %v", id, err)
	}
}

// activePhase returns the generating phase and its task id, if any. Final has
// no provider task; its work is the synchronous stitch.
func activePhase(gen *models.Generation) (models.Phase, string, bool) {
	if gen.ExtendedStatus == models.PhaseStatusGenerating && gen.ExtendedTaskID != nil && *gen.ExtendedTaskID != "" {
		return models.PhaseExtended, *gen.ExtendedTaskID, true
	}
	if gen.InitialStatus == models.PhaseStatusGenerating && gen.InitialTaskID != nil && *gen.InitialTaskID != "" {
		return models.PhaseInitial, *gen.InitialTaskID, true
	}
	return "", "", false
}
