// Package worker drains the delayed poll queue and runs the periodic sweep
// for generations whose webhooks never arrived. It runs inside the API
// process when WORKER_ENABLED=true; the handlers it calls are the same ones
// webhooks use, so double processing is harmless.
package worker

import (
	"context"
	"log"
	"time"

	"github.com/hammerpath/avatarcast/internal/orchestrator"
	"github.com/hammerpath/avatarcast/internal/queue"
)

const (
	drainInterval = 15 * time.Second
	sweepInterval = 2 * time.Minute
	drainBatch    = 50
	sweepBatch    = 50
)

type Worker struct {
	queue  *queue.Queue
	poller *orchestrator.Poller
}

func New(q *queue.Queue, poller *orchestrator.Poller) *Worker {
	return &Worker{queue: q, poller: poller}
}

// Start runs the drain and sweep loops until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("Worker started (drain every %v, sweep every %v)", drainInterval, sweepInterval)

	go w.drainLoop(ctx)
	go w.sweepLoop(ctx)

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	ids, err := w.queue.DuePolls(ctx, drainBatch)
	if err != nil {
		log.Printf("[Worker] Failed to read due polls: %v", err)
		return
	}

	for _, id := range ids {
		if err := w.poller.PollGeneration(ctx, id); err != nil {
			log.Printf("[Worker] Poll for %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[Worker] Drained %d due poll(s)", len(ids))
	}
}

// sweepLoop catches generations the poll queue lost track of, for example
// after a Redis flush or a crash between dispatch and enqueue.
func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.poller.Sweep(ctx, sweepBatch); err != nil {
				log.Printf("[Worker] Sweep failed: %v", err)
			}
		}
	}
}
