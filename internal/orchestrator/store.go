package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/models"
)

// Store is the slice of the generation record store the orchestrator needs.
// *db.DB satisfies it; tests use fakes.
type Store interface {
	CreateGeneration(ctx context.Context, g *models.Generation) error
	GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	GetGenerationByTaskID(ctx context.Context, taskID string) (*models.Generation, models.Phase, error)
	SetPhaseTask(ctx context.Context, id uuid.UUID, phase models.Phase, taskID, model string) error
	FailPhase(ctx context.Context, id uuid.UUID, phase models.Phase, message string) (bool, error)
	CompletePhase(ctx context.Context, id uuid.UUID, phase models.Phase, taskID string, segment models.VideoSegment) (bool, error)
	AdvanceScene(ctx context.Context, id uuid.UUID, nextScene int) (bool, error)
	MarkFinalStitching(ctx context.Context, id uuid.UUID) (bool, error)
	CompleteFinal(ctx context.Context, id uuid.UUID, url string) error
	ResetPhase(ctx context.Context, id uuid.UUID, phase models.Phase) (bool, error)
	ListStuckGenerations(ctx context.Context, olderThan time.Duration, limit int) ([]models.Generation, error)
}

// Ledger is the credit operations the orchestrator performs: a reservation at
// submission, an at-most-once charge at completion.
type Ledger interface {
	ReserveCredits(ctx context.Context, generationID, userID uuid.UUID, amount int) error
	ChargeReservation(ctx context.Context, generationID uuid.UUID) error
}

// Stitcher concatenates segment URLs into one final video. Synchronous,
// unlike the generation providers.
type Stitcher interface {
	Concatenate(ctx context.Context, urls []string) (string, error)
}

// PollQueue schedules a status poll for a generation at a future time, as a
// safety net for lost webhooks.
type PollQueue interface {
	EnqueuePoll(ctx context.Context, generationID uuid.UUID, runAt time.Time) error
}
