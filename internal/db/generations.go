package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hammerpath/avatarcast/internal/models"
)

const generationColumns = `
	id, user_id, reference_image_url, model, requested_model, aspect_ratio,
	number_of_scenes, scene_prompts, current_scene, is_multi_scene, video_segments,
	initial_status, initial_task_id, initial_error, initial_video_url,
	extended_status, extended_task_id, extended_error, extended_video_url,
	final_status, final_error, final_video_url,
	is_final, cancelled, created_at, updated_at
`

func scanGeneration(row interface{ Scan(...interface{}) error }) (*models.Generation, error) {
	g := &models.Generation{}
	err := row.Scan(
		&g.ID, &g.UserID, &g.ReferenceImageURL, &g.Model, &g.RequestedModel, &g.AspectRatio,
		&g.NumberOfScenes, &g.ScenePrompts, &g.CurrentScene, &g.IsMultiScene, &g.VideoSegments,
		&g.InitialStatus, &g.InitialTaskID, &g.InitialError, &g.InitialVideoURL,
		&g.ExtendedStatus, &g.ExtendedTaskID, &g.ExtendedError, &g.ExtendedVideoURL,
		&g.FinalStatus, &g.FinalError, &g.FinalVideoURL,
		&g.IsFinal, &g.Cancelled, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// phasePrefix maps a phase to its column prefix. Phases are a closed enum, so
// interpolating the prefix into SQL is safe.
func phasePrefix(phase models.Phase) (string, error) {
	switch phase {
	case models.PhaseInitial:
		return "initial", nil
	case models.PhaseExtended:
		return "extended", nil
	case models.PhaseFinal:
		return "final", nil
	default:
		return "", fmt.Errorf("unknown phase %q", phase)
	}
}

func (db *DB) CreateGeneration(ctx context.Context, g *models.Generation) error {
	query := `
		INSERT INTO generations (
			id, user_id, reference_image_url, model, requested_model, aspect_ratio,
			number_of_scenes, scene_prompts, current_scene, is_multi_scene, video_segments,
			initial_status, extended_status, final_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		g.ID, g.UserID, g.ReferenceImageURL, g.Model, g.RequestedModel, g.AspectRatio,
		g.NumberOfScenes, g.ScenePrompts, g.CurrentScene, g.IsMultiScene, g.VideoSegments,
		g.InitialStatus, g.ExtendedStatus, g.FinalStatus,
	).Scan(&g.CreatedAt, &g.UpdatedAt)
}

func (db *DB) GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations WHERE id = $1`

	g, err := scanGeneration(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return g, nil
}

// GetGenerationByTaskID locates the record owning a provider task id by
// matching either phase's task id column. This is how webhook payloads are
// correlated back to their saga.
func (db *DB) GetGenerationByTaskID(ctx context.Context, taskID string) (*models.Generation, models.Phase, error) {
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE initial_task_id = $1 OR extended_task_id = $1`

	g, err := scanGeneration(db.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("no generation found for task %s", taskID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up task %s: %w", taskID, err)
	}

	phase := models.PhaseInitial
	if g.ExtendedTaskID != nil && *g.ExtendedTaskID == taskID {
		phase = models.PhaseExtended
	}
	return g, phase, nil
}

// SetPhaseTask records the provider task handle for a dispatched phase and
// moves it to generating. The model column is updated too, since a fallback
// may have substituted a different model than requested.
func (db *DB) SetPhaseTask(ctx context.Context, id uuid.UUID, phase models.Phase, taskID, model string) error {
	prefix, err := phasePrefix(phase)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE generations
		SET %[1]s_status = 'generating', %[1]s_task_id = $2, %[1]s_error = NULL,
			model = $3, updated_at = NOW()
		WHERE id = $1 AND %[1]s_status <> 'completed'
	`, prefix)

	res, err := db.ExecContext(ctx, query, id, taskID, model)
	if err != nil {
		return fmt.Errorf("failed to set %s task: %w", phase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s phase already completed for generation %s", phase, id)
	}
	return nil
}

// FailPhase marks a non-terminal phase failed. Returns false when the phase is
// already terminal — a late failure report for a completed phase is a no-op.
func (db *DB) FailPhase(ctx context.Context, id uuid.UUID, phase models.Phase, message string) (bool, error) {
	prefix, err := phasePrefix(phase)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE generations
		SET %[1]s_status = 'failed', %[1]s_error = $2, updated_at = NOW()
		WHERE id = $1 AND %[1]s_status IN ('pending', 'generating')
	`, prefix)

	res, err := db.ExecContext(ctx, query, id, message)
	if err != nil {
		return false, fmt.Errorf("failed to fail %s phase: %w", phase, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompletePhase is the idempotency-critical write: it completes a phase and
// appends its segment in one statement, guarded on the phase still being
// `generating` for the given task id. A duplicate webhook, or a poller racing
// a late callback, finds the guard false and changes nothing.
func (db *DB) CompletePhase(ctx context.Context, id uuid.UUID, phase models.Phase, taskID string, segment models.VideoSegment) (bool, error) {
	prefix, err := phasePrefix(phase)
	if err != nil {
		return false, err
	}
	if phase == models.PhaseFinal {
		return false, fmt.Errorf("final phase is completed via CompleteFinal")
	}

	segJSON, err := json.Marshal(segment)
	if err != nil {
		return false, fmt.Errorf("failed to marshal segment: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE generations
		SET %[1]s_status = 'completed', %[1]s_error = NULL, %[1]s_video_url = $3,
			video_segments = video_segments || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND %[1]s_task_id = $2 AND %[1]s_status = 'generating'
			AND jsonb_array_length(video_segments) < number_of_scenes
	`, prefix)

	res, err := db.ExecContext(ctx, query, id, taskID, segment.URL, segJSON)
	if err != nil {
		return false, fmt.Errorf("failed to complete %s phase: %w", phase, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AdvanceScene moves the record to the next scene and resets the extended
// phase fields for it. Guarded so current_scene never moves backward and a
// cancelled record never advances.
func (db *DB) AdvanceScene(ctx context.Context, id uuid.UUID, nextScene int) (bool, error) {
	query := `
		UPDATE generations
		SET current_scene = $2, extended_status = 'pending',
			extended_task_id = NULL, extended_error = NULL, updated_at = NOW()
		WHERE id = $1 AND current_scene < $2 AND cancelled = FALSE
	`

	res, err := db.ExecContext(ctx, query, id, nextScene)
	if err != nil {
		return false, fmt.Errorf("failed to advance scene: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFinalStitching claims the stitch step. The pending→generating guard
// makes the stitcher fire exactly once per record even if two callbacks
// observe the full segment set concurrently.
func (db *DB) MarkFinalStitching(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE generations
		SET final_status = 'generating', updated_at = NOW()
		WHERE id = $1 AND final_status = 'pending'
			AND jsonb_array_length(video_segments) = number_of_scenes
	`

	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark stitching: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CompleteFinal records the stitched artifact and marks the saga done.
func (db *DB) CompleteFinal(ctx context.Context, id uuid.UUID, url string) error {
	query := `
		UPDATE generations
		SET final_status = 'completed', final_error = NULL, final_video_url = $2,
			is_final = TRUE, updated_at = NOW()
		WHERE id = $1 AND final_status IN ('pending', 'generating')
	`

	_, err := db.ExecContext(ctx, query, id, url)
	if err != nil {
		return fmt.Errorf("failed to complete final phase: %w", err)
	}
	return nil
}

// ResetPhase is the operator-triggered retry: a failed phase goes back to
// pending with its task id, error, and URL cleared. The only backward status
// edge in the system.
func (db *DB) ResetPhase(ctx context.Context, id uuid.UUID, phase models.Phase) (bool, error) {
	prefix, err := phasePrefix(phase)
	if err != nil {
		return false, err
	}

	var query string
	if phase == models.PhaseFinal {
		query = `
			UPDATE generations
			SET final_status = 'pending', final_error = NULL, final_video_url = NULL,
				is_final = FALSE, updated_at = NOW()
			WHERE id = $1 AND final_status = 'failed'
		`
	} else {
		query = fmt.Sprintf(`
			UPDATE generations
			SET %[1]s_status = 'pending', %[1]s_task_id = NULL, %[1]s_error = NULL,
				%[1]s_video_url = NULL, updated_at = NOW()
			WHERE id = $1 AND %[1]s_status = 'failed'
		`, prefix)
	}

	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to reset %s phase: %w", phase, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetCancelled stops further scene advancement for a record. In-flight
// provider jobs are not recalled; their callbacks still land but the saga
// will not dispatch new scenes.
func (db *DB) SetCancelled(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE generations SET cancelled = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := db.ExecContext(ctx, query, id)
	return err
}

// ListGenerations returns a user's generations, newest first.
func (db *DB) ListGenerations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func (db *DB) CountGenerations(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM generations WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// ListStuckGenerations returns records with a phase sitting in `generating`
// with a task id and no update for at least olderThan — the poller's input.
func (db *DB) ListStuckGenerations(ctx context.Context, olderThan time.Duration, limit int) ([]models.Generation, error) {
	query := `SELECT ` + generationColumns + ` FROM generations
		WHERE updated_at < NOW() - $1::interval
			AND (
				(initial_status = 'generating' AND initial_task_id IS NOT NULL)
				OR (extended_status = 'generating' AND extended_task_id IS NOT NULL)
			)
		ORDER BY updated_at
		LIMIT $2`

	interval := fmt.Sprintf("%d seconds", int(olderThan.Seconds()))
	rows, err := db.QueryContext(ctx, query, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck generations: %w", err)
	}
	defer rows.Close()

	var out []models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}
