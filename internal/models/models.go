package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums

// PhaseStatus tracks one phase of a generation (initial, extended, final).
// Transitions only move forward: pending → generating → completed|failed.
// The single backward edge is an operator retry, which resets failed → pending.
type PhaseStatus string

const (
	PhaseStatusPending    PhaseStatus = "pending"
	PhaseStatusGenerating PhaseStatus = "generating"
	PhaseStatusCompleted  PhaseStatus = "completed"
	PhaseStatusFailed     PhaseStatus = "failed"
)

// Phase identifies which stage of the saga a task id or status field belongs to.
type Phase string

const (
	PhaseInitial  Phase = "initial"  // scene 1
	PhaseExtended Phase = "extended" // scenes 2..N
	PhaseFinal    Phase = "final"    // stitched output
)

type SegmentType string

const (
	SegmentTypeInitial  SegmentType = "initial"
	SegmentTypeExtended SegmentType = "extended"
)

// ErrorType is the error taxonomy surfaced to API callers.
type ErrorType string

const (
	ErrorCreditExhausted ErrorType = "CREDIT_EXHAUSTED"
	ErrorRateLimited     ErrorType = "RATE_LIMITED"
	ErrorAuth            ErrorType = "AUTH_ERROR"
	ErrorInvalidParams   ErrorType = "INVALID_PARAMS"
	ErrorAPI             ErrorType = "API_ERROR"
)

// VideoSegment is one completed scene's output. Segments are append-only and
// ordered by scene; they are never reordered or mutated once written.
type VideoSegment struct {
	URL         string      `json:"url"`
	Scene       int         `json:"scene"`
	Type        SegmentType `json:"type"`
	Duration    float64     `json:"duration,omitempty"`
	CompletedAt time.Time   `json:"completed_at"`
}

// SegmentList is stored as a JSONB column on the generations table.
type SegmentList []VideoSegment

func (s SegmentList) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]VideoSegment{})
	}
	return json.Marshal(s)
}

func (s *SegmentList) Scan(value interface{}) error {
	if value == nil {
		*s = SegmentList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for segment list", value)
	}
	if len(bytes) == 0 {
		*s = SegmentList{}
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// ScenePrompt is one scene's prompt/script pair. The list is ordered by scene;
// scene numbers are 1-indexed by convention, the list itself is 0-indexed.
type ScenePrompt struct {
	Prompt string `json:"prompt"`
	Script string `json:"script,omitempty"`
}

type ScenePromptList []ScenePrompt

func (s ScenePromptList) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]ScenePrompt{})
	}
	return json.Marshal(s)
}

func (s *ScenePromptList) Scan(value interface{}) error {
	if value == nil {
		*s = ScenePromptList{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected type %T for scene prompt list", value)
	}
	if len(bytes) == 0 {
		*s = ScenePromptList{}
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Generation is the saga's sole durable state: one row per video job.
// All orchestration components read and mutate this record; nothing about
// progress lives in memory between HTTP calls.
type Generation struct {
	ID     uuid.UUID `json:"id"`
	UserID uuid.UUID `json:"user_id"`

	// Request shape
	ReferenceImageURL *string         `json:"reference_image_url,omitempty"` // nil = text-only generation
	Model             string          `json:"model"`                         // model actually in use (updated on fallback)
	RequestedModel    string          `json:"requested_model"`
	AspectRatio       string          `json:"aspect_ratio"`
	NumberOfScenes    int             `json:"number_of_scenes"`
	ScenePrompts      ScenePromptList `json:"scene_prompts"`

	// Progress
	CurrentScene  int         `json:"current_scene"` // starts at 1, monotonically non-decreasing
	IsMultiScene  bool        `json:"is_multi_scene"`
	VideoSegments SegmentList `json:"video_segments"`

	// Per-phase state
	InitialStatus PhaseStatus `json:"initial_video_status"`
	InitialTaskID *string     `json:"initial_task_id,omitempty"`
	InitialError  *string     `json:"initial_video_error,omitempty"`

	ExtendedStatus PhaseStatus `json:"extended_video_status"`
	ExtendedTaskID *string     `json:"extended_task_id,omitempty"`
	ExtendedError  *string     `json:"extended_video_error,omitempty"`

	FinalStatus PhaseStatus `json:"final_video_status"`
	FinalError  *string     `json:"final_video_error,omitempty"`

	// Outputs
	InitialVideoURL  *string `json:"initial_video_url,omitempty"`
	ExtendedVideoURL *string `json:"extended_video_url,omitempty"`
	FinalVideoURL    *string `json:"final_video_url,omitempty"`
	IsFinal          bool    `json:"is_final"`

	// Admin cancel: stops further scene advancement, does not recall in-flight jobs.
	Cancelled bool `json:"cancelled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseState returns the status, task id, and error of the given phase.
func (g *Generation) PhaseState(phase Phase) (PhaseStatus, *string, *string) {
	switch phase {
	case PhaseInitial:
		return g.InitialStatus, g.InitialTaskID, g.InitialError
	case PhaseExtended:
		return g.ExtendedStatus, g.ExtendedTaskID, g.ExtendedError
	default:
		return g.FinalStatus, nil, g.FinalError
	}
}

// LastTaskID returns the provider task handle of the most recently dispatched
// scene — the chaining input for providers whose extend API continues from a
// previous task.
func (g *Generation) LastTaskID() string {
	if g.ExtendedTaskID != nil && *g.ExtendedTaskID != "" {
		return *g.ExtendedTaskID
	}
	if g.InitialTaskID != nil {
		return *g.InitialTaskID
	}
	return ""
}

// CreditReservation is a ledger row created at submission time and finalized
// (debited) once the generation completes. Keyed by generation id so a charge
// is applied at most once even under retries.
type CreditReservation struct {
	GenerationID uuid.UUID  `json:"generation_id"`
	UserID       uuid.UUID  `json:"user_id"`
	Amount       int        `json:"amount"`
	Status       string     `json:"status"` // "reserved" or "charged"
	CreatedAt    time.Time  `json:"created_at"`
	ChargedAt    *time.Time `json:"charged_at,omitempty"`
}

// DTOs

type GenerateRequest struct {
	UserID         uuid.UUID     `json:"user_id"`
	Model          string        `json:"model"`
	ImageURL       *string       `json:"image_url"` // null = text-only
	ScenePrompts   []ScenePrompt `json:"scene_prompts"`
	Script         *string       `json:"script,omitempty"` // used to synthesize scene prompts when none given
	AspectRatio    *string       `json:"aspect_ratio,omitempty"`
	GenerationID   *uuid.UUID    `json:"generation_id,omitempty"`
	NumberOfScenes *int          `json:"number_of_scenes,omitempty"`
	EnableFallback *bool         `json:"enable_fallback,omitempty"` // default true
	MaxRetries     *int          `json:"max_retries,omitempty"`     // capped at 3
}

type GenerateResponse struct {
	Success        bool      `json:"success"`
	GenerationID   uuid.UUID `json:"generation_id"`
	TaskID         string    `json:"task_id"`
	ModelUsed      string    `json:"model_used"`
	FallbackUsed   bool      `json:"fallback_used"`
	FallbackReason string    `json:"fallback_reason,omitempty"`
}

type ErrorResponse struct {
	Success    bool      `json:"success"`
	Error      string    `json:"error"`
	ErrorType  ErrorType `json:"error_type,omitempty"`
	UserAction string    `json:"user_action,omitempty"`
}

type ListGenerationsResponse struct {
	Generations []Generation `json:"generations"`
	Total       int          `json:"total"`
	Limit       int          `json:"limit"`
	Offset      int          `json:"offset"`
}

type RetryPhaseRequest struct {
	Phase Phase `json:"phase"`
}

type CreditBalanceResponse struct {
	UserID  uuid.UUID `json:"user_id"`
	Balance int       `json:"balance"`
}
