// Package providers contains one adapter per video generation provider.
// An adapter's job is strictly translation: internal scene data in, a
// provider task id out, and provider-specific response/webhook shapes
// normalized into TaskResult. All provider-specific parsing lives here and
// nowhere else.
package providers

import (
	"context"

	"github.com/google/uuid"
)

// TaskResult is the single normalized shape for a provider's report on a task,
// whether it arrived via webhook or via a status query.
type TaskResult struct {
	TaskID   string
	Done     bool // false = still generating
	Success  bool // meaningful only when Done
	VideoURL string
	Duration float64 // seconds, 0 when the provider doesn't report it
	Error    string
}

// Capabilities describes what a provider adapter can serve.
type Capabilities struct {
	Image    bool // accepts a reference image
	TextOnly bool // accepts text-only requests (no reference image)
	Chaining bool // extend continues from the previous task id (video-to-video);
	// false means per-scene calls are independent, keyed only by the shared reference image
}

// GenerateInput is the normalized request for scene 1.
type GenerateInput struct {
	GenerationID uuid.UUID
	Prompt       string
	Script       string
	ImageURL     string // empty = text-only
	AspectRatio  string
	CallbackURL  string
}

// ExtendInput is the normalized request for scenes 2..N.
type ExtendInput struct {
	GenerationID   uuid.UUID
	Scene          int
	Prompt         string
	Script         string
	ImageURL       string
	AspectRatio    string
	CallbackURL    string
	PreviousTaskID string // set for chaining providers only
	// PreviousVideoURL is the last completed segment's URL, for providers whose
	// continuation API takes a source video rather than a task id.
	PreviousVideoURL string
}

// Adapter is implemented once per provider. Generate and Extend return the
// provider's asynchronous task id; a synchronous (non-2xx) failure returns an
// error whose text feeds the classifier.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, in GenerateInput) (string, error)
	Extend(ctx context.Context, in ExtendInput) (string, error)
	QueryTask(ctx context.Context, taskID string) (*TaskResult, error)
	ParseCallback(body []byte) (*TaskResult, error)
}
