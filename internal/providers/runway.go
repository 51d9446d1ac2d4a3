package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Runway Gen-4 generation and extension.
// Scene 1 is image-to-video; later scenes continue via video-to-video from
// the previous segment's URL, so chaining passes the prior video, not a task
// id. Task reports are flat: {"id":"...","status":"SUCCEEDED","output":[...]}.
// ---------------------------------------------------------------------------

const (
	runwayRequestTimeout = 30 * time.Second
	runwayAPIVersion     = "2024-11-06"
)

type RunwayAdapter struct {
	apiKey     string
	baseURL    string
	model      string // e.g. "gen4_turbo"
	httpClient *http.Client
}

func NewRunwayAdapter(apiKey, baseURL, model string) *RunwayAdapter {
	return &RunwayAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: runwayRequestTimeout,
		},
	}
}

func (a *RunwayAdapter) Name() string { return "runway-" + a.model }

func (a *RunwayAdapter) Capabilities() Capabilities {
	return Capabilities{Image: true, TextOnly: false, Chaining: true}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

type runwayImageToVideoRequest struct {
	PromptImage string `json:"promptImage"`
	PromptText  string `json:"promptText"`
	Model       string `json:"model"`
	Ratio       string `json:"ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type runwayVideoToVideoRequest struct {
	VideoURI    string `json:"videoUri"`
	PromptText  string `json:"promptText"`
	Model       string `json:"model"`
	Ratio       string `json:"ratio,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

type runwayCreateResponse struct {
	ID string `json:"id"`
}

// runwayTask is the flat task report, returned by GET /v1/tasks/{id} and
// delivered verbatim as the webhook body.
// status: PENDING | THROTTLED | RUNNING | SUCCEEDED | FAILED | CANCELLED.
type runwayTask struct {
	ID          string   `json:"id"`
	Status      string   `json:"status"`
	Output      []string `json:"output"`
	Failure     string   `json:"failure"`
	FailureCode string   `json:"failureCode"`
}

// ---------------------------------------------------------------------------

// runwayRatio maps the internal aspect ratio to Runway's pixel-pair format.
func runwayRatio(aspectRatio string) string {
	switch aspectRatio {
	case "9:16":
		return "720:1280"
	case "1:1":
		return "960:960"
	default:
		return "1280:720"
	}
}

func (a *RunwayAdapter) Generate(ctx context.Context, in GenerateInput) (string, error) {
	if in.ImageURL == "" {
		return "", fmt.Errorf("unsupported generation type: %s requires a reference image", a.Name())
	}

	req := runwayImageToVideoRequest{
		PromptImage: in.ImageURL,
		PromptText:  BuildScenePrompt(in.Prompt, in.Script, 1),
		Model:       a.model,
		Ratio:       runwayRatio(in.AspectRatio),
		Duration:    10,
		CallbackURL: in.CallbackURL,
	}

	log.Printf("[Runway] Submitting image_to_video (model=%s, ratio=%s)", a.model, req.Ratio)
	return a.submit(ctx, "/v1/image_to_video", req)
}

// Extend continues from the previous segment's video, keeping the presenter
// by construction on the provider side.
func (a *RunwayAdapter) Extend(ctx context.Context, in ExtendInput) (string, error) {
	if in.PreviousVideoURL == "" {
		return "", fmt.Errorf("runway extend requires the previous segment URL")
	}

	req := runwayVideoToVideoRequest{
		VideoURI:    in.PreviousVideoURL,
		PromptText:  BuildScenePrompt(in.Prompt, in.Script, in.Scene),
		Model:       a.model,
		Ratio:       runwayRatio(in.AspectRatio),
		CallbackURL: in.CallbackURL,
	}

	log.Printf("[Runway] Submitting video_to_video for scene %d (model=%s)", in.Scene, a.model)
	return a.submit(ctx, "/v1/video_to_video", req)
}

func (a *RunwayAdapter) submit(ctx context.Context, path string, body interface{}) (string, error) {
	respBody, err := a.do(ctx, "POST", path, body)
	if err != nil {
		return "", err
	}

	var created runwayCreateResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("failed to parse runway create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("no task id in runway response: %s", string(respBody))
	}
	return created.ID, nil
}

func (a *RunwayAdapter) QueryTask(ctx context.Context, taskID string) (*TaskResult, error) {
	respBody, err := a.do(ctx, "GET", "/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	var task runwayTask
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("failed to parse runway task: %w", err)
	}
	return normalizeRunwayTask(&task), nil
}

func (a *RunwayAdapter) ParseCallback(body []byte) (*TaskResult, error) {
	var task runwayTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("failed to parse runway callback: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("no task id in runway callback")
	}
	return normalizeRunwayTask(&task), nil
}

func normalizeRunwayTask(task *runwayTask) *TaskResult {
	result := &TaskResult{TaskID: task.ID}

	switch strings.ToUpper(task.Status) {
	case "SUCCEEDED":
		result.Done = true
		if len(task.Output) > 0 {
			result.VideoURL = task.Output[0]
		}
		if result.VideoURL == "" {
			result.Error = "runway reported success with no output"
			return result
		}
		result.Success = true
	case "FAILED", "CANCELLED":
		result.Done = true
		result.Error = task.Failure
		if result.Error == "" {
			result.Error = fmt.Sprintf("runway task %s (code=%s)", strings.ToLower(task.Status), task.FailureCode)
		}
	default:
		// PENDING / THROTTLED / RUNNING
	}
	return result
}

func (a *RunwayAdapter) do(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("X-Runway-Version", runwayAPIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runway request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read runway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("runway returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
