package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Kling image-to-video generation.
// Unlike the Kie-hosted providers, Kling's webhook body is flat — the task
// fields sit at the top level, not under a data envelope — and the video
// duration comes back as a string ("5.1").
// Scenes are independent image-to-video calls keyed by the reference image.
// ---------------------------------------------------------------------------

const klingRequestTimeout = 30 * time.Second

type KlingAdapter struct {
	apiKey     string
	baseURL    string
	model      string // e.g. "kling-v2-1"
	httpClient *http.Client
}

func NewKlingAdapter(apiKey, baseURL, model string) *KlingAdapter {
	return &KlingAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: klingRequestTimeout,
		},
	}
}

func (a *KlingAdapter) Name() string { return "kling-" + a.model }

func (a *KlingAdapter) Capabilities() Capabilities {
	return Capabilities{Image: true, TextOnly: false, Chaining: false}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

type klingCreateRequest struct {
	ModelName   string `json:"model_name"`
	Image       string `json:"image"`
	Prompt      string `json:"prompt"`
	Mode        string `json:"mode,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

type klingEnvelope struct {
	Code    int            `json:"code"` // 0 = ok
	Message string         `json:"message"`
	Data    *klingTaskData `json:"data"`
}

// klingTaskData is both the envelope's data object and the flat webhook body.
// task_status: submitted | processing | succeed | failed.
type klingTaskData struct {
	TaskID        string `json:"task_id"`
	TaskStatus    string `json:"task_status"`
	TaskStatusMsg string `json:"task_status_msg"`
	TaskResult    *struct {
		Videos []struct {
			ID       string `json:"id"`
			URL      string `json:"url"`
			Duration string `json:"duration"` // seconds, as a string
		} `json:"videos"`
	} `json:"task_result"`
}

// ---------------------------------------------------------------------------

func (a *KlingAdapter) Generate(ctx context.Context, in GenerateInput) (string, error) {
	if in.ImageURL == "" {
		return "", fmt.Errorf("unsupported generation type: %s requires a reference image", a.Name())
	}

	req := klingCreateRequest{
		ModelName:   a.model,
		Image:       in.ImageURL,
		Prompt:      BuildScenePrompt(in.Prompt, in.Script, 1),
		Mode:        "pro",
		AspectRatio: in.AspectRatio,
		CallbackURL: in.CallbackURL,
	}

	log.Printf("[Kling] Submitting generate (model=%s, aspect=%s)", a.model, in.AspectRatio)
	return a.submit(ctx, req)
}

func (a *KlingAdapter) Extend(ctx context.Context, in ExtendInput) (string, error) {
	if in.ImageURL == "" {
		return "", fmt.Errorf("unsupported generation type: %s requires a reference image", a.Name())
	}

	req := klingCreateRequest{
		ModelName:   a.model,
		Image:       in.ImageURL,
		Prompt:      BuildScenePrompt(in.Prompt, in.Script, in.Scene),
		Mode:        "pro",
		AspectRatio: in.AspectRatio,
		CallbackURL: in.CallbackURL,
	}

	log.Printf("[Kling] Submitting scene %d (model=%s)", in.Scene, a.model)
	return a.submit(ctx, req)
}

func (a *KlingAdapter) submit(ctx context.Context, req klingCreateRequest) (string, error) {
	env, err := a.do(ctx, "POST", "/v1/videos/image2video", req)
	if err != nil {
		return "", err
	}
	if env.Data == nil || env.Data.TaskID == "" {
		return "", fmt.Errorf("no task_id in kling response")
	}
	return env.Data.TaskID, nil
}

func (a *KlingAdapter) QueryTask(ctx context.Context, taskID string) (*TaskResult, error) {
	env, err := a.do(ctx, "GET", "/v1/videos/image2video/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, fmt.Errorf("empty data in kling task query")
	}
	return normalizeKlingStatus(env.Data), nil
}

// ParseCallback handles Kling's flat webhook body: the task object itself,
// no envelope.
func (a *KlingAdapter) ParseCallback(body []byte) (*TaskResult, error) {
	var data klingTaskData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("failed to parse kling callback: %w", err)
	}
	if data.TaskID == "" {
		return nil, fmt.Errorf("no task_id in kling callback")
	}
	return normalizeKlingStatus(&data), nil
}

func normalizeKlingStatus(data *klingTaskData) *TaskResult {
	result := &TaskResult{TaskID: data.TaskID}

	switch data.TaskStatus {
	case "succeed":
		result.Done = true
		if data.TaskResult != nil && len(data.TaskResult.Videos) > 0 {
			v := data.TaskResult.Videos[0]
			result.VideoURL = v.URL
			if d, err := strconv.ParseFloat(v.Duration, 64); err == nil {
				result.Duration = d
			}
		}
		if result.VideoURL == "" {
			result.Error = "kling reported success with no result URL"
			return result
		}
		result.Success = true
	case "failed":
		result.Done = true
		result.Error = data.TaskStatusMsg
		if result.Error == "" {
			result.Error = "kling generation failed"
		}
	default:
		// submitted / processing
	}
	return result
}

func (a *KlingAdapter) do(ctx context.Context, method, path string, body interface{}) (*klingEnvelope, error) {
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

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kling request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read kling response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kling returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var env klingEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to parse kling envelope: %w (body: %s)", err, string(respBody))
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("kling error %d: %s", env.Code, env.Message)
	}
	return &env, nil
}
