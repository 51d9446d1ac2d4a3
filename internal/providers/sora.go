package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// ---------------------------------------------------------------------------
// Sora 2 generation via the jobs API.
// Submit → task id → webhook or recordInfo poll. State is a string
// ("waiting"/"queuing"/"generating"/"success"/"fail") and the result arrives
// as resultJson — a JSON document encoded as a string inside the JSON.
// Per-scene calls are independent, keyed by the shared reference image; there
// is no extend endpoint.
// ---------------------------------------------------------------------------

const soraRequestTimeout = 30 * time.Second

type SoraAdapter struct {
	apiKey     string
	baseURL    string
	model      string // e.g. "sora-2-pro"
	resolution string // "720p" or "1080p"
	httpClient *http.Client
}

func NewSoraAdapter(apiKey, baseURL, model, resolution string) *SoraAdapter {
	return &SoraAdapter{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		resolution: resolution,
		httpClient: &http.Client{
			Timeout: soraRequestTimeout,
		},
	}
}

func (a *SoraAdapter) Name() string { return "sora-" + a.resolution }

func (a *SoraAdapter) Capabilities() Capabilities {
	// Sora 2 needs a reference image here: the avatar pipeline drives it
	// image-to-video only. Scenes are independent calls, no chaining.
	return Capabilities{Image: true, TextOnly: false, Chaining: false}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

type soraCreateRequest struct {
	Model       string    `json:"model"`
	Input       soraInput `json:"input"`
	CallBackURL string    `json:"callBackUrl,omitempty"`
}

type soraInput struct {
	Prompt      string   `json:"prompt"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Resolution  string   `json:"resolution,omitempty"`
}

// soraTaskData is the data object shared by the create response, the
// recordInfo response, and the webhook payload.
//
//	{"code":200,"data":{"taskId":"...","state":"success","resultJson":"{\"resultUrls\":[\"https://...\"]}"}}
type soraTaskData struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"` // waiting | queuing | generating | success | fail
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

type soraEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// soraResult is the document encoded inside resultJson.
type soraResult struct {
	ResultURLs []string `json:"resultUrls"`
}

// ---------------------------------------------------------------------------

func (a *SoraAdapter) Generate(ctx context.Context, in GenerateInput) (string, error) {
	if in.ImageURL == "" {
		return "", fmt.Errorf("unsupported generation type: %s requires a reference image", a.Name())
	}

	req := soraCreateRequest{
		Model: a.model,
		Input: soraInput{
			Prompt:      BuildScenePrompt(in.Prompt, in.Script, 1),
			ImageURLs:   []string{in.ImageURL},
			AspectRatio: in.AspectRatio,
			Resolution:  a.resolution,
		},
		CallBackURL: in.CallbackURL,
	}

	log.Printf("[Sora] Submitting generate (model=%s, aspect=%s)", a.model, in.AspectRatio)
	return a.submit(ctx, req)
}

// Extend dispatches the next scene as an independent generation against the
// same reference image; continuity comes from the prompt convention, not from
// task chaining.
func (a *SoraAdapter) Extend(ctx context.Context, in ExtendInput) (string, error) {
	if in.ImageURL == "" {
		return "", fmt.Errorf("unsupported generation type: %s requires a reference image", a.Name())
	}

	req := soraCreateRequest{
		Model: a.model,
		Input: soraInput{
			Prompt:      BuildScenePrompt(in.Prompt, in.Script, in.Scene),
			ImageURLs:   []string{in.ImageURL},
			AspectRatio: in.AspectRatio,
			Resolution:  a.resolution,
		},
		CallBackURL: in.CallbackURL,
	}

	log.Printf("[Sora] Submitting scene %d (model=%s)", in.Scene, a.model)
	return a.submit(ctx, req)
}

func (a *SoraAdapter) submit(ctx context.Context, req soraCreateRequest) (string, error) {
	env, err := a.do(ctx, "POST", "/api/v1/jobs/createTask", req)
	if err != nil {
		return "", err
	}

	var data soraTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("failed to parse sora task response: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("no taskId in sora response: %s", string(env.Data))
	}
	return data.TaskID, nil
}

func (a *SoraAdapter) QueryTask(ctx context.Context, taskID string) (*TaskResult, error) {
	path := "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	env, err := a.do(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var data soraTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse sora record: %w", err)
	}
	return normalizeSoraState(&data), nil
}

// ParseCallback handles the webhook, which wraps the same task data object as
// the status endpoint.
func (a *SoraAdapter) ParseCallback(body []byte) (*TaskResult, error) {
	var env soraEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse sora callback: %w", err)
	}

	var data soraTaskData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse sora callback data: %w", err)
		}
	}
	if data.TaskID == "" {
		return nil, fmt.Errorf("no taskId in sora callback")
	}

	return normalizeSoraState(&data), nil
}

func normalizeSoraState(data *soraTaskData) *TaskResult {
	result := &TaskResult{TaskID: data.TaskID}

	switch data.State {
	case "success":
		result.Done = true
		var res soraResult
		if data.ResultJSON != "" {
			if err := json.Unmarshal([]byte(data.ResultJSON), &res); err != nil {
				result.Error = fmt.Sprintf("unparseable sora resultJson: %v", err)
				return result
			}
		}
		if len(res.ResultURLs) == 0 {
			result.Error = "sora reported success with no result URL"
			return result
		}
		result.Success = true
		result.VideoURL = res.ResultURLs[0]
	case "fail":
		result.Done = true
		result.Error = data.FailMsg
		if result.Error == "" {
			result.Error = fmt.Sprintf("sora generation failed (code=%s)", data.FailCode)
		}
	default:
		// waiting / queuing / generating
	}
	return result
}

func (a *SoraAdapter) do(ctx context.Context, method, path string, body interface{}) (*soraEnvelope, error) {
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
		return nil, fmt.Errorf("sora request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read sora response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sora returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var env soraEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to parse sora envelope: %w (body: %s)", err, string(respBody))
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("sora error %d: %s", env.Code, env.Msg)
	}
	return &env, nil
}
