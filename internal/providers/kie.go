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
// Veo 3 generation via the Kie.ai aggregator.
// Kie proxies Google's Veo models behind a task API: submit → task id →
// webhook on completion (or GET record-info when polling). Extension chains
// on the previous task id, so later scenes continue the same video.
// ---------------------------------------------------------------------------

const kieRequestTimeout = 30 * time.Second

type KieAdapter struct {
	apiKey     string
	baseURL    string
	model      string // Kie-side model identifier, e.g. "veo3_fast" or "veo3"
	httpClient *http.Client
}

func NewKieAdapter(apiKey, baseURL, model string) *KieAdapter {
	return &KieAdapter{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: kieRequestTimeout,
		},
	}
}

func (a *KieAdapter) Name() string { return "kie-" + a.model }

func (a *KieAdapter) Capabilities() Capabilities {
	// Veo serves both image-to-video and text-only; extension chains on task id.
	return Capabilities{Image: true, TextOnly: true, Chaining: true}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// kieGenerateRequest is the body for POST /api/v1/veo/generate.
type kieGenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	ImageURLs   []string `json:"imageUrls,omitempty"`
	AspectRatio string   `json:"aspectRatio,omitempty"`
	CallBackURL string   `json:"callBackUrl,omitempty"`
}

// kieExtendRequest is the body for POST /api/v1/veo/extend. Continuation is
// explicit: taskId names the video being extended.
type kieExtendRequest struct {
	TaskID      string `json:"taskId"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	CallBackURL string `json:"callBackUrl,omitempty"`
}

// kieEnvelope is Kie's uniform response wrapper: code 200 means accepted,
// anything else is a synchronous failure with the reason in msg.
type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type kieTaskData struct {
	TaskID string `json:"taskId"`
}

// kieCallbackData is the webhook payload's data object. Kie nests the result
// one level deeper than the status endpoint, and resultUrls arrives as a
// JSON-encoded string inside the JSON ("[\"https://...\"]"), so parsing tries
// the double-encoded form first and falls back to a plain array.
type kieCallbackData struct {
	TaskID string `json:"taskId"`
	Info   *struct {
		ResultURLs json.RawMessage `json:"resultUrls"`
	} `json:"info"`
	FallbackFlag bool `json:"fallbackFlag"`
}

// kieRecordData is the GET /api/v1/veo/record-info response's data object.
// successFlag: 0 = generating, 1 = success, 2/3 = failed.
type kieRecordData struct {
	TaskID      string `json:"taskId"`
	SuccessFlag int    `json:"successFlag"`
	Response    *struct {
		ResultURLs []string `json:"resultUrls"`
	} `json:"response"`
	ErrorCode    *int   `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// ---------------------------------------------------------------------------

func (a *KieAdapter) Generate(ctx context.Context, in GenerateInput) (string, error) {
	req := kieGenerateRequest{
		Prompt:      BuildScenePrompt(in.Prompt, in.Script, 1),
		Model:       a.model,
		AspectRatio: in.AspectRatio,
		CallBackURL: in.CallbackURL,
	}
	if in.ImageURL != "" {
		req.ImageURLs = []string{in.ImageURL}
	}

	log.Printf("[Kie] Submitting generate (model=%s, hasImage=%v, aspect=%s)", a.model, in.ImageURL != "", in.AspectRatio)
	return a.submit(ctx, "/api/v1/veo/generate", req)
}

func (a *KieAdapter) Extend(ctx context.Context, in ExtendInput) (string, error) {
	if in.PreviousTaskID == "" {
		return "", fmt.Errorf("kie extend requires the previous task id")
	}

	req := kieExtendRequest{
		TaskID:      in.PreviousTaskID,
		Prompt:      BuildScenePrompt(in.Prompt, in.Script, in.Scene),
		Model:       a.model,
		CallBackURL: in.CallbackURL,
	}

	log.Printf("[Kie] Submitting extend (model=%s, scene=%d, prev=%s)", a.model, in.Scene, in.PreviousTaskID)
	return a.submit(ctx, "/api/v1/veo/extend", req)
}

func (a *KieAdapter) submit(ctx context.Context, path string, body interface{}) (string, error) {
	env, err := a.do(ctx, "POST", path, body)
	if err != nil {
		return "", err
	}

	var data kieTaskData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", fmt.Errorf("failed to parse kie task response: %w", err)
	}
	if data.TaskID == "" {
		return "", fmt.Errorf("no taskId in kie response: %s", string(env.Data))
	}
	return data.TaskID, nil
}

func (a *KieAdapter) QueryTask(ctx context.Context, taskID string) (*TaskResult, error) {
	path := "/api/v1/veo/record-info?taskId=" + url.QueryEscape(taskID)
	env, err := a.do(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var data kieRecordData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse kie record: %w", err)
	}

	result := &TaskResult{TaskID: data.TaskID}
	switch data.SuccessFlag {
	case 0:
		// still generating
	case 1:
		result.Done = true
		result.Success = true
		if data.Response != nil && len(data.Response.ResultURLs) > 0 {
			result.VideoURL = data.Response.ResultURLs[0]
		}
		if result.VideoURL == "" {
			result.Success = false
			result.Error = "kie reported success with no result URL"
		}
	default:
		result.Done = true
		result.Error = data.ErrorMessage
		if result.Error == "" {
			result.Error = fmt.Sprintf("kie generation failed (flag=%d)", data.SuccessFlag)
		}
	}
	return result, nil
}

// ParseCallback handles Kie's completion webhook:
//
//	{"code":200,"msg":"success","data":{"taskId":"...","info":{"resultUrls":"[\"https://...\"]"}}}
//
// A non-200 code carries the failure reason in msg.
func (a *KieAdapter) ParseCallback(body []byte) (*TaskResult, error) {
	var env kieEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to parse kie callback: %w", err)
	}

	var data kieCallbackData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse kie callback data: %w", err)
		}
	}
	if data.TaskID == "" {
		return nil, fmt.Errorf("no taskId in kie callback")
	}

	result := &TaskResult{TaskID: data.TaskID, Done: true}

	if env.Code != 200 {
		result.Error = env.Msg
		if result.Error == "" {
			result.Error = fmt.Sprintf("kie generation failed (code=%d)", env.Code)
		}
		return result, nil
	}

	if data.Info != nil {
		result.VideoURL = firstResultURL(data.Info.ResultURLs)
	}
	if result.VideoURL == "" {
		result.Error = "kie callback reported success with no result URL"
		return result, nil
	}

	result.Success = true
	return result, nil
}

// firstResultURL extracts the first URL from Kie's resultUrls field, which is
// sometimes a JSON array and sometimes a JSON-encoded string containing one.
func firstResultURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil && len(urls) > 0 {
		return urls[0]
	}

	// Double-encoded: unwrap the string, then parse the array inside it.
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &urls); err == nil && len(urls) > 0 {
			return urls[0]
		}
	}
	return ""
}

func (a *KieAdapter) do(ctx context.Context, method, path string, body interface{}) (*kieEnvelope, error) {
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
		return nil, fmt.Errorf("kie request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read kie response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kie returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var env kieEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("failed to parse kie envelope: %w (body: %s)", err, string(respBody))
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("kie error %d: %s", env.Code, env.Msg)
	}
	return &env, nil
}
