package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hammerpath/avatarcast/internal/models"
)

const plannerModel = "gpt-5-mini"

// OpenAIService turns a raw presenter script into per-scene prompts. Callers
// that already supply scene_prompts never touch it.
type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

type scenePlan struct {
	Scenes []scenePlanItem `json:"scenes"`
}

type scenePlanItem struct {
	Prompt string `json:"prompt"`
	Script string `json:"script"`
}

// SynthesizeScenePrompts splits a script into numScenes scene prompts using
// JSON-mode structured output. presenterDescription is optional context from
// reference image analysis; empty means text-only.
func (s *OpenAIService) SynthesizeScenePrompts(ctx context.Context, script string, numScenes int, presenterDescription string) ([]models.ScenePrompt, error) {
	if numScenes < 1 {
		return nil, fmt.Errorf("scene count must be at least 1")
	}

	systemPrompt := buildPlannerSystemPrompt(numScenes, presenterDescription)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: plannerModel,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: script,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content
	const maxLogLen = 2000

	var plan scenePlan
	if err := json.Unmarshal([]byte(rawContent), &plan); err != nil {
		log.Printf("[OpenAI planner] parse failed: %v", err)
		log.Printf("[OpenAI planner] raw response: %s", truncateString(rawContent, maxLogLen))
		return nil, fmt.Errorf("failed to parse scene plan: %w", err)
	}

	if len(plan.Scenes) != numScenes {
		log.Printf("[OpenAI planner] expected %d scenes, got %d", numScenes, len(plan.Scenes))
		log.Printf("[OpenAI planner] raw response: %s", truncateString(rawContent, maxLogLen))
		return nil, fmt.Errorf("scene plan has %d scenes, expected %d", len(plan.Scenes), numScenes)
	}

	prompts := make([]models.ScenePrompt, numScenes)
	for i, scene := range plan.Scenes {
		if scene.Prompt == "" || scene.Script == "" {
			log.Printf("[OpenAI planner] scene %d missing prompt or script", i+1)
			return nil, fmt.Errorf("scene %d missing prompt or script", i+1)
		}
		prompts[i] = models.ScenePrompt{Prompt: scene.Prompt, Script: scene.Script}
	}

	log.Printf("[OpenAI planner] plan generated: %d scenes from %d-char script", numScenes, len(script))
	return prompts, nil
}

func buildPlannerSystemPrompt(numScenes int, presenterDescription string) string {
	presenter := "a single on-camera presenter"
	if presenterDescription != "" {
		presenter = presenterDescription
	}

	return fmt.Sprintf(`You are a video director planning a talking-head video delivered by %s.

Split the user's script into exactly %d consecutive scenes of roughly equal length. For each scene produce:
- "prompt": a visual description of the presenter and framing for that scene. The presenter, wardrobe, and setting must stay identical across every scene. Describe camera framing (medium shot, slight push-in, etc.) but never scene transitions.
- "script": the exact words the presenter speaks in that scene, taken verbatim from the user's script. Never rewrite, summarize, or reorder the words. Every word of the input must appear in exactly one scene.

Respond with JSON: {"scenes": [{"prompt": "...", "script": "..."}]}`, presenter, numScenes)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
