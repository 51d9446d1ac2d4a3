package services

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	geminiModel = "gemini-2.5-flash"

	// Reference images come from user uploads; anything larger is rejected
	// before it reaches the model.
	maxImageBytes = 12 << 20
)

// GeminiService describes the presenter in a reference image. The description
// feeds scene prompt synthesis so every scene renders the same person.
type GeminiService struct {
	apiKey string
	client *http.Client
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

// DescribePresenter fetches the reference image and returns a compact
// description of the person: appearance, wardrobe, and setting.
func (s *GeminiService) DescribePresenter(ctx context.Context, imageURL string) (string, error) {
	data, mimeType, err := s.fetchImage(ctx, imageURL)
	if err != nil {
		return "", err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create genai client: %w", err)
	}

	prompt := `Describe the person in this image for a video director: physical appearance, hair, clothing, and the visible setting. One paragraph, no preamble, no speculation about identity. Refer to them only as "the presenter".`

	content := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	resp, err := client.Models.GenerateContent(ctx, geminiModel, content, nil)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	description := strings.TrimSpace(resp.Text())
	if description == "" {
		return "", fmt.Errorf("gemini returned an empty description")
	}

	log.Printf("[Gemini] Described presenter from %d-byte image (%s)", len(data), mimeType)
	return description, nil
}

func (s *GeminiService) fetchImage(ctx context.Context, imageURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch reference image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("reference image fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read reference image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("reference image exceeds %d bytes", maxImageBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/jpeg"
	}
	return data, mimeType, nil
}
