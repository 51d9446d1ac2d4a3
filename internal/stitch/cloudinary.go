// Package stitch produces the final multi-scene video by concatenating the
// per-scene segments on Cloudinary. Segments are ingested by remote URL, then
// the concatenation itself is a delivery transformation (fl_splice), so no
// video bytes ever pass through this process.
package stitch

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Ingesting a segment by URL makes Cloudinary fetch the full video
	// server-side, so each attempt gets a generous timeout.
	uploadTimeout = 180 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second

	folder = "avatarcast"
)

type Cloudinary struct {
	cloudName string
	apiKey    string
	apiSecret string
	client    *http.Client
}

func New(cloudName, apiKey, apiSecret string) *Cloudinary {
	return &Cloudinary{
		cloudName: cloudName,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Concatenate ingests the segment URLs in order and returns the URL of the
// spliced final video. Order matters: urls[0] plays first.
func (c *Cloudinary) Concatenate(ctx context.Context, urls []string) (string, error) {
	if len(urls) < 2 {
		return "", fmt.Errorf("concatenation needs at least 2 segments, got %d", len(urls))
	}

	batch := uuid.New().String()
	publicIDs := make([]string, len(urls))
	for i, segmentURL := range urls {
		publicID := fmt.Sprintf("%s/%s/seg_%d", folder, batch, i+1)
		if err := c.uploadRemote(ctx, segmentURL, publicID); err != nil {
			return "", fmt.Errorf("segment %d ingest failed: %w", i+1, err)
		}
		publicIDs[i] = publicID
	}

	final := c.splicedURL(publicIDs)
	log.Printf("[Stitch] Spliced %d segments into %s", len(urls), final)
	return final, nil
}

// uploadRemote asks Cloudinary to fetch one segment by URL, with retries and
// exponential backoff for transient failures.
func (c *Cloudinary) uploadRemote(ctx context.Context, remoteURL, publicID string) error {
	endpoint := fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/video/upload", c.cloudName)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Stitch] Upload retry %d/%d for %s (waiting %v)...", attempt, maxRetries, publicID, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("upload cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)

		form := c.signedForm(map[string]string{
			"public_id": publicID,
		})
		form.Set("file", remoteURL)

		req, err := http.NewRequestWithContext(uploadCtx, "POST", endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("upload request failed: %w", err)
			if isRetryableError(err) {
				log.Printf("[Stitch] Upload attempt %d failed (retryable): %v", attempt+1, err)
				continue
			}
			return lastErr
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode == http.StatusOK {
			var result struct {
				PublicID  string `json:"public_id"`
				SecureURL string `json:"secure_url"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("failed to parse upload response: %w", err)
			}
			if result.PublicID != publicID {
				return fmt.Errorf("upload stored under unexpected id %q", result.PublicID)
			}
			if attempt > 0 {
				log.Printf("[Stitch] Upload succeeded on attempt %d for %s", attempt+1, publicID)
			}
			return nil
		}

		lastErr = fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))

		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Stitch] Upload attempt %d returned status %d (retryable)", attempt+1, resp.StatusCode)
			continue
		}

		return lastErr
	}

	return fmt.Errorf("upload failed after %d attempts: %w", maxRetries+1, lastErr)
}

// signedForm builds the upload form fields plus Cloudinary's request
// signature: sha1 over the alphabetically sorted params and the API secret.
// api_key, file, and the signature itself are excluded from signing.
func (c *Cloudinary) signedForm(params map[string]string) url.Values {
	params["timestamp"] = fmt.Sprintf("%d", time.Now().Unix())

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	toSign := strings.Join(pairs, "&") + c.apiSecret

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("api_key", c.apiKey)
	form.Set("signature", fmt.Sprintf("%x", sha1.Sum([]byte(toSign))))
	return form
}

// splicedURL builds the delivery URL that plays the segments back to back.
// Each segment after the first becomes a spliced video overlay; slashes in
// public ids are escaped as colons per Cloudinary's layer syntax.
func (c *Cloudinary) splicedURL(publicIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "https://res.cloudinary.com/%s/video/upload/", c.cloudName)
	for _, id := range publicIDs[1:] {
		layer := strings.ReplaceAll(id, "/", ":")
		fmt.Fprintf(&b, "fl_splice,l_video:%s/fl_layer_apply/", layer)
	}
	fmt.Fprintf(&b, "%s.mp4", publicIDs[0])
	return b.String()
}

func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
