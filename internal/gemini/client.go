// Package gemini is a rate-limited completion client with multiple API
// credentials, per-model quota accounting, and throttle-driven rotation.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"threathunter/internal/metrics"
)

const (
	// maxAttempts caps retries for one completion call.
	maxAttempts = 15
	// safetyCeiling rejects prompts whose estimated size could never fit a
	// single request, before any network round trip.
	safetyCeiling = 200_000
	// rotateAfter429s is how many consecutive throttles on one credential
	// trigger rotation to the next.
	rotateAfter429s = 3
	// maxOutputAllowance caps the output tokens budgeted per request; the
	// service never generates more than this in one call.
	maxOutputAllowance = 8192
)

// Config holds completion client configuration.
type Config struct {
	// Endpoint is the API base URL, without a trailing slash.
	Endpoint string
	// APIKeys is the rotation pool; at least one is required.
	APIKeys []string
	// MaxConcurrent caps in-flight completion calls.
	MaxConcurrent int
}

// credBuckets holds a credential's per-family allowance.
type credBuckets struct {
	requests *bucket
	tokens   *bucket
}

// credential is one API key with its own quota accounting.
type credential struct {
	key            string
	buckets        map[ModelFamily]*credBuckets
	consecutive429 int
}

func newCredential(key string) *credential {
	c := &credential{key: key, buckets: make(map[ModelFamily]*credBuckets)}
	for family, quota := range familyQuotas {
		c.buckets[family] = &credBuckets{
			requests: newBucket(quota.RequestsPerMinute),
			tokens:   newBucket(quota.TokensPerMinute),
		}
	}
	return c
}

// Client issues completion requests. Safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	sem      *semaphore.Weighted
	metrics  *metrics.Collector
	logger   zerolog.Logger

	// activeMu guards creds' counters and the active index.
	activeMu sync.Mutex
	creds    []*credential
	active   int

	// Tunable in tests; production uses the defaults set by NewClient.
	attempts          int
	ceiling           int
	backoffBase       time.Duration
	defaultRetryAfter time.Duration
}

// NewClient creates a completion client from cfg.
func NewClient(cfg Config, collector *metrics.Collector, logger zerolog.Logger) (*Client, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	creds := make([]*credential, len(cfg.APIKeys))
	for i, key := range cfg.APIKeys {
		creds[i] = newCredential(key)
	}
	return &Client{
		endpoint:          strings.TrimSuffix(cfg.Endpoint, "/"),
		http:              &http.Client{Timeout: 120 * time.Second},
		sem:               semaphore.NewWeighted(int64(maxConcurrent)),
		metrics:           collector,
		logger:            logger.With().Str("component", "gemini").Logger(),
		creds:             creds,
		attempts:          maxAttempts,
		ceiling:           safetyCeiling,
		backoffBase:       time.Second,
		defaultRetryAfter: 2 * time.Second,
	}, nil
}

// EstimateTokens approximates the token count of text without a network
// call: structured payloads pack denser than prose.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}
	perToken := 4
	if trimmed[0] == '{' || trimmed[0] == '[' {
		perToken = 3
	}
	n := len(trimmed) / perToken
	if n < 1 {
		n = 1
	}
	return n
}

type contentPart struct {
	Text string `json:"text"`
}

type content struct {
	Parts []contentPart `json:"parts"`
	Role  string        `json:"role,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens  int    `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type countTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

// Complete sends prompt to model and returns the generated text. It blocks
// on quota availability, retries throttles and transient failures up to the
// attempt cap, and rotates credentials after repeated throttling.
func (c *Client) Complete(ctx context.Context, prompt, model string, maxOutputTokens int, jsonMode bool) (string, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	family := FamilyOf(model)
	promptTokens := c.countTokens(ctx, prompt, model)
	outputTokens := maxOutputTokens
	if outputTokens <= 0 || outputTokens > maxOutputAllowance {
		outputTokens = maxOutputAllowance
	}
	// The quota charge is input plus the output allowance: generated tokens
	// count against the per-minute budget just like prompt tokens do.
	totalTokens := promptTokens + outputTokens
	if totalTokens > c.ceiling {
		return "", &ServiceError{Message: fmt.Sprintf(
			"request needs ~%d tokens (%d input + %d output), above the %d token ceiling",
			totalTokens, promptTokens, outputTokens, c.ceiling)}
	}

	reqBody := generateRequest{
		Contents: []content{{Parts: []contentPart{{Text: prompt}}}},
	}
	if maxOutputTokens > 0 || jsonMode {
		reqBody.GenerationConfig = &generationConfig{MaxOutputTokens: maxOutputTokens}
		if jsonMode {
			reqBody.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		cred := c.activeCredential()
		if err := c.waitQuota(ctx, cred, family, totalTokens); err != nil {
			return "", err
		}

		text, err := c.doGenerate(ctx, cred, model, family, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var throttled *throttleError
		switch {
		case errors.As(err, &throttled):
			// Rotate after enough consecutive 429s on this key.
			c.noteThrottle(cred, family)
			c.logger.Warn().Int("attempt", attempt+1).Dur("retry_after", throttled.retryAfter).
				Str("model", model).Msg("throttled by completion service")
			if err := sleepCtx(ctx, throttled.retryAfter); err != nil {
				return "", err
			}
		case isRetriable(err):
			backoff := c.backoffBase << uint(min(attempt, 6))
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).
				Msg("transient completion failure")
			if err := sleepCtx(ctx, backoff); err != nil {
				return "", err
			}
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, c.attempts, lastErr)
}

// doGenerate performs one generateContent round trip. A throttled request
// yields a *throttleError carrying the advised delay.
func (c *Client) doGenerate(ctx context.Context, cred *credential, model string, family ModelFamily, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.endpoint, model, cred.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.metrics.IncRequests(string(family))
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.metrics.IncThrottles(string(family))
		return "", &throttleError{retryAfter: c.retryAfter(resp)}
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("completion service returned %d: temporarily unavailable", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", &ServiceError{StatusCode: resp.StatusCode, Message: snippet(body)}
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &ServiceError{Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	if len(parsed.Candidates) == 0 {
		return "", &ServiceError{Message: "response contained no candidates"}
	}

	c.resetThrottles(cred)
	c.metrics.AddTokens(string(family), metrics.DirectionInput, parsed.UsageMetadata.PromptTokenCount)
	c.metrics.AddTokens(string(family), metrics.DirectionOutput, parsed.UsageMetadata.CandidatesTokenCount)

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// countTokens asks the service for an exact count, falling back to the local
// heuristic when the endpoint is unreachable.
func (c *Client) countTokens(ctx context.Context, prompt, model string) int {
	reqBody := generateRequest{Contents: []content{{Parts: []contentPart{{Text: prompt}}}}}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return EstimateTokens(prompt)
	}

	cred := c.activeCredential()
	url := fmt.Sprintf("%s/v1beta/models/%s:countTokens?key=%s", c.endpoint, model, cred.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return EstimateTokens(prompt)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return EstimateTokens(prompt)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return EstimateTokens(prompt)
	}

	var parsed countTokensResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.TotalTokens <= 0 {
		return EstimateTokens(prompt)
	}
	return parsed.TotalTokens
}

// waitQuota blocks until the credential's request and token buckets both
// admit the call. totalTokens includes the output allowance.
func (c *Client) waitQuota(ctx context.Context, cred *credential, family ModelFamily, totalTokens int) error {
	b := cred.buckets[family]
	if err := b.requests.wait(ctx, 1); err != nil {
		return err
	}
	return b.tokens.wait(ctx, totalTokens)
}

func (c *Client) activeCredential() *credential {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	return c.creds[c.active]
}

// noteThrottle counts a 429 against cred and rotates the pool once the
// streak reaches the threshold. The rotated-away key's streak resets so it
// starts clean when the rotation wraps back around.
func (c *Client) noteThrottle(cred *credential, family ModelFamily) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()

	cred.consecutive429++
	if cred.consecutive429 < rotateAfter429s || len(c.creds) < 2 {
		return
	}
	cred.consecutive429 = 0
	c.active = (c.active + 1) % len(c.creds)
	c.logger.Info().Int("active", c.active).Str("family", string(family)).
		Msg("rotating API credential after repeated throttling")
}

func (c *Client) resetThrottles(cred *credential) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	cred.consecutive429 = 0
}

// retryAfter reads the Retry-After header, defaulting when absent or
// unparsable.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return c.defaultRetryAfter
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return c.defaultRetryAfter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
