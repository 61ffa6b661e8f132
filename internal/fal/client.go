package fal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"imagegen-backend/internal/models"
)

var (
	// ErrProviderUnavailable covers failures where FAL cannot have queued the
	// request: connection errors and 429, 502 or 503 answers. It is retried.
	ErrProviderUnavailable = errors.New("fal provider unavailable")
	// ErrProviderUncertain covers failures after the request may have been
	// queued, such as read timeouts. A resubmit could run the job twice, so it
	// is not retried.
	ErrProviderUncertain = errors.New("fal request outcome unknown")
	// ErrProviderRejected covers other 4xx answers. It is not retried.
	ErrProviderRejected = errors.New("fal provider rejected request")
)

var defaultBackoffs = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

type Client struct {
	queueURL   string
	apiKey     string
	models     map[models.JobMode]string
	httpClient *http.Client
	backoffs   []time.Duration
	maxRetries int
}

// DispatchParams is one generation submission.
type DispatchParams struct {
	Mode       models.JobMode
	Input      models.GenerationParams
	WebhookURL string
}

type queueResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

func NewClient(queueURL, apiKey, generateModel, editModel string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		queueURL: strings.TrimSuffix(queueURL, "/"),
		apiKey:   apiKey,
		models: map[models.JobMode]string{
			models.ModeGenerate: generateModel,
			models.ModeEdit:     editModel,
		},
		httpClient: &http.Client{
			Timeout: timeout,
		},
		backoffs:   defaultBackoffs,
		maxRetries: len(defaultBackoffs),
	}
}

// WithBackoffs replaces the retry schedule. maxRetries follows its length.
func (c *Client) WithBackoffs(backoffs ...time.Duration) *Client {
	clone := *c
	clone.backoffs = backoffs
	clone.maxRetries = len(backoffs)
	if clone.maxRetries == 0 {
		clone.maxRetries = 1
	}
	return &clone
}

// Dispatch submits the job to the FAL queue and returns the provider request id.
// Completion arrives later on WebhookURL.
func (c *Client) Dispatch(ctx context.Context, p DispatchParams) (string, error) {
	model, ok := c.models[p.Mode]
	if !ok || model == "" {
		return "", fmt.Errorf("%w: no model configured for mode %q", ErrProviderRejected, p.Mode)
	}

	jsonData, err := json.Marshal(buildInput(p))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.queueURL + "/" + strings.Trim(model, "/")
	if p.WebhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(p.WebhookURL)
	}

	var requestID string
	err = c.RetryWithBackoff(ctx, func() error {
		id, err := c.submit(ctx, endpoint, jsonData)
		if err != nil {
			return err
		}
		requestID = id
		return nil
	}, c.maxRetries)
	if err != nil {
		return "", err
	}

	zap.L().Info("Dispatched generation to FAL",
		zap.String("model", model),
		zap.String("request_id", requestID))
	return requestID, nil
}

func (c *Client) submit(ctx context.Context, endpoint string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if notSent(err) {
			return "", fmt.Errorf("%w: failed to connect: %v", ErrProviderUnavailable, err)
		}
		return "", fmt.Errorf("%w: failed to execute request: %v", ErrProviderUncertain, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %v", ErrProviderUncertain, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("%w: status %d, body: %s", ErrProviderUnavailable, resp.StatusCode, string(respBody))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d, body: %s", ErrProviderUncertain, resp.StatusCode, string(respBody))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: status %d, body: %s", ErrProviderRejected, resp.StatusCode, string(respBody))
	}

	var result queueResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("%w: failed to decode response: %v, body: %s", ErrProviderUncertain, err, string(respBody))
	}
	if result.RequestID == "" {
		return "", fmt.Errorf("%w: request_id is empty in response, body: %s", ErrProviderUncertain, string(respBody))
	}

	return result.RequestID, nil
}

// notSent reports whether err happened before any request bytes reached FAL.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func buildInput(p DispatchParams) map[string]interface{} {
	in := p.Input
	input := map[string]interface{}{
		"prompt":                in.Prompt,
		"image_size":            in.ImageSize,
		"num_inference_steps":   in.NumInferenceSteps,
		"guidance_scale":        in.GuidanceScale,
		"num_images":            in.NumImages,
		"enable_safety_checker": true,
	}
	if in.NegativePrompt != "" {
		input["negative_prompt"] = in.NegativePrompt
	}
	if in.Seed != nil {
		input["seed"] = *in.Seed
	}
	if p.Mode == models.ModeEdit && len(in.ImageURLs) > 0 {
		input["image_url"] = in.ImageURLs[0]
		input["image_urls"] = in.ImageURLs
	}
	return input
}

// RetryWithBackoff runs fn until it succeeds, fails with a non-retryable error,
// maxRetries attempts are used up, or ctx is done.
func (c *Client) RetryWithBackoff(ctx context.Context, fn func() error, maxRetries int) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrProviderUnavailable) {
			return err
		}

		lastErr = err
		if i == maxRetries-1 || i >= len(c.backoffs) {
			continue
		}

		zap.L().Warn("Retrying FAL request",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", c.backoffs[i]),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
		case <-time.After(c.backoffs[i]):
		}
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}
