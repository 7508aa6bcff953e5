package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"klisk/internal/logging"
)

const (
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// httpClient has no overall timeout; streams run until the response
// body closes or the request context is canceled.
var httpClient = &http.Client{}

// HTTPError is a non-2xx reply from a provider API.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// postSSE sends a JSON POST expecting an event stream back, retrying
// rate limits, server errors and transient network failures. Retries
// only cover the initial request; once a stream is open it is not
// resumed.
func postSSE(ctx context.Context, url, key string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	log := logging.Get(logging.CategoryProvider)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			log.Debug("retrying in %s (attempt %d/%d): %v", delay, attempt, maxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if isRetryableNetErr(err) {
				continue
			}
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			herr := &HTTPError{StatusCode: resp.StatusCode, Message: apiErrorMessage(raw, resp.StatusCode)}
			if isRetryableStatus(resp.StatusCode) {
				lastErr = herr
				continue
			}
			return nil, herr
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// sseData extracts the payload from a "data:" line. Other SSE fields
// (event, id, comments) and blank separators report ok=false.
func sseData(line string) (string, bool) {
	if data, ok := strings.CutPrefix(line, "data: "); ok {
		return data, true
	}
	if data, ok := strings.CutPrefix(line, "data:"); ok {
		return data, true
	}
	return "", false
}

// apiErrorMessage pulls a human message out of an error body, falling
// back to the raw body or the status code.
func apiErrorMessage(raw []byte, status int) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(status)
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * (1 << attempt)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func isRetryableNetErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"EOF",
		"timeout",
		"temporary failure",
		"no such host",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
