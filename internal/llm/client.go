// Package llm is the external AI collaborator boundary: a streaming client
// for an SSE-speaking completion endpoint. The backend treats the provider's
// payloads as opaque text fragments; everything beyond "a lazy sequence of
// UTF-8 chunks that ends or fails" belongs to the provider.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// doneMarker is the conventional end-of-stream sentinel on SSE completion
// endpoints.
const doneMarker = "[DONE]"

// Config holds provider connection settings.
type Config struct {
	BaseURL string        // completion endpoint URL
	APIKey  string        // bearer token, optional
	Model   string        // model identifier passed through to the provider
	Timeout time.Duration // per-request cap covering the whole stream
}

// DefaultConfig returns settings for a local provider with a generous stream
// timeout.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:11434/v1/completions",
		Model:   "default",
		Timeout: 5 * time.Minute,
	}
}

// Client issues streaming completion requests.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a Client with the given config.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

type completionRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Stream starts a generation for prompt and returns the chunk source. The
// source is finite and non-restartable: it ends with io.EOF at the provider's
// done marker or stream close, and any transport or status failure surfaces
// as an error from Next.
func (c *Client) Stream(ctx context.Context, prompt string) (*ChunkStream, error) {
	body, err := json.Marshal(completionRequest{
		Model:  c.config.Model,
		Prompt: prompt,
		Stream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("llm: provider returned status %d", resp.StatusCode)
	}

	return &ChunkStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// ChunkStream reads text fragments off the provider's SSE response body.
type ChunkStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Next returns the next text fragment. It skips empty and non-data lines,
// returns io.EOF at the done marker or stream end, and closes the body on any
// terminal condition.
func (s *ChunkStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			s.Close()
			return "", err
		}

		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == doneMarker {
			s.Close()
			return "", io.EOF
		}

		// Providers that frame fragments as JSON strings are unwrapped;
		// anything else passes through as-is.
		var text string
		if err := json.Unmarshal([]byte(payload), &text); err != nil {
			text = payload
		}
		return text, nil
	}

	err := s.scanner.Err()
	s.Close()
	if err != nil {
		return "", fmt.Errorf("llm: stream read failed: %w", err)
	}
	return "", io.EOF
}

// Close releases the response body. Safe to call more than once.
func (s *ChunkStream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}
