// Package voice transcribes inbound voice notes through a prioritized
// list of STT endpoints with per-endpoint failover and cooldown.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pocketmind/pocketmind/internal/config"
)

const defaultCooldown = 60 * time.Second

// Client is the STT pool. Endpoints are tried in priority order; a
// failing endpoint sits in a short cooldown before it is retried.
type Client struct {
	endpoints []config.EndpointConfig
	http      *http.Client
	logger    *slog.Logger
	now       func() time.Time
	cooldown  time.Duration

	mu       sync.Mutex
	downTill map[string]time.Time
}

// Option configures the client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.With("component", "voice")
		}
	}
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCooldown sets the per-endpoint failure cooldown.
func WithCooldown(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.cooldown = d
		}
	}
}

// NewClient creates an STT client over the given endpoints.
func NewClient(endpoints []config.EndpointConfig, opts ...Option) *Client {
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 120 * time.Second},
		logger:    slog.Default().With("component", "voice"),
		now:       time.Now,
		cooldown:  defaultCooldown,
		downTill:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether any STT endpoint is configured.
func (c *Client) Enabled() bool { return len(c.endpoints) > 0 }

// Transcribe uploads the audio file to the first available endpoint and
// returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, path string) (string, error) {
	if len(c.endpoints) == 0 {
		return "", fmt.Errorf("no stt endpoints configured")
	}

	var lastErr error
	for i := range c.endpoints {
		ep := &c.endpoints[i]
		if c.inCooldown(ep.Name) {
			continue
		}
		text, err := c.transcribeOnce(ctx, ep, path)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			c.markDown(ep.Name)
			c.logger.Warn("stt endpoint failed", "endpoint", ep.Name, "error", err)
			continue
		}
		return text, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all stt endpoints in cooldown")
	}
	return "", fmt.Errorf("transcription failed: %w", lastErr)
}

func (c *Client) inCooldown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.downTill[name])
}

func (c *Client) markDown(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downTill[name] = c.now().Add(c.cooldown)
}

func (c *Client) transcribeOnce(ctx context.Context, ep *config.EndpointConfig, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}
	if err := mw.WriteField("model", ep.Model); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("build multipart: %w", err)
	}

	url := strings.TrimSuffix(ep.BaseURL, "/") + "/audio/transcriptions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if key := ep.ResolveAPIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", ep.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s returned status %d: %.200s", ep.Name, resp.StatusCode, data)
	}
	return parseTranscription(data)
}

// parseTranscription accepts both the Whisper response shape and the
// Paraformer one.
func parseTranscription(data []byte) (string, error) {
	var whisper struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &whisper); err == nil && whisper.Text != "" {
		return strings.TrimSpace(whisper.Text), nil
	}

	var paraformer struct {
		Output struct {
			Text     string `json:"text"`
			Sentence []struct {
				Text string `json:"text"`
			} `json:"sentence"`
		} `json:"output"`
	}
	if err := json.Unmarshal(data, &paraformer); err == nil {
		if paraformer.Output.Text != "" {
			return strings.TrimSpace(paraformer.Output.Text), nil
		}
		if len(paraformer.Output.Sentence) > 0 {
			parts := make([]string, 0, len(paraformer.Output.Sentence))
			for _, s := range paraformer.Output.Sentence {
				parts = append(parts, s.Text)
			}
			return strings.TrimSpace(strings.Join(parts, " ")), nil
		}
	}
	return "", fmt.Errorf("unrecognized transcription response: %.200s", data)
}
