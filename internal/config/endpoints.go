// Package config loads the endpoint pool definition (llm_endpoints.json)
// and the application config (pocketmind.yaml), and watches both for
// changes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Capability names a feature an endpoint can serve.
type Capability string

const (
	CapText     Capability = "text"
	CapVision   Capability = "vision"
	CapVideo    Capability = "video"
	CapAudio    Capability = "audio"
	CapTools    Capability = "tools"
	CapThinking Capability = "thinking"
)

// APIType selects the protocol family used to talk to an endpoint.
type APIType string

const (
	APIAnthropic APIType = "anthropic"
	APIOpenAI    APIType = "openai"
)

// PricingTier is one row of a tiered pricing table (per million tokens).
type PricingTier struct {
	UpToTokens int     `json:"up_to_tokens,omitempty"`
	InputPrice float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

// EndpointConfig describes one reachable LLM deployment.
type EndpointConfig struct {
	Name          string          `json:"name"`
	Provider      string          `json:"provider"`
	APIType       APIType         `json:"api_type"`
	BaseURL       string          `json:"base_url"`
	APIKeyEnv     string          `json:"api_key_env,omitempty"`
	APIKey        string          `json:"api_key,omitempty"`
	Model         string          `json:"model"`
	Priority      int             `json:"priority"`
	MaxTokens     int             `json:"max_tokens,omitempty"` // 0 = unlimited
	ContextWindow int             `json:"context_window,omitempty"`
	Timeout       int             `json:"timeout,omitempty"` // seconds
	Capabilities  []Capability    `json:"capabilities"`
	ExtraParams   map[string]any  `json:"extra_params,omitempty"`
	RPMLimit      int             `json:"rpm_limit,omitempty"`
	PricingTiers  []PricingTier   `json:"pricing_tiers,omitempty"`
	Note          string          `json:"note,omitempty"`
}

// ResolveAPIKey returns the credential, preferring the env reference.
func (e *EndpointConfig) ResolveAPIKey() string {
	if e.APIKeyEnv != "" {
		if v := os.Getenv(e.APIKeyEnv); v != "" {
			return v
		}
	}
	return e.APIKey
}

// HasCapability reports whether the endpoint claims the capability.
func (e *EndpointConfig) HasCapability(c Capability) bool {
	for _, have := range e.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// HasAllCapabilities reports whether the endpoint claims every capability
// in the set.
func (e *EndpointConfig) HasAllCapabilities(caps []Capability) bool {
	for _, c := range caps {
		if !e.HasCapability(c) {
			return false
		}
	}
	return true
}

// IsLocal reports whether the endpoint points at the local host. Local
// endpoints are exempt from progressive cooldown escalation.
func (e *EndpointConfig) IsLocal() bool {
	return strings.Contains(e.BaseURL, "localhost") ||
		strings.Contains(e.BaseURL, "127.0.0.1") ||
		strings.Contains(e.BaseURL, "0.0.0.0")
}

// Settings holds the pool-wide routing knobs.
type Settings struct {
	RetryCount                   int     `json:"retry_count"`
	RetryDelaySeconds            int     `json:"retry_delay_seconds"`
	RetrySameEndpointFirst       bool    `json:"retry_same_endpoint_first"`
	AllowFailoverWithToolContext bool    `json:"allow_failover_with_tool_context"`
	FallbackOnError              bool    `json:"fallback_on_error"`
	TransientFailureRatio        float64 `json:"transient_failure_ratio,omitempty"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		RetryCount:            2,
		RetryDelaySeconds:     2,
		FallbackOnError:       true,
		TransientFailureRatio: 0.5,
	}
}

// EndpointsFile is the parsed llm_endpoints.json.
type EndpointsFile struct {
	Endpoints         []EndpointConfig `json:"endpoints"`
	CompilerEndpoints []EndpointConfig `json:"compiler_endpoints,omitempty"`
	STTEndpoints      []EndpointConfig `json:"stt_endpoints,omitempty"`
	Settings          Settings         `json:"settings"`
}

// LoadEndpoints reads and validates llm_endpoints.json. Endpoints are
// re-sorted by ascending priority on load.
func LoadEndpoints(path string) (*EndpointsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints config: %w", err)
	}
	return ParseEndpoints(data)
}

// ParseEndpoints parses an endpoints file from raw bytes.
func ParseEndpoints(data []byte) (*EndpointsFile, error) {
	file := &EndpointsFile{Settings: DefaultSettings()}
	if err := json.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse endpoints config: %w", err)
	}
	if len(file.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints config declares no endpoints")
	}
	if err := validateEndpoints(file.Endpoints); err != nil {
		return nil, err
	}
	if file.Settings.RetryCount < 0 {
		file.Settings.RetryCount = 0
	}
	if file.Settings.RetryDelaySeconds < 0 {
		file.Settings.RetryDelaySeconds = 0
	}
	if file.Settings.TransientFailureRatio <= 0 || file.Settings.TransientFailureRatio > 1 {
		file.Settings.TransientFailureRatio = 0.5
	}
	sortByPriority(file.Endpoints)
	sortByPriority(file.CompilerEndpoints)
	sortByPriority(file.STTEndpoints)
	return file, nil
}

func validateEndpoints(endpoints []EndpointConfig) error {
	seen := make(map[string]bool, len(endpoints))
	for i := range endpoints {
		e := &endpoints[i]
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("endpoint %d: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("endpoint %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		switch e.APIType {
		case APIAnthropic, APIOpenAI:
		default:
			return fmt.Errorf("endpoint %q: unknown api_type %q", e.Name, e.APIType)
		}
		if strings.TrimSpace(e.BaseURL) == "" {
			return fmt.Errorf("endpoint %q: base_url is required", e.Name)
		}
		if strings.TrimSpace(e.Model) == "" {
			return fmt.Errorf("endpoint %q: model is required", e.Name)
		}
		if len(e.Capabilities) == 0 {
			e.Capabilities = []Capability{CapText}
		}
		if e.Timeout <= 0 {
			e.Timeout = 180
		}
	}
	return nil
}

func sortByPriority(endpoints []EndpointConfig) {
	sort.SliceStable(endpoints, func(i, j int) bool {
		return endpoints[i].Priority < endpoints[j].Priority
	})
}
