package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Env is the environment configuration supplied at instance startup as a
// query parameter named "env" whose value is a JSON object.
type Env struct {
	// CacheName identifies the response blob store. Required.
	CacheName string `json:"cacheName"`

	// WebsocketServerURL is the policy stream URL. Required.
	WebsocketServerURL string `json:"websocketServerUrl"`

	// FallbackPollingServerURL is the policy HTTP fallback URL.
	FallbackPollingServerURL string `json:"fallbackPollingServerUrl,omitempty"`

	// FallbackPollingIntervalMs is the HTTP fallback period.
	FallbackPollingIntervalMs int `json:"fallbackPollingIntervalMs,omitempty"`

	// IgnoreOrigins lists origins to always bypass.
	IgnoreOrigins []string `json:"ignoreOrigins,omitempty"`
}

// Valid reports whether the environment is complete enough to cache.
// Missing cacheName or websocketServerUrl puts the engine in no-op bypass
// mode.
func (e Env) Valid() bool {
	return e.CacheName != "" && e.WebsocketServerURL != ""
}

// ParseEnv extracts the Env from a registration URL's "env" query
// parameter.
func ParseEnv(rawURL string) (Env, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Env{}, fmt.Errorf("parse registration url: %w", err)
	}
	raw := u.Query().Get("env")
	if raw == "" {
		return Env{}, fmt.Errorf("registration url has no env parameter")
	}

	var env Env
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Env{}, fmt.Errorf("decode env parameter: %w", err)
	}
	return env, nil
}
