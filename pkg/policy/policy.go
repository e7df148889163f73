// Package policy implements hierarchical cache-policy resolution and
// persistence with time-to-live.
//
// A CachePolicy is a four-level tree: root settings, per-origin host nodes,
// per-path endpoint nodes, and per-method settings leaves. Resolving a
// request deep-merges the settings along the matching branch, child values
// taking precedence.
package policy

import (
	"net/http"
	"net/url"
	"strings"
)

// PrefetchMode controls engine-initiated warm-up requests for an endpoint.
type PrefetchMode string

const (
	// PrefetchAlways warms the entry on every prefetch trigger.
	PrefetchAlways PrefetchMode = "always"

	// PrefetchOnLoad warms the entry once on instance startup.
	PrefetchOnLoad PrefetchMode = "on-load"

	// PrefetchOnUpdate warms the entry whenever the policy changes.
	PrefetchOnUpdate PrefetchMode = "on-update"

	// PrefetchNever disables warm-up for the entry. This is the default.
	PrefetchNever PrefetchMode = "never"
)

// CacheSettings is the merged leaf of the policy hierarchy.
//
// LastModified and TTL are optional; at least one must be present for a
// response to be eligible for caching. If both are present, LastModified
// wins for freshness checks and TTL acts as a bound.
type CacheSettings struct {
	// LastModified is the server-authoritative modification time in
	// milliseconds since the epoch.
	LastModified *int64 `json:"lastModified,omitempty"`

	// TTL is the response freshness window in milliseconds.
	TTL *int64 `json:"ttl,omitempty"`

	// KeyHeaders lists request headers whose values participate in the
	// cache key, in order.
	KeyHeaders []string `json:"keyHeaders,omitempty"`

	// Prefetch is the warm-up mode for entries under these settings.
	Prefetch PrefetchMode `json:"prefetch,omitempty"`
}

// CacheEligible reports whether a response under these settings may be
// cached. At least one of TTL or LastModified must be present.
func (s *CacheSettings) CacheEligible() bool {
	if s == nil {
		return false
	}
	return s.TTL != nil || s.LastModified != nil
}

// PrefetchOrDefault returns the prefetch mode, defaulting to PrefetchNever.
func (s *CacheSettings) PrefetchOrDefault() PrefetchMode {
	if s == nil || s.Prefetch == "" {
		return PrefetchNever
	}
	return s.Prefetch
}

// EndpointNode holds settings for a normalized path and its per-method
// overrides.
type EndpointNode struct {
	Settings *CacheSettings            `json:"settings,omitempty"`
	Methods  map[string]*CacheSettings `json:"methods,omitempty"`
}

// HostNode holds settings for an origin and its endpoints, keyed by
// normalized path.
type HostNode struct {
	Settings  *CacheSettings           `json:"settings,omitempty"`
	Endpoints map[string]*EndpointNode `json:"endpoints,omitempty"`
}

// CachePolicy is the root of the policy tree, keyed by origin.
type CachePolicy struct {
	Settings *CacheSettings       `json:"settings,omitempty"`
	Hosts    map[string]*HostNode `json:"hosts"`

	// ConfigTTL is the lifetime of a persisted policy in milliseconds.
	// Zero means the policy is never persisted.
	ConfigTTL int64 `json:"configTTL,omitempty"`
}

// Valid reports whether the policy is structurally usable: the root must
// contain a hosts mapping.
func (p *CachePolicy) Valid() bool {
	return p != nil && p.Hosts != nil
}

// NormalizePath strips a single leading and a single trailing slash from a
// URL pathname. Policy-tree endpoint keys use the same normalization.
func NormalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, "/")
	return p
}

// mergeSettings overlays child settings onto base, child values winning.
// Either argument may be nil. The result is a fresh value; inputs are never
// mutated.
func mergeSettings(base, child *CacheSettings) *CacheSettings {
	if base == nil && child == nil {
		return nil
	}
	merged := &CacheSettings{}
	if base != nil {
		*merged = *base
	}
	if child != nil {
		if child.LastModified != nil {
			merged.LastModified = child.LastModified
		}
		if child.TTL != nil {
			merged.TTL = child.TTL
		}
		if child.KeyHeaders != nil {
			merged.KeyHeaders = child.KeyHeaders
		}
		if child.Prefetch != "" {
			merged.Prefetch = child.Prefetch
		}
	}
	return merged
}

// Resolve returns the merged settings for (origin, path, method), or nil if
// no host or endpoint node matches, or if no settings at any level apply.
func (p *CachePolicy) Resolve(origin, path, method string) *CacheSettings {
	if !p.Valid() {
		return nil
	}
	host, ok := p.Hosts[origin]
	if !ok || host == nil {
		return nil
	}
	endpoint, ok := host.Endpoints[NormalizePath(path)]
	if !ok || endpoint == nil {
		return nil
	}

	merged := mergeSettings(p.Settings, host.Settings)
	merged = mergeSettings(merged, endpoint.Settings)
	if method != "" {
		merged = mergeSettings(merged, endpoint.Methods[strings.ToUpper(method)])
	}
	return merged
}

// RequestOrigin returns the scheme://host origin of a request URL.
func RequestOrigin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// PrefetchRequest is a synthetic request declared by the policy tree,
// paired with its merged settings.
type PrefetchRequest struct {
	Method   string
	URL      string
	Settings *CacheSettings
}

// NewRequest builds an *http.Request for the prefetch entry.
func (r PrefetchRequest) NewRequest() (*http.Request, error) {
	return http.NewRequest(r.Method, r.URL, nil)
}

// PrefetchRequests enumerates every (origin, path, method) triple declared
// anywhere in the tree and returns those whose merged prefetch mode is in
// modes.
func (p *CachePolicy) PrefetchRequests(modes ...PrefetchMode) []PrefetchRequest {
	if !p.Valid() {
		return nil
	}
	modeSet := make(map[PrefetchMode]struct{}, len(modes))
	for _, m := range modes {
		modeSet[m] = struct{}{}
	}

	var out []PrefetchRequest
	for origin, host := range p.Hosts {
		if host == nil {
			continue
		}
		for path, endpoint := range host.Endpoints {
			if endpoint == nil {
				continue
			}
			methods := make([]string, 0, len(endpoint.Methods)+1)
			for method := range endpoint.Methods {
				methods = append(methods, strings.ToUpper(method))
			}
			// An endpoint with settings but no method map is still
			// a declared GET target.
			if len(methods) == 0 {
				methods = append(methods, http.MethodGet)
			}
			for _, method := range methods {
				settings := p.Resolve(origin, path, method)
				if settings == nil {
					continue
				}
				if _, ok := modeSet[settings.PrefetchOrDefault()]; !ok {
					continue
				}
				out = append(out, PrefetchRequest{
					Method:   method,
					URL:      origin + "/" + path,
					Settings: settings,
				})
			}
		}
	}
	return out
}
