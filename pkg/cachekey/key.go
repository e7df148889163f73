// Package cachekey derives deterministic cache key URLs from HTTP requests.
//
// A cache key is the request URL with the pathname normalized and a set of
// engine-reserved query parameters appended: the canonical body, the
// method, and the values of policy-selected key headers. All parameters are
// sorted, so keys are stable under permutation of query parameters,
// top-level JSON body keys, and request headers.
//
// Key construction is a pure function of (request, keyHeaders); the only
// I/O is a single read of the request body, which is restored afterwards.
package cachekey

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/navesadeh/full-cache/pkg/policy"
)

// Engine-reserved query parameters. Reserved names carry the ReservedPrefix
// so that Revert can strip them without a schema.
const (
	// ReservedPrefix marks query parameters owned by the engine.
	ReservedPrefix = "__"

	// ParamBody carries the canonical body string.
	ParamBody = ReservedPrefix + "body"

	// ParamMethod carries the request method as received.
	ParamMethod = ReservedPrefix + "method"

	// HeaderParamPrefix prefixes one parameter per configured key header.
	HeaderParamPrefix = ReservedPrefix + "header-"

	// EmptyValue is the literal used for an absent body or header value.
	EmptyValue = "none"
)

// Build derives the cache key URL for a request. The request body, if any,
// is consumed once and restored before returning.
func Build(r *http.Request, keyHeaders []string) (string, error) {
	u := *r.URL
	u.Path = normalizeURLPath(u.Path)

	body, err := canonicalBody(r)
	if err != nil {
		return "", err
	}
	if body == "" {
		body = EmptyValue
	}

	q := u.Query()
	q.Set(ParamBody, body)
	q.Set(ParamMethod, r.Method)
	for _, h := range keyHeaders {
		value := r.Header.Get(h)
		if value == "" {
			value = EmptyValue
		}
		q.Set(HeaderParamPrefix+h, value)
	}
	// Encode sorts parameters lexicographically by name.
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}

// Revert strips the engine-reserved query parameters from a cache key,
// recovering the original lookup request (method and normalized URL, no
// body).
func Revert(key string) (*http.Request, error) {
	u, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("parse cache key: %w", err)
	}

	q := u.Query()
	method := q.Get(ParamMethod)
	if method == "" {
		method = http.MethodGet
	}
	for name := range q {
		if strings.HasPrefix(name, ReservedPrefix) {
			q.Del(name)
		}
	}
	u.RawQuery = q.Encode()

	return http.NewRequest(method, u.String(), nil)
}

// normalizeURLPath applies the policy path normalization (strip one leading
// and one trailing slash) and re-roots the result so it remains a valid URL
// path.
func normalizeURLPath(p string) string {
	return "/" + policy.NormalizePath(p)
}

// canonicalBody computes the canonical body string for a request:
//
//   - GET/HEAD: empty
//   - application/json: object bodies re-serialized with sorted keys
//   - application/x-www-form-urlencoded: parameters sorted by key
//   - otherwise: the raw text body
//
// The request body is restored after reading.
func canonicalBody(r *http.Request) (string, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return "", nil
	}
	if r.Body == nil {
		return "", nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", fmt.Errorf("read request body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if len(raw) == 0 {
		return "", nil
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "application/json"):
		// encoding/json marshals maps with sorted keys, which yields
		// the canonical form directly.
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return string(raw), nil
		}
		canonical, err := json.Marshal(parsed)
		if err != nil {
			return string(raw), nil
		}
		return string(canonical), nil
	case strings.Contains(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return string(raw), nil
		}
		return values.Encode(), nil
	default:
		return string(raw), nil
	}
}
