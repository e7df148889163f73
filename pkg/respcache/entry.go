// Package respcache provides response-content storage on top of a keyed
// Redis blob store, plus the serialized response envelope shared with the
// deduplication bus.
package respcache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TimestampHeader is the engine-managed response header carrying the
// insertion time as ASCII decimal milliseconds since the epoch. An entry
// without a parsable timestamp is corrupt and is deleted on sight.
const TimestampHeader = "x-cache-timestamp"

// Entry is a serialized HTTP response. The same envelope is stored in
// Redis and broadcast on the deduplication bus.
type Entry struct {
	Body       []byte      `json:"body"`
	Status     int         `json:"status"`
	StatusText string      `json:"statusText"`
	Headers    [][2]string `json:"headers"`
}

// FromResponse converts an HTTP response to an Entry. The response body is
// consumed and restored for the caller.
func FromResponse(resp *http.Response) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &Entry{
		Body:       body,
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
	}
	for name, values := range resp.Header {
		for _, value := range values {
			entry.Headers = append(entry.Headers, [2]string{name, value})
		}
	}
	return entry, nil
}

// ToResponse reconstructs a fresh *http.Response from the entry. Each call
// returns an independent body reader, so one entry can serve many waiters.
func (e *Entry) ToResponse() *http.Response {
	header := make(http.Header, len(e.Headers))
	for _, pair := range e.Headers {
		header.Add(pair[0], pair[1])
	}
	return &http.Response{
		StatusCode:    e.Status,
		Status:        fmt.Sprintf("%d %s", e.Status, e.StatusText),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

// GetHeader returns the first value of the named header, matching
// case-insensitively.
func (e *Entry) GetHeader(name string) string {
	for _, pair := range e.Headers {
		if strings.EqualFold(pair[0], name) {
			return pair[1]
		}
	}
	return ""
}

// SetHeader replaces every occurrence of the named header with a single
// value, appending it if absent.
func (e *Entry) SetHeader(name, value string) {
	kept := e.Headers[:0]
	for _, pair := range e.Headers {
		if !strings.EqualFold(pair[0], name) {
			kept = append(kept, pair)
		}
	}
	e.Headers = append(kept, [2]string{name, value})
}

// SetTimestamp stamps the entry with its insertion time.
func (e *Entry) SetTimestamp(t time.Time) {
	e.SetHeader(TimestampHeader, strconv.FormatInt(t.UnixMilli(), 10))
}

// Timestamp parses the entry's insertion time. An absent or unparsable
// timestamp returns ErrInvalidEntry.
func (e *Entry) Timestamp() (time.Time, error) {
	raw := e.GetHeader(TimestampHeader)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s header", ErrInvalidEntry, TimestampHeader)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidEntry, TimestampHeader, err)
	}
	return time.UnixMilli(ms), nil
}
