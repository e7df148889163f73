package engine

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/navesadeh/full-cache/pkg/cachekey"
	"github.com/navesadeh/full-cache/pkg/dedup"
	"github.com/navesadeh/full-cache/pkg/policy"
	"github.com/navesadeh/full-cache/pkg/respcache"
)

// RoundTrip runs one intercepted request through the pipeline:
//
//	resolve -> key -> lookup -> fetch
//
// Requests with no applicable settings bypass the cache entirely. A fresh
// stored entry is served directly; a stale hit is evicted and refetched
// through the deduplication layer. Only 2xx responses are stored.
//
// The request URL must be absolute, since the origin participates in
// policy resolution.
func (e *Engine) RoundTrip(r *http.Request) (*http.Response, error) {
	if e.bypass {
		requestsTotal.WithLabelValues("bypass").Inc()
		return e.httpClient.Do(r)
	}
	ctx := r.Context()

	settings := e.store.ResolveRequestSettings(r, e.env.IgnoreOrigins)
	if !settings.CacheEligible() {
		requestsTotal.WithLabelValues("bypass").Inc()
		e.logger.Debug().Str("url", r.URL.String()).Msg("No applicable settings, bypassing")
		return e.httpClient.Do(r)
	}

	key, err := cachekey.Build(r, settings.KeyHeaders)
	if err != nil {
		requestsTotal.WithLabelValues("bypass").Inc()
		e.logger.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not build cache key, bypassing")
		return e.httpClient.Do(r)
	}

	entry, err := e.cache.Get(ctx, key)
	switch {
	case err == nil:
		storedAt, tsErr := entry.Timestamp()
		if tsErr != nil {
			// Corrupt entries are deleted on sight.
			e.logger.Warn().Err(tsErr).Str("key", key).Msg("Corrupt entry, deleting")
			e.deleteEntry(ctx, key)
		} else if respcache.Fresh(storedAt, settings, e.now()) {
			requestsTotal.WithLabelValues("hit").Inc()
			e.logger.Debug().Str("key", key).Msg("Serving cached response")
			return entry.ToResponse(), nil
		} else {
			e.logger.Debug().Str("key", key).Msg("Stale entry, evicting")
			e.deleteEntry(ctx, key)
		}
	case err != respcache.ErrCacheMiss:
		// Store failure: abandon the lookup, never surface it.
		e.logger.Warn().Err(err).Str("key", key).Msg("Cache lookup failed")
	}

	requestsTotal.WithLabelValues("fetch").Inc()
	result, err := e.deduper.Do(ctx, key, e.fetcher(r, key))
	if err != nil {
		return nil, err
	}
	return result.ToResponse(), nil
}

// fetcher performs the upstream fetch for a cache key. Successful 2xx
// responses are stamped and stored before the fetcher returns, so the
// dedup layer's response-ready broadcast always trails the store write.
func (e *Engine) fetcher(r *http.Request, key string) dedup.Fetcher {
	return func() (*respcache.Entry, error) {
		resp, err := e.httpClient.Do(r)
		if err != nil {
			return nil, err
		}

		entry, err := respcache.FromResponse(resp)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		entry.SetTimestamp(e.now())

		if entry.Status >= 200 && entry.Status < 300 {
			if err := e.cache.Put(r.Context(), key, entry); err != nil {
				e.logger.Warn().Err(err).Str("key", key).Msg("Could not store response")
			}
		}
		return entry, nil
	}
}

func (e *Engine) deleteEntry(ctx context.Context, key string) {
	if err := e.cache.Delete(ctx, key); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("Could not delete entry")
	}
}

// warm runs every prefetch-eligible request for the given modes through
// the pipeline in parallel. Individual failures are logged, never
// propagated.
func (e *Engine) warm(modes ...policy.PrefetchMode) {
	requests := e.store.PrefetchRequests(modes...)
	if len(requests) == 0 {
		return
	}
	e.logger.Info().Int("count", len(requests)).Msg("Warming prefetch entries")

	g, ctx := errgroup.WithContext(e.ctx)
	g.SetLimit(warmupConcurrency)
	for _, pr := range requests {
		g.Go(func() error {
			req, err := pr.NewRequest()
			if err != nil {
				warmupRequests.WithLabelValues("error").Inc()
				e.logger.Warn().Err(err).Str("url", pr.URL).Msg("Could not build prefetch request")
				return nil
			}
			resp, err := e.RoundTrip(req.WithContext(ctx))
			if err != nil {
				warmupRequests.WithLabelValues("error").Inc()
				e.logger.Warn().Err(err).Str("url", pr.URL).Msg("Prefetch failed")
				return nil
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			warmupRequests.WithLabelValues("ok").Inc()
			return nil
		})
	}
	g.Wait()
}

// ServeHTTP implements the http.Handler interface. Proxy-style requests
// carry an absolute URL already; origin-form requests are absolutized from
// the Host header before entering the pipeline.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := r.Clone(r.Context())
	if !req.URL.IsAbs() {
		req.URL.Scheme = "http"
		if req.TLS != nil {
			req.URL.Scheme = "https"
		}
		req.URL.Host = req.Host
	}
	req.RequestURI = ""

	resp, err := e.RoundTrip(req)
	if err != nil {
		e.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Request failed")
		http.Error(w, "could not get response", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		e.logger.Warn().Err(err).Msg("Could not write response body to client")
	}
}
