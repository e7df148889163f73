package respcache

import (
	"time"

	"github.com/navesadeh/full-cache/pkg/policy"
)

// Fresh applies the freshness decision to an entry stored at storedAt under
// the given merged settings:
//
//   - lastModified present: fresh iff storedAt >= lastModified
//   - else ttl present: fresh iff storedAt + ttl > now
//   - neither: never fresh (a response whose freshness cannot be
//     established is never served)
func Fresh(storedAt time.Time, s *policy.CacheSettings, now time.Time) bool {
	if s == nil {
		return false
	}
	if s.LastModified != nil {
		return storedAt.UnixMilli() >= *s.LastModified
	}
	if s.TTL != nil {
		return storedAt.UnixMilli()+*s.TTL > now.UnixMilli()
	}
	return false
}
