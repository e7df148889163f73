package engine

import (
	"sync"
	"time"
)

// Debounce returns a wrapper that, on each call, cancels any pending
// invocation of f and schedules a new one d out. Repeated triggers within
// the window coalesce to a single trailing invocation.
func Debounce(f func(), d time.Duration) func() {
	var mu sync.Mutex
	var timer *time.Timer

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(d, f)
	}
}
