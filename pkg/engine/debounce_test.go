package engine

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebounce_CoalescesToTrailingInvocation(t *testing.T) {
	var calls atomic.Int32
	debounced := Debounce(func() { calls.Add(1) }, 30*time.Millisecond)

	debounced()
	debounced()
	debounced()

	time.Sleep(10 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("debounced function ran before the window elapsed")
	}

	time.Sleep(60 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("debounced function ran %d times, want 1", got)
	}
}

func TestDebounce_EachWindowFiresOnce(t *testing.T) {
	var calls atomic.Int32
	debounced := Debounce(func() { calls.Add(1) }, 20*time.Millisecond)

	debounced()
	time.Sleep(50 * time.Millisecond)
	debounced()
	time.Sleep(50 * time.Millisecond)

	if got := calls.Load(); got != 2 {
		t.Errorf("debounced function ran %d times, want 2", got)
	}
}
