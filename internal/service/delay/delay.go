// Package delay paces the final message of a custom-extension turn so it does
// not cut off the intermediate message the avatar is still speaking.
package delay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PausePerWord returns how long it takes to speak words at wordsPerMinute.
func PausePerWord(words, wordsPerMinute int) time.Duration {
	if words <= 0 || wordsPerMinute <= 0 {
		return 0
	}
	perWord := float64(time.Minute) / float64(wordsPerMinute)
	return time.Duration(float64(words) * perWord)
}

// Timeout is the remaining speaking time after elapsed has already passed.
// It never goes below zero.
func Timeout(words, wordsPerMinute int, elapsed time.Duration) time.Duration {
	remaining := PausePerWord(words, wordsPerMinute) - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Task is a deferred delivery that can be cancelled until it fires.
type Task struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	fired    atomic.Bool
}

// Schedule runs fn after d unless the task is cancelled or ctx ends first.
func Schedule(ctx context.Context, d time.Duration, fn func()) *Task {
	if d < 0 {
		d = 0
	}
	t := &Task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		}

		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		t.fired.Store(true)
		fn()
	}()

	return t
}

// Cancel prevents the task from firing. It is safe to call more than once
// and after the task has completed.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once the task fired or was abandoned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Fired reports whether fn ran.
func (t *Task) Fired() bool {
	return t.fired.Load()
}
