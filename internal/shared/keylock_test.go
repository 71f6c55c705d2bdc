package shared

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyLocks_LockAllSameStripe(t *testing.T) {
	t.Parallel()

	l := NewKeyLocks(1)
	unlock := l.LockAll("a", "b", "a")
	unlock()

	// A second acquisition must not block if the first released everything.
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.LockAll("b", "a")()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("LockAll did not release all stripes")
	}
}

func TestKeyLocks_NoDeadlockOppositeOrder(t *testing.T) {
	t.Parallel()

	l := NewKeyLocks(8)
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := l.LockAll("doctor", "patient")
			counter++
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := l.LockAll("patient", "doctor")
			counter++
			unlock()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("deadlock acquiring keys in opposite order")
	}
	if counter != 100 {
		t.Fatalf("expected 100 increments, got %d", counter)
	}
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("constraint failed")
	err = RetryOnConflict(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("non-conflict error must not retry: err=%v calls=%d", err, calls)
	}
}
