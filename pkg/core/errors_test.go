package core

import (
	"context"
	"errors"
	"testing"
)

func TestKindOfAndIs(t *testing.T) {
	err := &StoreError{Op: "get", Kind: KindNotFound, Err: ErrNotFound}
	if KindOf(err) != KindNotFound {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if !errors.Is(err, ErrNotFound) {
		t.Fatal("errors.Is against the wrapped sentinel must match")
	}
	other := &StoreError{Op: "delete", Kind: KindNotFound}
	if !errors.Is(err, other) {
		t.Fatal("two StoreErrors of the same Kind must match")
	}
}

func TestWrapErrMapsContextErrors(t *testing.T) {
	if KindOf(wrapErr("op", KindIO, context.DeadlineExceeded)) != KindTimeout {
		t.Fatal("deadline must map to Timeout")
	}
	if KindOf(wrapErr("op", KindIO, context.Canceled)) != KindCancelled {
		t.Fatal("cancellation must map to Cancelled")
	}
}

func TestWithRetryOnlyRetriesIO(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelayMS: 1}, func() error {
		calls++
		return &StoreError{Op: "x", Kind: KindIO, Err: ErrStorageFull}
	})
	if KindOf(err) != KindIO || calls != 3 {
		t.Fatalf("expected 3 attempts ending in Io, got calls=%d err=%v", calls, err)
	}

	calls = 0
	err = withRetry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelayMS: 1}, func() error {
		calls++
		return NewError("x", KindInvalidInput)
	})
	if calls != 1 {
		t.Fatalf("validation errors must not be retried, got %d calls", calls)
	}
	if KindOf(err) != KindInvalidInput {
		t.Fatalf("unexpected error: %v", err)
	}

	calls = 0
	if err := withRetry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelayMS: 1}, func() error {
		calls++
		if calls < 2 {
			return NewError("x", KindIO)
		}
		return nil
	}); err != nil || calls != 2 {
		t.Fatalf("expected success on second attempt, calls=%d err=%v", calls, err)
	}
}
