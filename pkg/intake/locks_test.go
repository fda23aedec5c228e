package intake

import (
	"context"
	"testing"
	"time"
)

func TestCaseLocksReleaseAndCleanup(t *testing.T) {
	l := newCaseLocks()
	release, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if l.size() != 1 {
		t.Fatalf("expected one lock entry, got %d", l.size())
	}
	release()
	release()
	if l.size() != 0 {
		t.Fatalf("expected lock entry to be dropped, got %d", l.size())
	}
}

func TestCaseLocksWaitHonorsContext(t *testing.T) {
	l := newCaseLocks()
	release, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "a"); err == nil {
		t.Fatalf("expected timeout while lock is held")
	}

	other, err := l.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	other()
}

func TestCancelFlagsTake(t *testing.T) {
	f := newCancelFlags()
	if f.take("a") {
		t.Fatalf("unexpected flag")
	}
	f.set("a")
	if !f.take("a") || f.take("a") {
		t.Fatalf("take should report once")
	}
}
