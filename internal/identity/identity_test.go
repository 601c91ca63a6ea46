package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/operator/marketsync/internal/errs"
)

func TestAcquireReturnsIdentityAndAppliesBucket(t *testing.T) {
	pool := NewPool([]*Identity{{Name: "a", UserAgent: "UA/1"}}, HostLimits{
		QPS: 100, Burst: 2, MaxWait: time.Second,
	})

	lease, err := pool.Acquire(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Identity.Name != "a" {
		t.Fatalf("expected identity 'a', got %q", lease.Identity.Name)
	}
	lease.Release(OutcomeOK)
}

func TestAcquireTimesOutWhenBucketExhausted(t *testing.T) {
	pool := NewPool([]*Identity{{Name: "a"}}, HostLimits{
		QPS: 0.001, Burst: 1, MaxWait: 150 * time.Millisecond,
	})
	ctx := context.Background()

	first, err := pool.Acquire(ctx, "slow.example.com")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	first.Release(OutcomeOK)

	_, err = pool.Acquire(ctx, "slow.example.com")
	if !errors.Is(err, errs.ErrNoIdentityAvailable) {
		t.Fatalf("expected ErrNoIdentityAvailable once the bucket is empty, got %v", err)
	}
}

func TestReleaseBlockedAppliesCooldown(t *testing.T) {
	pool := NewPool([]*Identity{{Name: "only"}}, HostLimits{
		QPS: 1000, Burst: 10, BaseCooldown: 200 * time.Millisecond, MaxCooldown: time.Second, MaxWait: 100 * time.Millisecond,
	})
	ctx := context.Background()

	lease, err := pool.Acquire(ctx, "host")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	lease.Release(OutcomeBlocked)

	_, err = pool.Acquire(ctx, "host")
	if !errors.Is(err, errs.ErrNoIdentityAvailable) {
		t.Fatalf("expected the only identity to be cooling down, got %v", err)
	}
}

func TestFIFOGateSerializesWaiters(t *testing.T) {
	pool := NewPool([]*Identity{{Name: "a"}, {Name: "b"}}, HostLimits{
		QPS: 1000, Burst: 10, MaxWait: time.Second,
	})
	ctx := context.Background()

	l1, err := pool.Acquire(ctx, "host")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		l2, err := pool.Acquire(ctx, "host")
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			close(done)
			return
		}
		l2.Release(OutcomeOK)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second waiter should not have acquired before the first released")
	case <-time.After(50 * time.Millisecond):
	}
	l1.Release(OutcomeOK)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second waiter never acquired after release")
	}
}
