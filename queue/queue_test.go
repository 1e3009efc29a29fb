package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tibordp/mail-server/queue"
)

func TestAttemptCompletedStatus(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	st := c.Attempt(context.Background(), "example.com", func(ctx context.Context) (string, error) {
		return "250 OK", nil
	})
	if st.Kind != queue.Completed {
		t.Fatalf("status kind = %v, want Completed", st.Kind)
	}
	if st.Response != "250 OK" {
		t.Fatalf("response = %q, want %q", st.Response, "250 OK")
	}
}

func TestAttemptConnectionFailureIsTemporary(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	wantErr := errors.New("dial tcp: connection refused")
	st := c.Attempt(context.Background(), "example.com", func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	if st.Kind != queue.TemporaryFailure {
		t.Fatalf("status kind = %v, want TemporaryFailure", st.Kind)
	}
	if st.Err == nil || st.Err.Kind != queue.ErrConnection {
		t.Fatalf("err = %+v, want ErrConnection", st.Err)
	}
}

// TestAttemptBreakerOpensToConcurrencyLimited drives enough consecutive
// failures against one domain to trip its circuit breaker, then checks
// that the next Attempt call maps the open-breaker state to
// ErrConcurrencyLimited without invoking deliver again.
func TestAttemptBreakerOpensToConcurrencyLimited(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	failErr := errors.New("connection reset")

	for i := 0; i < 6; i++ {
		st := c.Attempt(context.Background(), "flaky.example", func(ctx context.Context) (string, error) {
			return "", failErr
		})
		if st.Kind != queue.TemporaryFailure {
			t.Fatalf("attempt %d: status kind = %v, want TemporaryFailure", i, st.Kind)
		}
	}

	called := false
	st := c.Attempt(context.Background(), "flaky.example", func(ctx context.Context) (string, error) {
		called = true
		return "250 OK", nil
	})
	if called {
		t.Fatal("deliver should not run while the breaker is open")
	}
	if st.Kind != queue.TemporaryFailure || st.Err == nil || st.Err.Kind != queue.ErrConcurrencyLimited {
		t.Fatalf("status = %+v, want TemporaryFailure/ErrConcurrencyLimited", st)
	}
}

func TestNextRetryAdvancesThenEscalatesToPermanent(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	now := time.Unix(1700000000, 0)
	d := &queue.Domain{Status: queue.Status{Kind: queue.TemporaryFailure, Err: &queue.Error{Kind: queue.ErrConnection}}}

	for i := 0; i < len(c.RetrySeries)-1; i++ {
		c.NextRetry(d, now)
		if d.Retry.Idx != i+1 {
			t.Fatalf("after advance %d: Retry.Idx = %d, want %d", i, d.Retry.Idx, i+1)
		}
		if d.Status.Kind != queue.TemporaryFailure {
			t.Fatalf("after advance %d: status escalated early to %v", i, d.Status.Kind)
		}
	}

	c.NextRetry(d, now)
	if !d.Status.IsPermanent() {
		t.Fatalf("status = %+v, want PermanentFailure once the retry series is exhausted", d.Status)
	}
	if !d.Changed {
		t.Fatal("expected Changed to be set once a domain is escalated to PermanentFailure")
	}
}

func TestNextNotifyFallsBackToExpiresPlusTenSeconds(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	now := time.Unix(1700000000, 0)
	expires := now.Add(48 * time.Hour)
	d := &queue.Domain{Expires: expires}

	for range c.NotifySeries {
		c.NextNotify(d, now)
	}
	if !d.Notify.Due.Equal(expires.Add(10 * time.Second)) {
		t.Fatalf("Notify.Due = %v, want %v", d.Notify.Due, expires.Add(10*time.Second))
	}
}

// TestAttemptConcurrencyStress exercises Core.Attempt from many
// goroutines across a handful of domains, the shape of spec §8's
// concurrency-stress scenario: the per-domain breaker map must survive
// concurrent first-touch creation without racing.
func TestAttemptConcurrencyStress(t *testing.T) {
	c := queue.NewCore(nil, t.TempDir())
	domains := []string{"a.example", "b.example", "c.example", "d.example", "e.example"}

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		domain := domains[i%len(domains)]
		wg.Add(1)
		go func(domain string) {
			defer wg.Done()
			c.Attempt(context.Background(), domain, func(ctx context.Context) (string, error) {
				return "250 OK", nil
			})
		}(domain)
	}
	wg.Wait()
}
