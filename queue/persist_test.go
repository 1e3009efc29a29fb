package queue_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tibordp/mail-server/queue"
	"github.com/tibordp/mail-server/store/db"
)

func newTestCore(t *testing.T) *queue.Core {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return queue.NewCore(pool, t.TempDir())
}

func sampleMessage(now time.Time) *queue.Message {
	return &queue.Message{
		ID:         1,
		ReturnPath: "sender@example.com",
		Path:       "/spool/1.eml",
		Size:       1024,
		Created:    now,
		Domains: []queue.Domain{
			{DomainIdx: 0, Domain: "example.org", Status: queue.Status{Kind: queue.Scheduled}, Expires: now.Add(5 * 24 * time.Hour)},
		},
		Recipients: []queue.Recipient{
			{RcptIdx: 0, Address: "alice@example.org", DomainIdx: 0, Flags: queue.FlagNotifyFailure | queue.FlagNotifyDelay, Status: queue.Status{Kind: queue.Scheduled}},
			{RcptIdx: 1, Address: "bob@example.org", DomainIdx: 0, Flags: queue.FlagNotifyFailure, Status: queue.Status{Kind: queue.Scheduled}},
		},
	}
}

func TestEnqueueLoadAndUpdateRoundTrip(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	msg := sampleMessage(now)
	if err := c.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	ready, err := c.ReadyDomains(ctx, now.Unix()+1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Fatalf("ReadyDomains returned %d entries, want 1", len(ready))
	}
	if ready[0].MessageID != 1 || ready[0].Domain != "example.org" {
		t.Fatalf("unexpected ready domain: %+v", ready[0])
	}

	loaded, err := c.LoadMessage(ctx, ready[0].MessageID, ready[0].DomainIdx)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("LoadMessage returned nil for a message that was enqueued")
	}
	if loaded.ReturnPath != msg.ReturnPath || loaded.Path != msg.Path || loaded.Size != msg.Size {
		t.Fatalf("loaded message = %+v, want fields matching %+v", loaded, msg)
	}
	if len(loaded.Recipients) != 2 {
		t.Fatalf("loaded %d recipients, want 2", len(loaded.Recipients))
	}

	d := queue.Domain{
		DomainIdx: 0,
		Status:    queue.Status{Kind: queue.PermanentFailure, Err: &queue.Error{Kind: queue.ErrConnection, Message: "refused"}},
		Expires:   msg.Domains[0].Expires,
		Changed:   true,
	}
	if err := c.UpdateDomainStatus(ctx, msg.ID, 0, d); err != nil {
		t.Fatal(err)
	}

	stillReady, err := c.ReadyDomains(ctx, now.Unix()+1)
	if err != nil {
		t.Fatal(err)
	}
	// This update rewrites RetryDue from d.Retry.Due, which is left as
	// the zero time.Time (a large negative Unix value, always <= now),
	// so the domain keeps
	// showing up until the scheduler itself stops attempting it based on
	// the PermanentFailure status this test just wrote.
	if len(stillReady) != 1 {
		t.Fatalf("ReadyDomains after update returned %d entries, want 1", len(stillReady))
	}
}

func TestLoadMessageMissingReturnsNil(t *testing.T) {
	c := newTestCore(t)
	loaded, err := c.LoadMessage(context.Background(), 999, 0)
	if err != nil {
		t.Fatal(err)
	}
	if loaded != nil {
		t.Fatalf("LoadMessage = %+v, want nil for an unknown message id", loaded)
	}
}

func TestReadyDomainsExcludesFutureRetry(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	msg := sampleMessage(now)
	msg.Domains[0].Retry = queue.Schedule{Due: now.Add(time.Hour)}
	if err := c.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	ready, err := c.ReadyDomains(ctx, now.Unix())
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 0 {
		t.Fatalf("ReadyDomains returned %d entries before the retry deadline, want 0", len(ready))
	}

	ready, err = c.ReadyDomains(ctx, now.Add(2*time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Fatalf("ReadyDomains returned %d entries past the retry deadline, want 1", len(ready))
	}
}
