package queue

import (
	"context"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/tibordp/mail-server/queue")

// Recipient flag bits (spec §3, Recipient.flags).
const (
	FlagDSNSent uint32 = 1 << iota
	FlagStatusChanged
	FlagNotifySuccess
	FlagNotifyDelay
	FlagNotifyFailure
	FlagNotifyNever
)

// Recipient is one destination address within a Message.
type Recipient struct {
	RcptIdx   int
	Address   string
	DomainIdx int
	Orcpt     string
	Flags     uint32
	Status    Status
}

func (r *Recipient) HasFlag(mask uint32) bool { return r.Flags&mask != 0 }

// Schedule is an independent retry or notify timer: Idx indexes into
// the configured backoff series (e.g. [5m, 1h, 6h, ...]); Due is the
// next wall-clock deadline.
type Schedule struct {
	Idx int
	Due time.Time
}

// Domain groups every Recipient that shares a destination domain and
// carries the domain-level delivery state machine: one connection
// attempt's outcome applies to every recipient at that domain unless a
// recipient has its own overriding Status (spec §4.6).
type Domain struct {
	DomainIdx int
	Domain    string
	Status    Status
	Expires   time.Time
	Notify    Schedule
	Retry     Schedule
	Changed   bool
}

// Message is the in-memory queue record paired with the spooled
// message file at Path (spec §3 Queue Message).
type Message struct {
	ID         int64
	ReturnPath string // empty for a null reverse-path (DSN / double-bounce)
	EnvID      string
	Path       string
	Size       int64
	Created    time.Time
	Recipients []Recipient
	Domains    []Domain
}

// IsDoubleBounce reports whether m has a null return-path, meaning a
// delivery failure must not itself generate a DSN (spec "double-bounce
// suppression").
func (m *Message) IsDoubleBounce() bool { return m.ReturnPath == "" }

// Core owns the spool database and the per-destination circuit
// breakers that guard against hammering a struggling remote MX; it is
// the Go analogue of the original's QueueCore.
type Core struct {
	Pool         *sqlitex.Pool
	SpoolDir     string
	RetrySeries  []time.Duration
	NotifySeries []time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func NewCore(pool *sqlitex.Pool, spoolDir string) *Core {
	return &Core{
		Pool:         pool,
		SpoolDir:     spoolDir,
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		RetrySeries:  []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 6 * time.Hour},
		NotifySeries: []time.Duration{4 * time.Hour, 24 * time.Hour},
	}
}

// breaker returns (creating if necessary) the circuit breaker guarding
// concurrent delivery attempts to domain. Guarded by breakersMu since
// Attempt may be called from several goroutines at once.
func (c *Core) breaker(domain string) *gobreaker.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	if b, ok := c.breakers[domain]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        domain,
		MaxRequests: 4,
		Timeout:     30 * time.Second,
	})
	c.breakers[domain] = b
	return b
}

// Attempt runs deliver against domain's breaker, translating an open
// breaker into a ConcurrencyLimited queue.Error (spec §4.6: "errors
// that represent transient capacity limits, e.g. too many concurrent
// connections, map to Error::ConcurrencyLimited rather than a hard
// failure").
func (c *Core) Attempt(ctx context.Context, domain string, deliver func(ctx context.Context) (string, error)) Status {
	ctx, span := tracer.Start(ctx, "queue.Attempt")
	span.SetAttributes(attribute.String("queue.domain", domain))
	defer span.End()

	b := c.breaker(domain)
	result, err := b.Execute(func() (interface{}, error) {
		return deliver(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		span.SetStatus(codes.Error, "breaker open")
		span.SetAttributes(attribute.String("queue.result", "concurrency_limited"))
		return Status{Kind: TemporaryFailure, Err: &Error{Kind: ErrConcurrencyLimited, Hostname: domain}}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("queue.result", "temporary_failure"))
		return Status{Kind: TemporaryFailure, Err: &Error{Kind: ErrConnection, Hostname: domain, Message: err.Error()}}
	}
	span.SetAttributes(attribute.String("queue.result", "completed"))
	return Status{Kind: Completed, Response: result.(string)}
}

// NextRetry advances d's retry schedule to the next backoff step, or
// escalates the domain's status to PermanentFailure if the series is
// exhausted (spec "retry schedule exhausted" edge case).
func (c *Core) NextRetry(d *Domain, now time.Time) {
	if d.Retry.Idx+1 < len(c.RetrySeries) {
		d.Retry.Idx++
		d.Retry.Due = now.Add(c.RetrySeries[d.Retry.Idx])
		return
	}
	d.Status = d.Status.IntoPermanent()
	d.Changed = true
}

// NextNotify advances d's delay-notification schedule, or pushes the
// next notify due-time past Expires so no further delay DSN fires once
// the domain itself is about to expire (mirrors dsn.rs's
// "domain.notify.due = domain.expires + 10s" fallback).
func (c *Core) NextNotify(d *Domain, now time.Time) {
	if d.Notify.Idx+1 < len(c.NotifySeries) {
		d.Notify.Idx++
		d.Notify.Due = now.Add(c.NotifySeries[d.Notify.Idx])
		return
	}
	d.Notify.Due = d.Expires.Add(10 * time.Second)
}
