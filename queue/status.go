// Package queue implements the outbound SMTP delivery queue (spec
// §4.6): per-recipient delivery attempts grouped by destination
// domain, each domain carrying an independent retry/notify schedule
// and a Status state machine. Grounded on
// crates/smtp/src/queue/{mod.rs,dsn.rs} for the state machine shape and
// on smtp/smtpclient.Client for the actual delivery transport, wrapped
// here in a sony/gobreaker circuit breaker per destination domain so a
// struggling remote host degrades to ConcurrencyLimited rather than
// queuing unbounded concurrent connections.
package queue

import "fmt"

// ErrorKind is the queue.Error sum type of the original's
// crates/smtp/src/queue/mod.rs, carried here as a tag plus a details
// string rather than Rust's nested enum -- Go has no pattern-matching
// sum types, so the tag switch in dsn.Build stands in for it.
type ErrorKind int

const (
	ErrUnexpectedResponse ErrorKind = iota
	ErrDNS
	ErrConnection
	ErrTLS
	ErrDANE
	ErrMTASTS
	ErrRateLimited
	ErrConcurrencyLimited
	ErrIO
)

// Error is a delivery failure, carrying the remote host (if any), the
// raw SMTP response (if any), and free-form details.
type Error struct {
	Kind     ErrorKind
	Hostname string // remote entity name, e.g. an MX host or URL
	Command  string // the SMTP command/transaction that was rejected, if any
	Code     int    // SMTP reply code, 0 if not an UnexpectedResponse
	ESC      [3]int // enhanced status code, e.g. {5,1,1}
	Message  string // response text or error details
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrUnexpectedResponse:
		return fmt.Sprintf("unexpected response from %s: %d %s", e.Hostname, e.Code, e.Message)
	case ErrDNS:
		return fmt.Sprintf("DNS lookup failed for %s: %s", e.Hostname, e.Message)
	case ErrConnection:
		return fmt.Sprintf("connection to %s failed: %s", e.Hostname, e.Message)
	case ErrTLS:
		return fmt.Sprintf("TLS error from %s: %s", e.Hostname, e.Message)
	case ErrDANE:
		return fmt.Sprintf("DANE failed to authenticate %s: %s", e.Hostname, e.Message)
	case ErrMTASTS:
		return fmt.Sprintf("MTA-STS failed to authenticate %s: %s", e.Hostname, e.Message)
	case ErrRateLimited:
		return "rate limited"
	case ErrConcurrencyLimited:
		return "too many concurrent connections to remote server"
	default:
		return fmt.Sprintf("queue error: %s", e.Message)
	}
}

// StatusKind tags the Domain/Recipient delivery state machine (spec
// §3 Domain.status, a sum type {Scheduled, TemporaryFailure(err),
// PermanentFailure(err), Completed(response)}).
type StatusKind int

const (
	Scheduled StatusKind = iota
	TemporaryFailure
	PermanentFailure
	Completed
)

// Status is the tagged Domain/Recipient delivery outcome. Only Err is
// meaningful for the two Failure kinds; only Response is meaningful
// for Completed.
type Status struct {
	Kind     StatusKind
	Err      *Error
	Response string // raw final SMTP response text, for Completed
}

// IntoPermanent escalates a TemporaryFailure to PermanentFailure,
// leaving every other status unchanged -- used once a domain's retry
// deadline has elapsed (spec "retry schedule exhausted").
func (s Status) IntoPermanent() Status {
	if s.Kind == TemporaryFailure {
		return Status{Kind: PermanentFailure, Err: s.Err}
	}
	return s
}

// IntoTemporary demotes a PermanentFailure back to TemporaryFailure --
// used when a transient, retriable condition (e.g. ConcurrencyLimited)
// is mistakenly about to be recorded as permanent.
func (s Status) IntoTemporary() Status {
	if s.Kind == PermanentFailure {
		return Status{Kind: TemporaryFailure, Err: s.Err}
	}
	return s
}

func (s Status) IsPermanent() bool { return s.Kind == PermanentFailure }
