// Package jmap composes directory, auth, acl, blob, changelog, and
// queue into the JMAP method dispatch layer of spec §6: Blob/get,
// Blob/upload, Blob/lookup, Mailbox/get|set|query|changes, and
// Email/get|set|query|changes|copy|import. There is no Blob/copy
// method. Grounded on
// spilldb/imapdb's method-per-file layout and on
// crates/jmap/src/api/method.rs's dispatch-by-name shape, generalized
// from IMAP command handlers to JMAP's request/response method model.
package jmap

// ErrorKind is the wire-level error taxonomy of spec §7.
type ErrorKind string

const (
	ErrForbidden         ErrorKind = "forbidden"
	ErrNotFound          ErrorKind = "notFound"
	ErrInvalidArguments  ErrorKind = "invalidArguments"
	ErrServerPartialFail ErrorKind = "serverPartialFail"
	ErrStateMismatch     ErrorKind = "stateMismatch"
)

// Error is a method- or set-error response value. It never carries
// details that would leak cross-account existence (spec §7: "never
// leaks existence across accounts").
type Error struct {
	Kind        ErrorKind
	Description string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Description }

func Forbidden(desc string) *Error { return &Error{Kind: ErrForbidden, Description: desc} }
func NotFound(desc string) *Error  { return &Error{Kind: ErrNotFound, Description: desc} }
func InvalidArguments(desc string) *Error {
	return &Error{Kind: ErrInvalidArguments, Description: desc}
}
func ServerPartialFail(desc string) *Error {
	return &Error{Kind: ErrServerPartialFail, Description: desc}
}
func StateMismatch(desc string) *Error { return &Error{Kind: ErrStateMismatch, Description: desc} }
