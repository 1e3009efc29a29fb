// Package dsn builds RFC 3464 delivery-status-notification messages
// from a queue.Message's recipient outcomes. Build works from (message,
// config, now) -- no I/O beyond the headers-read callback the caller
// supplies -- but it updates the message's recipient flags and domain
// notify schedules in place, and each DSN gets a random MIME boundary
// and Message-Id. Ported line-for-line in spirit from
// crates/smtp/src/queue/dsn.rs's DeliveryAttempt::build_dsn, rendered
// with the stdlib mime/multipart writer instead of mail_builder.
package dsn

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tibordp/mail-server/queue"
)

// Config names the knobs spec §4.6/§8 leaves to deployment
// configuration: the DSN's From header and the reporting MTA hostname.
type Config struct {
	FromName     string
	FromAddress  string
	ReportingMTA string
}

// HeaderReader supplies up to maxBytes of the original message's raw
// bytes, to be embedded (truncated to the last full header line) in
// the "message/rfc822" part of the DSN.
type HeaderReader func(path string, maxBytes int64) ([]byte, error)

// Build renders a DSN for msg's current recipient statuses, honoring
// each recipient's NOTIFY flags, or returns (nil, false) if nothing in
// msg warrants a notification (spec: "no DSN when all recipients have
// NOTIFY_NEVER, or statuses haven't progressed since the last DSN").
// now is passed in rather than read from the clock, so the status and
// schedule logic can be tested against a fixed time.
func Build(msg *queue.Message, cfg Config, now time.Time, readHeaders HeaderReader) ([]byte, bool) {
	var txtSuccess, txtDelay, txtFailed, dsnBody strings.Builder

	for i := range msg.Recipients {
		rcpt := &msg.Recipients[i]
		if rcpt.HasFlag(queue.FlagDSNSent | queue.FlagNotifyNever) {
			continue
		}
		domain := &msg.Domains[rcpt.DomainIdx]

		switch {
		case rcpt.Status.Kind == queue.Completed:
			rcpt.Flags |= queue.FlagDSNSent | queue.FlagStatusChanged
			if !rcpt.HasFlag(queue.FlagNotifySuccess) {
				continue
			}
			writeDSNRecipient(&dsnBody, rcpt)
			writeDSNStatus(&dsnBody, rcpt.Status, "")
			writeResponseText(&txtSuccess, rcpt.Address, rcpt.Status.Response, domain.Domain, nil)

		case rcpt.Status.Kind == queue.TemporaryFailure && !domain.Notify.Due.After(now) && rcpt.HasFlag(queue.FlagNotifyDelay):
			writeDSNRecipient(&dsnBody, rcpt)
			writeDSNStatus(&dsnBody, rcpt.Status, "")
			writeWillRetryUntil(&dsnBody, domain, now)
			writeResponseText(&txtDelay, rcpt.Address, "", domain.Domain, rcpt.Status.Err)

		case rcpt.Status.Kind == queue.PermanentFailure:
			rcpt.Flags |= queue.FlagDSNSent | queue.FlagStatusChanged
			if !rcpt.HasFlag(queue.FlagNotifyFailure) {
				continue
			}
			writeDSNRecipient(&dsnBody, rcpt)
			writeDSNStatus(&dsnBody, rcpt.Status, "")
			writeResponseText(&txtFailed, rcpt.Address, "", domain.Domain, rcpt.Status.Err)

		case rcpt.Status.Kind == queue.Scheduled:
			switch {
			case domain.Status.Kind == queue.PermanentFailure:
				rcpt.Flags |= queue.FlagDSNSent | queue.FlagStatusChanged
				if !rcpt.HasFlag(queue.FlagNotifyFailure) {
					continue
				}
				writeDSNRecipient(&dsnBody, rcpt)
				writeDSNStatus(&dsnBody, domain.Status, "")
				writeResponseText(&txtFailed, rcpt.Address, "", domain.Domain, domain.Status.Err)
			case domain.Status.Kind == queue.TemporaryFailure && !domain.Notify.Due.After(now) && rcpt.HasFlag(queue.FlagNotifyDelay):
				writeDSNRecipient(&dsnBody, rcpt)
				writeDSNStatus(&dsnBody, domain.Status, "")
				writeWillRetryUntil(&dsnBody, domain, now)
				writeResponseText(&txtDelay, rcpt.Address, "", domain.Domain, domain.Status.Err)
			case domain.Status.Kind == queue.Scheduled && !domain.Notify.Due.After(now) && rcpt.HasFlag(queue.FlagNotifyDelay):
				// Should not happen in steady state: a domain still
				// Scheduled past its own notify deadline means every
				// attempt so far was concurrency-limited.
				writeDSNRecipient(&dsnBody, rcpt)
				writeDSNStatus(&dsnBody, domain.Status, "")
				writeWillRetryUntil(&dsnBody, domain, now)
				writeResponseText(&txtDelay, rcpt.Address, "", domain.Domain, &queue.Error{Kind: queue.ErrConcurrencyLimited})
			default:
				continue
			}
		default:
			continue
		}
		dsnBody.WriteString("\r\n")
	}

	if txtSuccess.Len()+txtDelay.Len()+txtFailed.Len() == 0 {
		return nil, false
	}

	hasSuccess := txtSuccess.Len() > 0
	hasDelay := txtDelay.Len() > 0
	hasFailure := txtFailed.Len() > 0

	var txt strings.Builder
	var subject string
	isMixed := false
	switch {
	case hasSuccess && !hasDelay && !hasFailure:
		txt.WriteString("Your message has been successfully delivered to the following recipients:\r\n\r\n")
		subject = "Successfully delivered message"
	case hasDelay && !hasSuccess && !hasFailure:
		txt.WriteString("There was a temporary problem delivering your message to the following recipients:\r\n\r\n")
		subject = "Warning: Delay in message delivery"
	case hasFailure && !hasSuccess && !hasDelay:
		txt.WriteString("Your message could not be delivered to the following recipients:\r\n\r\n")
		subject = "Failed to deliver message"
	case hasSuccess:
		txt.WriteString("Your message has been partially delivered:\r\n\r\n")
		subject = "Partially delivered message"
		isMixed = true
	default:
		txt.WriteString("Your message could not be delivered to some recipients:\r\n\r\n")
		subject = "Warning: Temporary and permanent failures during message delivery"
		isMixed = true
	}

	if hasSuccess {
		if isMixed {
			txt.WriteString("    ----- Delivery to the following addresses was successful -----\r\n")
		}
		txt.WriteString(txtSuccess.String())
		txt.WriteString("\r\n")
	}
	if hasDelay {
		if isMixed {
			txt.WriteString("    ----- There was a temporary problem delivering to these addresses -----\r\n")
		}
		txt.WriteString(txtDelay.String())
		txt.WriteString("\r\n")
	}
	if hasFailure {
		if isMixed {
			txt.WriteString("    ----- Delivery to the following addresses failed -----\r\n")
		}
		txt.WriteString(txtFailed.String())
		txt.WriteString("\r\n")
	}

	if hasDelay {
		for i := range msg.Domains {
			d := &msg.Domains[i]
			if (d.Status.Kind == queue.TemporaryFailure || d.Status.Kind == queue.Scheduled) && !d.Notify.Due.After(now) {
				advanceNotify(d, now)
				d.Changed = true
			}
		}
	}

	var dsnHeader strings.Builder
	fmt.Fprintf(&dsnHeader, "Reporting-MTA: dns;%s\r\n", cfg.ReportingMTA)
	dsnHeader.WriteString("Arrival-Date: ")
	dsnHeader.WriteString(msg.Created.Format(time.RFC1123Z))
	dsnHeader.WriteString("\r\n")
	if msg.EnvID != "" {
		fmt.Fprintf(&dsnHeader, "Original-Envelope-Id: %s\r\n", msg.EnvID)
	}
	dsnHeader.WriteString("\r\n")
	fullDSN := dsnHeader.String() + dsnBody.String()

	var headers []byte
	if readHeaders != nil {
		max := msg.Size
		if max > 1024 {
			max = 1024
		}
		raw, err := readHeaders(msg.Path, max)
		if err == nil {
			headers = cutAtLastBlankLine(raw)
		}
	}

	return renderMIME(cfg, subject, txt.String(), fullDSN, string(headers)), true
}

// cutAtLastBlankLine trims buf to end just after the first blank line
// (a lone LF following a previous LF, i.e. the end of the header block)
// if buf has one, otherwise just after the last LF; a NUL byte cuts buf
// at that byte. It applies no length limit itself: Build passes it at
// most 1024 bytes. This is the same scan dsn.rs performs over the raw
// header bytes so a truncated multi-byte sequence never splits a
// header mid-line.
func cutAtLastBlankLine(buf []byte) []byte {
	if len(buf) == 0 {
		return buf
	}
	lastLF := len(buf)
	prevCh := byte(0)
	for pos, ch := range buf {
		switch ch {
		case '\n':
			lastLF = pos + 1
			if prevCh != '\n' {
				prevCh = ch
			} else {
				lastLF = pos + 1
				goto done
			}
		case '\r':
		case 0:
			lastLF = pos
			goto done
		default:
			prevCh = ch
		}
	}
done:
	if lastLF < len(buf) {
		buf = buf[:lastLF]
	}
	return buf
}

func writeDSNRecipient(dsn *strings.Builder, r *queue.Recipient) {
	if r.Orcpt != "" {
		fmt.Fprintf(dsn, "Original-Recipient: rfc822;%s\r\n", r.Orcpt)
	}
	fmt.Fprintf(dsn, "Final-Recipient: rfc822;%s\r\n", r.Address)
}

func statusAction(s queue.Status) string {
	switch s.Kind {
	case queue.Completed:
		return "delivered"
	case queue.PermanentFailure:
		return "failed"
	default:
		return "delayed"
	}
}

// enhancedStatusCode renders a best-effort RFC 3463 code for s; real
// per-response ESC digits are carried on queue.Error when the original
// SMTP reply supplied them.
func enhancedStatusCode(s queue.Status) string {
	if s.Err != nil && s.Err.ESC != [3]int{} {
		return fmt.Sprintf("%d.%d.%d", s.Err.ESC[0], s.Err.ESC[1], s.Err.ESC[2])
	}
	switch s.Kind {
	case queue.Completed:
		return "2.0.0"
	case queue.PermanentFailure:
		return "5.0.0"
	default:
		return "4.0.0"
	}
}

func writeDSNStatus(dsn *strings.Builder, s queue.Status, remoteMTA string) {
	fmt.Fprintf(dsn, "Action: %s\r\n", statusAction(s))
	fmt.Fprintf(dsn, "Status: %s\r\n", enhancedStatusCode(s))
	if s.Err != nil {
		fmt.Fprintf(dsn, "Diagnostic-Code: smtp;%d %s\r\n", s.Err.Code, sanitizeLine(s.Err.Message))
	}
	host := remoteMTA
	if host == "" && s.Err != nil {
		host = s.Err.Hostname
	}
	if host != "" {
		fmt.Fprintf(dsn, "Remote-MTA: dns;%s\r\n", host)
	}
}

func sanitizeLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

func writeWillRetryUntil(dsn *strings.Builder, d *queue.Domain, now time.Time) {
	if d.Expires.After(now) {
		dsn.WriteString("Will-Retry-Until: ")
		dsn.WriteString(d.Expires.Format(time.RFC1123Z))
		dsn.WriteString("\r\n")
	}
}

func writeResponseText(dst *strings.Builder, addr, rawResponse, domain string, err *queue.Error) {
	if err == nil {
		fmt.Fprintf(dst, "<%s> (delivered with response '%s')\r\n", addr, sanitizeLine(rawResponse))
		return
	}
	switch err.Kind {
	case queue.ErrDNS:
		fmt.Fprintf(dst, "<%s> (failed to lookup '%s': %s)\r\n", addr, domain, err.Message)
	case queue.ErrConnection:
		fmt.Fprintf(dst, "<%s> (connection to '%s' failed: %s)\r\n", addr, err.Hostname, err.Message)
	case queue.ErrTLS:
		fmt.Fprintf(dst, "<%s> (TLS error from '%s': %s)\r\n", addr, err.Hostname, err.Message)
	case queue.ErrDANE:
		fmt.Fprintf(dst, "<%s> (DANE failed to authenticate '%s': %s)\r\n", addr, err.Hostname, err.Message)
	case queue.ErrMTASTS:
		fmt.Fprintf(dst, "<%s> (MTA-STS failed to authenticate '%s': %s)\r\n", addr, domain, err.Message)
	case queue.ErrRateLimited:
		fmt.Fprintf(dst, "<%s> (rate limited)\r\n", addr)
	case queue.ErrConcurrencyLimited:
		fmt.Fprintf(dst, "<%s> (too many concurrent connections to remote server)\r\n", addr)
	default:
		cmd := ""
		if err.Command != "" {
			cmd = fmt.Sprintf("command '%s'", err.Command)
		} else {
			cmd = "transaction"
		}
		fmt.Fprintf(dst, "<%s> (host '%s' rejected %s with code %d (%d.%d.%d) '%s')\r\n",
			addr, err.Hostname, cmd, err.Code, err.ESC[0], err.ESC[1], err.ESC[2], sanitizeLine(err.Message))
	}
}

func advanceNotify(d *queue.Domain, now time.Time) {
	series := []time.Duration{4 * time.Hour, 24 * time.Hour}
	if d.Notify.Idx+1 < len(series) {
		d.Notify.Idx++
		d.Notify.Due = now.Add(series[d.Notify.Idx])
		return
	}
	d.Notify.Due = d.Expires.Add(10 * time.Second)
}

// renderMIME builds the final multipart/report message with the stdlib
// mime/multipart writer -- we do not reach for emersion/go-message here
// because multipart/report construction is a write-only path with no
// parsing to share, so go-message's reader-oriented API would add
// nothing; see DESIGN.md for the full justification.
func renderMIME(cfg Config, subject, txt, dsnBody, headers string) []byte {
	var buf bytes.Buffer
	boundary := "report-" + uuid.NewString()
	mw := multipart.NewWriter(&buf)
	mw.SetBoundary(boundary)

	fromAddr := mime.QEncoding.Encode("utf-8", cfg.FromName)
	fmt.Fprintf(&buf, "From: %s <%s>\r\n", fromAddr, cfg.FromAddress)
	fmt.Fprintf(&buf, "Message-Id: <%s@%s>\r\n", uuid.NewString(), cfg.ReportingMTA)
	fmt.Fprintf(&buf, "Auto-Submitted: auto-generated\r\n")
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/report; report-type=delivery-status;\r\n\tboundary=%q\r\n\r\n", boundary)

	writePart(mw, "text/plain; charset=utf-8", txt)
	writePart(mw, "message/delivery-status", dsnBody)
	writePart(mw, "message/rfc822", headers)
	mw.Close()

	return buf.Bytes()
}

func writePart(mw *multipart.Writer, contentType, body string) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType)
	w, err := mw.CreatePart(h)
	if err != nil {
		return
	}
	io.Copy(w, strings.NewReader(body))
}
