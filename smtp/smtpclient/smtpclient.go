// Package smtpclient is the outbound half of C6 (spec §4.6): it groups
// a queued message's recipients by destination MX, opens one
// connection per MX, and reports a per-recipient Delivery outcome that
// queue.Core.Attempt folds into a domain's Status. Grounded on
// spilled-ink-spilld/smtp/smtpclient, adapted to sign outbound mail
// with an email/dkim.Signer and to log every connection attempt the
// way the rest of this tree does (zerolog, not log.Printf).
package smtpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tibordp/mail-server/email/dkim"
)

// Client delivers queued mail to remote MX hosts. Signer, if set, DKIM
// signs every outbound message before it is spooled out over the
// wire -- the queue never stores a signed copy, signing happens fresh
// on each delivery attempt so a mid-flight key rotation takes effect
// immediately.
type Client struct {
	LocalHostname string   // name of this host, used in EHLO/HELO
	LocalAddr     net.Addr // address on this host to send from
	Resolver      *net.Resolver
	Signer        *dkim.Signer
	Logger        zerolog.Logger

	limiter chan struct{} // per open connection
}

func NewClient(localHostname string, maxConcurrent int) *Client {
	return &Client{
		Resolver:      net.DefaultResolver,
		LocalHostname: localHostname,
		limiter:       make(chan struct{}, maxConcurrent),
	}
}

// Delivery is one recipient's outcome from a single connection
// attempt (spec §4.6's per-recipient status within a domain attempt).
type Delivery struct {
	Recipient string
	Code      int
	Details   string
	Date      time.Time
	Error     error
}

func (d Delivery) Success() bool     { return d.Code == 250 && d.Error == nil }
func (d Delivery) PermFailure() bool { return d.Code >= 500 }
func (d Delivery) TempFailure() bool { return (d.Code >= 400 && d.Code < 500) || d.Error != nil }

// Send groups recipients by MX host and delivers contents to each
// group concurrently. contents/contentSize describe the unsigned
// RFC 5322 message as spooled; if c.Signer is set, Send signs a copy
// before transmission rather than mutating the spool file.
func (c *Client) Send(ctx context.Context, from string, recipients []string, contents io.ReaderAt, contentSize int64) (results []Delivery, err error) {
	mxDomain := make(map[string]string) // domain name -> MX record (a local lookup cache)
	spools := make(map[string][]string) // MX spool -> recipients

	for _, to := range recipients {
		domain := to[strings.LastIndexByte(to, '@')+1:]
		mxAddr := mxDomain[domain]
		if mxAddr != "" {
			spools[mxAddr] = append(spools[mxAddr], to)
			continue
		}
		mxs, err := c.Resolver.LookupMX(ctx, domain)
		if err != nil {
			c.Logger.Warn().Str("rcpt_domain", domain).Err(err).Msg("smtpclient: mx lookup failed")
			continue
		}
		pref := uint16(50000)
		for _, opt := range mxs {
			if opt.Pref < pref {
				mxAddr = opt.Host
				pref = opt.Pref
			}
		}
		if mxAddr == "" {
			continue
		}

		mxDomain[domain] = mxAddr
		spools[mxAddr] = append(spools[mxAddr], to)
	}

	select {
	case <-ctx.Done():
		return nil, context.Canceled
	default:
	}

	body, bodySize, err := c.signedContents(contents, contentSize)
	if err != nil {
		return nil, err
	}

	deliveries := 0
	for _, rcpts := range spools {
		deliveries += len(rcpts)
	}

	resultsCh := make(chan Delivery, deliveries)
	for mxAddr, rcpts := range spools {
		go func(mxAddr string, rcpts []string) {
			r := io.NewSectionReader(body, 0, bodySize)
			results := c.send(ctx, mxAddr+":25", from, rcpts, r)
			for _, res := range results {
				resultsCh <- res
			}
		}(mxAddr, rcpts)
	}

	results = make([]Delivery, deliveries)
	for i := range results {
		results[i] = <-resultsCh
	}
	return results, nil
}

// signedContents returns the bytes Send should transmit: contents
// unmodified if no Signer is configured, otherwise a DKIM-signed copy.
// Signing requires the whole message in memory (the body hash spans
// every byte), so unlike the unsigned path it cannot stream straight
// from the spool file.
func (c *Client) signedContents(contents io.ReaderAt, contentSize int64) (io.ReaderAt, int64, error) {
	if c.Signer == nil {
		return contents, contentSize, nil
	}
	raw := make([]byte, contentSize)
	if _, err := contents.ReadAt(raw, 0); err != nil && err != io.EOF {
		return nil, 0, err
	}
	signed, err := c.Signer.SignRFC822(raw)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(signed), int64(len(signed)), nil
}

func (c *Client) send(ctx context.Context, mxAddr string, from string, recipients []string, r io.Reader) (results []Delivery) {
	results = make([]Delivery, len(recipients))
	for i, rcpt := range recipients {
		results[i].Recipient = rcpt
	}
	allErr := func(err error) []Delivery {
		for i := range results {
			if results[i].Code == 0 {
				results[i].Error = err
			}
		}
		return results
	}

	select {
	case c.limiter <- struct{}{}:
	case <-ctx.Done():
		return allErr(context.Canceled)
	}
	defer func() { <-c.limiter }()

	dialer := &net.Dialer{
		Resolver:  c.Resolver,
		LocalAddr: c.LocalAddr,
	}
	tcpConn, err := dialer.DialContext(ctx, "tcp", mxAddr)
	if err != nil {
		c.Logger.Warn().Str("mx_addr", mxAddr).Err(err).Msg("smtpclient: dial failed")
		return allErr(err)
	}
	host, _, _ := net.SplitHostPort(mxAddr)
	mxConn, err := smtp.NewClient(tcpConn, host)
	if err != nil {
		return allErr(err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		mxConn.Close()
	}()
	defer func() { close(done) }()

	tlsConfig := &tls.Config{
		// Opportunistic TLS: a remote MX refusing STARTTLS or presenting
		// an unverifiable cert should not block delivery. DANE/MTA-STS
		// policy enforcement belongs to a dedicated policy lookup this
		// client does not yet perform.
		InsecureSkipVerify: true,
	}
	if err := mxConn.Hello(c.LocalHostname); err != nil {
		return allErr(err)
	}
	if ok, _ := mxConn.Extension("STARTTLS"); ok {
		if err := mxConn.StartTLS(tlsConfig); err != nil {
			return allErr(err)
		}
	}
	if err := mxConn.Mail(from); err != nil {
		return allErr(err)
	}
	deliverAttempt := 0
	for i, to := range recipients {
		if rcptErr := mxConn.Rcpt(to); rcptErr != nil {
			if tperr, _ := rcptErr.(*textproto.Error); tperr != nil {
				results[i].Code = tperr.Code
				results[i].Details = tperr.Msg
				continue
			}
			err = rcptErr
			break
		}
		deliverAttempt++
	}
	if err != nil {
		return allErr(err)
	}
	if deliverAttempt == 0 {
		return results
	}

	w, err := mxConn.Data()
	if err != nil {
		return allErr(err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return allErr(err)
	}
	if err := w.Close(); err != nil {
		return allErr(err)
	}
	if err := mxConn.Quit(); err != nil {
		return allErr(err)
	}
	now := time.Now()
	for i := range results {
		if results[i].Code == 0 && results[i].Error == nil {
			results[i].Code = 250
			results[i].Date = now
		}
	}
	return results
}
