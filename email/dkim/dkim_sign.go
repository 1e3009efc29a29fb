// Package dkim signs and verifies the DKIM-Signature header RFC 6376
// describes, grounded on spilled-ink-spilld/email/dkim. This mail
// server keeps DKIM signing in scope (spec's Non-goals excludes only
// "DKIM key management UI", not signing itself) and wires a Signer
// into smtpclient.Client.Send so every outbound delivery attempt
// leaves the queue already carrying a valid signature for its
// configured domain.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"net/textproto"
	"sort"
	"strings"
)

// signedHeaders is the default h= header list: every header spec §4.6
// expects an outbound envelope to preserve unmodified in transit.
var signedHeaders = func() []string {
	h := []string{
		"content-type",
		"date",
		"from",
		"in-reply-to",
		"message-id",
		"mime-version",
		"references",
		"subject",
		"to",
	}
	sort.Strings(h)
	return h
}()

// A Signer signs outbound mail for one (domain, selector) pair on
// behalf of Core.Attempt's delivery callback. The TXT record a
// recipient's DKIM verifier fetches is <Selector>._domainkey.<Domain>.
type Signer struct {
	key      *rsa.PrivateKey
	Domain   string
	Selector string
	Headers  []string // h=, lower-case header names to sign; defaults to signedHeaders
}

// NewSigner builds a Signer for domain/selector around a PKCS#1 PEM
// private key, the same key format the original spilld key-management
// tooling produced.
func NewSigner(domain, selector string, privateKeyPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privateKeyPEM)
	if block == nil {
		return nil, errors.New("dkim: cannot decode key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: cannot parse key: %v", err)
	}
	return &Signer{
		key:      key,
		Domain:   domain,
		Selector: selector,
		Headers:  signedHeaders,
	}, nil
}

// SignRFC822 signs a complete RFC 5322 message (headers and body,
// CRLF- or LF-terminated) and returns it with a DKIM-Signature header
// prepended. This is the entry point smtpclient.Client uses: it never
// touches individual header fields itself, only the wire bytes already
// queued for delivery.
func (s *Signer) SignRFC822(raw []byte) ([]byte, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("dkim: parsing message for signing: %v", err)
	}
	sigValue, err := s.Sign(textprotoHeader(msg.Header), msg.Body)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.WriteString("DKIM-Signature: ")
	out.Write(sigValue)
	out.WriteString("\r\n")
	out.Write(raw)
	return out.Bytes(), nil
}

// textprotoHeader adapts a net/mail.Header (map[string][]string,
// canonicalized keys) to the Header interface Sign expects.
type textprotoHeader mail.Header

func (h textprotoHeader) Get(key string) string {
	return mail.Header(h).Get(textproto.CanonicalMIMEHeaderKey(key))
}

// Sign signs an email, reporting a new DKIM-Signature header value.
// It is safe for use by multiple goroutines simultaneously.
func (s *Signer) Sign(hdr Header, body io.Reader) (dkimHeaderValue []byte, err error) {
	h := sha256.New()

	buf := bytes.NewBuffer(make([]byte, 0, 512))
	buf.WriteString("v=1; a=rsa-sha256; c=relaxed/relaxed; d=")
	buf.WriteString(s.Domain)
	buf.WriteString("; s=")
	buf.WriteString(s.Selector)
	buf.WriteString("; h=")
	headers := s.Headers
	if headers == nil {
		headers = signedHeaders
	}
	if err := collectRelaxedHeaders(buf, h, headers, hdr); err != nil {
		return nil, err
	}
	buf.WriteString("; bh=")
	if err := relaxedBodyHash(buf, body); err != nil {
		return nil, err
	}
	buf.WriteString("; b=")

	io.WriteString(h, "dkim-signature:")
	h.Write(buf.Bytes())

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("dkim: %v", err)
	}
	sigFinal := make([]byte, base64.StdEncoding.EncodedLen(len(sig)))
	base64.StdEncoding.Encode(sigFinal, sig)

	// RFC 6376 §3.5: b= is base64 and may carry folding whitespace
	// inserted at arbitrary points, which verifiers must ignore.
	for len(sigFinal) > 0 {
		n := len(sigFinal)
		if n > 66 {
			n = 66
		}
		buf.Write(sigFinal[:n])
		sigFinal = sigFinal[n:]
		if len(sigFinal) > 0 {
			buf.WriteByte(' ')
		}
	}
	return buf.Bytes(), nil
}

// Header is the set of MIME headers on the email being signed.
//
// Get is called with lower-case header names; implementations must
// search case-insensitively.
type Header interface {
	Get(header string) (value string)
}

func relaxedBodyHash(dst *bytes.Buffer, body io.Reader) error {
	var b [sha256.BlockSize]byte
	h := sha256.New()
	if _, err := io.Copy(h, newRelaxedBody(body)); err != nil {
		return fmt.Errorf("dkim: hashing body: %v", err)
	}
	w := base64.NewEncoder(base64.StdEncoding, dst)
	if _, err := w.Write(h.Sum(b[:0])); err != nil {
		return err
	}
	return w.Close()
}

func collectRelaxedHeaders(dstHeaderKeys *bytes.Buffer, dstHeaderBytes io.Writer, candidateHeaders []string, hdr Header) (err error) {
	oneByte := make([]byte, 1)
	numHeaders := 0
	for _, hdrKey := range candidateHeaders {
		v := hdr.Get(hdrKey)
		if v == "" {
			continue
		}
		if numHeaders > 0 {
			dstHeaderKeys.WriteByte(':')
		}
		numHeaders++
		dstHeaderKeys.WriteString(hdrKey)

		// RFC 6376 §3.4.2.1: header field names are lower-cased, values
		// are not ("convert 'SUBJect: AbC' to 'subject: AbC'").
		if _, err := io.WriteString(dstHeaderBytes, hdrKey); err != nil {
			return err
		}
		// §3.4.2.5: retain the colon separator, drop surrounding WSP.
		oneByte[0] = ':'
		if _, err := dstHeaderBytes.Write(oneByte); err != nil {
			return err
		}
		// §3.4.2.4: trim trailing WSP from the unfolded value.
		v = strings.TrimSpace(v)
		// §3.4.2.3: collapse every WSP run (including fold boundaries)
		// to a single space.
		inWhitespace := false
		for i := 0; i < len(v); i++ {
			c := v[i]
			switch c {
			case ' ', '\t':
				if inWhitespace {
					continue
				}
				inWhitespace = true
				c = ' '
			default:
				inWhitespace = false
			}

			oneByte[0] = c
			if _, err := dstHeaderBytes.Write(oneByte); err != nil {
				return err
			}
		}
		if _, err := dstHeaderBytes.Write(crlf); err != nil {
			return err
		}
	}
	return nil
}
