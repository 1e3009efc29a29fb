// Package inbound adapts smtp/smtpserver's per-connection Msg
// interface to the outbound queue (package queue): every accepted SMTP
// transaction is spooled as a queue.Message and handed to the queue
// for scheduling, the same path a JMAP EmailSubmission/set("send")
// would take internally. Grounded on
// spilldb/spillbox/insertmsg.go's "write to a temp file, then commit a
// database row" idiom, adapted from IMAP mailbox delivery to SMTP
// relay spooling.
package inbound

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"crawshaw.io/iox"
	"github.com/rs/zerolog"

	"github.com/tibordp/mail-server/email/dkim"
	"github.com/tibordp/mail-server/queue"
	"github.com/tibordp/mail-server/smtp/smtpserver"
	"github.com/tibordp/mail-server/smtp/smtpserver/greylist"
)

// Spool writes accepted SMTP transactions into dir and registers them
// with Core for delivery.
type Spool struct {
	Dir    string
	Filer  *iox.Filer
	Core   *queue.Core
	NextID func() int64

	// Verifier, if set, checks the DKIM-Signature on every accepted
	// message once it is fully spooled. A failure is logged, not
	// rejected: DKIM verification here feeds filtering decisions
	// upstream of this server, it is not a delivery gate.
	Verifier *dkim.Verifier
	Logger   zerolog.Logger
}

// message implements smtp/smtpserver.Msg for one SMTP transaction.
type message struct {
	spool      *Spool
	remoteAddr net.Addr
	from       string
	recipients []string
	buf        *iox.BufferFile
	id         int64
}

// NewMessage is an smtp/smtpserver.NewMessageFunc.
func (s *Spool) NewMessage(remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
	buf := s.Filer.BufferFile(0)
	return &message{spool: s, remoteAddr: remoteAddr, from: string(from), buf: buf, id: s.NextID()}, nil
}

func (m *message) AddRecipient(addr []byte) (bool, error) {
	m.recipients = append(m.recipients, string(addr))
	return true, nil
}

func (m *message) Write(line []byte) error {
	_, err := m.buf.Write(line)
	return err
}

func (m *message) Cancel() {
	m.buf.Close()
}

// Close flushes the spooled message to disk and registers it with the
// queue core for delivery scheduling.
func (m *message) Close() error {
	defer m.buf.Close()
	m.buf.Seek(0, 0)
	return m.spool.finish(context.Background(), m.id, m.from, m.recipients, m.buf)
}

// ProcessRawMsg is a greylist.Greylist.ProcessMsg callback: it accepts
// a message that has already passed whitelist/blacklist analysis and
// spools it exactly as message.Close does, so a Greylist can sit in
// front of Spool without duplicating the queue-enqueue path.
func (s *Spool) ProcessRawMsg(ctx context.Context, raw *greylist.RawMsg) error {
	defer raw.Content.Close()
	id := s.NextID()
	recipients := make([]string, len(raw.Recipients))
	for i, r := range raw.Recipients {
		recipients[i] = string(r)
	}
	return s.finish(ctx, id, string(raw.From), recipients, raw.Content)
}

// finish writes a message's content to the spool directory and
// registers it with the queue core for delivery scheduling. Both the
// direct smtpserver.Msg path (message.Close) and the greylist-gated
// path (ProcessRawMsg) converge here.
func (s *Spool) finish(ctx context.Context, id int64, from string, recipients []string, content io.Reader) error {
	path := filepath.Join(s.Dir, fmt.Sprintf("%d.eml", id))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := io.Copy(f, content)
	if err != nil {
		return err
	}

	if s.Verifier != nil {
		raw, err := os.ReadFile(path)
		if err != nil {
			s.Logger.Warn().Err(err).Int64("msg_id", id).Msg("dkim: reread spooled message failed")
		} else if err := s.Verifier.VerifyRFC822(ctx, raw); err != nil {
			s.Logger.Info().Err(err).Int64("msg_id", id).Str("from", from).Msg("dkim: inbound verification failed")
		} else {
			s.Logger.Debug().Int64("msg_id", id).Msg("dkim: inbound verification passed")
		}
	}

	domains := map[string]int{}
	var msg queue.Message
	msg.ID = id
	msg.ReturnPath = from
	msg.Path = path
	msg.Size = size
	msg.Created = time.Now()
	for _, addr := range recipients {
		domain := domainOf(addr)
		idx, ok := domains[domain]
		if !ok {
			idx = len(msg.Domains)
			domains[domain] = idx
			msg.Domains = append(msg.Domains, queue.Domain{
				DomainIdx: idx,
				Domain:    domain,
				Status:    queue.Status{Kind: queue.Scheduled},
				Expires:   msg.Created.Add(5 * 24 * time.Hour),
			})
		}
		msg.Recipients = append(msg.Recipients, queue.Recipient{
			RcptIdx:   len(msg.Recipients),
			Address:   addr,
			DomainIdx: idx,
			Flags:     queue.FlagNotifyFailure | queue.FlagNotifyDelay,
			Status:    queue.Status{Kind: queue.Scheduled},
		})
	}

	return s.Core.Enqueue(ctx, &msg)
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return addr
}
