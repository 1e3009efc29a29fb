// Package greylist implements a variant of SMTP greylisting in front of
// C6's inbound relay (spec §4.6): a never-seen-before (remote addr,
// sender, recipient) tuple is deferred with a temporary failure once,
// recorded, and accepted on any later retry after retryWindow elapses.
// Spammers that never retry are filtered for free; legitimate senders,
// whose MTAs always retry 4xx responses, pay a one-time delay.
//
// A popular implementation of greylisting is OpenBSD's spamd(8). More
// general details of the algorithm are at https://www.greylisting.org/.
//
// Unlike spamd's first-contact tarpit, this implementation never blocks
// the SMTP dialog itself: Whitelist/Blacklist callbacks run first so a
// message with other trust signals can bypass the tuple check entirely,
// and GreyDB.Get/Put only gate whether Close reports a temporary or
// permanent acceptance.
package greylist

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"crawshaw.io/iox"

	"github.com/tibordp/mail-server/smtp/smtpserver"
)

var ErrNotFound = errors.New("greylist: IP-from-to tuple not found")

// retryWindow is how long after a first-contact deferral a retry from
// the same (remote addr, from, to) tuple is accepted.
const retryWindow = 5 * time.Minute

type DB interface {
	Get(ctx context.Context, remoteAddr, from, to string) (time.Time, error)
	Put(ctx context.Context, remoteAddr, from, to string) error
}

// Greylist provides an smtpserver.NewMessageFunc that implements greylisting.
//
// If the message passes analysis then ProcessMsg is called.
type Greylist struct {
	Filer      *iox.Filer
	ProcessMsg func(ctx context.Context, msg *RawMsg) error
	Whitelist  func(ctx context.Context, remoteAddr net.Addr, from []byte) (bool, error)
	Blacklist  func(ctx context.Context, remoteAddr net.Addr, from []byte) (bool, error)
	GreyDB     DB
}

func (gl *Greylist) NewMessage(ctx context.Context, remoteAddr net.Addr, from []byte, authToken uint64) (smtpserver.Msg, error) {
	msg := &greyMsg{
		ctx:    ctx,
		gl:     gl,
		rawMsg: new(RawMsg),
	}
	msg.buf = append(msg.buf, from...)
	msg.rawMsg.From = msg.buf[0:len(from):len(from)]
	msg.rawMsg.RemoteAddr = remoteAddr

	return msg, nil
}

// RawMsg is the accepted SMTP transaction a Greylist hands to
// ProcessMsg once allow() has cleared it. DKIM verification happens
// downstream, in inbound.Spool.ProcessRawMsg, once Content is spooled
// to disk and a full RFC 5322 message can be reread.
type RawMsg struct {
	RemoteAddr  net.Addr
	From        []byte
	Recipients  [][]byte
	Whitelist   bool
	Content     io.ReadCloser
	ContentSize int64
}

type greyMsg struct {
	ctx    context.Context
	gl     *Greylist
	f      *iox.BufferFile
	rawMsg *RawMsg
	buf    []byte
}

func (g *greyMsg) AddRecipient(addr []byte) (bool, error) {
	g.buf = append(g.buf, addr...)
	addr = g.buf[len(g.buf)-len(addr) : len(g.buf) : len(g.buf)]
	g.rawMsg.Recipients = append(g.rawMsg.Recipients, addr)
	return true, nil
}

func (g *greyMsg) Write(line []byte) error {
	if g.f == nil {
		g.f = g.gl.Filer.BufferFile(0)
	}
	n, err := g.f.Write(line)
	g.rawMsg.ContentSize += int64(n)
	return err
}

func (g *greyMsg) Cancel() {
	if g.f != nil {
		g.f.Close()
	}
}

// allow reports whether the message should be spooled now. It returns
// (false, nil) for a first-contact tuple that should be deferred with a
// temporary failure rather than rejected outright.
func (g *greyMsg) allow() (bool, error) {
	if g.gl.Whitelist != nil {
		if is, err := g.gl.Whitelist(g.ctx, g.rawMsg.RemoteAddr, g.rawMsg.From); err != nil {
			return false, err
		} else if is {
			g.rawMsg.Whitelist = true
			return true, nil
		}
	}
	if g.gl.Blacklist != nil {
		if is, err := g.gl.Blacklist(g.ctx, g.rawMsg.RemoteAddr, g.rawMsg.From); err != nil {
			return false, err
		} else if is {
			return false, nil
		}
	}
	if g.gl.GreyDB == nil {
		return true, nil
	}
	for _, to := range g.rawMsg.Recipients {
		first, err := g.gl.GreyDB.Get(g.ctx, g.rawMsg.RemoteAddr.String(), string(g.rawMsg.From), string(to))
		if err == ErrNotFound {
			if putErr := g.gl.GreyDB.Put(g.ctx, g.rawMsg.RemoteAddr.String(), string(g.rawMsg.From), string(to)); putErr != nil {
				return false, putErr
			}
			return false, nil
		} else if err != nil {
			return false, err
		} else if time.Since(first) < retryWindow {
			return false, nil
		}
	}
	return true, nil
}

func (g *greyMsg) Close() error {
	defer func() {
		if g.f != nil {
			g.f.Close()
		}
	}()

	if g.f == nil {
		g.f = g.gl.Filer.BufferFile(0)
	}
	if _, err := g.f.Seek(0, 0); err != nil {
		return err
	}
	g.rawMsg.Content = g.f

	ok, err := g.allow()
	if err != nil {
		return err
	}
	if !ok {
		return smtpserver.ErrTempFailure451
	}

	return g.gl.ProcessMsg(g.ctx, g.rawMsg)
}

// MemDB is an in-process GreyDB: fine for a single mailserverd
// instance, not shared across a fleet.
type MemDB struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemDB() *MemDB {
	return &MemDB{seen: make(map[string]time.Time)}
}

func tupleKey(remoteAddr, from, to string) string {
	return remoteAddr + "\x00" + from + "\x00" + to
}

func (db *MemDB) Get(ctx context.Context, remoteAddr, from, to string) (time.Time, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.seen[tupleKey(remoteAddr, from, to)]
	if !ok {
		return time.Time{}, ErrNotFound
	}
	return t, nil
}

func (db *MemDB) Put(ctx context.Context, remoteAddr, from, to string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.seen[tupleKey(remoteAddr, from, to)] = time.Now()
	return nil
}
