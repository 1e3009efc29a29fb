package queue

import (
	"context"
	"encoding/json"
	"time"
)

// statusJSON/recipientStatusJSON give Status a stable on-disk
// encoding for the QueueDomains/QueueRecipients StatusJSON columns.
type statusJSON struct {
	Kind     StatusKind `json:"kind"`
	Err      *Error     `json:"err,omitempty"`
	Response string     `json:"response,omitempty"`
}

func encodeStatus(s Status) string {
	b, _ := json.Marshal(statusJSON{Kind: s.Kind, Err: s.Err, Response: s.Response})
	return string(b)
}

func decodeStatus(raw string) Status {
	var j statusJSON
	_ = json.Unmarshal([]byte(raw), &j)
	return Status{Kind: j.Kind, Err: j.Err, Response: j.Response}
}

// Enqueue persists msg's spool metadata, domains, and recipients as
// one transaction, making it visible to the scheduler (spec §4.6:
// "each outbound message is persisted to a spool path with a Message
// metadata record").
func (c *Core) Enqueue(ctx context.Context, msg *Message) error {
	conn := c.Pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer c.Pool.Put(conn)

	stmt := conn.Prep(`INSERT INTO QueueMessages (MessageID, ReturnPath, Path, Size, EnvID, CreatedTS) VALUES ($id, $returnPath, $path, $size, $envID, $created);`)
	stmt.SetInt64("$id", msg.ID)
	stmt.SetText("$returnPath", msg.ReturnPath)
	stmt.SetText("$path", msg.Path)
	stmt.SetInt64("$size", msg.Size)
	stmt.SetText("$envID", msg.EnvID)
	stmt.SetInt64("$created", msg.Created.Unix())
	if _, err := stmt.Step(); err != nil {
		return err
	}

	for _, d := range msg.Domains {
		ds := conn.Prep(`INSERT INTO QueueDomains (MessageID, DomainIdx, Domain, StatusJSON, ExpiresTS, NotifyIdx, NotifyDue, RetryIdx, RetryDue, Changed)
			VALUES ($id, $idx, $domain, $status, $expires, $notifyIdx, $notifyDue, $retryIdx, $retryDue, $changed);`)
		ds.SetInt64("$id", msg.ID)
		ds.SetInt64("$idx", int64(d.DomainIdx))
		ds.SetText("$domain", d.Domain)
		ds.SetText("$status", encodeStatus(d.Status))
		ds.SetInt64("$expires", d.Expires.Unix())
		ds.SetInt64("$notifyIdx", int64(d.Notify.Idx))
		ds.SetInt64("$notifyDue", d.Notify.Due.Unix())
		ds.SetInt64("$retryIdx", int64(d.Retry.Idx))
		ds.SetInt64("$retryDue", d.Retry.Due.Unix())
		ds.SetBool("$changed", d.Changed)
		if _, err := ds.Step(); err != nil {
			return err
		}
	}

	for _, r := range msg.Recipients {
		rs := conn.Prep(`INSERT INTO QueueRecipients (MessageID, RcptIdx, Address, DomainIdx, Orcpt, Flags, StatusJSON)
			VALUES ($id, $idx, $address, $domainIdx, $orcpt, $flags, $status);`)
		rs.SetInt64("$id", msg.ID)
		rs.SetInt64("$idx", int64(r.RcptIdx))
		rs.SetText("$address", r.Address)
		rs.SetInt64("$domainIdx", int64(r.DomainIdx))
		rs.SetText("$orcpt", r.Orcpt)
		rs.SetInt64("$flags", int64(r.Flags))
		rs.SetText("$status", encodeStatus(r.Status))
		if _, err := rs.Step(); err != nil {
			return err
		}
	}
	return nil
}

// ReadyDomains loads every (messageID, domain) pair whose retry
// deadline has elapsed, across every spooled message -- the set the
// scheduler should attempt next (spec §4.6: "selects ready domains
// (those whose retry.due <= now)").
func (c *Core) ReadyDomains(ctx context.Context, now int64) ([]ReadyDomain, error) {
	conn := c.Pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer c.Pool.Put(conn)

	stmt := conn.Prep(`SELECT MessageID, DomainIdx, Domain FROM QueueDomains WHERE RetryDue <= $now;`)
	stmt.SetInt64("$now", now)
	var out []ReadyDomain
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, ReadyDomain{
			MessageID: stmt.GetInt64("MessageID"),
			DomainIdx: int(stmt.GetInt64("DomainIdx")),
			Domain:    stmt.GetText("Domain"),
		})
	}
	return out, nil
}

// ReadyDomain names one (message, domain) pair due for a delivery
// attempt.
type ReadyDomain struct {
	MessageID int64
	DomainIdx int
	Domain    string
}

// LoadMessage reconstructs a spooled Message -- its recipients scoped to
// domainIdx -- for the scheduler to hand to a delivery attempt.
func (c *Core) LoadMessage(ctx context.Context, messageID int64, domainIdx int) (*Message, error) {
	conn := c.Pool.Get(ctx)
	if conn == nil {
		return nil, ctx.Err()
	}
	defer c.Pool.Put(conn)

	msg := &Message{ID: messageID}
	mstmt := conn.Prep(`SELECT ReturnPath, Path, Size, EnvID, CreatedTS FROM QueueMessages WHERE MessageID = $id;`)
	mstmt.SetInt64("$id", messageID)
	hasRow, err := mstmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		return nil, nil
	}
	msg.ReturnPath = mstmt.GetText("ReturnPath")
	msg.Path = mstmt.GetText("Path")
	msg.Size = mstmt.GetInt64("Size")
	msg.EnvID = mstmt.GetText("EnvID")
	msg.Created = time.Unix(mstmt.GetInt64("CreatedTS"), 0)

	rstmt := conn.Prep(`SELECT RcptIdx, Address, Orcpt, Flags, StatusJSON FROM QueueRecipients WHERE MessageID = $id AND DomainIdx = $domainIdx;`)
	rstmt.SetInt64("$id", messageID)
	rstmt.SetInt64("$domainIdx", int64(domainIdx))
	for {
		hasRow, err := rstmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		msg.Recipients = append(msg.Recipients, Recipient{
			RcptIdx:   int(rstmt.GetInt64("RcptIdx")),
			Address:   rstmt.GetText("Address"),
			DomainIdx: domainIdx,
			Orcpt:     rstmt.GetText("Orcpt"),
			Flags:     uint32(rstmt.GetInt64("Flags")),
			Status:    decodeStatus(rstmt.GetText("StatusJSON")),
		})
	}
	return msg, nil
}

// UpdateDomainStatus persists a domain's post-attempt state.
func (c *Core) UpdateDomainStatus(ctx context.Context, messageID int64, domainIdx int, d Domain) error {
	conn := c.Pool.Get(ctx)
	if conn == nil {
		return ctx.Err()
	}
	defer c.Pool.Put(conn)

	stmt := conn.Prep(`UPDATE QueueDomains SET StatusJSON = $status, NotifyIdx = $notifyIdx, NotifyDue = $notifyDue,
		RetryIdx = $retryIdx, RetryDue = $retryDue, Changed = $changed WHERE MessageID = $id AND DomainIdx = $idx;`)
	stmt.SetText("$status", encodeStatus(d.Status))
	stmt.SetInt64("$notifyIdx", int64(d.Notify.Idx))
	stmt.SetInt64("$notifyDue", d.Notify.Due.Unix())
	stmt.SetInt64("$retryIdx", int64(d.Retry.Idx))
	stmt.SetInt64("$retryDue", d.Retry.Due.Unix())
	stmt.SetBool("$changed", d.Changed)
	stmt.SetInt64("$id", messageID)
	stmt.SetInt64("$idx", int64(domainIdx))
	_, err := stmt.Step()
	return err
}
