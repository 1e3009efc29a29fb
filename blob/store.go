package blob

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"
	"unicode/utf8"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/tibordp/mail-server/acl"
)

// Store resolves BlobId content against the shared SQL pool: Blobs for
// Linked entries, Blobs rows with Collection 0 for LinkedMaildir,
// and TemporaryBlobs for freshly uploaded content (spec §4.3).
type Store struct {
	Pool *sqlitex.Pool
	TTL  time.Duration // Temporary blob lifetime; defaults to one hour if zero.
}

func (s *Store) ttl() time.Duration {
	if s.TTL == 0 {
		return time.Hour
	}
	return s.TTL
}

// Token carries the requester's identity for Read-rights checks: the
// principal id list of an auth.AccessToken (its PrincipalIDs()), passed
// in by the caller so that blob does not import the auth package.
type Token struct {
	PrincipalIDs []int64
}

// rawBytes fetches the full underlying content for id with no section
// slicing applied, or (nil, false) if absent.
func rawBytes(conn *sqlite.Conn, id ID) ([]byte, bool, error) {
	switch id.Kind {
	case Linked:
		stmt := conn.Prep(`SELECT Content FROM Blobs WHERE AccountID = $accountID AND Collection = $collection AND DocumentID = $documentID;`)
		stmt.SetInt64("$accountID", id.AccountID)
		stmt.SetInt64("$collection", id.Collection)
		stmt.SetInt64("$documentID", id.DocumentID)
		hasRow, err := stmt.Step()
		if err != nil || !hasRow {
			return nil, false, err
		}
		buf := make([]byte, stmt.GetLen("Content"))
		stmt.GetBytes("Content", buf)
		return buf, true, nil
	case LinkedMaildir:
		stmt := conn.Prep(`SELECT Content FROM Blobs WHERE AccountID = $accountID AND Collection = 0 AND DocumentID = $documentID;`)
		stmt.SetInt64("$accountID", id.AccountID)
		stmt.SetInt64("$documentID", id.DocumentID)
		hasRow, err := stmt.Step()
		if err != nil || !hasRow {
			return nil, false, err
		}
		buf := make([]byte, stmt.GetLen("Content"))
		stmt.GetBytes("Content", buf)
		return buf, true, nil
	case Temporary:
		stmt := conn.Prep(`SELECT Content FROM TemporaryBlobs WHERE AccountID = $accountID AND Token = $token;`)
		stmt.SetText("$accountID", fmt.Sprintf("%d", id.AccountID))
		stmt.SetText("$token", id.RandomToken)
		hasRow, err := stmt.Step()
		if err != nil || !hasRow {
			return nil, false, err
		}
		buf := make([]byte, stmt.GetLen("Content"))
		stmt.GetBytes("Content", buf)
		return buf, true, nil
	}
	return nil, false, fmt.Errorf("blob: unknown kind %v", id.Kind)
}

// slice applies id's Section (if any) to raw, clamping the end to
// len(raw) and reporting whether the requested range was truncated.
func slice(raw []byte, id ID) (data []byte, truncated bool) {
	if !id.HasSection {
		return raw, false
	}
	start := id.Section.Start
	end := id.Section.End
	if start > int64(len(raw)) {
		start = int64(len(raw))
	}
	truncated = end > int64(len(raw))
	if truncated {
		end = int64(len(raw))
	}
	return raw[start:end], truncated
}

// mayReadOwner reports whether token may read the entity a Linked or
// LinkedMaildir blob belongs to. Temporary blobs are readable only by
// their own account (ownership, not ACL).
func mayReadOwner(conn *sqlite.Conn, id ID, token Token) (bool, error) {
	if id.Kind == Temporary {
		for _, p := range token.PrincipalIDs {
			if p == id.AccountID {
				return true, nil
			}
		}
		return false, nil
	}
	// Linked/LinkedMaildir: a principal list containing the owning
	// account id is allowed outright; otherwise require ReadItems on at
	// least one mailbox the underlying email belongs to (approximating
	// "owning entity" rights via the email's mailbox set).
	for _, p := range token.PrincipalIDs {
		if p == id.AccountID {
			return true, nil
		}
	}
	docID := id.DocumentID
	stmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
	stmt.SetInt64("$accountID", id.AccountID)
	stmt.SetInt64("$documentID", docID)
	var mailboxIDs []int64
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return false, err
		}
		if !hasRow {
			break
		}
		mailboxIDs = append(mailboxIDs, stmt.GetInt64("MailboxID"))
	}
	if len(mailboxIDs) == 0 {
		return false, nil
	}
	return acl.CanReadAny(conn, id.AccountID, mailboxIDs, token.PrincipalIDs)
}

// Download returns the full section-sliced content for id if token may
// read it, or (nil, false, nil) if absent or forbidden (spec §4.3).
func (s *Store) Download(ctx context.Context, id ID, token Token) ([]byte, bool, error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, false, ctx.Err()
	}
	defer s.Pool.Put(conn)

	ok, err := mayReadOwner(conn, id, token)
	if err != nil || !ok {
		return nil, false, err
	}
	raw, found, err := rawBytes(conn, id)
	if err != nil || !found {
		return nil, false, err
	}
	data, _ := slice(raw, id)
	return data, true, nil
}

// Digest names the supported content digests for Blob/get (spec §4.3).
type Digest string

const (
	DigestSHA1   Digest = "sha1"
	DigestSHA256 Digest = "sha256"
	DigestSHA512 Digest = "sha512"
)

// DataKind selects how Blob/get should render content.
type DataKind int

const (
	DataDefault DataKind = iota
	DataAsText
	DataAsBase64
)

// GetResult is one entry of a Blob/get response.
type GetResult struct {
	ID                ID
	Found             bool
	Size              int64 // full underlying size, not the sliced size
	Digests           map[Digest]string
	Text              string
	Base64            string
	IsBase64          bool
	IsTruncated       bool
	IsEncodingProblem bool
}

// Get implements the JMAP Blob/get semantics of spec §4.3: size is
// always the full underlying size; offset/length select a sub-range
// clamped to size (setting IsTruncated if the requested end exceeds
// it); digests are computed over the sliced range; data rendering
// follows DataKind.
func (s *Store) Get(ctx context.Context, id ID, token Token, offset, length int64, digests []Digest, data DataKind) (GetResult, error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return GetResult{}, ctx.Err()
	}
	defer s.Pool.Put(conn)

	ok, err := mayReadOwner(conn, id, token)
	if err != nil || !ok {
		return GetResult{}, err
	}
	raw, found, err := rawBytes(conn, id)
	if err != nil || !found {
		return GetResult{}, err
	}

	res := GetResult{ID: id, Found: true, Size: int64(len(raw)), Digests: map[Digest]string{}}

	sliced, sectionTruncated := slice(raw, id)
	rangeEnd := offset + length
	if length == 0 {
		rangeEnd = int64(len(sliced))
	}
	if offset > int64(len(sliced)) {
		offset = int64(len(sliced))
	}
	truncated := sectionTruncated || rangeEnd > int64(len(sliced))
	if rangeEnd > int64(len(sliced)) {
		rangeEnd = int64(len(sliced))
	}
	if rangeEnd < offset {
		rangeEnd = offset
	}
	selected := sliced[offset:rangeEnd]
	res.IsTruncated = truncated

	for _, d := range digests {
		switch d {
		case DigestSHA1:
			sum := sha1.Sum(selected)
			res.Digests[d] = hex.EncodeToString(sum[:])
		case DigestSHA256:
			sum := sha256.Sum256(selected)
			res.Digests[d] = hex.EncodeToString(sum[:])
		case DigestSHA512:
			sum := sha512.Sum512(selected)
			res.Digests[d] = hex.EncodeToString(sum[:])
		}
	}

	switch data {
	case DataAsBase64:
		res.Base64 = base64.StdEncoding.EncodeToString(selected)
		res.IsBase64 = true
	case DataAsText:
		if utf8.Valid(selected) {
			res.Text = string(selected)
		} else {
			res.IsEncodingProblem = true
		}
	default: // DataDefault
		if utf8.Valid(selected) {
			res.Text = string(selected)
		} else {
			res.Base64 = base64.StdEncoding.EncodeToString(selected)
			res.IsBase64 = true
			res.IsEncodingProblem = true
		}
	}
	return res, nil
}

// Fragment is one piece of a Blob/upload body (spec §4.3): either
// literal bytes or a reference to another blob (possibly a #name
// back-reference created earlier in the same request).
type Fragment struct {
	Literal      []byte
	IsReference  bool
	RefBlobID    ID
	RefCreateRef string // non-empty for a "#name" back-reference
	HasOffset    bool
	Offset       int64
	HasLength    bool
	Length       int64
}

// Upload concatenates fragments in order and stores the result as a new
// Temporary blob owned by accountID. created resolves #name
// back-references to blobs created earlier in the same Blob/upload
// call.
func (s *Store) Upload(ctx context.Context, accountID int64, fragments []Fragment, created map[string][]byte, randomToken string) (ID, error) {
	var buf []byte
	for _, f := range fragments {
		if !f.IsReference {
			buf = append(buf, f.Literal...)
			continue
		}
		var src []byte
		if f.RefCreateRef != "" {
			b, ok := created[f.RefCreateRef]
			if !ok {
				return ID{}, fmt.Errorf("blob: unknown create-id reference %q", f.RefCreateRef)
			}
			src = b
		} else {
			conn := s.Pool.Get(ctx)
			if conn == nil {
				return ID{}, ctx.Err()
			}
			raw, found, err := rawBytes(conn, f.RefBlobID)
			s.Pool.Put(conn)
			if err != nil {
				return ID{}, err
			}
			if !found {
				return ID{}, fmt.Errorf("blob: reference to missing blob")
			}
			src = raw
		}
		start := int64(0)
		end := int64(len(src))
		if f.HasOffset {
			start = f.Offset
		}
		if f.HasLength {
			end = start + f.Length
		}
		if start < 0 {
			start = 0
		}
		if end > int64(len(src)) {
			end = int64(len(src))
		}
		if start > end {
			start = end
		}
		buf = append(buf, src[start:end]...)
	}

	now := time.Now().Unix()
	id := ID{Kind: Temporary, AccountID: accountID, Created: now, RandomToken: randomToken}

	conn := s.Pool.Get(ctx)
	if conn == nil {
		return ID{}, ctx.Err()
	}
	defer s.Pool.Put(conn)
	stmt := conn.Prep(`INSERT INTO TemporaryBlobs (AccountID, Token, Created, Content) VALUES ($accountID, $token, $created, $content);`)
	stmt.SetText("$accountID", fmt.Sprintf("%d", accountID))
	stmt.SetText("$token", randomToken)
	stmt.SetInt64("$created", now)
	stmt.SetBytes("$content", buf)
	if _, err := stmt.Step(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// DataType names a JMAP collection Lookup can search for references in.
type DataType string

const (
	DataTypeEmail   DataType = "Email"
	DataTypeMailbox DataType = "Mailbox"
	DataTypeThread  DataType = "Thread"
)

// Lookup resolves, per requested DataType, the entity ids in
// requesterAccountID that reference id. Blobs owned by a different
// account never leak existence: they are reported as if not found
// (spec §4.3, and the §9 dead-branch fix — the cross-account Linked
// check once duplicated this test against the blob's own account id;
// it now only ever compares against the requester's account).
func (s *Store) Lookup(ctx context.Context, id ID, requesterAccountID int64, types []DataType) (map[DataType][]int64, bool, error) {
	if id.AccountID != requesterAccountID {
		return nil, false, nil
	}

	conn := s.Pool.Get(ctx)
	if conn == nil {
		return nil, false, ctx.Err()
	}
	defer s.Pool.Put(conn)

	switch id.Kind {
	case LinkedMaildir:
		out := map[DataType][]int64{}
		for _, t := range types {
			switch t {
			case DataTypeEmail:
				out[t] = []int64{id.DocumentID}
			case DataTypeThread:
				stmt := conn.Prep(`SELECT ThreadID FROM Emails WHERE AccountID = $accountID AND DocumentID = $documentID;`)
				stmt.SetInt64("$accountID", id.AccountID)
				stmt.SetInt64("$documentID", id.DocumentID)
				if hasRow, err := stmt.Step(); err != nil {
					return nil, false, err
				} else if hasRow {
					out[t] = []int64{stmt.GetInt64("ThreadID")}
				}
			case DataTypeMailbox:
				stmt := conn.Prep(`SELECT MailboxID FROM EmailMailboxes WHERE AccountID = $accountID AND DocumentID = $documentID;`)
				stmt.SetInt64("$accountID", id.AccountID)
				stmt.SetInt64("$documentID", id.DocumentID)
				var ids []int64
				for {
					hasRow, err := stmt.Step()
					if err != nil {
						return nil, false, err
					}
					if !hasRow {
						break
					}
					ids = append(ids, stmt.GetInt64("MailboxID"))
				}
				out[t] = ids
			}
		}
		return out, true, nil
	case Linked:
		if id.Collection == 2 { // CollectionEmail, per changelog.Collection numbering
			out := map[DataType][]int64{}
			for _, t := range types {
				if t == DataTypeEmail {
					out[t] = []int64{id.DocumentID}
				}
			}
			return out, true, nil
		}
		return nil, false, nil
	case Temporary:
		return nil, false, nil
	}
	return nil, false, nil
}

// GC deletes expired Temporary blobs (past s.ttl()) and Linked rows
// whose owning Email has been destroyed, the two reclaim paths named
// in spec §4.3.
func (s *Store) GC(ctx context.Context) (removed int, err error) {
	conn := s.Pool.Get(ctx)
	if conn == nil {
		return 0, ctx.Err()
	}
	defer s.Pool.Put(conn)

	cutoff := time.Now().Add(-s.ttl()).Unix()
	err = sqlitex.Exec(conn, `DELETE FROM TemporaryBlobs WHERE Created < $cutoff;`, nil, cutoff)
	if err != nil {
		return 0, err
	}
	removed += conn.Changes()

	err = sqlitex.Exec(conn, `DELETE FROM Blobs WHERE (AccountID, DocumentID) IN
		(SELECT AccountID, DocumentID FROM Emails WHERE Destroyed = TRUE);`, nil)
	if err != nil {
		return removed, err
	}
	removed += conn.Changes()
	return removed, nil
}
