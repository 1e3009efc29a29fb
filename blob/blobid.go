// Package blob implements the content-addressed blob subsystem (spec
// §4.3): the BlobId tagged union, its URL-safe round-tripping
// encoding, and the Download/Get/Upload/Lookup/GC operations. Grounded
// on crates/store/src/blob/ for the BlobId variants and on
// spilldb/spillbox's maildir-style raw-message storage for
// LinkedMaildir semantics.
package blob

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes the three BlobId variants (spec §3, "BlobId sum
// type"). Each variant carries a disjoint field set; callers must
// switch on Kind before touching variant-specific fields, the same
// pattern the teacher uses for its queue Status sum type.
type Kind int

const (
	Linked Kind = iota
	LinkedMaildir
	Temporary
)

// Section names a byte sub-range of the blob's underlying content,
// optionally tagging the content-transfer-encoding it was decoded
// from. Invariant: Start <= End <= size(underlying).
type Section struct {
	Start       int64
	End         int64
	HasEncoding bool
	Encoding    string
}

// ID is the tagged union described in spec §3. Only the fields for Kind
// are meaningful; the zero value of the others is ignored.
type ID struct {
	Kind Kind

	// Linked
	AccountID  int64
	Collection int64
	DocumentID int64

	// LinkedMaildir uses AccountID + DocumentID only.

	// Temporary
	Created     int64
	RandomToken string

	HasSection bool
	Section    Section
}

// Format encodes id as an opaque, URL-safe string. Every field is
// included positionally so Parse(Format(x)) == x, including an absent
// vs. present Section (spec §7, "BlobId round-trips through
// encode/decode byte-for-byte").
func Format(id ID) string {
	var b strings.Builder
	switch id.Kind {
	case Linked:
		fmt.Fprintf(&b, "L.%d.%d.%d", id.AccountID, id.Collection, id.DocumentID)
	case LinkedMaildir:
		fmt.Fprintf(&b, "M.%d.%d", id.AccountID, id.DocumentID)
	case Temporary:
		token := base64.RawURLEncoding.EncodeToString([]byte(id.RandomToken))
		fmt.Fprintf(&b, "T.%d.%d.%s", id.AccountID, id.Created, token)
	}
	if id.HasSection {
		enc := ""
		if id.Section.HasEncoding {
			enc = id.Section.Encoding
		}
		fmt.Fprintf(&b, "~%d.%d.%s", id.Section.Start, id.Section.End, enc)
	}
	return b.String()
}

// Parse decodes a string produced by Format. It is the inverse
// operation the JMAP layer uses whenever a request references a blob
// by its wire-format id.
func Parse(s string) (ID, error) {
	main, sectionPart, hasSection := strings.Cut(s, "~")
	parts := strings.Split(main, ".")
	if len(parts) < 2 {
		return ID{}, fmt.Errorf("blob: malformed id %q", s)
	}
	var id ID
	switch parts[0] {
	case "L":
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("blob: malformed Linked id %q", s)
		}
		id.Kind = Linked
		var err error
		if id.AccountID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return ID{}, err
		}
		if id.Collection, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return ID{}, err
		}
		if id.DocumentID, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
			return ID{}, err
		}
	case "M":
		if len(parts) != 3 {
			return ID{}, fmt.Errorf("blob: malformed LinkedMaildir id %q", s)
		}
		id.Kind = LinkedMaildir
		var err error
		if id.AccountID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return ID{}, err
		}
		if id.DocumentID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return ID{}, err
		}
	case "T":
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("blob: malformed Temporary id %q", s)
		}
		id.Kind = Temporary
		var err error
		if id.AccountID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
			return ID{}, err
		}
		if id.Created, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
			return ID{}, err
		}
		tok, err := base64.RawURLEncoding.DecodeString(parts[3])
		if err != nil {
			return ID{}, err
		}
		id.RandomToken = string(tok)
	default:
		return ID{}, fmt.Errorf("blob: unknown id kind %q", parts[0])
	}

	if hasSection {
		sp := strings.SplitN(sectionPart, ".", 3)
		if len(sp) != 3 {
			return ID{}, fmt.Errorf("blob: malformed section in %q", s)
		}
		start, err := strconv.ParseInt(sp[0], 10, 64)
		if err != nil {
			return ID{}, err
		}
		end, err := strconv.ParseInt(sp[1], 10, 64)
		if err != nil {
			return ID{}, err
		}
		if start > end {
			return ID{}, fmt.Errorf("blob: invalid section %d..%d", start, end)
		}
		id.HasSection = true
		id.Section = Section{Start: start, End: end, HasEncoding: sp[2] != "", Encoding: sp[2]}
	}
	return id, nil
}
