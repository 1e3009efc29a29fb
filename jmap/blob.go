package jmap

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/tibordp/mail-server/blob"
)

// BlobGetArgs is the Blob/get request body (spec §4.3/§6).
type BlobGetArgs struct {
	IDs        []string
	Properties []string // subset of {id, size, data, digest:sha1|sha256|sha512, isTruncated, isEncodingProblem}
	Offset     int64
	Length     int64
}

// BlobGetEntry is one Blob/get response entry.
type BlobGetEntry struct {
	ID     string
	Found  bool
	Result blob.GetResult
}

// BlobGet implements Blob/get for every id in args.IDs.
func (s *Server) BlobGet(ctx context.Context, sess Session, args BlobGetArgs) ([]BlobGetEntry, error) {
	var digests []blob.Digest
	dataKind := blob.DataDefault
	for _, p := range args.Properties {
		switch p {
		case "digest:sha1":
			digests = append(digests, blob.DigestSHA1)
		case "digest:sha256":
			digests = append(digests, blob.DigestSHA256)
		case "digest:sha512":
			digests = append(digests, blob.DigestSHA512)
		case "data:asText":
			dataKind = blob.DataAsText
		case "data:asBase64":
			dataKind = blob.DataAsBase64
		}
	}

	out := make([]BlobGetEntry, 0, len(args.IDs))
	for _, idStr := range args.IDs {
		id, err := blob.Parse(idStr)
		if err != nil {
			out = append(out, BlobGetEntry{ID: idStr, Found: false})
			continue
		}
		res, err := s.Blobs.Get(ctx, id, blob.Token{PrincipalIDs: sess.Token.PrincipalIDs()}, args.Offset, args.Length, digests, dataKind)
		if err != nil {
			return nil, ServerPartialFail(err.Error())
		}
		out = append(out, BlobGetEntry{ID: idStr, Found: res.Found, Result: res})
	}
	return out, nil
}

// BlobUploadFragment is one fragment of a Blob/upload create body.
type BlobUploadFragment struct {
	Literal      []byte
	IsReference  bool
	RefBlobID    string
	RefCreateRef string
	HasOffset    bool
	Offset       int64
	HasLength    bool
	Length       int64
}

// BlobUpload implements Blob/upload: fragments are concatenated in
// order, with #name back-references resolved against created (blobs
// made earlier in the same request).
func (s *Server) BlobUpload(ctx context.Context, accountID int64, fragments []BlobUploadFragment, created map[string][]byte) (string, error) {
	resolved := make([]blob.Fragment, 0, len(fragments))
	for _, f := range fragments {
		rf := blob.Fragment{Literal: f.Literal, IsReference: f.IsReference, RefCreateRef: f.RefCreateRef, HasOffset: f.HasOffset, Offset: f.Offset, HasLength: f.HasLength, Length: f.Length}
		if f.IsReference && f.RefCreateRef == "" {
			id, err := blob.Parse(f.RefBlobID)
			if err != nil {
				return "", InvalidArguments(err.Error())
			}
			rf.RefBlobID = id
		}
		resolved = append(resolved, rf)
	}

	token, err := randomToken()
	if err != nil {
		return "", ServerPartialFail(err.Error())
	}
	id, err := s.Blobs.Upload(ctx, accountID, resolved, created, token)
	if err != nil {
		return "", ServerPartialFail(err.Error())
	}
	return blob.Format(id), nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// BlobLookup implements Blob/lookup: returns entity ids per requested
// DataType, or NotFound if the blob belongs to a different account
// (never leaking cross-account existence; spec §4.3/§7).
func (s *Server) BlobLookup(ctx context.Context, sess Session, blobIDStr string, types []blob.DataType) (map[blob.DataType][]int64, error) {
	id, err := blob.Parse(blobIDStr)
	if err != nil {
		return nil, InvalidArguments(err.Error())
	}
	result, found, err := s.Blobs.Lookup(ctx, id, sess.AccountID, types)
	if err != nil {
		return nil, ServerPartialFail(err.Error())
	}
	if !found {
		return nil, NotFound("blob not found")
	}
	return result, nil
}
