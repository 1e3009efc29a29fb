package blob_test

import (
	"context"
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite/sqlitex"

	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/store/db"
)

func testContext() context.Context { return context.Background() }

func openTestStore(t *testing.T) (*blob.Store, *sqlitex.Pool) {
	t.Helper()
	pool, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return &blob.Store{Pool: pool}, pool
}

func insertLinkedBlob(t *testing.T, pool *sqlitex.Pool, accountID, collection, documentID int64, content []byte) {
	t.Helper()
	conn := pool.Get(nil)
	defer pool.Put(conn)
	stmt := conn.Prep(`INSERT INTO Blobs (AccountID, Collection, DocumentID, Content) VALUES ($accountID, $collection, $documentID, $content);`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$collection", collection)
	stmt.SetInt64("$documentID", documentID)
	stmt.SetBytes("$content", content)
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
}

func TestUploadThenGetRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := testContext()

	id, err := store.Upload(ctx, 1, []blob.Fragment{{Literal: []byte("hello world")}}, nil, "tok-1")
	if err != nil {
		t.Fatal(err)
	}
	if id.Kind != blob.Temporary || id.AccountID != 1 || id.RandomToken != "tok-1" {
		t.Fatalf("unexpected upload id: %+v", id)
	}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 0, 0, nil, blob.DataDefault)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found {
		t.Fatal("expected uploaded blob to be found")
	}
	if res.Text != "hello world" {
		t.Fatalf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Size != int64(len("hello world")) {
		t.Fatalf("Size = %d, want %d", res.Size, len("hello world"))
	}
}

func TestUploadComposesReferenceAndBackReferenceFragments(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	insertLinkedBlob(t, pool, 1, 1, 42, []byte("LINKED"))

	created := map[string][]byte{"first": []byte("FIRST-")}
	fragments := []blob.Fragment{
		{IsReference: true, RefCreateRef: "first"},
		{Literal: []byte("-")},
		{IsReference: true, RefBlobID: blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}},
	}
	id, err := store.Upload(ctx, 1, fragments, created, "tok-2")
	if err != nil {
		t.Fatal(err)
	}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 0, 0, nil, blob.DataDefault)
	if err != nil {
		t.Fatal(err)
	}
	want := "FIRST--LINKED"
	if res.Text != want {
		t.Fatalf("Text = %q, want %q", res.Text, want)
	}
}

func TestGetDigestWithRange(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	content := []byte("The quick brown fox jumps over the lazy dog")
	insertLinkedBlob(t, pool, 1, 1, 42, content)
	id := blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 4, 9,
		[]blob.Digest{blob.DigestSHA1, blob.DigestSHA256, blob.DigestSHA512}, blob.DataDefault)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found {
		t.Fatal("expected blob to be found")
	}
	if res.Text != "quick bro" {
		t.Fatalf("Text = %q, want %q", res.Text, "quick bro")
	}
	if res.Size != int64(len(content)) {
		t.Fatalf("Size = %d, want full underlying size %d", res.Size, len(content))
	}
	wantDigests := map[blob.Digest]string{
		blob.DigestSHA1:   "4224403ed7f25fc2bab66d62380b59f3b5e3dd6c",
		blob.DigestSHA256: "81d83d20d5bb9701cae8e43dbb47700f3d9963f82e6e2d049f4c651692add0e0",
		blob.DigestSHA512: "d81de95266ecd08922dd6d87fa751d6137b7eb737e89c3b1262bb9f5d845181fad68fc0acb139bd1fd9a23ad1507129b775bf762dd80af771dafd3724923870d",
	}
	for d, want := range wantDigests {
		if got := res.Digests[d]; got != want {
			t.Fatalf("digest %s = %q, want %q", d, got, want)
		}
	}
}

func TestGetRangeBeyondContentIsTruncated(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	content := []byte("short")
	insertLinkedBlob(t, pool, 1, 1, 42, content)
	id := blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 0, 100, nil, blob.DataDefault)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsTruncated {
		t.Fatal("expected IsTruncated for a range exceeding the content length")
	}
	if res.Text != "short" {
		t.Fatalf("Text = %q, want %q", res.Text, "short")
	}
}

func TestGetNonUTF8ContentIsEncodingProblem(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	content := []byte{0xff, 0xfe, 0xfd, 0x00, 0x01}
	insertLinkedBlob(t, pool, 1, 1, 42, content)
	id := blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 0, 0, nil, blob.DataDefault)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsEncodingProblem {
		t.Fatal("expected IsEncodingProblem for non-UTF8 content under DataDefault")
	}
	if !res.IsBase64 {
		t.Fatal("expected fallback to base64 rendering for non-UTF8 content")
	}
}

func TestGetAsTextOnNonUTF8SetsEncodingProblemWithoutBase64Fallback(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	content := []byte{0xff, 0xfe}
	insertLinkedBlob(t, pool, 1, 1, 42, content)
	id := blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}

	res, err := store.Get(ctx, id, blob.Token{PrincipalIDs: []int64{1}}, 0, 0, nil, blob.DataAsText)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsEncodingProblem {
		t.Fatal("expected IsEncodingProblem under DataAsText for non-UTF8 content")
	}
	if res.IsBase64 {
		t.Fatal("DataAsText should not fall back to base64")
	}
}

func TestLookupResolvesLinkedMaildirEntities(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	conn := pool.Get(nil)
	mstmt := conn.Prep(`INSERT INTO Emails (AccountID, DocumentID, ThreadID) VALUES (1, 42, 7);`)
	if _, err := mstmt.Step(); err != nil {
		t.Fatal(err)
	}
	bstmt := conn.Prep(`INSERT INTO EmailMailboxes (AccountID, DocumentID, MailboxID) VALUES (1, 42, 100);`)
	if _, err := bstmt.Step(); err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)

	id := blob.ID{Kind: blob.LinkedMaildir, AccountID: 1, DocumentID: 42}
	out, found, err := store.Lookup(ctx, id, 1, []blob.DataType{blob.DataTypeEmail, blob.DataTypeThread, blob.DataTypeMailbox})
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected Lookup to find the owning account's entities")
	}
	if len(out[blob.DataTypeEmail]) != 1 || out[blob.DataTypeEmail][0] != 42 {
		t.Fatalf("Email ids = %v, want [42]", out[blob.DataTypeEmail])
	}
	if len(out[blob.DataTypeThread]) != 1 || out[blob.DataTypeThread][0] != 7 {
		t.Fatalf("Thread ids = %v, want [7]", out[blob.DataTypeThread])
	}
	if len(out[blob.DataTypeMailbox]) != 1 || out[blob.DataTypeMailbox][0] != 100 {
		t.Fatalf("Mailbox ids = %v, want [100]", out[blob.DataTypeMailbox])
	}
}

func TestLookupNeverLeaksAcrossAccounts(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	conn := pool.Get(nil)
	stmt := conn.Prep(`INSERT INTO Emails (AccountID, DocumentID, ThreadID) VALUES (1, 42, 7);`)
	if _, err := stmt.Step(); err != nil {
		t.Fatal(err)
	}
	pool.Put(conn)

	id := blob.ID{Kind: blob.LinkedMaildir, AccountID: 1, DocumentID: 42}
	out, found, err := store.Lookup(ctx, id, 2, []blob.DataType{blob.DataTypeEmail})
	if err != nil {
		t.Fatal(err)
	}
	if found || out != nil {
		t.Fatalf("cross-account lookup must report not-found, got found=%v out=%v", found, out)
	}
}

func TestDownloadDeniesWithoutReadRights(t *testing.T) {
	store, pool := openTestStore(t)
	ctx := testContext()

	insertLinkedBlob(t, pool, 1, 1, 42, []byte("secret"))
	id := blob.ID{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42}

	_, found, err := store.Download(ctx, id, blob.Token{PrincipalIDs: []int64{99}})
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected Download to deny a principal with no read rights")
	}
}
