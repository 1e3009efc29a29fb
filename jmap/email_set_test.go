package jmap_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/auth"
	"github.com/tibordp/mail-server/blob"
	"github.com/tibordp/mail-server/jmap"
	"github.com/tibordp/mail-server/store/db"
)

func newTestServer(t *testing.T) *jmap.Server {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return &jmap.Server{Pool: pool, Blobs: &blob.Store{Pool: pool}}
}

func grantInbox(t *testing.T, s *jmap.Server, accountID, mailboxID, principalID int64, rights acl.Rights) {
	t.Helper()
	conn := s.Pool.Get(context.Background())
	defer s.Pool.Put(conn)
	if err := acl.Grant(conn, accountID, mailboxID, principalID, rights); err != nil {
		t.Fatal(err)
	}
}

func TestEmailSetCreateThenQuery(t *testing.T) {
	s := newTestServer(t)
	sess := jmap.Session{Token: &auth.AccessToken{PrimaryID: 1}, AccountID: 1}
	grantInbox(t, s, 1, 10, 1, acl.Read|acl.ReadItems|acl.AddItems|acl.RemoveItems|acl.ModifyItems)

	res, err := s.EmailSet(context.Background(), sess, jmap.EmailSetArgs{
		AccountID: 1,
		Create: map[string]jmap.EmailCreate{
			"c1": {
				MailboxIDs: []int64{10},
				Keywords:   []string{"$seen"},
				From:       "alice@example.com",
				To:         []string{"bob@example.com"},
				Subject:    "hello",
				TextBody:   "hi there",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	created, ok := res.Created["c1"]
	if !ok {
		t.Fatalf("expected c1 to be created, got NotCreated=%v", res.NotCreated)
	}
	if created.DocumentID == 0 {
		t.Fatal("expected a non-zero document id")
	}

	ids, _, err := s.EmailQuery(context.Background(), sess, jmap.EmailQueryArgs{AccountID: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != created.DocumentID {
		t.Fatalf("EmailQuery = %v, want [%d]", ids, created.DocumentID)
	}

	// filter by keyword that isn't present excludes the result
	ids, _, err = s.EmailQuery(context.Background(), sess, jmap.EmailQueryArgs{AccountID: 1, HasKeyword: "$flagged"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("EmailQuery with unmatched HasKeyword = %v, want none", ids)
	}
}

func TestEmailSetUpdateKeywordsRequiresModifyItems(t *testing.T) {
	s := newTestServer(t)
	sess := jmap.Session{Token: &auth.AccessToken{PrimaryID: 1}, AccountID: 1}
	grantInbox(t, s, 1, 10, 1, acl.Read|acl.ReadItems|acl.AddItems)

	res, err := s.EmailSet(context.Background(), sess, jmap.EmailSetArgs{
		AccountID: 1,
		Create: map[string]jmap.EmailCreate{
			"c1": {MailboxIDs: []int64{10}, To: []string{"bob@example.com"}, TextBody: "hi"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	docID := res.Created["c1"].DocumentID

	// no ModifyItems grant yet: keyword patch should be refused
	res2, err := s.EmailSet(context.Background(), sess, jmap.EmailSetArgs{
		AccountID: 1,
		Update: map[int64]jmap.EmailUpdate{
			docID: {Keywords: jmap.EmailKeywordPatch{"$seen": true}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, denied := res2.NotUpdated[docID]; !denied {
		t.Fatalf("expected NotUpdated without ModifyItems, got Updated=%v", res2.Updated)
	}

	grantInbox(t, s, 1, 10, 1, acl.Read|acl.ReadItems|acl.AddItems|acl.ModifyItems)
	res3, err := s.EmailSet(context.Background(), sess, jmap.EmailSetArgs{
		AccountID: 1,
		Update: map[int64]jmap.EmailUpdate{
			docID: {Keywords: jmap.EmailKeywordPatch{"$seen": true}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res3.Updated) != 1 || res3.Updated[0] != docID {
		t.Fatalf("expected %d to be updated, got Updated=%v NotUpdated=%v", docID, res3.Updated, res3.NotUpdated)
	}
}

func TestMailboxQueryFiltersByVisibility(t *testing.T) {
	s := newTestServer(t)
	sess := jmap.Session{Token: &auth.AccessToken{PrimaryID: 1}, AccountID: 1}

	setRes, err := s.MailboxSet(context.Background(), sess, jmap.MailboxSetArgs{
		AccountID: 1,
		Create: map[string]jmap.MailboxCreate{
			"inbox":  {Name: "Inbox"},
			"hidden": {Name: "Hidden"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	inboxID := setRes.Created["inbox"]
	hiddenID := setRes.Created["hidden"]

	// MailboxSet's own create path grants the creator full rights, so
	// revoke the "hidden" one to exercise the visibility filter.
	grantInbox(t, s, 1, hiddenID, 1, 0)

	ids, _, err := s.MailboxQuery(context.Background(), sess, jmap.MailboxQueryArgs{AccountID: 1})
	if err != nil {
		t.Fatal(err)
	}
	foundInbox, foundHidden := false, false
	for _, id := range ids {
		if id == inboxID {
			foundInbox = true
		}
		if id == hiddenID {
			foundHidden = true
		}
	}
	if !foundInbox {
		t.Fatalf("MailboxQuery = %v, want to include inbox %d", ids, inboxID)
	}
	if foundHidden {
		t.Fatalf("MailboxQuery = %v, want to exclude revoked mailbox %d", ids, hiddenID)
	}
}
