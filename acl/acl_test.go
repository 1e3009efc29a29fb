package acl_test

import (
	"path/filepath"
	"testing"

	"github.com/tibordp/mail-server/acl"
	"github.com/tibordp/mail-server/store/db"
)

func TestGrantAndEffectiveRights(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	if err := acl.Grant(conn, 1, 10, 99, acl.Read|acl.ReadItems); err != nil {
		t.Fatal(err)
	}
	rights, err := acl.EffectiveRights(conn, 1, 10, []int64{99})
	if err != nil {
		t.Fatal(err)
	}
	if !rights.Has(acl.Read | acl.ReadItems) {
		t.Fatalf("rights = %v, want Read|ReadItems", rights)
	}
	if rights.Has(acl.Delete) {
		t.Fatalf("rights = %v, should not have Delete", rights)
	}
}

func TestGroupInheritanceUnionsRights(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	// principal 1 gets ReadItems directly, group 2 (which it belongs to,
	// modeled here simply as an extra id in principalIDs) gets AddItems.
	if err := acl.Grant(conn, 1, 10, 1, acl.ReadItems); err != nil {
		t.Fatal(err)
	}
	if err := acl.Grant(conn, 1, 10, 2, acl.AddItems); err != nil {
		t.Fatal(err)
	}
	rights, err := acl.EffectiveRights(conn, 1, 10, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if !rights.Has(acl.ReadItems | acl.AddItems) {
		t.Fatalf("rights = %v, want union of both grants", rights)
	}
}

func TestGrantZeroRemoves(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	if err := acl.Grant(conn, 1, 10, 1, acl.Read); err != nil {
		t.Fatal(err)
	}
	if err := acl.Grant(conn, 1, 10, 1, 0); err != nil {
		t.Fatal(err)
	}
	rights, err := acl.EffectiveRights(conn, 1, 10, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if rights != 0 {
		t.Fatalf("rights = %v, want 0 after revoke", rights)
	}
}

func TestCanDestroyAllRequiresEveryMailbox(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	if err := acl.Grant(conn, 1, 10, 1, acl.RemoveItems); err != nil {
		t.Fatal(err)
	}
	// no grant on mailbox 11
	ok, err := acl.CanDestroyAll(conn, 1, []int64{10, 11}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected CanDestroyAll to fail without rights on mailbox 11")
	}

	if err := acl.Grant(conn, 1, 11, 1, acl.RemoveItems); err != nil {
		t.Fatal(err)
	}
	ok, err = acl.CanDestroyAll(conn, 1, []int64{10, 11}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected CanDestroyAll to succeed once both mailboxes grant RemoveItems")
	}
}

func TestCanModifyAnyAcceptsASingleMailbox(t *testing.T) {
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	ok, err := acl.CanModifyAny(conn, 1, []int64{10, 11}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected CanModifyAny to fail with no grants at all")
	}

	if err := acl.Grant(conn, 1, 11, 1, acl.ModifyItems); err != nil {
		t.Fatal(err)
	}
	ok, err = acl.CanModifyAny(conn, 1, []int64{10, 11}, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected CanModifyAny to succeed once any one mailbox grants ModifyItems")
	}
}
