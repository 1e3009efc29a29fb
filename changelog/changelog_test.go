package changelog_test

import (
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite/sqlitex"
	"github.com/tibordp/mail-server/changelog"
	"github.com/tibordp/mail-server/store/db"
)

func openTestPool(t *testing.T) (*sqlitex.Pool, func()) {
	t.Helper()
	dir := t.TempDir()
	pool, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	return pool, func() { pool.Close() }
}

func TestMonotonicNoGaps(t *testing.T) {
	pool, closeFn := openTestPool(t)
	defer closeFn()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	var last int64
	for i := 0; i < 5; i++ {
		b := changelog.Begin(1)
		b.Append(changelog.CollectionEmail, changelog.Created, int64(i))
		id, err := changelog.Commit(conn, b)
		if err != nil {
			t.Fatal(err)
		}
		if id != last+1 {
			t.Fatalf("change id %d, want %d", id, last+1)
		}
		last = id
	}

	changes, err := changelog.Since(conn, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3", len(changes))
	}
	if changes[0].ChangeID != 3 {
		t.Fatalf("first change id = %d, want 3", changes[0].ChangeID)
	}
}

func TestEmptyBuilderConsumesNoID(t *testing.T) {
	pool, closeFn := openTestPool(t)
	defer closeFn()
	conn := pool.Get(nil)
	defer pool.Put(conn)

	b := changelog.Begin(7)
	id, err := changelog.Commit(conn, b)
	if err != nil {
		t.Fatal(err)
	}
	if id != 0 {
		t.Fatalf("empty commit returned id %d, want 0", id)
	}

	b = changelog.Begin(7)
	b.Append(changelog.CollectionMailbox, changelog.Created, 1)
	id, err = changelog.Commit(conn, b)
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatalf("first real commit id = %d, want 1", id)
	}
}
