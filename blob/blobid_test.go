package blob_test

import (
	"testing"

	"github.com/tibordp/mail-server/blob"
)

func TestBlobIDRoundTrip(t *testing.T) {
	cases := []blob.ID{
		{Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42},
		{Kind: blob.LinkedMaildir, AccountID: 1, DocumentID: 42},
		{Kind: blob.Temporary, AccountID: 7, Created: 1700000000, RandomToken: "abc123"},
		{
			Kind: blob.Linked, AccountID: 1, Collection: 1, DocumentID: 42,
			HasSection: true, Section: blob.Section{Start: 10, End: 20},
		},
		{
			Kind: blob.Temporary, AccountID: 7, Created: 1700000000, RandomToken: "abc123",
			HasSection: true, Section: blob.Section{Start: 0, End: 8, HasEncoding: true, Encoding: "base64"},
		},
	}

	for i, want := range cases {
		s := blob.Format(want)
		got, err := blob.Parse(s)
		if err != nil {
			t.Fatalf("case %d: Parse(%q) error: %v", i, s, err)
		}
		if got != want {
			t.Fatalf("case %d: round trip mismatch: got %+v, want %+v (wire %q)", i, got, want, s)
		}
	}
}

func TestBlobIDRandomTokenSurvivesURLUnsafeBytes(t *testing.T) {
	id := blob.ID{Kind: blob.Temporary, AccountID: 1, Created: 5, RandomToken: string([]byte{0xff, 0x00, 0x10, '.', '~'})}
	s := blob.Format(id)
	got, err := blob.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q) error: %v", s, err)
	}
	if got.RandomToken != id.RandomToken {
		t.Fatalf("RandomToken = %q, want %q", got.RandomToken, id.RandomToken)
	}
}

func TestParseRejectsMalformedIDs(t *testing.T) {
	for _, s := range []string{
		"",
		"X.1.2.3",
		"L.1.2",
		"M.1",
		"T.1.2",
		"L.1.2.3~5.2.",
	} {
		if _, err := blob.Parse(s); err == nil {
			t.Fatalf("Parse(%q): expected error, got nil", s)
		}
	}
}

func TestParseRejectsInvertedSection(t *testing.T) {
	if _, err := blob.Parse("L.1.1.1~10.5."); err == nil {
		t.Fatal("expected error for a section with start > end")
	}
}
