// Package acl implements the per-mailbox rights algebra of spec §4.5:
// the closed set of named rights, the operation→rights table, and the
// union/intersection evaluation rules for multi-mailbox emails. It is
// the Go equivalent of the ACL checks scattered through
// crates/jmap/src/* in the original, collected into one place the way
// spilldb keeps its validation logic next to its schema.
package acl

import (
	"crawshaw.io/sqlite"
)

// Rights is a bitmask over the closed set of named rights.
type Rights uint32

const (
	Read Rights = 1 << iota
	ReadItems
	AddItems
	RemoveItems
	ModifyItems
	CreateChild
	Modify
	Delete
	Submit
	Administer
)

// wireNames maps the JMAP wire strings (spec §6) to Rights bits, in the
// order they're serialized back out by Names.
var wireNames = []struct {
	name  string
	right Rights
}{
	{"mayRead", Read},
	{"mayReadItems", ReadItems},
	{"mayAddItems", AddItems},
	{"mayRemoveItems", RemoveItems},
	{"mayModifyItems", ModifyItems},
	{"mayCreateChild", CreateChild},
	{"mayRename", Modify},
	{"mayDelete", Delete},
	{"maySubmit", Submit},
	{"mayAdmin", Administer},
}

// Names returns the JMAP wire-format boolean map a Mailbox/get response
// embeds ("myRights").
func (r Rights) Names() map[string]bool {
	out := make(map[string]bool, len(wireNames))
	for _, w := range wireNames {
		out[w.name] = r.Has(w.right)
	}
	return out
}

// Has reports whether every bit in want is set in r.
func (r Rights) Has(want Rights) bool { return r&want == want }

// Operation identifies a data operation that requires specific rights,
// per the table in spec §4.5.
type Operation int

const (
	OpReadMailbox Operation = iota
	OpListItems
	OpImportOrCopyInto
	OpDestroyItem
	OpSetKeywords
	OpCreateChild
	OpRenameMailbox
	OpDestroyMailbox
	OpReadOrWriteACL
)

// Required returns the rights mask an Operation needs.
func Required(op Operation) Rights {
	switch op {
	case OpReadMailbox:
		return Read
	case OpListItems:
		return ReadItems
	case OpImportOrCopyInto:
		return AddItems
	case OpDestroyItem:
		return RemoveItems
	case OpSetKeywords:
		return ModifyItems
	case OpCreateChild:
		return CreateChild
	case OpRenameMailbox:
		return Modify
	case OpDestroyMailbox:
		return Delete | RemoveItems
	case OpReadOrWriteACL:
		return Administer
	default:
		return 0
	}
}

// EffectiveRights returns the rights principalID (or any group it is a
// member of) holds over mailboxID within accountID, by OR-ing the ACL
// entries of every principal id in principalIDs (the requester plus its
// group memberships, per spec §4.5/"Group inheritance").
func EffectiveRights(conn *sqlite.Conn, accountID, mailboxID int64, principalIDs []int64) (Rights, error) {
	var rights Rights
	stmt := conn.Prep(`SELECT Rights FROM MailboxACL WHERE AccountID = $accountID AND MailboxID = $mailboxID AND PrincipalID = $principalID;`)
	for _, pid := range principalIDs {
		stmt.Reset()
		stmt.SetInt64("$accountID", accountID)
		stmt.SetInt64("$mailboxID", mailboxID)
		stmt.SetInt64("$principalID", pid)
		hasRow, err := stmt.Step()
		if err != nil {
			return 0, err
		}
		if hasRow {
			rights |= Rights(stmt.GetInt64("Rights"))
		}
	}
	return rights, nil
}

// CanReadAny reports whether principalIDs holds ReadItems on at least one
// of mailboxIDs — the "union for read visibility" rule: an email hidden
// from every mailbox the requester can see is invisible, but visible if
// readable through any one of its mailboxes.
func CanReadAny(conn *sqlite.Conn, accountID int64, mailboxIDs []int64, principalIDs []int64) (bool, error) {
	for _, mid := range mailboxIDs {
		rights, err := EffectiveRights(conn, accountID, mid, principalIDs)
		if err != nil {
			return false, err
		}
		if rights.Has(ReadItems) {
			return true, nil
		}
	}
	return false, nil
}

// CanDestroyAll reports whether principalIDs holds RemoveItems on every
// one of mailboxIDs — the "union of rights across mailboxes ... for
// destroy" rule: destroying an email present in several mailboxes
// requires permission to remove it from all of them.
func CanDestroyAll(conn *sqlite.Conn, accountID int64, mailboxIDs []int64, principalIDs []int64) (bool, error) {
	for _, mid := range mailboxIDs {
		rights, err := EffectiveRights(conn, accountID, mid, principalIDs)
		if err != nil {
			return false, err
		}
		if !rights.Has(RemoveItems) {
			return false, nil
		}
	}
	return true, nil
}

// CanModifyAny reports whether principalIDs holds ModifyItems on at least
// one of mailboxIDs, mirroring CanReadAny's "any" rule for the other
// item-scoped operation the table in spec §4.5 does not otherwise
// disambiguate between union and intersection for (keyword/flag sets).
func CanModifyAny(conn *sqlite.Conn, accountID int64, mailboxIDs []int64, principalIDs []int64) (bool, error) {
	for _, mid := range mailboxIDs {
		rights, err := EffectiveRights(conn, accountID, mid, principalIDs)
		if err != nil {
			return false, err
		}
		if rights.Has(ModifyItems) {
			return true, nil
		}
	}
	return false, nil
}

// Grant sets principalID's rights mask on mailboxID to rights, replacing
// any prior grant. rights == 0 removes the ACL entry entirely.
func Grant(conn *sqlite.Conn, accountID, mailboxID, principalID int64, rights Rights) error {
	if rights == 0 {
		stmt := conn.Prep(`DELETE FROM MailboxACL WHERE AccountID = $accountID AND MailboxID = $mailboxID AND PrincipalID = $principalID;`)
		stmt.SetInt64("$accountID", accountID)
		stmt.SetInt64("$mailboxID", mailboxID)
		stmt.SetInt64("$principalID", principalID)
		_, err := stmt.Step()
		return err
	}
	stmt := conn.Prep(`INSERT INTO MailboxACL (AccountID, MailboxID, PrincipalID, Rights)
		VALUES ($accountID, $mailboxID, $principalID, $rights)
		ON CONFLICT(AccountID, MailboxID, PrincipalID) DO UPDATE SET Rights = excluded.Rights;`)
	stmt.SetInt64("$accountID", accountID)
	stmt.SetInt64("$mailboxID", mailboxID)
	stmt.SetInt64("$principalID", principalID)
	stmt.SetInt64("$rights", int64(rights))
	_, err := stmt.Step()
	return err
}

// MailboxesGrantingReadItemsTo returns every (accountID, mailboxID, rights)
// tuple across the whole store where one of principalIDs has been granted
// at least Read|ReadItems — the query that lazily populates an
// AccessToken's access_to the first time a cross-account request arrives
// (spec §4.2).
type Grant2 struct {
	AccountID int64
	MailboxID int64
	Rights    Rights
}

func MailboxesGrantingReadItemsTo(conn *sqlite.Conn, principalIDs []int64) ([]Grant2, error) {
	byAccountMailbox := make(map[[2]int64]Rights)
	stmt := conn.Prep(`SELECT AccountID, MailboxID, Rights FROM MailboxACL WHERE PrincipalID = $principalID;`)
	for _, pid := range principalIDs {
		stmt.Reset()
		stmt.SetInt64("$principalID", pid)
		for {
			hasRow, err := stmt.Step()
			if err != nil {
				return nil, err
			}
			if !hasRow {
				break
			}
			key := [2]int64{stmt.GetInt64("AccountID"), stmt.GetInt64("MailboxID")}
			byAccountMailbox[key] |= Rights(stmt.GetInt64("Rights"))
		}
	}
	var out []Grant2
	for key, rights := range byAccountMailbox {
		if rights.Has(Read | ReadItems) {
			out = append(out, Grant2{AccountID: key[0], MailboxID: key[1], Rights: rights})
		}
	}
	return out, nil
}
