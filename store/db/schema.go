package db

// createSQL is applied on every Init, following spilldb/db's "CREATE TABLE
// IF NOT EXISTS" idiom so opening an existing store is a no-op migration.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- Principals is a user or group account (Account/Principal in spec terms).
-- Groups are ordinary accounts with IsGroup set.
CREATE TABLE IF NOT EXISTS Principals (
	AccountID  INTEGER PRIMARY KEY,
	Login      TEXT UNIQUE,
	SecretHash TEXT NOT NULL DEFAULT '',
	IsGroup    BOOLEAN NOT NULL DEFAULT FALSE
);

-- GroupMembers records that MemberID inherits GroupID's access path.
CREATE TABLE IF NOT EXISTS GroupMembers (
	GroupID  INTEGER NOT NULL,
	MemberID INTEGER NOT NULL,
	PRIMARY KEY (GroupID, MemberID),
	FOREIGN KEY (GroupID) REFERENCES Principals(AccountID),
	FOREIGN KEY (MemberID) REFERENCES Principals(AccountID)
);

-- Mailboxes belong to one account and form a forest via ParentID.
CREATE TABLE IF NOT EXISTS Mailboxes (
	AccountID  INTEGER NOT NULL,
	MailboxID  INTEGER NOT NULL,
	Name       TEXT NOT NULL,
	ParentID   INTEGER,
	Role       TEXT,
	SortOrder  INTEGER NOT NULL DEFAULT 0,
	Destroyed  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (AccountID, MailboxID)
);

-- MailboxACL grants PrincipalID a rights mask over MailboxID.
CREATE TABLE IF NOT EXISTS MailboxACL (
	AccountID   INTEGER NOT NULL,
	MailboxID   INTEGER NOT NULL,
	PrincipalID INTEGER NOT NULL,
	Rights      INTEGER NOT NULL,
	PRIMARY KEY (AccountID, MailboxID, PrincipalID)
);

-- Emails is one row per message document within an account. MessageID is
-- the RFC 5322 Message-Id header value (if any), used by Email/import to
-- thread a new message against In-Reply-To/References.
CREATE TABLE IF NOT EXISTS Emails (
	AccountID  INTEGER NOT NULL,
	DocumentID INTEGER NOT NULL,
	ThreadID   INTEGER NOT NULL,
	MessageID  TEXT NOT NULL DEFAULT '',
	Keywords   TEXT NOT NULL DEFAULT '[]', -- JSON array of strings
	Destroyed  BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (AccountID, DocumentID)
);

-- EmailMailboxes is the tag-set index of which mailboxes contain an email.
-- Disjoint-tag concurrent updates commute (spec concurrency model).
CREATE TABLE IF NOT EXISTS EmailMailboxes (
	AccountID  INTEGER NOT NULL,
	DocumentID INTEGER NOT NULL,
	MailboxID  INTEGER NOT NULL,
	PRIMARY KEY (AccountID, DocumentID, MailboxID)
);

-- Blobs stores the raw bytes backing a Linked or LinkedMaildir BlobId:
-- one row per (collection, document). LinkedMaildir rows use Collection=0.
CREATE TABLE IF NOT EXISTS Blobs (
	AccountID  INTEGER NOT NULL,
	Collection INTEGER NOT NULL,
	DocumentID INTEGER NOT NULL,
	Content    BLOB NOT NULL,
	PRIMARY KEY (AccountID, Collection, DocumentID)
);

-- TemporaryBlobs stores uploaded content awaiting attachment to an entity.
CREATE TABLE IF NOT EXISTS TemporaryBlobs (
	AccountID TEXT NOT NULL, -- formatted account id, for index friendliness
	Token     TEXT NOT NULL,
	Created   INTEGER NOT NULL, -- unix seconds
	Content   BLOB NOT NULL,
	PRIMARY KEY (AccountID, Token)
);

-- ChangeLog is the append-only per-account delta stream.
CREATE TABLE IF NOT EXISTS ChangeLog (
	AccountID  INTEGER NOT NULL,
	ChangeID   INTEGER NOT NULL,
	Collection INTEGER NOT NULL,
	Op         INTEGER NOT NULL,
	DocumentID INTEGER NOT NULL,
	PRIMARY KEY (AccountID, ChangeID)
);

-- ChangeCounters allocates the monotonic ChangeID per account.
CREATE TABLE IF NOT EXISTS ChangeCounters (
	AccountID INTEGER PRIMARY KEY,
	NextID    INTEGER NOT NULL DEFAULT 1
);

-- OAuthCodes backs the device/code grant flow (§4.8).
CREATE TABLE IF NOT EXISTS OAuthCodes (
	DeviceCode  TEXT PRIMARY KEY,
	UserCode    TEXT NOT NULL,
	Status      INTEGER NOT NULL, -- 0=Pending 1=Authorized 2=TokenIssued
	AccountID   INTEGER NOT NULL DEFAULT 0,
	ClientID    TEXT NOT NULL,
	RedirectURI TEXT,
	Created     INTEGER NOT NULL,
	Interval    INTEGER NOT NULL,
	LastPoll    INTEGER NOT NULL DEFAULT 0
);

-- OAuthRefreshTokens tracks issued refresh tokens for rotation (§4.8).
CREATE TABLE IF NOT EXISTS OAuthRefreshTokens (
	Token     TEXT PRIMARY KEY,
	AccountID INTEGER NOT NULL,
	ClientID  TEXT NOT NULL,
	Expires   INTEGER NOT NULL
);

-- QueueMessages is the spool metadata record for an outbound message.
CREATE TABLE IF NOT EXISTS QueueMessages (
	MessageID       INTEGER PRIMARY KEY,
	ReturnPath      TEXT NOT NULL, -- '' for a null reverse-path (DSN/double-bounce)
	Path            TEXT NOT NULL,
	Size            INTEGER NOT NULL,
	EnvID           TEXT,
	CreatedTS       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS QueueDomains (
	MessageID  INTEGER NOT NULL,
	DomainIdx  INTEGER NOT NULL,
	Domain     TEXT NOT NULL,
	StatusJSON TEXT NOT NULL,
	ExpiresTS  INTEGER NOT NULL,
	NotifyIdx  INTEGER NOT NULL DEFAULT 0,
	NotifyDue  INTEGER NOT NULL,
	RetryIdx   INTEGER NOT NULL DEFAULT 0,
	RetryDue   INTEGER NOT NULL,
	Changed    BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (MessageID, DomainIdx)
);

CREATE TABLE IF NOT EXISTS QueueRecipients (
	MessageID  INTEGER NOT NULL,
	RcptIdx    INTEGER NOT NULL,
	Address    TEXT NOT NULL,
	DomainIdx  INTEGER NOT NULL,
	Orcpt      TEXT,
	Flags      INTEGER NOT NULL,
	StatusJSON TEXT NOT NULL,
	PRIMARY KEY (MessageID, RcptIdx)
);
`
