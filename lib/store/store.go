// Package store implements the three normative schemas (spec.md §3:
// input_attributions, event_log, member_grants) plus event_checkpoints and
// federated_accounts, the two federation tables needed to make spec.md
// §4.5/§4.6 concrete, over database/sql + github.com/mattn/go-sqlite3.
package store

import (
	"database/sql"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the shared SQLite handle every table-specific accessor embeds.
// It implements correlation.Store and tunnel.FederationStore.
type Store struct {
	db  *sql.DB
	log log.FieldLogger
}

// Open opens (creating if necessary) a SQLite database at path and applies
// the schema. path may be ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, trace.Wrap(err, "opening sqlite database %s", path)
	}
	// SQLite serializes writers regardless; capping the pool avoids
	// "database is locked" errors under concurrent actors.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS input_attributions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	display_name    TEXT NOT NULL,
	timestamp       DATETIME NOT NULL,
	entry_uuid      TEXT,
	content_preview TEXT NOT NULL,
	task_id         TEXT
);
CREATE INDEX IF NOT EXISTS idx_input_attributions_entry_uuid
	ON input_attributions (entry_uuid) WHERE entry_uuid IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_input_attributions_instance_time
	ON input_attributions (instance_id, timestamp);

CREATE TABLE IF NOT EXISTS event_log (
	id             TEXT PRIMARY KEY,
	instance_id    TEXT NOT NULL,
	seq            INTEGER NOT NULL,
	prev_hash      TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	target         TEXT NOT NULL DEFAULT '',
	canonical_json BLOB NOT NULL,
	created_at_ns  INTEGER NOT NULL,
	hash           TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_event_log_instance_seq ON event_log (instance_id, seq);

CREATE TABLE IF NOT EXISTS event_checkpoints (
	event_id        TEXT PRIMARY KEY REFERENCES event_log(id),
	chain_head_hash TEXT NOT NULL,
	signature       TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS member_grants (
	public_key        TEXT PRIMARY KEY,
	capability        TEXT NOT NULL,
	access_rights     BLOB NOT NULL,
	state             TEXT NOT NULL,
	suspension_admin  BOOLEAN NOT NULL DEFAULT 0,
	suspension_blocklist BOOLEAN NOT NULL DEFAULT 0,
	suspension_scope  TEXT NOT NULL DEFAULT '',
	invited_by        TEXT NOT NULL DEFAULT '',
	invited_via_nonce TEXT NOT NULL DEFAULT '',
	replaces          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS federated_accounts (
	account_key   TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL,
	access_rights BLOB NOT NULL,
	capability    TEXT NOT NULL,
	state         TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return trace.Wrap(err, "applying store schema")
	}
	return nil
}
