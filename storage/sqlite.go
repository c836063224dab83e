package storage

import (
	"database/sql"

	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{`
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);`, `
CREATE TABLE IF NOT EXISTS record_changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	op         TEXT NOT NULL,
	doc        TEXT,
	old_doc    TEXT,
	changed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);`, `
CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records
BEGIN
	INSERT INTO record_changes (tbl, id, op, doc) VALUES (NEW.tbl, NEW.id, 'INSERT', NEW.doc);
END;`, `
CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE ON records
BEGIN
	INSERT INTO record_changes (tbl, id, op, doc, old_doc) VALUES (NEW.tbl, NEW.id, 'UPDATE', NEW.doc, OLD.doc);
END;`, `
CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records
BEGIN
	INSERT INTO record_changes (tbl, id, op, old_doc) VALUES (OLD.tbl, OLD.id, 'DELETE', OLD.doc);
END;`,
	},
}

// NewSQLiteStorage creates a SQLite backed store, creating the records and
// change log tables if they do not exist.
func NewSQLiteStorage(config SQLConfig) (*SQLStore, error) {
	return newSQLStore(config, sqliteDialect)
}

// OpenSQLite opens the database file at path with the sqlite3 driver.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	// sqlite serialises writers; a single connection avoids SQLITE_BUSY
	// between the poller and writers.
	db.SetMaxOpenConns(1)
	return db, nil
}
