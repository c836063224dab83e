package storage

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/juju/errors"
)

const pgNow = `to_char(now() AT TIME ZONE 'utc', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')`

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	schema: []string{`
CREATE TABLE IF NOT EXISTS records (
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tbl, id)
);`, `
CREATE TABLE IF NOT EXISTS record_changes (
	seq        BIGSERIAL PRIMARY KEY,
	tbl        TEXT NOT NULL,
	id         TEXT NOT NULL,
	op         TEXT NOT NULL,
	doc        TEXT,
	old_doc    TEXT,
	changed_at TEXT NOT NULL DEFAULT ` + pgNow + `
);`, `
CREATE OR REPLACE FUNCTION record_changes_log() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		INSERT INTO record_changes (tbl, id, op, old_doc) VALUES (OLD.tbl, OLD.id, TG_OP, OLD.doc);
		RETURN OLD;
	ELSIF TG_OP = 'UPDATE' THEN
		INSERT INTO record_changes (tbl, id, op, doc, old_doc) VALUES (NEW.tbl, NEW.id, TG_OP, NEW.doc, OLD.doc);
	ELSE
		INSERT INTO record_changes (tbl, id, op, doc) VALUES (NEW.tbl, NEW.id, TG_OP, NEW.doc);
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;`,
		`DROP TRIGGER IF EXISTS records_log ON records;`,
		`CREATE TRIGGER records_log AFTER INSERT OR UPDATE OR DELETE ON records
	FOR EACH ROW EXECUTE FUNCTION record_changes_log();`,
	},
}

// NewPostgresStorage creates a Postgres backed store. The records table,
// change log and logging trigger are created when missing.
func NewPostgresStorage(config SQLConfig) (*SQLStore, error) {
	return newSQLStore(config, postgresDialect)
}

// OpenPostgres opens dsn with the pgx database/sql driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening postgres")
	}
	return db, nil
}
