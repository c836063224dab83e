package storage

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rekaland/tablesync/changefeed"
)

type SQLConfig struct {
	// DB is the database connection to use
	DB *sql.DB

	// SyncInterval is the interval at which the change log is polled
	SyncInterval time.Duration

	// Optional
	Clock     clock.Clock
	ErrorChan chan<- error
}

// dialect captures what differs between the SQL engines the store runs on.
type dialect struct {
	name   string
	schema []string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps every table's rows as JSON documents in a single records
// table. Triggers copy each change into record_changes, which Watch polls.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	syncInterval time.Duration
	clock        clock.Clock
	errorChannel chan<- error
}

func newSQLStore(config SQLConfig, d dialect) (*SQLStore, error) {
	if config.DB == nil {
		return nil, errors.NotValidf("missing DB")
	}
	if err := config.DB.Ping(); err != nil {
		return nil, errors.Annotatef(err, "connecting to %s", d.name)
	}
	for _, stmt := range d.schema {
		if _, err := config.DB.Exec(stmt); err != nil {
			return nil, errors.Annotatef(err, "creating %s schema", d.name)
		}
	}

	if config.SyncInterval == 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	return &SQLStore{
		db:           config.DB,
		dialect:      d,
		syncInterval: config.SyncInterval,
		clock:        config.Clock,
		errorChannel: config.ErrorChan,
	}, nil
}

func (s *SQLStore) forwardError(err error) {
	logger.Errorf("%s store: %v", s.dialect.name, err)
	if s.errorChannel != nil {
		s.errorChannel <- err
	}
}

func (s *SQLStore) ListTables() ([]Table, error) {
	rows, err := s.db.Query("SELECT tbl, COUNT(*) FROM records GROUP BY tbl ORDER BY tbl")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	var tables []Table
	for rows.Next() {
		var t Table
		if err := rows.Scan(&t.Name, &t.Rows); err != nil {
			return nil, errors.Trace(err)
		}
		tables = append(tables, t)
	}
	return tables, errors.Trace(rows.Err())
}

func (s *SQLStore) Fetch(table string, filters ...changefeed.Filter) ([]Record, error) {
	rows, err := s.db.Query(s.dialect.rebind("SELECT id, doc, updated_at FROM records WHERE tbl = ?"), table)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		var (
			rec                Record
			doc, updatedAtText string
		)
		if err := rows.Scan(&rec.ID, &doc, &updatedAtText); err != nil {
			return nil, errors.Trace(err)
		}
		rec.Table = table
		if rec.Values, err = decodeDoc(doc); err != nil {
			return nil, errors.Annotatef(err, "decoding %s/%s", table, rec.ID)
		}
		if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtText); err != nil {
			return nil, errors.Trace(err)
		}
		if matchesAll(rec, filters) {
			result = append(result, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	sortRecords(result)
	return result, nil
}

func (s *SQLStore) Watch(ctx context.Context, table string) (<-chan changefeed.Event, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM record_changes").Scan(&last); err != nil {
		return nil, errors.Annotate(err, "reading change log position")
	}

	out := make(chan changefeed.Event)
	go func() {
		defer close(out)
		// Continuously poll the change log for rows of the table
		for {
			events, err := s.changesSince(ctx, table, last)
			if err != nil {
				if ctx.Err() == nil {
					s.forwardError(err)
				}
				return
			}
			for _, ev := range events {
				select {
				case out <- ev:
					last = ev.Seq
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.syncInterval):
			}
		}
	}()
	return out, nil
}

func (s *SQLStore) changesSince(ctx context.Context, table string, seq int64) ([]changefeed.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		"SELECT seq, id, op, doc, old_doc, changed_at FROM record_changes WHERE tbl = ? AND seq > ? ORDER BY seq"),
		table, seq)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var events []changefeed.Event
	for rows.Next() {
		var (
			ev            changefeed.Event
			op, changedAt string
			doc, oldDoc   sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &ev.ID, &op, &doc, &oldDoc, &changedAt); err != nil {
			return nil, errors.Trace(err)
		}
		ev.Table = table
		if ev.Type, err = changefeed.ParseChangeType(op); err != nil {
			return nil, errors.Trace(err)
		}
		if doc.Valid {
			if ev.Record, err = decodeDoc(doc.String); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if oldDoc.Valid {
			if ev.OldRecord, err = decodeDoc(oldDoc.String); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if ev.CommitTime, err = time.Parse(time.RFC3339Nano, changedAt); err != nil {
			return nil, errors.Annotatef(err, "parsing change time of seq %d", ev.Seq)
		}
		events = append(events, ev)
	}
	return events, errors.Trace(rows.Err())
}

func (s *SQLStore) Put(rec *Record) error {
	if rec.Table == "" || rec.ID == "" {
		return errors.NotValidf("record without table or id")
	}
	doc, err := json.Marshal(rec.Values)
	if err != nil {
		return errors.Trace(err)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.clock.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Trace(err)
	}
	defer tx.Rollback()
	_, err = tx.Exec(s.dialect.rebind(`
INSERT INTO records (tbl, id, doc, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (tbl, id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`),
		rec.Table, rec.ID, string(doc), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Annotatef(err, "writing %s/%s", rec.Table, rec.ID)
	}
	return errors.Trace(tx.Commit())
}

func (s *SQLStore) Delete(table, id string) error {
	_, err := s.db.Exec(s.dialect.rebind("DELETE FROM records WHERE tbl = ? AND id = ?"), table, id)
	return errors.Annotatef(err, "deleting %s/%s", table, id)
}

func decodeDoc(doc string) (map[string]any, error) {
	values := make(map[string]any)
	if err := json.Unmarshal([]byte(doc), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func matchesAll(rec Record, filters []changefeed.Filter) bool {
	ev := changefeed.Event{Record: rec.Values}
	for _, f := range filters {
		if !f.Matches(ev) {
			return false
		}
	}
	return true
}

// sortRecords orders records newest first, then by id.
func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].UpdatedAt.After(recs[j].UpdatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
