package storage

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/rekaland/tablesync/changefeed"
)

// DefaultSyncInterval is the polling interval used by stores that detect
// changes by polling their backend.
const DefaultSyncInterval = time.Second

var logger = loggo.GetLogger("tablesync.storage")

// Table describes a table held by a store.
type Table struct {
	Name string
	Rows int
}

// Record is one row of a table. Values holds the row's columns; Data holds
// an optional binary payload for stores that keep blobs (object storage).
type Record struct {
	Table     string
	ID        string
	Values    map[string]any
	Data      []byte
	UpdatedAt time.Time
}

type Store interface {
	// ListTables returns the tables the store currently holds rows for.
	ListTables() ([]Table, error)

	// Fetch returns the rows of table matching every filter.
	Fetch(table string, filters ...changefeed.Filter) ([]Record, error)

	// Watch returns a channel receiving every change to table made after
	// the call. The channel is closed once ctx is done or the watch fails.
	Watch(ctx context.Context, table string) (<-chan changefeed.Event, error)

	// Put inserts or replaces a row.
	Put(rec *Record) error

	// Delete removes a row. Deleting a missing row is not an error.
	Delete(table, id string) error
}

// validateKey checks a row key for stores that map it onto a path. Neither
// part may be empty or contain a slash.
func validateKey(table, id string) error {
	if table == "" || id == "" {
		return errors.NotValidf("record without table or id")
	}
	if strings.Contains(table, "/") || strings.Contains(id, "/") {
		return errors.NotValidf("record key %q containing a slash", table+"/"+id)
	}
	return nil
}
