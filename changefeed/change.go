package changefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// ChangeType represents the kind of row change carried by an event.
// The values are bit flags so that bindings can combine them.
type ChangeType int

const (
	// Insert represents a new row in a table.
	Insert ChangeType = 1 << iota
	// Update represents a change to an existing row.
	Update
	// Delete represents a removed row.
	Delete
	// All matches any change on the table of interest.
	All = Insert | Update | Delete
)

func (t ChangeType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case All:
		return "*"
	}
	var parts []string
	for _, c := range []ChangeType{Insert, Update, Delete} {
		if t&c != 0 {
			parts = append(parts, c.String())
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("ChangeType(%d)", int(t))
	}
	return strings.Join(parts, "|")
}

// ParseChangeType parses the wire names used by the change log and the
// feed service. Both upper and lower case are accepted.
func ParseChangeType(s string) (ChangeType, error) {
	switch strings.ToUpper(s) {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	case "*", "ALL":
		return All, nil
	}
	return 0, errors.NotValidf("change type %q", s)
}

// Event is a single row-level change delivered on a change feed.
type Event struct {
	Table string
	Type  ChangeType
	// ID is the primary key of the changed row.
	ID string
	// Record holds the row after the change. It is nil for deletes.
	Record map[string]any
	// OldRecord holds the row before the change, when the backend knows it.
	OldRecord map[string]any
	// Seq is the position of the change in the backend's feed. Backends
	// that have no notion of a sequence leave it zero.
	Seq        int64
	CommitTime time.Time
}

// row returns the image of the row that filters should be evaluated
// against.
func (e Event) row() map[string]any {
	if e.Record != nil {
		return e.Record
	}
	return e.OldRecord
}

// Filter is a single column equality filter, e.g. slug = "about".
type Filter struct {
	Column string
	Value  string
}

// Matches reports whether the event's row has the filter column set to
// the filter value. Values are compared in their string form.
func (f Filter) Matches(e Event) bool {
	row := e.row()
	if row == nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == f.Value
}

// String renders the filter in the column=eq.value form used in channel
// names.
func (f Filter) String() string {
	return f.Column + "=eq." + f.Value
}

// Validate checks the filter names a column.
func (f Filter) Validate() error {
	if f.Column == "" {
		return errors.NotValidf("filter with empty column")
	}
	return nil
}

// Binding describes which changes a channel handler is interested in.
type Binding struct {
	Table string
	// Types defaults to All when zero.
	Types ChangeType
	// Filters are carried with the binding so backends and consumers can
	// act on them. Accepts does not evaluate them.
	Filters []Filter
}

// Validate checks the binding is usable.
func (b Binding) Validate() error {
	if b.Table == "" {
		return errors.NotValidf("binding with empty table")
	}
	for _, f := range b.Filters {
		if err := f.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Accepts reports whether the event belongs to the binding's table and
// change types.
func (b Binding) Accepts(e Event) bool {
	if e.Table != b.Table {
		return false
	}
	types := b.Types
	if types == 0 {
		types = All
	}
	return types&e.Type != 0
}

// MatchesFilters reports whether the event satisfies every filter of the
// binding. A binding without filters matches everything.
func (b Binding) MatchesFilters(e Event) bool {
	for _, f := range b.Filters {
		if !f.Matches(e) {
			return false
		}
	}
	return true
}
