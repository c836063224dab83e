package realtime

import (
	"fmt"
	"time"
)

// TableStatus is the sync state of one tracked table.
type TableStatus struct {
	Table     string
	State     State
	Connected bool
}

// Summary is the aggregate sync status of a set of tables.
type Summary struct {
	Tables    []TableStatus
	Connected int
	Total     int
	// Percent is Connected*100/Total, rounded down.
	Percent     int
	FullySynced bool

	LastSync time.Time
	// Resyncing counts tables currently being resubscribed by ResyncAll.
	Resyncing int
}

// Summarize reduces the state of each table, in the order given, to a
// Summary. Tables missing from states are Idle.
func Summarize(tables []string, states map[string]State) Summary {
	s := Summary{
		Tables: make([]TableStatus, 0, len(tables)),
		Total:  len(tables),
	}
	for _, table := range tables {
		state := states[table]
		connected := state == Connected
		if connected {
			s.Connected++
		}
		s.Tables = append(s.Tables, TableStatus{Table: table, State: state, Connected: connected})
	}
	if s.Total > 0 {
		s.Percent = s.Connected * 100 / s.Total
	}
	s.FullySynced = s.Total > 0 && s.Connected == s.Total
	return s
}

// Message describes how many tables are connected.
func (s Summary) Message() string {
	return enabledMessage(s.Connected, s.Total)
}

func enabledMessage(ok, total int) string {
	return fmt.Sprintf("%d of %d tables enabled", ok, total)
}
