package service

import (
	"encoding/base64"
	"time"

	"github.com/juju/errors"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rekaland/tablesync/changefeed"
	"github.com/rekaland/tablesync/storage"
)

// Messages on the feed service are google.protobuf.Struct values with the
// field layouts below. Times travel as RFC 3339 strings and blobs as
// standard base64.

func recordToStruct(rec storage.Record) (*structpb.Struct, error) {
	fields := map[string]any{
		"table":      rec.Table,
		"id":         rec.ID,
		"values":     mapOrEmpty(rec.Values),
		"updated_at": formatTime(rec.UpdatedAt),
	}
	if len(rec.Data) > 0 {
		fields["data"] = base64.StdEncoding.EncodeToString(rec.Data)
	}
	s, err := structpb.NewStruct(fields)
	return s, errors.Annotatef(err, "encoding record %s/%s", rec.Table, rec.ID)
}

func structToRecord(s *structpb.Struct) (storage.Record, error) {
	m := s.AsMap()
	rec := storage.Record{
		Table: stringField(m, "table"),
		ID:    stringField(m, "id"),
	}
	if values, ok := m["values"].(map[string]any); ok {
		rec.Values = values
	}
	if data := stringField(m, "data"); data != "" {
		var err error
		if rec.Data, err = base64.StdEncoding.DecodeString(data); err != nil {
			return rec, errors.Annotate(err, "decoding record data")
		}
	}
	var err error
	rec.UpdatedAt, err = parseTime(stringField(m, "updated_at"))
	return rec, errors.Trace(err)
}

func eventToStruct(ev changefeed.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"table":       ev.Table,
		"type":        ev.Type.String(),
		"id":          ev.ID,
		"seq":         ev.Seq,
		"commit_time": formatTime(ev.CommitTime),
	}
	if ev.Record != nil {
		fields["record"] = ev.Record
	}
	if ev.OldRecord != nil {
		fields["old_record"] = ev.OldRecord
	}
	s, err := structpb.NewStruct(map[string]any{"event": fields})
	return s, errors.Annotatef(err, "encoding %s event for %s/%s", ev.Type, ev.Table, ev.ID)
}

func structToEvent(s *structpb.Struct) (changefeed.Event, error) {
	m, ok := s.AsMap()["event"].(map[string]any)
	if !ok {
		return changefeed.Event{}, errors.NotValidf("feed frame without event")
	}
	ev := changefeed.Event{
		Table: stringField(m, "table"),
		ID:    stringField(m, "id"),
	}
	var err error
	if ev.Type, err = changefeed.ParseChangeType(stringField(m, "type")); err != nil {
		return ev, errors.Trace(err)
	}
	if seq, ok := m["seq"].(float64); ok {
		ev.Seq = int64(seq)
	}
	if rec, ok := m["record"].(map[string]any); ok {
		ev.Record = rec
	}
	if rec, ok := m["old_record"].(map[string]any); ok {
		ev.OldRecord = rec
	}
	ev.CommitTime, err = parseTime(stringField(m, "commit_time"))
	return ev, errors.Trace(err)
}

func filtersToList(filters []changefeed.Filter) []any {
	out := make([]any, len(filters))
	for i, f := range filters {
		out[i] = map[string]any{"column": f.Column, "value": f.Value}
	}
	return out
}

func listToFilters(v any) []changefeed.Filter {
	list, _ := v.([]any)
	filters := make([]changefeed.Filter, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		filters = append(filters, changefeed.Filter{
			Column: stringField(m, "column"),
			Value:  stringField(m, "value"),
		})
	}
	return filters
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Annotatef(err, "parsing time %q", s)
}
