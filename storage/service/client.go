package service

import (
	"context"
	"io"
	"time"

	"github.com/golang/protobuf/ptypes/empty"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rekaland/tablesync/changefeed"
	"github.com/rekaland/tablesync/storage"
)

var logger = loggo.GetLogger("tablesync.service")

// DefaultCallTimeout bounds the unary calls made by Client.
const DefaultCallTimeout = 30 * time.Second

// Client is a storage.Store backed by a remote feed service. Wrapping it
// with changefeed.NewProvider gives a provider whose channels report
// SUBSCRIBED only once the remote watch has acknowledged.
type Client struct {
	conn        grpc.ClientConnInterface
	callTimeout time.Duration
}

var _ storage.Store = (*Client)(nil)

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{
		conn:        conn,
		callTimeout: DefaultCallTimeout,
	}
}

func (c *Client) invoke(method string, in, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	return c.conn.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) ListTables() ([]storage.Table, error) {
	out := new(structpb.Struct)
	if err := c.invoke("ListTables", &empty.Empty{}, out); err != nil {
		return nil, errors.Annotate(err, "listing tables")
	}
	list, _ := out.AsMap()["tables"].([]any)
	tables := make([]storage.Table, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		rows, _ := m["rows"].(float64)
		tables = append(tables, storage.Table{Name: stringField(m, "name"), Rows: int(rows)})
	}
	return tables, nil
}

func (c *Client) Fetch(table string, filters ...changefeed.Filter) ([]storage.Record, error) {
	in, err := structpb.NewStruct(map[string]any{
		"table":   table,
		"filters": filtersToList(filters),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	out := new(structpb.Struct)
	if err := c.invoke("Fetch", in, out); err != nil {
		return nil, errors.Annotatef(err, "fetching %s", table)
	}

	list := out.GetFields()["records"].GetListValue().GetValues()
	records := make([]storage.Record, 0, len(list))
	for _, v := range list {
		rec, err := structToRecord(v.GetStructValue())
		if err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Client) Put(rec *storage.Record) error {
	in, err := recordToStruct(*rec)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(c.invoke("Put", in, new(empty.Empty)), "writing %s/%s", rec.Table, rec.ID)
}

func (c *Client) Delete(table, id string) error {
	in, err := structpb.NewStruct(map[string]any{"table": table, "id": id})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(c.invoke("Delete", in, new(empty.Empty)), "deleting %s/%s", table, id)
}

// Watch opens a Watch stream and returns once the service has acknowledged
// it. Frames are decoded and delivered until ctx is done or the stream
// ends.
func (c *Client) Watch(ctx context.Context, table string) (<-chan changefeed.Event, error) {
	stream, err := c.conn.NewStream(ctx, &feedServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return nil, errors.Annotatef(err, "opening watch on %s", table)
	}
	in, err := structpb.NewStruct(map[string]any{"table": table})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, errors.Annotatef(err, "sending watch request for %s", table)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, errors.Trace(err)
	}

	ack := new(structpb.Struct)
	if err := stream.RecvMsg(ack); err != nil {
		return nil, errors.Annotatef(err, "waiting for watch acknowledgement on %s", table)
	}
	if st := stringField(ack.AsMap(), "status"); st != string(changefeed.StatusSubscribed) {
		return nil, errors.Errorf("watch on %s answered with status %q", table, st)
	}

	updates := make(chan changefeed.Event)
	go func() {
		defer close(updates)
		for {
			frame := new(structpb.Struct)
			if err := stream.RecvMsg(frame); err != nil {
				if err != io.EOF && ctx.Err() == nil {
					logger.Warningf("watch on %s ended: %v", table, err)
				}
				return
			}
			ev, err := structToEvent(frame)
			if err != nil {
				logger.Errorf("dropping malformed frame on %s: %v", table, err)
				continue
			}
			select {
			case updates <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates, nil
}
