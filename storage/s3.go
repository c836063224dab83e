package storage

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rekaland/tablesync/changefeed"
)

// S3Storage keeps binary rows, such as property photos, as objects named
// <table>/<id> in an S3 compatible bucket. Changes are detected by
// comparing object ETags between polls.
type S3Storage struct {
	client       s3iface.S3API
	bucket       string
	syncInterval time.Duration
	clock        clock.Clock
	errorChannel chan<- error
}

type S3StorageConfig struct {
	// S3 compatible storage endpoint
	Endpoint string
	// S3 compatible storage region
	Region string
	// S3 compatible storage access key
	AccessKey string
	// S3 compatible storage secret key
	SecretKey string
	// S3 compatible storage bucket
	Bucket string

	// optional aws access token
	AccessToken string

	// optional client; when set the connection fields above are ignored
	Client s3iface.S3API

	// optional sync interval, default is DefaultSyncInterval
	SyncInterval time.Duration

	// optional
	Clock     clock.Clock
	ErrorChan chan<- error
}

// NewS3Storage creates a new S3Storage instance
func NewS3Storage(config S3StorageConfig) (*S3Storage, error) {
	if config.Bucket == "" {
		return nil, errors.NotValidf("missing bucket")
	}
	client := config.Client
	if client == nil {
		sess, err := session.NewSession(&aws.Config{
			Endpoint:         aws.String(config.Endpoint),
			Region:           aws.String(config.Region),
			Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, config.AccessToken),
			S3ForcePathStyle: aws.Bool(true),
		})
		if err != nil {
			return nil, errors.Annotate(err, "creating s3 session")
		}
		client = s3.New(sess)
	}

	if config.SyncInterval == 0 {
		config.SyncInterval = DefaultSyncInterval
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	return &S3Storage{
		client:       client,
		bucket:       config.Bucket,
		syncInterval: config.SyncInterval,
		clock:        config.Clock,
		errorChannel: config.ErrorChan,
	}, nil
}

func (s *S3Storage) forwardError(err error) {
	logger.Errorf("s3 store %s: %v", s.bucket, err)
	if s.errorChannel != nil {
		s.errorChannel <- err
	}
}

type objectInfo struct {
	key          string
	etag         string
	size         int64
	lastModified time.Time
}

func (o objectInfo) values() map[string]any {
	return map[string]any{
		"key":  o.key,
		"etag": o.etag,
		"size": o.size,
	}
}

func (s *S3Storage) list(ctx context.Context, prefix string) (map[string]objectInfo, error) {
	objects := make(map[string]objectInfo)
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			info := objectInfo{
				key:  aws.StringValue(obj.Key),
				etag: aws.StringValue(obj.ETag),
				size: aws.Int64Value(obj.Size),
			}
			if obj.LastModified != nil {
				info.lastModified = *obj.LastModified
			}
			objects[info.key] = info
		}
		return true
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s/%s", s.bucket, prefix)
	}
	return objects, nil
}

// ListTables reports one table per top level prefix of the bucket.
func (s *S3Storage) ListTables() ([]Table, error) {
	objects, err := s.list(context.Background(), "")
	if err != nil {
		return nil, errors.Trace(err)
	}
	counts := make(map[string]int)
	for key := range objects {
		table, _, ok := splitObjectKey(key)
		if !ok {
			continue
		}
		counts[table]++
	}
	tables := make([]Table, 0, len(counts))
	for name, rows := range counts {
		tables = append(tables, Table{Name: name, Rows: rows})
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables, nil
}

func (s *S3Storage) Fetch(table string, filters ...changefeed.Filter) ([]Record, error) {
	ctx := context.Background()
	objects, err := s.list(ctx, table+"/")
	if err != nil {
		return nil, errors.Trace(err)
	}

	var records []Record
	for _, info := range objects {
		_, id, ok := splitObjectKey(info.key)
		if !ok {
			continue
		}
		rec := Record{
			Table:     table,
			ID:        id,
			Values:    info.values(),
			UpdatedAt: info.lastModified,
		}
		if !matchesAll(rec, filters) {
			continue
		}
		if rec.Data, err = s.get(ctx, info.key); err != nil {
			return nil, errors.Trace(err)
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (s *S3Storage) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "failed to retrieve object %s from bucket %s", key, s.bucket)
	}
	defer obj.Body.Close()

	value, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read contents of object %s from bucket %s", key, s.bucket)
	}
	return value, nil
}

func (s *S3Storage) Watch(ctx context.Context, table string) (<-chan changefeed.Event, error) {
	prefix := table + "/"
	last, err := s.list(ctx, prefix)
	if err != nil {
		return nil, errors.Trace(err)
	}

	updates := make(chan changefeed.Event)
	go func() {
		defer close(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(s.syncInterval):
			}

			current, err := s.list(ctx, prefix)
			if err != nil {
				if ctx.Err() == nil {
					s.forwardError(err)
				}
				return
			}
			for _, ev := range diffObjects(table, last, current, s.clock.Now()) {
				select {
				case updates <- ev:
				case <-ctx.Done():
					return
				}
			}
			last = current
		}
	}()
	return updates, nil
}

// diffObjects turns two listings of a table prefix into change events,
// ordered by object key.
func diffObjects(table string, prev, cur map[string]objectInfo, now time.Time) []changefeed.Event {
	var events []changefeed.Event
	for key, info := range cur {
		_, id, ok := splitObjectKey(key)
		if !ok {
			continue
		}
		old, existed := prev[key]
		switch {
		case !existed:
			events = append(events, changefeed.Event{
				Table: table, Type: changefeed.Insert, ID: id, Record: info.values(), CommitTime: now,
			})
		case old.etag != info.etag:
			events = append(events, changefeed.Event{
				Table: table, Type: changefeed.Update, ID: id, Record: info.values(), OldRecord: old.values(), CommitTime: now,
			})
		}
	}
	for key, old := range prev {
		if _, ok := cur[key]; ok {
			continue
		}
		_, id, ok := splitObjectKey(key)
		if !ok {
			continue
		}
		events = append(events, changefeed.Event{
			Table: table, Type: changefeed.Delete, ID: id, OldRecord: old.values(), CommitTime: now,
		})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	return events
}

func (s *S3Storage) Put(rec *Record) error {
	if err := validateKey(rec.Table, rec.ID); err != nil {
		return errors.Trace(err)
	}
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(rec.Table, rec.ID)),
		Body:   bytes.NewReader(rec.Data),
	}
	if ct, ok := rec.Values["content_type"].(string); ok {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(input); err != nil {
		return errors.Annotatef(err, "writing %s", *input.Key)
	}
	return nil
}

func (s *S3Storage) Delete(table, id string) error {
	if err := validateKey(table, id); err != nil {
		return errors.Trace(err)
	}
	key := objectKey(table, id)
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return errors.Annotatef(err, "deleting %s", key)
}

func objectKey(table, id string) string {
	return table + "/" + id
}

// splitObjectKey splits <table>/<id>. Keys without both parts, including
// directory markers, are not rows.
func splitObjectKey(key string) (table, id string, ok bool) {
	table, id, ok = strings.Cut(key, "/")
	if !ok || table == "" || id == "" || strings.HasSuffix(id, "/") {
		return "", "", false
	}
	return table, id, true
}
