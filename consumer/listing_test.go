package consumer_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/rekaland/tablesync/changefeed"
	"github.com/rekaland/tablesync/consumer"
	"github.com/rekaland/tablesync/realtime"
	"github.com/rekaland/tablesync/storage"
)

const shortWait = 5 * time.Second

type listingSuite struct {
	db       *sql.DB
	store    *storage.SQLStore
	provider changefeed.Provider
	registry *realtime.Registry
}

var _ = gc.Suite(&listingSuite{})

func (s *listingSuite) SetUpTest(c *gc.C) {
	var err error
	s.db, err = storage.OpenSQLite(filepath.Join(c.MkDir(), "admin.db"))
	c.Assert(err, jc.ErrorIsNil)
	s.store, err = storage.NewSQLiteStorage(storage.SQLConfig{DB: s.db, SyncInterval: 10 * time.Millisecond})
	c.Assert(err, jc.ErrorIsNil)
	s.provider = changefeed.NewProvider(s.store, loggo.GetLogger("test.changefeed"))
	s.registry, err = realtime.NewRegistry(realtime.RegistryConfig{Provider: s.provider})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *listingSuite) TearDownTest(c *gc.C) {
	c.Check(s.registry.Close(), jc.ErrorIsNil)
	c.Check(s.db.Close(), jc.ErrorIsNil)
}

func (s *listingSuite) config() consumer.Config {
	return consumer.Config{Store: s.store, Registry: s.registry}
}

func (s *listingSuite) put(c *gc.C, table, id string, values map[string]any) {
	c.Assert(s.store.Put(&storage.Record{Table: table, ID: id, Values: values}), jc.ErrorIsNil)
}

func waitReloads(c *gc.C, l *consumer.Listing, n int) {
	deadline := time.Now().Add(shortWait)
	for l.Reloads() < n {
		if time.Now().After(deadline) {
			c.Fatalf("listing of %s reloaded %d times, want %d", l.Table(), l.Reloads(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func ids(records []storage.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func (s *listingSuite) TestPropertyListFollowsInserts(c *gc.C) {
	s.put(c, "properties", "p1", map[string]any{"title": "Villa"})
	l, err := consumer.NewPropertyList(s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(l.Mount(context.Background()), jc.ErrorIsNil)
	defer l.Unmount()

	c.Check(ids(l.Records()), jc.DeepEquals, []string{"p1"})
	c.Check(l.Reloads(), gc.Equals, 1)
	c.Check(l.Subscription().Connected(), jc.IsTrue)

	s.put(c, "properties", "p2", map[string]any{"title": "Loft"})
	waitReloads(c, l, 2)
	c.Check(ids(l.Records()), jc.SameContents, []string{"p1", "p2"})
}

func (s *listingSuite) TestVerificationQueue(c *gc.C) {
	s.put(c, "profiles", "u1", map[string]any{"role": "property_manager", "verified": false})
	s.put(c, "profiles", "u2", map[string]any{"role": "property_manager", "verified": true})
	s.put(c, "profiles", "u3", map[string]any{"role": "buyer", "verified": false})

	l, err := consumer.NewVerificationQueue(s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(l.Mount(context.Background()), jc.ErrorIsNil)
	defer l.Unmount()
	c.Check(ids(l.Records()), jc.DeepEquals, []string{"u1"})

	s.put(c, "profiles", "u1", map[string]any{"role": "property_manager", "verified": true})
	waitReloads(c, l, 2)
	c.Check(l.Records(), gc.HasLen, 0)
}

func (s *listingSuite) TestContentBySlugPassThrough(c *gc.C) {
	s.put(c, "contents", "c1", map[string]any{"slug": "about", "body": "v1"})
	l, err := consumer.NewContentBySlug(s.config(), "about")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(l.Mount(context.Background()), jc.ErrorIsNil)
	defer l.Unmount()
	c.Check(l.Subscription().ChannelName(), gc.Equals, "table-sync:contents:slug=eq.about")

	// Rows of other slugs still reload by default.
	s.put(c, "contents", "c2", map[string]any{"slug": "home"})
	waitReloads(c, l, 2)
	c.Check(ids(l.Records()), jc.DeepEquals, []string{"c1"})
}

func (s *listingSuite) TestContentBySlugSuppress(c *gc.C) {
	s.put(c, "contents", "c1", map[string]any{"slug": "about", "body": "v1"})
	config := s.config()
	config.FilterMode = realtime.FilterSuppress
	l, err := consumer.NewContentBySlug(config, "about")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(l.Mount(context.Background()), jc.ErrorIsNil)
	defer l.Unmount()

	s.put(c, "contents", "c2", map[string]any{"slug": "home"})
	s.put(c, "contents", "c1", map[string]any{"slug": "about", "body": "v2"})
	waitReloads(c, l, 2)
	time.Sleep(50 * time.Millisecond)
	c.Check(l.Reloads(), gc.Equals, 2)
	records := l.Records()
	c.Assert(records, gc.HasLen, 1)
	c.Check(records[0].Values["body"], gc.Equals, "v2")
}

func (s *listingSuite) TestUnmountRemovesChannel(c *gc.C) {
	l, err := consumer.NewPropertyList(s.config())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(l.Mount(context.Background()), jc.ErrorIsNil)
	c.Check(s.provider.Channels(), gc.HasLen, 1)

	c.Assert(l.Unmount(), jc.ErrorIsNil)
	c.Check(s.provider.Channels(), gc.HasLen, 0)
	c.Check(s.registry.Len(), gc.Equals, 0)
}

func (s *listingSuite) TestOnReload(c *gc.C) {
	s.put(c, "properties", "p1", map[string]any{"title": "Villa"})
	got := make(chan []storage.Record, 1)
	config := s.config()
	config.OnReload = func(records []storage.Record) { got <- records }
	l, err := consumer.NewPropertyList(config)
	c.Assert(err, jc.ErrorIsNil)
	defer l.Unmount()
	c.Assert(l.Reload(), jc.ErrorIsNil)
	c.Check(ids(<-got), jc.DeepEquals, []string{"p1"})
}

func (s *listingSuite) TestInvalidConfig(c *gc.C) {
	_, err := consumer.NewPropertyList(consumer.Config{Registry: s.registry})
	c.Check(err, gc.ErrorMatches, "nil Store not valid")
	_, err = consumer.NewContentBySlug(s.config(), "")
	c.Check(err, jc.ErrorIs, errors.NotValid)
}

type failingStore struct{}

func (failingStore) Fetch(string, ...changefeed.Filter) ([]storage.Record, error) {
	return nil, errors.New("database is locked")
}

func (s *listingSuite) TestMountFailsOnLoadError(c *gc.C) {
	config := s.config()
	config.Store = failingStore{}
	l, err := consumer.NewPropertyList(config)
	c.Assert(err, jc.ErrorIsNil)
	defer l.Unmount()
	err = l.Mount(context.Background())
	c.Check(err, gc.ErrorMatches, "loading properties: database is locked")
	c.Check(l.Err(), gc.ErrorMatches, "database is locked")
	c.Check(s.provider.Channels(), gc.HasLen, 0)
}
