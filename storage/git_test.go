package storage

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/rekaland/tablesync/changefeed"
)

type gitSuite struct {
	repo *GitRepository
}

var _ = gc.Suite(&gitSuite{})

func (s *gitSuite) SetUpTest(c *gc.C) {
	var err error
	s.repo, err = NewGitRepository(GitRepositoryConfig{
		RepoPath:     c.MkDir(),
		SyncInterval: pollInterval,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *gitSuite) TestEmptyRepository(c *gc.C) {
	tables, err := s.repo.ListTables()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tables, gc.HasLen, 0)

	recs, err := s.repo.Fetch("contents")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)
}

func (s *gitSuite) TestPutFetchDelete(c *gc.C) {
	c.Assert(s.repo.Put(&Record{Table: "contents", ID: "about", Values: map[string]any{"slug": "about", "body": "We sell land."}}), jc.ErrorIsNil)
	c.Assert(s.repo.Put(&Record{Table: "contents", ID: "home", Values: map[string]any{"slug": "home"}}), jc.ErrorIsNil)

	recs, err := s.repo.Fetch("contents", changefeed.Filter{Column: "slug", Value: "about"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 1)
	c.Check(recs[0].Values["body"], gc.Equals, "We sell land.")

	tables, err := s.repo.ListTables()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tables, jc.DeepEquals, []Table{{Name: "contents", Rows: 2}})

	c.Assert(s.repo.Delete("contents", "about"), jc.ErrorIsNil)
	c.Assert(s.repo.Delete("contents", "about"), jc.ErrorIsNil)
	recs, err = s.repo.Fetch("contents")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(recs, gc.HasLen, 1)
	c.Check(recs[0].ID, gc.Equals, "home")
}

func (s *gitSuite) TestWatch(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.repo.Watch(ctx, "contents")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.repo.Put(&Record{Table: "contents", ID: "about", Values: map[string]any{"slug": "about"}}), jc.ErrorIsNil)
	ev := nextEvent(c, events)
	c.Check(ev.Type, gc.Equals, changefeed.Insert)
	c.Check(ev.ID, gc.Equals, "about")
	c.Check(ev.Record["slug"], gc.Equals, "about")

	c.Assert(s.repo.Put(&Record{Table: "contents", ID: "about", Values: map[string]any{"slug": "about", "title": "About us"}}), jc.ErrorIsNil)
	ev = nextEvent(c, events)
	c.Check(ev.Type, gc.Equals, changefeed.Update)
	c.Check(ev.Record["title"], gc.Equals, "About us")

	c.Assert(s.repo.Delete("contents", "about"), jc.ErrorIsNil)
	ev = nextEvent(c, events)
	c.Check(ev.Type, gc.Equals, changefeed.Delete)
	c.Check(ev.OldRecord["slug"], gc.Equals, "about")
}

func (s *gitSuite) TestDeleteLastRow(c *gc.C) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := s.repo.Watch(ctx, "contents")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.repo.Put(&Record{Table: "contents", ID: "about", Values: map[string]any{"slug": "about"}}), jc.ErrorIsNil)
	c.Check(nextEvent(c, events).Type, gc.Equals, changefeed.Insert)

	c.Assert(s.repo.Delete("contents", "about"), jc.ErrorIsNil)
	ev := nextEvent(c, events)
	c.Check(ev.Type, gc.Equals, changefeed.Delete)
	c.Check(ev.ID, gc.Equals, "about")

	recs, err := s.repo.Fetch("contents")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)
	tables, err := s.repo.ListTables()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(tables, gc.HasLen, 0)
}

func (s *gitSuite) TestPutRejectsNestedID(c *gc.C) {
	err := s.repo.Put(&Record{Table: "contents", ID: "a/b", Values: map[string]any{}})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(s.repo.Delete("contents", "a/b"), jc.ErrorIs, errors.NotValid)

	recs, err := s.repo.Fetch("contents")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(recs, gc.HasLen, 0)
}

func (s *gitSuite) TestSplitRecordPath(c *gc.C) {
	table, id, ok := splitRecordPath("contents/about.json")
	c.Check(ok, jc.IsTrue)
	c.Check(table, gc.Equals, "contents")
	c.Check(id, gc.Equals, "about")

	for _, name := range []string{"about.json", "contents/about.md", "a/b/c.json"} {
		_, _, ok := splitRecordPath(name)
		c.Check(ok, jc.IsFalse, gc.Commentf(name))
	}
}
