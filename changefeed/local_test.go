package changefeed

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

const shortWait = 5 * time.Second

type fakeSource struct {
	mu      sync.Mutex
	feeds   map[string][]chan Event
	failFor map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		feeds:   make(map[string][]chan Event),
		failFor: make(map[string]error),
	}
}

func (s *fakeSource) Watch(ctx context.Context, table string) (<-chan Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[table]; err != nil {
		return nil, err
	}
	ch := make(chan Event)
	s.feeds[table] = append(s.feeds[table], ch)
	return ch, nil
}

func (s *fakeSource) emit(c *gc.C, ev Event) {
	s.mu.Lock()
	feeds := append([]chan Event(nil), s.feeds[ev.Table]...)
	s.mu.Unlock()
	c.Assert(feeds, gc.Not(gc.HasLen), 0)
	for _, feed := range feeds {
		select {
		case feed <- ev:
		case <-time.After(shortWait):
			c.Fatalf("timed out emitting %v", ev)
		}
	}
}

func (s *fakeSource) closeFeeds(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, feed := range s.feeds[table] {
		close(feed)
	}
	s.feeds[table] = nil
}

type localSuite struct {
	source   *fakeSource
	provider Provider
}

var _ = gc.Suite(&localSuite{})

func (s *localSuite) SetUpTest(c *gc.C) {
	s.source = newFakeSource()
	s.provider = NewProvider(s.source, loggo.GetLogger("test"))
}

func statusRecorder() (func(Status, error), <-chan Status) {
	ch := make(chan Status, 10)
	return func(st Status, _ error) { ch <- st }, ch
}

func waitStatus(c *gc.C, ch <-chan Status) Status {
	select {
	case st := <-ch:
		return st
	case <-time.After(shortWait):
		c.Fatalf("timed out waiting for status")
	}
	return ""
}

func (s *localSuite) TestSubscribeDeliversAcceptedEvents(c *gc.C) {
	events := make(chan Event, 10)
	ch := s.provider.Channel("table-sync:properties").
		On(Binding{Table: "properties", Types: Insert | Update}, func(ev Event) { events <- ev })

	cb, statuses := statusRecorder()
	ch.Subscribe(cb)
	c.Assert(waitStatus(c, statuses), gc.Equals, StatusSubscribed)

	s.source.emit(c, Event{Table: "properties", Type: Delete, ID: "1"})
	s.source.emit(c, Event{Table: "properties", Type: Update, ID: "2"})

	select {
	case ev := <-events:
		c.Check(ev.ID, gc.Equals, "2")
		c.Check(ev.Type, gc.Equals, Update)
	case <-time.After(shortWait):
		c.Fatalf("no event delivered")
	}
	c.Check(events, gc.HasLen, 0)

	c.Assert(s.provider.RemoveChannel(ch), jc.ErrorIsNil)
	c.Check(waitStatus(c, statuses), gc.Equals, StatusClosed)
	c.Check(s.provider.Channels(), gc.HasLen, 0)
}

func (s *localSuite) TestChannelsListsOpenChannels(c *gc.C) {
	a := s.provider.Channel("a")
	b := s.provider.Channel("a")
	c.Check(a.ID(), gc.Not(gc.Equals), b.ID())
	c.Check(s.provider.Channels(), gc.HasLen, 2)

	c.Assert(s.provider.RemoveChannel(a), jc.ErrorIsNil)
	chans := s.provider.Channels()
	c.Assert(chans, gc.HasLen, 1)
	c.Check(chans[0].ID(), gc.Equals, b.ID())
}

func (s *localSuite) TestWatchErrorReportsChannelError(c *gc.C) {
	s.source.failFor["profiles"] = errors.New("boom")

	var (
		mu  sync.Mutex
		got error
	)
	statuses := make(chan Status, 2)
	ch := s.provider.Channel("profiles").On(Binding{Table: "profiles"}, func(Event) {})
	ch.Subscribe(func(st Status, err error) {
		mu.Lock()
		got = err
		mu.Unlock()
		statuses <- st
	})
	c.Assert(waitStatus(c, statuses), gc.Equals, StatusChannelError)
	mu.Lock()
	c.Check(got, gc.ErrorMatches, `watching table "profiles": boom`)
	mu.Unlock()
}

func (s *localSuite) TestClosedFeedReportsChannelError(c *gc.C) {
	ch := s.provider.Channel("inquiries").On(Binding{Table: "inquiries"}, func(Event) {})
	cb, statuses := statusRecorder()
	ch.Subscribe(cb)
	c.Assert(waitStatus(c, statuses), gc.Equals, StatusSubscribed)

	s.source.closeFeeds("inquiries")
	c.Check(waitStatus(c, statuses), gc.Equals, StatusChannelError)
}

func (s *localSuite) TestSubscribeTwiceFails(c *gc.C) {
	ch := s.provider.Channel("settings").On(Binding{Table: "settings"}, func(Event) {})
	cb, statuses := statusRecorder()
	ch.Subscribe(cb)
	c.Assert(waitStatus(c, statuses), gc.Equals, StatusSubscribed)

	cb2, statuses2 := statusRecorder()
	ch.Subscribe(cb2)
	c.Check(waitStatus(c, statuses2), gc.Equals, StatusChannelError)
}

func (s *localSuite) TestSubscribeAfterRemoveReportsClosed(c *gc.C) {
	ch := s.provider.Channel("settings").On(Binding{Table: "settings"}, func(Event) {})
	c.Assert(s.provider.RemoveChannel(ch), jc.ErrorIsNil)

	cb, statuses := statusRecorder()
	ch.Subscribe(cb)
	c.Check(waitStatus(c, statuses), gc.Equals, StatusClosed)
}

func (s *localSuite) TestInvalidBinding(c *gc.C) {
	ch := s.provider.Channel("bad").On(Binding{}, func(Event) {})
	cb, statuses := statusRecorder()
	ch.Subscribe(cb)
	c.Check(waitStatus(c, statuses), gc.Equals, StatusChannelError)
}
