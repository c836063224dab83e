package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/rekaland/tablesync/changefeed"
)

type registrySuite struct {
	provider *fakeProvider
	registry *Registry
}

var _ = gc.Suite(&registrySuite{})

func (s *registrySuite) SetUpTest(c *gc.C) {
	s.provider = newFakeProvider()
	s.registry = newTestRegistry(c, s.provider)
}

func (s *registrySuite) TearDownTest(c *gc.C) {
	c.Check(s.registry.Close(), jc.ErrorIsNil)
}

func testSpec(name string) ChannelSpec {
	return ChannelSpec{
		Name:    name,
		Binding: changefeed.Binding{Table: "properties"},
		Handler: func(changefeed.Event) {},
	}
}

func (s *registrySuite) TestSubscribeRegisters(c *gc.C) {
	err := s.registry.Subscribe(context.Background(), testSpec("table-sync:properties"))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.registry.Names(), jc.DeepEquals, []string{"table-sync:properties"})
	c.Check(s.provider.live("table-sync:properties"), gc.HasLen, 1)
}

func (s *registrySuite) TestSubscribeTwiceLeavesOneChannel(c *gc.C) {
	spec := testSpec("table-sync:properties")
	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
	first := s.provider.live(spec.Name)[0]

	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
	live := s.provider.live(spec.Name)
	c.Assert(live, gc.HasLen, 1)
	c.Check(live[0].ID(), gc.Not(gc.Equals), first.ID())
	c.Check(s.provider.removedIDs(), jc.DeepEquals, []string{first.ID()})
	c.Check(s.registry.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestConcurrentSubscribeSameName(c *gc.C) {
	spec := testSpec("table-sync:properties")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
		}()
	}
	wg.Wait()
	c.Check(s.provider.live(spec.Name), gc.HasLen, 1)
	c.Check(s.provider.removedIDs(), gc.HasLen, 4)
	c.Check(s.registry.Len(), gc.Equals, 1)
}

func (s *registrySuite) TestSubscribeRemovesStrayChannels(c *gc.C) {
	stray := s.provider.Channel("table-sync:properties")
	c.Assert(s.registry.Subscribe(context.Background(), testSpec("table-sync:properties")), jc.ErrorIsNil)
	live := s.provider.live("table-sync:properties")
	c.Assert(live, gc.HasLen, 1)
	c.Check(live[0].ID(), gc.Not(gc.Equals), stray.ID())
}

func (s *registrySuite) TestUnsubscribeRemovesOnce(c *gc.C) {
	spec := testSpec("table-sync:properties")
	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
	id := s.provider.live(spec.Name)[0].ID()

	c.Assert(s.registry.Unsubscribe(spec.Name), jc.ErrorIsNil)
	c.Assert(s.registry.Unsubscribe(spec.Name), jc.ErrorIsNil)
	c.Check(s.provider.removedIDs(), jc.DeepEquals, []string{id})
	c.Check(s.registry.Len(), gc.Equals, 0)
}

func (s *registrySuite) TestSubscribeChannelError(c *gc.C) {
	s.provider.setBehaviour("table-sync:properties", subscribeError)
	err := s.registry.Subscribe(context.Background(), testSpec("table-sync:properties"))
	c.Assert(err, gc.ErrorMatches, `channel "table-sync:properties": connection refused`)
	c.Check(s.registry.Len(), gc.Equals, 0)
	c.Check(s.provider.live("table-sync:properties"), gc.HasLen, 0)
}

func (s *registrySuite) TestSubscribeTimeout(c *gc.C) {
	s.provider.setBehaviour("table-sync:properties", subscribeNever)
	spec := testSpec("table-sync:properties")
	spec.Timeout = 10 * time.Millisecond
	err := s.registry.Subscribe(context.Background(), spec)
	c.Assert(errors.Is(err, ErrSubscribeTimeout), jc.IsTrue)
	c.Check(s.registry.Len(), gc.Equals, 0)
	c.Check(s.provider.live("table-sync:properties"), gc.HasLen, 0)
}

func (s *registrySuite) TestSubscribeCancelled(c *gc.C) {
	s.provider.setBehaviour("table-sync:properties", subscribeNever)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.registry.Subscribe(ctx, testSpec("table-sync:properties"))
	c.Assert(errors.Is(err, context.Canceled), jc.IsTrue)
	c.Check(s.provider.live("table-sync:properties"), gc.HasLen, 0)
}

func (s *registrySuite) TestDropNotifiesCurrentChannel(c *gc.C) {
	dropped := make(chan changefeed.Status, 1)
	spec := testSpec("table-sync:properties")
	spec.OnDrop = func(st changefeed.Status, _ error) { dropped <- st }
	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)

	s.provider.live(spec.Name)[0].drop()
	select {
	case st := <-dropped:
		c.Check(st, gc.Equals, changefeed.StatusChannelError)
	case <-time.After(shortWait):
		c.Fatalf("OnDrop not called")
	}
	c.Check(s.registry.Len(), gc.Equals, 0)
	waitFor(c, "dropped channel removal", func() bool {
		return len(s.provider.live(spec.Name)) == 0
	})
}

func (s *registrySuite) TestReplacedChannelDoesNotDrop(c *gc.C) {
	dropped := make(chan changefeed.Status, 2)
	spec := testSpec("table-sync:properties")
	spec.OnDrop = func(st changefeed.Status, _ error) { dropped <- st }
	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
	c.Assert(s.registry.Subscribe(context.Background(), spec), jc.ErrorIsNil)
	c.Assert(s.registry.Unsubscribe(spec.Name), jc.ErrorIsNil)

	select {
	case st := <-dropped:
		c.Fatalf("unexpected drop with %s", st)
	case <-time.After(20 * time.Millisecond):
	}
}

func (s *registrySuite) TestClose(c *gc.C) {
	c.Assert(s.registry.Subscribe(context.Background(), testSpec("a")), jc.ErrorIsNil)
	c.Assert(s.registry.Subscribe(context.Background(), testSpec("b")), jc.ErrorIsNil)
	c.Assert(s.registry.Close(), jc.ErrorIsNil)
	c.Check(s.provider.Channels(), gc.HasLen, 0)

	err := s.registry.Subscribe(context.Background(), testSpec("c"))
	c.Check(errors.Is(err, ErrRegistryClosed), jc.IsTrue)
}

func (s *registrySuite) TestInvalidSpec(c *gc.C) {
	err := s.registry.Subscribe(context.Background(), ChannelSpec{Name: "x"})
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(s.provider.openedCount(), gc.Equals, 0)
}

func (s *registrySuite) TestNewRegistryValidates(c *gc.C) {
	_, err := NewRegistry(RegistryConfig{})
	c.Check(err, gc.ErrorMatches, "nil Provider not valid")
}
