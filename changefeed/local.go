package changefeed

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"
)

// NewProvider returns a Provider that serves channels from the table
// watches of source. Every binding of a channel gets its own watch, so
// events of one table are delivered in the order the source emits them.
func NewProvider(source Source, logger loggo.Logger) Provider {
	return &provider{
		source: source,
		logger: logger,
	}
}

type provider struct {
	source Source
	logger loggo.Logger

	mu       sync.Mutex
	channels []*channel
}

func (p *provider) Channel(name string) Channel {
	c := &channel{
		id:       uuid.NewString(),
		name:     name,
		provider: p,
	}
	p.mu.Lock()
	p.channels = append(p.channels, c)
	p.mu.Unlock()
	return c
}

func (p *provider) RemoveChannel(ch Channel) error {
	c, ok := ch.(*channel)
	if !ok || c.provider != p {
		return errors.NotValidf("channel %q from another provider", ch.Name())
	}

	p.mu.Lock()
	for i, existing := range p.channels {
		if existing == c {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	c.close()
	return nil
}

func (p *provider) Channels() []Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Channel, len(p.channels))
	for i, c := range p.channels {
		out[i] = c
	}
	return out
}

type handlerEntry struct {
	binding Binding
	handler func(Event)
}

type channel struct {
	id       string
	name     string
	provider *provider

	mu       sync.Mutex
	handlers []handlerEntry
	tomb     *tomb.Tomb
	removed  bool
}

func (c *channel) ID() string   { return c.id }
func (c *channel) Name() string { return c.name }

func (c *channel) On(binding Binding, handler func(Event)) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handlerEntry{binding: binding, handler: handler})
	return c
}

func (c *channel) Subscribe(callback func(Status, error)) {
	if callback == nil {
		callback = func(Status, error) {}
	}

	c.mu.Lock()
	if c.removed || c.tomb != nil {
		removed := c.removed
		c.mu.Unlock()
		go func() {
			if removed {
				callback(StatusClosed, nil)
				return
			}
			callback(StatusChannelError, errors.AlreadyExistsf("subscription on channel %q", c.name))
		}()
		return
	}
	t := &tomb.Tomb{}
	c.tomb = t
	handlers := append([]handlerEntry(nil), c.handlers...)
	c.mu.Unlock()

	t.Go(func() error {
		return c.run(t, handlers, callback)
	})
}

func (c *channel) run(t *tomb.Tomb, handlers []handlerEntry, callback func(Status, error)) error {
	logger := c.provider.logger
	ctx := t.Context(context.Background())

	feeds := make([]<-chan Event, len(handlers))
	for i, h := range handlers {
		if err := h.binding.Validate(); err != nil {
			callback(StatusChannelError, err)
			return errors.Trace(err)
		}
		feed, err := c.provider.source.Watch(ctx, h.binding.Table)
		if err != nil {
			if ctx.Err() != nil {
				callback(StatusClosed, nil)
				return nil
			}
			err = errors.Annotatef(err, "watching table %q", h.binding.Table)
			callback(StatusChannelError, err)
			return err
		}
		feeds[i] = feed
	}

	logger.Debugf("channel %s (%s) subscribed to %d binding(s)", c.name, c.id, len(handlers))
	callback(StatusSubscribed, nil)

	for i := range handlers {
		h, feed := handlers[i], feeds[i]
		t.Go(func() error {
			return c.pump(t, h, feed)
		})
	}

	<-t.Dying()
	if err := t.Err(); err != nil && err != tomb.ErrDying {
		logger.Debugf("channel %s (%s) failed: %v", c.name, c.id, err)
		callback(StatusChannelError, err)
		return nil
	}
	callback(StatusClosed, nil)
	return nil
}

func (c *channel) pump(t *tomb.Tomb, h handlerEntry, feed <-chan Event) error {
	for {
		select {
		case <-t.Dying():
			return tomb.ErrDying
		case ev, ok := <-feed:
			if !ok {
				return errors.Errorf("feed for table %q closed", h.binding.Table)
			}
			if !h.binding.Accepts(ev) {
				continue
			}
			h.handler(ev)
		}
	}
}

func (c *channel) close() {
	c.mu.Lock()
	c.removed = true
	t := c.tomb
	c.mu.Unlock()

	if t == nil {
		return
	}
	t.Kill(nil)
	if err := t.Wait(); err != nil {
		c.provider.logger.Debugf("channel %s (%s) stopped with: %v", c.name, c.id, err)
	}
}
