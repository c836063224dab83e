package changefeed

import "context"

// Status is reported by a channel while it subscribes and after it has
// been torn down.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

// Provider is the client side of a backend that can emit row-level change
// events over named channels.
type Provider interface {
	// Channel returns a new, unsubscribed channel with the given name.
	// Names are not unique on the provider; de-duplication is the caller's
	// concern.
	Channel(name string) Channel

	// RemoveChannel unsubscribes the channel and forgets it. It must not be
	// called from within one of the channel's own handlers or status
	// callbacks.
	RemoveChannel(ch Channel) error

	// Channels lists the channels currently known to the provider.
	Channels() []Channel
}

// Channel is a named subscription endpoint on a Provider.
type Channel interface {
	// ID uniquely identifies this channel instance.
	ID() string
	Name() string

	// On registers handler for every change accepted by binding. It must be
	// called before Subscribe.
	On(binding Binding, handler func(Event)) Channel

	// Subscribe opens the channel. The callback is invoked asynchronously:
	// first with StatusSubscribed or an error status, later with
	// StatusClosed or StatusChannelError when the channel goes away.
	Subscribe(callback func(Status, error))
}

// Source is a backend that can stream the changes of one table. The
// returned channel must stop delivering and be closed once ctx is done.
type Source interface {
	Watch(ctx context.Context, table string) (<-chan Event, error)
}
