package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/rekaland/tablesync/changefeed"
)

// ChannelPrefix starts the name of the channels opened for consumers of a
// table.
const ChannelPrefix = "table-sync"

// ErrSubscriptionClosed is returned by Open and Resync after Close.
const ErrSubscriptionClosed = errors.ConstError("subscription closed")

// FilterMode decides what a subscription's filters do to events for rows
// outside of them.
type FilterMode int

const (
	// FilterPassThrough treats filters as documentation: every change to
	// the table refreshes and notifies.
	FilterPassThrough FilterMode = iota
	// FilterSuppress drops changes to rows that do not match every filter.
	FilterSuppress
)

func (m FilterMode) String() string {
	switch m {
	case FilterPassThrough:
		return "pass-through"
	case FilterSuppress:
		return "suppress"
	}
	return fmt.Sprintf("FilterMode(%d)", int(m))
}

// ParseFilterMode parses the names returned by FilterMode.String.
func ParseFilterMode(s string) (FilterMode, error) {
	switch s {
	case "", "pass-through":
		return FilterPassThrough, nil
	case "suppress":
		return FilterSuppress, nil
	}
	return 0, errors.NotValidf("filter mode %q", s)
}

// ChannelName returns the deterministic channel name for table and
// filters.
func ChannelName(table string, filters ...changefeed.Filter) string {
	return channelName(ChannelPrefix, table, filters)
}

func channelName(prefix, table string, filters []changefeed.Filter) string {
	parts := []string{prefix, table}
	for _, f := range filters {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, ":")
}

type SubscriptionConfig struct {
	Table    string
	Registry *Registry

	// optional
	Filters    []changefeed.Filter
	FilterMode FilterMode
	Refresh    func()
	Notifier   Notifier
	Retry      RetryPolicy
	Clock      clock.Clock
	// ChannelPrefix defaults to ChannelPrefix.
	ChannelPrefix string

	// OnStateChange is called after every state transition, outside of
	// the subscription's locks.
	OnStateChange func(table string, state State)
	// OnEvent is called for every change that refreshed.
	OnEvent func(changefeed.Event)
}

func (c SubscriptionConfig) Validate() error {
	if c.Table == "" {
		return errors.NotValidf("empty Table")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	for _, f := range c.Filters {
		if err := f.Validate(); err != nil {
			return errors.Annotatef(err, "table %q", c.Table)
		}
	}
	if c.FilterMode != FilterPassThrough && c.FilterMode != FilterSuppress {
		return errors.NotValidf("filter mode %d", c.FilterMode)
	}
	if !c.Retry.isZero() {
		return errors.Trace(c.Retry.Validate())
	}
	return nil
}

// TableSubscription keeps one channel open for a table while mounted and
// calls Refresh for every change delivered on it.
type TableSubscription struct {
	config  SubscriptionConfig
	name    string
	binding changefeed.Binding

	tomb tomb.Tomb
	kick chan struct{}

	// serialises connection attempts
	connectMu sync.Mutex

	mu     sync.Mutex
	state  State
	err    error
	closed bool
}

// NewTableSubscription returns an idle subscription. Nothing is opened
// until Open or Start.
func NewTableSubscription(config SubscriptionConfig) (*TableSubscription, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Notifier == nil {
		config.Notifier = discardNotifier{}
	}
	if config.Retry.isZero() {
		config.Retry = DefaultRetryPolicy
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.ChannelPrefix == "" {
		config.ChannelPrefix = ChannelPrefix
	}
	s := &TableSubscription{
		config: config,
		name:   channelName(config.ChannelPrefix, config.Table, config.Filters),
		binding: changefeed.Binding{
			Table:   config.Table,
			Types:   changefeed.All,
			Filters: config.Filters,
		},
		kick: make(chan struct{}, 1),
	}
	s.tomb.Go(s.loop)
	return s, nil
}

func (s *TableSubscription) Table() string       { return s.config.Table }
func (s *TableSubscription) ChannelName() string { return s.name }

func (s *TableSubscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the provider has confirmed the channel.
func (s *TableSubscription) Connected() bool {
	return s.State() == Connected
}

// Err returns the error that put the subscription in the Failed state.
func (s *TableSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Open subscribes under the retry policy and returns once the subscription
// is Connected or Failed.
func (s *TableSubscription) Open(ctx context.Context) error {
	return errors.Trace(s.connect(ctx, s.config.Retry))
}

// Start subscribes in the background.
func (s *TableSubscription) Start() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Resync replaces the channel with a fresh one, making a single attempt.
func (s *TableSubscription) Resync(ctx context.Context) error {
	return errors.Trace(s.connect(ctx, s.config.Retry.singleAttempt()))
}

// Close stops any background attempt and removes the channel. The
// subscription cannot be reopened.
func (s *TableSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Killing the tomb also cancels an Open running in the caller's
	// goroutine, so the wait for connectMu is short.
	s.tomb.Kill(nil)
	_ = s.tomb.Wait()

	s.connectMu.Lock()
	err := s.config.Registry.Unsubscribe(s.name)
	s.connectMu.Unlock()

	s.setState(Idle, nil)
	return errors.Trace(err)
}

func (s *TableSubscription) loop() error {
	for {
		select {
		case <-s.tomb.Dying():
			return tomb.ErrDying
		case <-s.kick:
			if err := s.connect(s.tomb.Context(nil), s.config.Retry); err != nil {
				logger.Debugf("background subscribe of %s: %v", s.config.Table, err)
			}
		}
	}
}

func (s *TableSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *TableSubscription) connect(ctx context.Context, policy RetryPolicy) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.isClosed() {
		return ErrSubscriptionClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.tomb.Dying():
			cancel()
		case <-ctx.Done():
		}
	}()

	s.setState(Subscribing, nil)
	spec := ChannelSpec{
		Name:    s.name,
		Binding: s.binding,
		Handler: s.handle,
		OnDrop:  s.dropped,
		Timeout: policy.Timeout,
	}
	err := policy.call(ctx, s.config.Clock, "subscribing to "+s.config.Table, func(ctx context.Context) error {
		return s.config.Registry.Subscribe(ctx, spec)
	})
	switch {
	case err == nil:
		s.setState(Connected, nil)
		return nil
	case ctx.Err() != nil || s.isClosed():
		// Unmounted or caller gave up; not a sync failure.
		s.setState(Idle, nil)
		return errors.Trace(err)
	}

	logger.Errorf("subscription to %s failed: %v", s.config.Table, err)
	s.setState(Failed, err)
	s.config.Notifier.Notify(Notification{
		Level:       LevelError,
		Title:       "Sync failed",
		Description: fmt.Sprintf("Live updates for %s are unavailable.", s.config.Table),
	})
	return errors.Trace(err)
}

func (s *TableSubscription) handle(ev changefeed.Event) {
	if s.config.FilterMode == FilterSuppress && !s.binding.MatchesFilters(ev) {
		logger.Tracef("%s: ignoring %s of %s outside filters", s.name, ev.Type, ev.ID)
		return
	}
	logger.Debugf("%s: %s of %q", s.name, ev.Type, ev.ID)
	if s.config.Refresh != nil {
		s.config.Refresh()
	}
	s.config.Notifier.Notify(ChangeNotification(ev))
	if s.config.OnEvent != nil {
		s.config.OnEvent(ev)
	}
}

// dropped runs when a connected channel goes away without an Unsubscribe.
// The subscription resubscribes while it is still mounted.
func (s *TableSubscription) dropped(status changefeed.Status, err error) {
	if s.isClosed() {
		return
	}
	logger.Warningf("%s dropped (%s): %v; resubscribing", s.name, status, err)
	s.setState(Subscribing, nil)
	s.Start()
}

func (s *TableSubscription) setState(state State, err error) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.err = err
	s.mu.Unlock()
	if changed && s.config.OnStateChange != nil {
		s.config.OnStateChange(s.config.Table, state)
	}
}
