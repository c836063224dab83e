package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/rekaland/tablesync/changefeed"
)

const (
	// ErrSubscribeTimeout is returned when the provider does not report a
	// status for a new channel in time.
	ErrSubscribeTimeout = errors.ConstError("subscribe timed out")

	// ErrRegistryClosed is returned by Subscribe after Close.
	ErrRegistryClosed = errors.ConstError("registry closed")
)

// DefaultSubscribeTimeout bounds the wait for a channel's first status when
// neither RegistryConfig nor the ChannelSpec sets one.
const DefaultSubscribeTimeout = 10 * time.Second

type RegistryConfig struct {
	Provider changefeed.Provider

	// optional
	Clock            clock.Clock
	SubscribeTimeout time.Duration
}

func (c RegistryConfig) Validate() error {
	if c.Provider == nil {
		return errors.NotValidf("nil Provider")
	}
	if c.SubscribeTimeout < 0 {
		return errors.NotValidf("negative SubscribeTimeout")
	}
	return nil
}

// ChannelSpec describes one channel to open on the provider.
type ChannelSpec struct {
	Name    string
	Binding changefeed.Binding
	Handler func(changefeed.Event)

	// OnDrop is called, on its own goroutine, when the channel goes away
	// after it was subscribed. It is not called for channels removed
	// through the registry.
	OnDrop func(changefeed.Status, error)

	// Timeout overrides the registry's subscribe timeout.
	Timeout time.Duration
}

func (s ChannelSpec) Validate() error {
	if s.Name == "" {
		return errors.NotValidf("empty channel name")
	}
	if s.Handler == nil {
		return errors.NotValidf("channel %q without handler", s.Name)
	}
	return errors.Annotatef(s.Binding.Validate(), "channel %q", s.Name)
}

type registration struct {
	spec    ChannelSpec
	channel changefeed.Channel
	// gone is set when the channel went away before it was registered.
	gone bool
}

// Registry owns the process wide channel namespace of a provider. Every
// subscription goes through Subscribe, which keeps at most one live
// channel per name.
type Registry struct {
	provider changefeed.Provider
	clock    clock.Clock
	timeout  time.Duration

	locks nameLocks

	mu      sync.Mutex
	entries map[string]*registration
	closed  bool
}

func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.SubscribeTimeout == 0 {
		config.SubscribeTimeout = DefaultSubscribeTimeout
	}
	return &Registry{
		provider: config.Provider,
		clock:    config.Clock,
		timeout:  config.SubscribeTimeout,
		entries:  make(map[string]*registration),
	}, nil
}

// Subscribe replaces whatever is registered under spec.Name with a fresh
// channel and waits for the provider to confirm it. On any outcome other
// than SUBSCRIBED the new channel is removed again and an error returned.
func (r *Registry) Subscribe(ctx context.Context, spec ChannelSpec) error {
	if err := spec.Validate(); err != nil {
		return errors.Trace(err)
	}
	r.locks.lock(spec.Name)
	defer r.locks.unlock(spec.Name)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	old := r.entries[spec.Name]
	delete(r.entries, spec.Name)
	r.mu.Unlock()

	if old != nil {
		logger.Debugf("replacing channel %s (%s)", spec.Name, old.channel.ID())
		r.remove(old.channel)
	}
	// Channels with this name the registry does not know about, left by a
	// previous owner of the provider.
	for _, ch := range r.provider.Channels() {
		if ch.Name() == spec.Name {
			logger.Debugf("removing stray channel %s (%s)", spec.Name, ch.ID())
			r.remove(ch)
		}
	}

	reg := &registration{spec: spec}
	first := make(chan statusReport, 1)
	var once sync.Once
	reg.channel = r.provider.Channel(spec.Name).On(spec.Binding, spec.Handler)
	reg.channel.Subscribe(func(status changefeed.Status, err error) {
		delivered := false
		once.Do(func() {
			first <- statusReport{status: status, err: err}
			delivered = true
		})
		if !delivered {
			r.dropped(reg, status, err)
		}
	})

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	var failure error
	select {
	case report := <-first:
		failure = report.failure(spec.Name)
	case <-r.clock.After(timeout):
		failure = errors.Annotatef(ErrSubscribeTimeout, "channel %q after %v", spec.Name, timeout)
	case <-ctx.Done():
		failure = errors.Annotatef(ctx.Err(), "subscribing channel %q", spec.Name)
	}
	if failure != nil {
		r.remove(reg.channel)
		return failure
	}

	r.mu.Lock()
	if r.closed || reg.gone {
		closed := r.closed
		r.mu.Unlock()
		r.remove(reg.channel)
		if closed {
			return ErrRegistryClosed
		}
		return errors.Errorf("channel %q dropped while subscribing", spec.Name)
	}
	r.entries[spec.Name] = reg
	r.mu.Unlock()
	logger.Debugf("channel %s (%s) subscribed", spec.Name, reg.channel.ID())
	return nil
}

// dropped handles a status reported after the first one. Only the
// currently registered channel is acted on; late reports from replaced
// channels are ignored.
func (r *Registry) dropped(reg *registration, status changefeed.Status, err error) {
	r.mu.Lock()
	current := r.entries[reg.spec.Name] == reg
	if current {
		delete(r.entries, reg.spec.Name)
	} else {
		reg.gone = true
	}
	r.mu.Unlock()
	if !current {
		return
	}

	logger.Warningf("channel %s (%s) dropped: %s %v", reg.spec.Name, reg.channel.ID(), status, err)
	// Status callbacks run on the channel's own goroutine, which
	// RemoveChannel waits for.
	go func() {
		r.remove(reg.channel)
		if reg.spec.OnDrop != nil {
			reg.spec.OnDrop(status, err)
		}
	}()
}

// Unsubscribe removes the channel registered under name. Unknown names
// are ignored.
func (r *Registry) Unsubscribe(name string) error {
	r.locks.lock(name)
	defer r.locks.unlock(name)

	r.mu.Lock()
	reg := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()
	if reg == nil {
		return nil
	}
	return errors.Annotatef(r.provider.RemoveChannel(reg.channel), "removing channel %q", name)
}

// Names returns the registered channel names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close removes every registered channel. Later calls to Subscribe fail
// with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	entries := r.entries
	r.entries = make(map[string]*registration)
	r.mu.Unlock()

	var firstErr error
	for name, reg := range entries {
		if err := r.provider.RemoveChannel(reg.channel); err != nil && firstErr == nil {
			firstErr = errors.Annotatef(err, "removing channel %q", name)
		}
	}
	return firstErr
}

func (r *Registry) remove(ch changefeed.Channel) {
	if err := r.provider.RemoveChannel(ch); err != nil {
		logger.Warningf("removing channel %s (%s): %v", ch.Name(), ch.ID(), err)
	}
}

type statusReport struct {
	status changefeed.Status
	err    error
}

func (s statusReport) failure(name string) error {
	switch s.status {
	case changefeed.StatusSubscribed:
		return nil
	case changefeed.StatusTimedOut:
		return errors.Annotatef(ErrSubscribeTimeout, "channel %q reported by provider", name)
	case changefeed.StatusChannelError:
		if s.err == nil {
			return errors.Errorf("channel %q: %s", name, s.status)
		}
		return errors.Annotatef(s.err, "channel %q", name)
	}
	return errors.Errorf("channel %q closed while subscribing", name)
}

// nameLocks serialises operations on the same channel name while letting
// different names proceed in parallel.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sync.Mutex
	refs int
}

func (l *nameLocks) lock(name string) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*nameLock)
	}
	nl := l.locks[name]
	if nl == nil {
		nl = &nameLock{}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()
	nl.Lock()
}

func (l *nameLocks) unlock(name string) {
	l.mu.Lock()
	nl := l.locks[name]
	nl.refs--
	if nl.refs == 0 {
		delete(l.locks, name)
	}
	l.mu.Unlock()
	nl.Unlock()
}
