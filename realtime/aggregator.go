package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"github.com/rekaland/tablesync/changefeed"
)

// ErrResyncInProgress is returned by ResyncAll while a resync runs or its
// cooldown has not elapsed.
const ErrResyncInProgress = errors.ConstError("resync in progress")

// DefaultTables are the tables the admin dashboard keeps in sync.
var DefaultTables = []string{
	"properties",
	"profiles",
	"inquiries",
	"settings",
	"testimonials",
	"contents",
	"product_contents",
}

const (
	DefaultStaggerUnit = 300 * time.Millisecond
	DefaultCooldown    = 3 * time.Second

	// StatusChannelPrefix names the aggregator's channels, apart from
	// those of consumers watching the same tables.
	StatusChannelPrefix = "sync-status"
)

type AggregatorConfig struct {
	Registry *Registry

	// optional
	Tables      []string
	Refresh     func(table string)
	Notifier    Notifier
	StaggerUnit time.Duration
	Cooldown    time.Duration
	Retry       RetryPolicy
	Clock       clock.Clock
	Metrics     *Collector

	// OnInitialSync is called once, the first time every table is
	// connected.
	OnInitialSync func(Summary)
	// OnChange is called with a fresh Summary after every state change of
	// a table.
	OnChange func(Summary)
}

func (c AggregatorConfig) Validate() error {
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	seen := make(map[string]bool)
	for _, table := range c.Tables {
		if table == "" {
			return errors.NotValidf("empty table name")
		}
		if seen[table] {
			return errors.NotValidf("duplicate table %q", table)
		}
		seen[table] = true
	}
	if c.StaggerUnit < 0 {
		return errors.NotValidf("negative StaggerUnit")
	}
	if c.Cooldown < 0 {
		return errors.NotValidf("negative Cooldown")
	}
	if !c.Retry.isZero() {
		return errors.Trace(c.Retry.Validate())
	}
	return nil
}

// Aggregator tracks one TableSubscription per table and reduces their
// states into a Summary.
type Aggregator struct {
	config AggregatorConfig
	subs   []*TableSubscription

	resyncing atomic.Int32

	mu            sync.Mutex
	running       bool
	cooldownUntil time.Time
	lastSync      time.Time
	initialSynced bool
}

func NewAggregator(config AggregatorConfig) (*Aggregator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if len(config.Tables) == 0 {
		config.Tables = DefaultTables
	}
	if config.Notifier == nil {
		config.Notifier = discardNotifier{}
	}
	if config.StaggerUnit == 0 {
		config.StaggerUnit = DefaultStaggerUnit
	}
	if config.Cooldown == 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.Retry.isZero() {
		config.Retry = DefaultRetryPolicy
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	a := &Aggregator{config: config}
	for _, table := range config.Tables {
		table := table
		var refresh func()
		if config.Refresh != nil {
			refresh = func() { config.Refresh(table) }
		}
		sub, err := NewTableSubscription(SubscriptionConfig{
			Table:         table,
			ChannelPrefix: StatusChannelPrefix,
			Registry:      config.Registry,
			Refresh:       refresh,
			Notifier:      config.Notifier,
			OnEvent: func(ev changefeed.Event) {
				config.Metrics.change(ev.Table, ev.Type.String())
			},
			Retry:         config.Retry,
			Clock:         config.Clock,
			OnStateChange: a.stateChanged,
		})
		if err != nil {
			a.closeSubs()
			return nil, errors.Annotatef(err, "table %q", table)
		}
		a.subs = append(a.subs, sub)
	}
	return a, nil
}

// Start subscribes every table in the background, each under the retry
// policy.
func (a *Aggregator) Start() {
	for _, sub := range a.subs {
		sub.Start()
	}
}

// Tables returns the tracked tables in order.
func (a *Aggregator) Tables() []string {
	return append([]string(nil), a.config.Tables...)
}

// Subscription returns the subscription of table, or nil.
func (a *Aggregator) Subscription(table string) *TableSubscription {
	for _, sub := range a.subs {
		if sub.Table() == table {
			return sub
		}
	}
	return nil
}

// Status reports the current state of every table.
func (a *Aggregator) Status() Summary {
	states := make(map[string]State, len(a.subs))
	for _, sub := range a.subs {
		states[sub.Table()] = sub.State()
	}
	s := Summarize(a.config.Tables, states)
	s.Resyncing = int(a.resyncing.Load())
	a.mu.Lock()
	s.LastSync = a.lastSync
	a.mu.Unlock()
	return s
}

func (a *Aggregator) stateChanged(table string, state State) {
	logger.Debugf("%s is %s", table, state)
	a.mu.Lock()
	if state == Connected {
		a.lastSync = a.config.Clock.Now()
	}
	a.mu.Unlock()

	s := a.Status()
	a.config.Metrics.observe(s)

	a.mu.Lock()
	fireInitial := s.FullySynced && !a.initialSynced
	if fireInitial {
		a.initialSynced = true
	}
	a.mu.Unlock()

	if a.config.OnChange != nil {
		a.config.OnChange(s)
	}
	if fireInitial && a.config.OnInitialSync != nil {
		logger.Infof("initial sync of %d tables complete", s.Total)
		a.config.OnInitialSync(s)
	}
}

// ResyncAll replaces the channel of every table, one attempt each. Table i
// starts after i*StaggerUnit. Failed tables stay disconnected until the
// next resync. While a resync runs, and for Cooldown after it, further
// calls return ErrResyncInProgress without touching any table.
func (a *Aggregator) ResyncAll(ctx context.Context) (Summary, error) {
	a.mu.Lock()
	if a.running || a.config.Clock.Now().Before(a.cooldownUntil) {
		a.mu.Unlock()
		a.config.Metrics.resync("rejected")
		return a.Status(), ErrResyncInProgress
	}
	a.running = true
	a.mu.Unlock()

	logger.Infof("resyncing %d tables", len(a.subs))
	var (
		ok atomic.Int32
		g  errgroup.Group
	)
	for i, sub := range a.subs {
		delay := time.Duration(i) * a.config.StaggerUnit
		sub := sub
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-a.config.Clock.After(delay):
				case <-ctx.Done():
					return nil
				}
			}
			a.resyncing.Add(1)
			defer a.resyncing.Add(-1)
			if err := sub.Resync(ctx); err != nil {
				logger.Warningf("resync of %s failed: %v", sub.Table(), err)
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	now := a.config.Clock.Now()
	a.mu.Lock()
	a.running = false
	a.cooldownUntil = now.Add(a.config.Cooldown)
	a.lastSync = now
	a.mu.Unlock()

	succeeded := int(ok.Load())
	level := LevelSuccess
	if succeeded < len(a.subs) {
		level = LevelError
	}
	a.config.Notifier.Notify(Notification{
		Level:       level,
		Title:       "Resync complete",
		Description: enabledMessage(succeeded, len(a.subs)),
	})
	a.config.Metrics.resync("completed")

	s := a.Status()
	a.config.Metrics.observe(s)
	return s, errors.Trace(ctx.Err())
}

// Close unsubscribes every table.
func (a *Aggregator) Close() error {
	return errors.Trace(a.closeSubs())
}

func (a *Aggregator) closeSubs() error {
	var firstErr error
	for _, sub := range a.subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
