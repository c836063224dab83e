// Package consumer wires admin screens to the sync layer: a Listing
// fetches rows from a store and reloads them whenever the table's change
// feed reports a change.
package consumer

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/rekaland/tablesync/changefeed"
	"github.com/rekaland/tablesync/realtime"
	"github.com/rekaland/tablesync/storage"
)

var logger = loggo.GetLogger("tablesync.consumer")

// Fetcher is the read side of a storage.Store.
type Fetcher interface {
	Fetch(table string, filters ...changefeed.Filter) ([]storage.Record, error)
}

// Config holds what every listing needs.
type Config struct {
	Store    Fetcher
	Registry *realtime.Registry

	// optional
	Notifier   realtime.Notifier
	FilterMode realtime.FilterMode
	Retry      realtime.RetryPolicy
	// OnReload is called with the rows after every successful reload.
	OnReload func([]storage.Record)
}

func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	return nil
}

// Listing is the in-memory row list of one screen. The rows are handed
// through from the store unchanged.
type Listing struct {
	config       Config
	table        string
	fetchFilters []changefeed.Filter
	sub          *realtime.TableSubscription

	mu      sync.Mutex
	records []storage.Record
	err     error
	reloads int
}

// newListing builds a listing of table. fetchFilters select the rows
// loaded; subFilters are attached to the subscription.
func newListing(config Config, table string, fetchFilters, subFilters []changefeed.Filter) (*Listing, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	l := &Listing{
		config:       config,
		table:        table,
		fetchFilters: fetchFilters,
	}
	sub, err := realtime.NewTableSubscription(realtime.SubscriptionConfig{
		Table:      table,
		Filters:    subFilters,
		FilterMode: config.FilterMode,
		Registry:   config.Registry,
		Refresh:    l.refresh,
		Notifier:   config.Notifier,
		Retry:      config.Retry,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "listing of %s", table)
	}
	l.sub = sub
	return l, nil
}

// NewPropertyList lists every property, newest first.
func NewPropertyList(config Config) (*Listing, error) {
	return newListing(config, "properties", nil, nil)
}

// NewVerificationQueue lists the property managers waiting for
// verification. The subscription is unfiltered: any profile change can
// move a manager in or out of the queue.
func NewVerificationQueue(config Config) (*Listing, error) {
	filters := []changefeed.Filter{
		{Column: "role", Value: "property_manager"},
		{Column: "verified", Value: "false"},
	}
	return newListing(config, "profiles", filters, nil)
}

// NewContentBySlug lists the content rows with the given slug.
func NewContentBySlug(config Config, slug string) (*Listing, error) {
	if slug == "" {
		return nil, errors.NotValidf("empty slug")
	}
	filters := []changefeed.Filter{{Column: "slug", Value: slug}}
	return newListing(config, "contents", filters, filters)
}

func (l *Listing) Table() string { return l.table }

// Subscription exposes the listing's subscription, for status displays.
func (l *Listing) Subscription() *realtime.TableSubscription { return l.sub }

// Mount loads the rows once and then subscribes to the table. A failed
// subscription leaves the loaded rows in place.
func (l *Listing) Mount(ctx context.Context) error {
	if err := l.Reload(); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(l.sub.Open(ctx), "subscribing listing of %s", l.table)
}

// Unmount removes the listing's channel.
func (l *Listing) Unmount() error {
	return errors.Trace(l.sub.Close())
}

// Reload fetches the rows from the store.
func (l *Listing) Reload() error {
	records, err := l.config.Store.Fetch(l.table, l.fetchFilters...)
	l.mu.Lock()
	if err != nil {
		l.err = err
		l.mu.Unlock()
		return errors.Annotatef(err, "loading %s", l.table)
	}
	l.records = records
	l.err = nil
	l.reloads++
	l.mu.Unlock()

	if l.config.OnReload != nil {
		l.config.OnReload(records)
	}
	return nil
}

func (l *Listing) refresh() {
	if err := l.Reload(); err != nil {
		logger.Errorf("refreshing %s: %v", l.table, err)
	}
}

// Records returns the rows of the last successful load.
func (l *Listing) Records() []storage.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]storage.Record(nil), l.records...)
}

// Err returns the error of the last load, if it failed.
func (l *Listing) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Reloads counts the successful loads, including the one made by Mount.
func (l *Listing) Reloads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloads
}
