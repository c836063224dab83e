// Package realtime keeps consumers of backend tables in sync with remote
// changes. A TableSubscription binds one table to one provider channel and
// a refresh callback; an Aggregator tracks several of them and reports how
// many are connected. All channels are opened through a Registry, which
// keeps at most one live channel per name.
package realtime

import "github.com/juju/loggo/v2"

var logger = loggo.GetLogger("tablesync.realtime")
