package realtime

// State is the lifecycle of one table subscription.
//
//	Idle -> Subscribing -> Connected
//	             |  ^          |
//	             v  |          | channel dropped
//	           Failed <--------+ (after retries)
type State int

const (
	Idle State = iota
	Subscribing
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return "idle"
}
