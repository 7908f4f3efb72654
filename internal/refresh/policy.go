// Package refresh decides when each consumer looks at station data
// again and whether it should ask for a fresh fetch. The decision
// logic is one pure table shared by every consumer; the scheduler
// turns decisions into self-rescheduling wakeups.
package refresh

import "time"

// Kind selects the decision table variant.
type Kind int

const (
	// KindApp is the phone and watch tier set.
	KindApp Kind = iota
	// KindWidget is the tighter widget tier set. Widgets are woken
	// rarely, so each wake has to count.
	KindWidget
)

// Input is everything the policy looks at for one station and
// consumer.
type Input struct {
	Kind Kind

	// DataAge is now minus the freshness timestamp. Meaningless when
	// HasTimestamp is false.
	DataAge time.Duration

	// HasTimestamp reports whether a freshness timestamp was ever
	// recorded for this station. False means cold start.
	HasTimestamp bool

	// HasError reports whether the last fetch attempt failed.
	HasError bool

	// HasData reports whether any record is present, including one
	// served from the last-known-good snapshot.
	HasData bool

	// Placeholder reports whether the consumer is showing a "not
	// configured" or placeholder sentinel instead of station data.
	Placeholder bool
}

// Decision is what the consumer does next.
type Decision struct {
	// Interval is how long the data it renders stays acceptable.
	Interval time.Duration

	// Delay is when the consumer evaluates again.
	Delay time.Duration

	// PostRefresh asks for a refresh request in the shared mailbox so
	// a network-capable consumer fetches on this station's behalf.
	PostRefresh bool

	// Tier names the matched row, for logs and metrics.
	Tier string
}

// Policy is the shared decision table.
type Policy struct{}

// Evaluate returns the decision for in. Rows are ordered by priority;
// the first match wins.
func (Policy) Evaluate(in Input) Decision {
	if in.Kind == KindWidget {
		return evaluateWidget(in)
	}
	return evaluateApp(in)
}

func evaluateApp(in Input) Decision {
	switch {
	case !in.HasData && !in.HasTimestamp:
		// Cold start: don't hammer the API before anything exists.
		return Decision{Interval: 120 * time.Second, Delay: 180 * time.Second, Tier: "startup"}
	case !in.HasData:
		return Decision{Interval: 60 * time.Second, Delay: 90 * time.Second, PostRefresh: true, Tier: "no_data"}
	case in.HasError:
		return Decision{Interval: 60 * time.Second, Delay: 90 * time.Second, PostRefresh: true, Tier: "error"}
	case in.DataAge > 120*time.Second:
		return Decision{Interval: 90 * time.Second, Delay: 120 * time.Second, PostRefresh: true, Tier: "stale"}
	case in.DataAge > 60*time.Second:
		return Decision{Interval: 60 * time.Second, Delay: 90 * time.Second, Tier: "aging"}
	default:
		return Decision{Interval: 60 * time.Second, Delay: 60 * time.Second, Tier: "fresh"}
	}
}

func evaluateWidget(in Input) Decision {
	switch {
	case in.Placeholder:
		// A placeholder on screen beats every other consideration
		// until real data arrives.
		return Decision{Interval: 5 * time.Second, Delay: 10 * time.Second, PostRefresh: true, Tier: "placeholder"}
	case !in.HasData:
		return Decision{Interval: 15 * time.Second, Delay: 20 * time.Second, PostRefresh: true, Tier: "widget_no_data"}
	case in.HasError:
		return Decision{Interval: 15 * time.Second, Delay: 20 * time.Second, PostRefresh: true, Tier: "widget_error"}
	case in.DataAge > 120*time.Second:
		return Decision{Interval: 20 * time.Second, Delay: 30 * time.Second, PostRefresh: true, Tier: "widget_stale"}
	case in.DataAge > 60*time.Second:
		return Decision{Interval: 30 * time.Second, Delay: 45 * time.Second, Tier: "widget_aging"}
	default:
		return Decision{Interval: 60 * time.Second, Delay: 60 * time.Second, Tier: "widget_fresh"}
	}
}
