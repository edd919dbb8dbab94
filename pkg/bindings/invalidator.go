package bindings

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"churnlink/pkg/core"
	"churnlink/pkg/events"
)

// Cache key prefixes invalidated by server events.
const (
	KeyAnalyses  = "analyses"
	KeyDashboard = "dashboard"
	KeyWorkQueue = "work-queue"
	KeyCustomers = "customers"
)

// Rule maps a decoded event to the cache prefixes it makes stale.
type Rule func(ev events.Event) []string

// DefaultRules invalidates analysis and work-queue data, plus the affected customer's
// entries when the event names one.
func DefaultRules() map[string]Rule {
	analyses := func(ev events.Event) []string {
		return withCustomer([]string{KeyAnalyses, KeyDashboard}, customerOf(ev))
	}
	workQueue := func(ev events.Event) []string {
		return withCustomer([]string{KeyWorkQueue}, customerOf(ev))
	}
	return map[string]Rule{
		events.AnalysisCompleted:    analyses,
		events.WorkQueueItemAdded:   workQueue,
		events.WorkQueueItemUpdated: workQueue,
		events.WorkQueueItemRemoved: workQueue,
	}
}

func customerOf(ev events.Event) string {
	switch e := ev.(type) {
	case *events.Analysis:
		return e.CustomerID
	case *events.WorkQueueAdded:
		return e.CustomerID
	case *events.WorkQueueUpdated:
		return e.CustomerID
	case *events.WorkQueueRemoved:
		return e.CustomerID
	}
	return ""
}

func withCustomer(prefixes []string, customerID string) []string {
	if customerID == "" {
		return prefixes
	}
	return append(prefixes, KeyCustomers+"/"+customerID)
}

// Invalidator drops QueryCache entries when the server reports a change. A reconnection
// clears the whole cache since changes may have been missed.
type Invalidator struct {
	cache  *QueryCache
	rules  map[string]Rule
	logger zerolog.Logger

	invalidated atomic.Int64
	clears      atomic.Int64
}

// NewInvalidator uses DefaultRules when rules is nil.
func NewInvalidator(cache *QueryCache, rules map[string]Rule) *Invalidator {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Invalidator{
		cache:  cache,
		rules:  rules,
		logger: zerolog.Nop(),
	}
}

func (i *Invalidator) SetLogger(logger zerolog.Logger) {
	i.logger = logger
}

func (i *Invalidator) Mount(sub Subscriber) func() {
	onError := func(msg core.Message, err error) {
		i.logger.Warn().Err(err).Str("event", msg.Event).Msg("invalidation event dropped")
	}
	regs := make([]registration, 0, len(i.rules))
	for event, rule := range i.rules {
		rule := rule
		regs = append(regs, registration{
			event: event,
			handler: events.NewHandler(func(ev events.Event) {
				i.apply(ev, rule)
			}, onError),
		})
	}
	return attach(sub, regs, i.reconnected)
}

// Stats returns the number of entries invalidated by events and the number of full clears.
func (i *Invalidator) Stats() (invalidated, clears int64) {
	return i.invalidated.Load(), i.clears.Load()
}

func (i *Invalidator) apply(ev events.Event, rule Rule) {
	prefixes := rule(ev)
	removed := 0
	for _, p := range prefixes {
		removed += i.cache.InvalidatePrefix(p)
	}
	i.invalidated.Add(int64(removed))
	i.logger.Debug().Str("event", ev.Name()).Strs("prefixes", prefixes).Int("removed", removed).Msg("cache invalidated")
}

func (i *Invalidator) reconnected() {
	i.cache.Clear()
	i.clears.Add(1)
	i.logger.Debug().Msg("cache cleared after reconnect")
}
