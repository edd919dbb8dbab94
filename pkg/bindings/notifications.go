package bindings

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"churnlink/pkg/core"
	"churnlink/pkg/events"
)

const recentToastLimit = 256

// Toast is a notification ready for display.
type Toast struct {
	ID        string
	Title     string
	Body      string
	Severity  string
	Link      string
	CreatedAt time.Time
}

// Toaster displays toasts.
type Toaster interface {
	Show(toast Toast)
}

// ToasterFunc adapts a function into a Toaster.
type ToasterFunc func(Toast)

func (f ToasterFunc) Show(toast Toast) { f(toast) }

// Notifications forwards notification_received events to a Toaster. A notification
// whose ID was shown recently is not shown again.
type Notifications struct {
	toaster Toaster
	logger  zerolog.Logger

	mu     sync.Mutex
	recent map[string]struct{}
	order  []string
	shown  int
}

func NewNotifications(toaster Toaster) *Notifications {
	return &Notifications{
		toaster: toaster,
		logger:  zerolog.Nop(),
		recent:  make(map[string]struct{}),
	}
}

func (n *Notifications) SetLogger(logger zerolog.Logger) {
	n.logger = logger
}

func (n *Notifications) Mount(sub Subscriber) func() {
	h := events.Typed(n.handle, func(msg core.Message, err error) {
		n.logger.Warn().Err(err).Str("event", msg.Event).Msg("notification dropped")
	})
	return attach(sub, []registration{{event: events.NotificationReceived, handler: h}}, nil)
}

// Shown returns how many toasts were displayed.
func (n *Notifications) Shown() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shown
}

func (n *Notifications) handle(ev *events.Notification) {
	if !n.remember(ev.ID) {
		n.logger.Debug().Str("id", ev.ID).Msg("duplicate notification")
		return
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	n.toaster.Show(Toast{
		ID:        ev.ID,
		Title:     ev.Title,
		Body:      ev.Body,
		Severity:  ev.Severity,
		Link:      ev.Link,
		CreatedAt: createdAt,
	})
}

// remember records id and reports whether it was new. Empty IDs are always new.
func (n *Notifications) remember(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if id != "" {
		if _, ok := n.recent[id]; ok {
			return false
		}
		n.recent[id] = struct{}{}
		n.order = append(n.order, id)
		if len(n.order) > recentToastLimit {
			delete(n.recent, n.order[0])
			n.order = n.order[1:]
		}
	}
	n.shown++
	return true
}
