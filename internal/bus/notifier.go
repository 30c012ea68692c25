// Package bus provides an in-process append notification bus used to wake
// aggregation workers as soon as new events land in the Event Log.
package bus

import (
	"sync"
	"time"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	EntriesAppended NotificationType = iota
	PartitionArchived
)

// Notification represents a pipeline notification.
type Notification struct {
	Type      NotificationType
	Partition string
	Offset    uint64
	Timestamp int64
}

// Notifier provides an in-process pub/sub bus for append visibility.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is
// dropped; consumers fall back to their poll ticker.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, notif.Partition) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with the given ID and partition prefix
// filters. Empty filters receive everything.
func (n *Notifier) Subscribe(id string, filters ...string) *Subscriber {
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a subscriber with an auto-generated ID and returns
// its channel.
func (n *Notifier) SubscribeAutoID(filters ...string) chan Notification {
	id := "sub_" + time.Now().Format("20060102150405.000000000")
	return n.Subscribe(id, filters...).Ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks the notification partition against prefix filters.
func (n *Notifier) matchesFilter(sub *Subscriber, partition string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(partition) >= len(filter) && partition[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}
