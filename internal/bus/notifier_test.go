package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifier_PublishReachesSubscribers(t *testing.T) {
	n := NewNotifier(4)
	ch := n.SubscribeAutoID()

	n.Publish(Notification{Type: EntriesAppended, Partition: "202603", Offset: 12})

	notif := <-ch
	assert.Equal(t, EntriesAppended, notif.Type)
	assert.Equal(t, "202603", notif.Partition)
	assert.Equal(t, uint64(12), notif.Offset)
}

func TestNotifier_PartitionFilter(t *testing.T) {
	n := NewNotifier(4)
	march := n.Subscribe("march", "202603")
	all := n.Subscribe("all")

	n.Publish(Notification{Type: EntriesAppended, Partition: "202604"})

	assert.Len(t, all.Ch, 1)
	assert.Len(t, march.Ch, 0)
}

func TestNotifier_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	n := NewNotifier(1)
	ch := n.SubscribeAutoID()

	n.Publish(Notification{Offset: 1})
	n.Publish(Notification{Offset: 2}) // dropped, must not block

	notif := <-ch
	assert.Equal(t, uint64(1), notif.Offset)
	assert.Len(t, ch, 0)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(4)
	sub := n.Subscribe("worker-1")
	n.Unsubscribe("worker-1")

	// Channel is closed; publish must not panic.
	n.Publish(Notification{Offset: 1})

	_, open := <-sub.Ch
	assert.False(t, open)
}
