package activitypub

import (
	"testing"

	"github.com/deemkeen/courier/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInboxFeedDeliversToIdentitySubscribers(t *testing.T) {
	feed := NewInboxFeed()
	alice, bob := uuid.New(), uuid.New()

	aliceItems, cancelAlice := feed.Subscribe(alice)
	defer cancelAlice()
	bobItems, cancelBob := feed.Subscribe(bob)
	defer cancelBob()

	assert.Equal(t, 1, feed.Publish(domain.InboxItem{IdentityId: alice, Seq: 7}))

	select {
	case item := <-aliceItems:
		assert.Equal(t, int64(7), item.Seq)
	default:
		t.Fatal("alice got nothing")
	}
	assert.Empty(t, bobItems)
}

func TestInboxFeedCancelClosesChannel(t *testing.T) {
	feed := NewInboxFeed()
	id := uuid.New()
	items, cancel := feed.Subscribe(id)
	cancel()
	cancel()

	_, open := <-items
	assert.False(t, open)
	assert.Zero(t, feed.Publish(domain.InboxItem{IdentityId: id}))
}

func TestInboxFeedDoesNotBlockOnSlowSubscriber(t *testing.T) {
	feed := NewInboxFeed()
	id := uuid.New()
	_, cancel := feed.Subscribe(id)
	defer cancel()

	for i := 0; i < feedBuffer; i++ {
		require.Equal(t, 1, feed.Publish(domain.InboxItem{IdentityId: id}))
	}
	assert.Zero(t, feed.Publish(domain.InboxItem{IdentityId: id}))
}
