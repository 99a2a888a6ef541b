package ledger

import (
	"testing"
	"time"

	"farm-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(seq uint64) models.LedgerEvent {
	return models.LedgerEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeFarmerJoined},
		Sequence:  seq,
		Payload:   []byte(`{}`),
	}
}

func receive(t *testing.T, s *Subscription) models.LedgerEvent {
	t.Helper()
	select {
	case e, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.LedgerEvent{}
}

func TestFeedDeliversInOrder(t *testing.T) {
	f := NewFeed()
	s := f.Subscribe(0)
	defer s.Unsubscribe()

	for i := uint64(1); i <= 100; i++ {
		f.Publish(event(i))
	}

	for i := uint64(1); i <= 100; i++ {
		assert.Equal(t, i, receive(t, s).Sequence)
	}
}

func TestFeedSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	f := NewFeed()
	slow := f.Subscribe(0)
	defer slow.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := uint64(1); i <= 1000; i++ {
			f.Publish(event(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.Equal(t, uint64(1), receive(t, slow).Sequence)
}

func TestFeedUnsubscribe(t *testing.T) {
	f := NewFeed()
	s1 := f.Subscribe(1)
	s2 := f.Subscribe(1)
	require.Equal(t, 2, f.Len())

	s1.Unsubscribe()
	s1.Unsubscribe()
	assert.Equal(t, 1, f.Len())

	select {
	case _, ok := <-s1.C:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	f.Publish(event(1))
	assert.Equal(t, uint64(1), receive(t, s2).Sequence)

	f.Close()
	assert.Zero(t, f.Len())

	late := f.Subscribe(1)
	_, ok := <-late.C
	assert.False(t, ok)
}
