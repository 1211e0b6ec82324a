package sse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"giftauction/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[cutoffUpdate]()

	sub := ch.Subscribe()
	assert.NotNil(t, sub)
	assert.Equal(t, 1, ch.Len())

	msg := cutoffUpdate{Round: 1, Cutoff: 101}
	ch.Broadcast(msg)

	select {
	case received := <-sub:
		assert.Equal(t, msg, received)
	case <-time.After(time.Second):
		t.Fatal("did not receive message in time")
	}

	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")
	assert.Zero(t, ch.Len())
	assert.Zero(t, ch.Superseded())
}

func TestChannel_SlowSubscriberGetsLatest(t *testing.T) {
	ch := sse.NewChannel[cutoffUpdate]()
	slow := ch.Subscribe()
	fast := ch.Subscribe()

	// 沒有讀取的訂閱者不會阻塞廣播
	for i := 1; i <= 5; i++ {
		ch.Broadcast(cutoffUpdate{Round: 1, Cutoff: int64(100 + i)})
		assert.Equal(t, int64(100+i), (<-fast).Cutoff)
	}

	received := <-slow
	assert.Equal(t, int64(105), received.Cutoff)
	assert.EqualValues(t, 4, ch.Superseded())

	select {
	case extra := <-slow:
		t.Fatalf("unexpected stale message %v", extra)
	default:
	}
}

func TestChannel_UnsubscribeAll(t *testing.T) {
	ch := sse.NewChannel[cutoffUpdate]()
	subs := []<-chan cutoffUpdate{ch.Subscribe(), ch.Subscribe()}

	ch.UnsubscribeAll()
	for _, sub := range subs {
		_, ok := <-sub
		assert.False(t, ok)
	}
	assert.Zero(t, ch.Len())

	// 重複取消訂閱不會 panic
	ch.Unsubscribe(subs[0])
}
