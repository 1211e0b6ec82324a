package sse

import (
	"sync"
	"sync/atomic"
)

// subscriber 一條訂閱連線，mailbox 只有一格
type subscriber[T any] struct {
	mailbox chan T
}

// deliver 以新訊息取代尚未讀取的舊訊息，回傳是否有舊訊息被丟棄
func (s *subscriber[T]) deliver(message T) (replaced bool) {
	select {
	case <-s.mailbox:
		replaced = true
	default:
	}
	s.mailbox <- message
	return replaced
}

// Channel 一場拍賣的推播頻道
// 推送的是完整的狀態快照，讀取較慢的訂閱者只會拿到最新的一份，不會阻塞其他訂閱者。
type Channel[T any] struct {
	mu          sync.Mutex
	subscribers map[<-chan T]*subscriber[T]
	superseded  atomic.Uint64
}

func NewChannel[T any]() *Channel[T] {
	return &Channel[T]{
		subscribers: make(map[<-chan T]*subscriber[T]),
	}
}

// Subscribe 新增一位訂閱者
func (c *Channel[T]) Subscribe() <-chan T {
	sub := &subscriber[T]{mailbox: make(chan T, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers[sub.mailbox] = sub
	return sub.mailbox
}

// Unsubscribe 移除訂閱者並關閉它的通道，重複呼叫不會有效果
func (c *Channel[T]) Unsubscribe(ch <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subscribers[ch]
	if !ok {
		return
	}
	delete(c.subscribers, ch)
	close(sub.mailbox)
}

// UnsubscribeAll 關閉所有訂閱者的通道
func (c *Channel[T]) UnsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ch, sub := range c.subscribers {
		delete(c.subscribers, ch)
		close(sub.mailbox)
	}
}

// Broadcast 將狀態送給所有訂閱者
func (c *Channel[T]) Broadcast(message T) {
	// deliver 會先讀再寫，同一時間只能有一個廣播者
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subscribers {
		if sub.deliver(message) {
			c.superseded.Add(1)
		}
	}
}

// Len 目前的訂閱者數量
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Superseded 因為訂閱者來不及讀取而被新狀態取代的訊息數
func (c *Channel[T]) Superseded() uint64 {
	return c.superseded.Load()
}
