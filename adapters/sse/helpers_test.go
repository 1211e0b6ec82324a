package sse_test

import (
	"io"
	"log"
	"sync"

	"giftauction/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// cutoffUpdate 模擬推送給前端的拍賣狀態
type cutoffUpdate struct {
	Round  int   `msgpack:"round"`
	Cutoff int64 `msgpack:"cutoff"`
}

// loopback 以 channel 模擬跨實例的 stream，發布的請求會回送給 subscriber
type loopback struct {
	mu        sync.Mutex
	published []sse.PublishRequest[cutoffUpdate]
	out       chan sse.PublishRequest[cutoffUpdate]
}

func newLoopback() *loopback {
	return &loopback{out: make(chan sse.PublishRequest[cutoffUpdate], 16)}
}

func (l *loopback) Publish(req sse.PublishRequest[cutoffUpdate]) error {
	l.mu.Lock()
	l.published = append(l.published, req)
	l.mu.Unlock()
	l.out <- req
	return nil
}

func (l *loopback) Subscribe() <-chan sse.PublishRequest[cutoffUpdate] {
	return l.out
}

func (l *loopback) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.published)
}
