package redis

import (
	"context"

	"giftauction/adapters/sse"
	"giftauction/engine"
)

// IProducer 將訊息寫入 stream，寫入是非同步的
type IProducer[T any] interface {
	Start()
	Publish(data T) error
	Close()
}

// IConsumer 讀取 stream 的新訊息，Subscribe 回傳的通道在 Close 後關閉
type IConsumer[T any] interface {
	Start()
	Subscribe() <-chan T
	Close()
}

// IAutoRenewMutex 持有期間會自動續期的分散式鎖
type IAutoRenewMutex interface {
	// Lock 回傳的 context 在鎖遺失或 Unlock 時結束
	Lock(ctx context.Context) (context.Context, error)
	Unlock(ctx context.Context) (bool, error)
	Valid() bool
}

var (
	_ engine.RankingIndex = (*Ranking)(nil)
	_ engine.Locker       = (*Locker)(nil)
	_ IAutoRenewMutex     = (*AutoRenewMutex)(nil)

	_ IProducer[sse.PublishRequest[engine.AuctionState]]       = (*Producer[sse.PublishRequest[engine.AuctionState]])(nil)
	_ IConsumer[sse.PublishRequest[engine.AuctionState]]       = (*Consumer[sse.PublishRequest[engine.AuctionState]])(nil)
	_ sse.IPublisher[sse.PublishRequest[engine.AuctionState]]  = (*Producer[sse.PublishRequest[engine.AuctionState]])(nil)
	_ sse.ISubscriber[sse.PublishRequest[engine.AuctionState]] = (*Consumer[sse.PublishRequest[engine.AuctionState]])(nil)
)
