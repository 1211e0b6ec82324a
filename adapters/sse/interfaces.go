package sse

// PublishRequest 一則要送到某個頻道的訊息，跨實例轉送時會整個序列化
type PublishRequest[T any] struct {
	Channel string `json:"channel" msgpack:"channel"`
	Message T      `json:"message" msgpack:"message"`
}

// IConnectionManager 依頻道名稱管理 SSE 訂閱
type IConnectionManager[T any] interface {
	// Start 開始轉送 subscriber 收到的訊息，未設置 subscriber 時不做任何事
	Start()
	// Done 關閉所有訂閱，之後的 Subscribe 與 Publish 都會回傳 ErrManagerClosed
	Done()
	Subscribe(channelName string) (<-chan T, error)
	Publish(channelName string, data T) error
	Unsubscribe(channelName string, ch <-chan T)
}

// IPublisher 送出的請求會到達所有服務實例的 ISubscriber
type IPublisher[T any] interface {
	Publish(data T) error
}

type ISubscriber[T any] interface {
	Subscribe() <-chan T
}
