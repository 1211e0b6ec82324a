package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrManagerClosed = errors.New("connection manager is closed")

type managerOptions[T any] struct {
	logger     *slog.Logger
	publisher  IPublisher[PublishRequest[T]]
	subscriber ISubscriber[PublishRequest[T]]
}

type ConnectionManagerOption[T any] func(*managerOptions[T])

// WithManagerLogger 設置日誌記錄器
func WithManagerLogger[T any](logger *slog.Logger) ConnectionManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithPublisher 設置跨實例的發布端，未設置時 Publish 只在本機廣播
func WithPublisher[T any](publisher IPublisher[PublishRequest[T]]) ConnectionManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.publisher = publisher
	}
}

// WithSubscriber 設置跨實例的接收端，收到的請求會廣播給本機的訂閱者
func WithSubscriber[T any](subscriber ISubscriber[PublishRequest[T]]) ConnectionManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// ConnectionManager 管理多個 SSE 頻道的訂閱與發布。
// 設置 publisher 與 subscriber 後可透過 Redis Stream 讓多個服務實例協同運作。
type ConnectionManager[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg      sync.WaitGroup // 用於等待所有 goroutine 完成
	active  bool           // 標記 manager 是否正在運作中
	started bool

	channels map[string]*Channel[T] // 儲存所有活躍的頻道
	options  managerOptions[T]
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ConnectionManagerOption[T]) *ConnectionManager[T] {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager[T]{
		ctx:      ctx,
		cancel:   cancel,
		logger:   options.logger.With(slog.String("caller", "ConnectionManager")),
		active:   true,
		channels: make(map[string]*Channel[T]),
		options:  options,
	}
}

// Start 啟動連線管理器，開始轉送 subscriber 收到的訊息。
func (cm *ConnectionManager[T]) Start() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active || cm.started || cm.options.subscriber == nil {
		return
	}
	cm.started = true

	incoming := cm.options.subscriber.Subscribe()
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		defer cm.logger.Info("dispatch goroutine stopped")

		for {
			select {
			case <-cm.ctx.Done():
				return
			case req, ok := <-incoming:
				if !ok {
					return
				}
				cm.dispatch(req)
			}
		}
	}()
}

func (cm *ConnectionManager[T]) dispatch(req PublishRequest[T]) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if channel, ok := cm.channels[req.Channel]; ok {
		channel.Broadcast(req.Message)
	}
}

// Done 停止連線管理器的運作並關閉所有訂閱。
func (cm *ConnectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.cancel()
	cm.mu.Unlock()

	// dispatch 需要讀鎖，等待時不能持有寫鎖
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
func (cm *ConnectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, ErrManagerClosed
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 發布訊息到指定的頻道。
// 有 publisher 時交由 publisher 送往所有實例，本機的訂閱者會經由 subscriber 收到。
func (cm *ConnectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	active := cm.active
	cm.mu.RUnlock()

	if !active {
		return ErrManagerClosed
	}

	req := PublishRequest[T]{
		Channel: channelName,
		Message: data,
	}
	if cm.options.publisher != nil {
		return cm.options.publisher.Publish(req)
	}
	cm.dispatch(req)
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *ConnectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.Len() == 0 {
		delete(cm.channels, channelName)
		cm.logger.Debug("Channel released", slog.String("channel", channelName), slog.Uint64("superseded", c.Superseded()))
	}
}
