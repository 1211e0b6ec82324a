package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/smallnest/chanx"
)

var ErrProducerClosed = errors.New("producer is closed")

type producerOptions[T any] struct {
	logger     *slog.Logger
	bufferSize int
	maxLen     int64
	maxTries   int
	retryDelay time.Duration
	encodeFunc func(T) (map[string]any, error)
}

type ProducerOption[T any] func(*producerOptions[T])

// WithProducerLogger 設置日誌記錄器
func WithProducerLogger[T any](logger *slog.Logger) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.logger = logger
	}
}

// WithProducerBufferSize 設置緩衝大小
func WithProducerBufferSize[T any](size int) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.bufferSize = size
	}
}

// WithProducerMaxLen 設置 stream 保留的訊息數量上限 (近似值)，0 表示不限制
func WithProducerMaxLen[T any](maxLen int64) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxLen = maxLen
	}
}

// WithProducerRetry 設置單一訊息寫入失敗時的嘗試次數與第一次重試前的等待時間
func WithProducerRetry[T any](maxTries int, delay time.Duration) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.maxTries = maxTries
		o.retryDelay = delay
	}
}

// WithProducerEncodeFunc 設置消息序列化函數
func WithProducerEncodeFunc[T any](fn func(T) (map[string]any, error)) ProducerOption[T] {
	return func(o *producerOptions[T]) {
		o.encodeFunc = fn
	}
}

// Producer 將拍賣推播非同步寫入 Redis Stream，Publish 不會因 Redis 延遲而阻塞。
// 寫入失敗會依退避時間重試，超過次數的訊息會被丟棄並計入 Dropped。
type Producer[T any] struct {
	client  *redis.Client
	stream  string
	logger  *slog.Logger
	options producerOptions[T]

	mu       sync.RWMutex
	running  bool
	upstream *chanx.UnboundedChan[map[string]any]
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	dropped atomic.Uint64
}

func NewProducer[T any](client *redis.Client, stream string, opts ...ProducerOption[T]) (*Producer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := producerOptions[T]{
		logger:     slog.Default(),
		bufferSize: 100,
		maxLen:     1000,
		maxTries:   3,
		retryDelay: 50 * time.Millisecond,
		encodeFunc: EncodeMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.maxTries < 1 {
		options.maxTries = 1
	}

	return &Producer[T]{
		client:  client,
		stream:  stream,
		logger:  options.logger.With(slog.String("caller", "Producer"), slog.String("stream", stream)),
		options: options,
	}, nil
}

// Start 開始寫入，Close 之後可以再次 Start
func (p *Producer[T]) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.upstream = chanx.NewUnboundedChan[map[string]any](ctx, p.options.bufferSize)
	p.cancel = cancel
	p.running = true
	p.logger.Info("starting stream producer")

	p.wg.Add(1)
	go p.run(ctx, p.upstream.Out)
}

func (p *Producer[T]) run(ctx context.Context, out <-chan map[string]any) {
	defer p.wg.Done()
	defer p.logger.Info("producer goroutine stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-out:
			if !ok {
				return
			}
			p.write(ctx, message)
		}
	}
}

func (p *Producer[T]) write(ctx context.Context, message map[string]any) {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: message,
	}
	if p.options.maxLen > 0 {
		args.MaxLen = p.options.maxLen
		args.Approx = true
	}

	var retry *backoff.ExponentialBackOff
	for tries := 1; ; tries++ {
		id, err := p.client.XAdd(ctx, args).Result()
		if err == nil {
			p.logger.Debug("message published", slog.String("messageId", id))
			return
		}
		if ctx.Err() != nil {
			return
		}
		if tries >= p.options.maxTries {
			p.dropped.Add(1)
			p.logger.Error("drop message after retries", slog.Int("tries", tries), slog.Any("error", err))
			return
		}

		if retry == nil {
			retry = backoff.NewExponentialBackOff()
			retry.InitialInterval = p.options.retryDelay
			retry.MaxInterval = 20 * p.options.retryDelay
		}
		delay := retry.NextBackOff()
		p.logger.Warn("publish message error, retrying", slog.Int("tries", tries), slog.Duration("delay", delay), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// Publish 將資料放入待送佇列
func (p *Producer[T]) Publish(data T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrProducerClosed
	}

	message, err := p.options.encodeFunc(data)
	if err != nil {
		return fmt.Errorf("encode message error: %w", err)
	}

	p.upstream.In <- message
	return nil
}

// Dropped 重試用盡而被丟棄的訊息數
func (p *Producer[T]) Dropped() uint64 {
	return p.dropped.Load()
}

// Close 停止寫入，佇列中尚未送出的訊息會被丟棄
func (p *Producer[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.logger.Info("closing stream producer", slog.Int("pending", p.upstream.Len()))
	p.running = false
	p.cancel()
	p.wg.Wait()
	p.logger.Info("stream producer closed")
}
