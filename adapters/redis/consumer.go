package redis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

var ErrConsumerClosed = errors.New("consumer is closed")

type consumerOptions[T any] struct {
	logger       *slog.Logger
	bufferSize   int
	blockTimeout time.Duration
	maxRetryWait time.Duration
	startID      string
	decodeFunc   func(map[string]any) (T, error)
}

type ConsumerOption[T any] func(*consumerOptions[T])

// WithConsumerLogger 設置日誌記錄器
func WithConsumerLogger[T any](logger *slog.Logger) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.logger = logger
	}
}

// WithConsumerBufferSize 設置下游channel的緩衝大小
func WithConsumerBufferSize[T any](size int) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.bufferSize = size
	}
}

// WithConsumerBlockTimeout 設置阻塞讀取超時時間
func WithConsumerBlockTimeout[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.blockTimeout = d
	}
}

// WithConsumerMaxRetryWait 設置讀取失敗後重試的最長等待時間
func WithConsumerMaxRetryWait[T any](d time.Duration) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.maxRetryWait = d
	}
}

// WithConsumerStartID 設置開始讀取的位置，預設 "$" 只讀取啟動之後的新訊息
func WithConsumerStartID[T any](id string) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.startID = id
	}
}

// WithConsumerDecodeFunc 設置自定義解析函數
func WithConsumerDecodeFunc[T any](fn func(map[string]any) (T, error)) ConsumerOption[T] {
	return func(o *consumerOptions[T]) {
		o.decodeFunc = fn
	}
}

// Consumer 從 Redis Stream 讀取拍賣推播
// 每個服務實例各自持有一個 Consumer，因此每則訊息都會送達所有實例。
// 無法解析的訊息會被略過並計入 Skipped。
type Consumer[T any] struct {
	client     *redis.Client
	stream     string
	lastID     string
	downStream chan T
	logger     *slog.Logger
	options    consumerOptions[T]

	mu     sync.Mutex
	state  consumerState
	cancel context.CancelFunc
	wg     sync.WaitGroup

	skipped atomic.Uint64
}

type consumerState int

const (
	consumerIdle consumerState = iota
	consumerRunning
	consumerClosed
)

func NewConsumer[T any](client *redis.Client, stream string, opts ...ConsumerOption[T]) (*Consumer[T], error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if stream == "" {
		return nil, errors.New("stream cannot be empty")
	}

	options := consumerOptions[T]{
		logger:       slog.Default(),
		bufferSize:   100,
		blockTimeout: time.Second,
		maxRetryWait: 5 * time.Second,
		startID:      "$",
		decodeFunc:   DecodeMessage[T],
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Consumer[T]{
		client:     client,
		stream:     stream,
		lastID:     options.startID,
		downStream: make(chan T, options.bufferSize),
		logger:     options.logger.With(slog.String("caller", "Consumer"), slog.String("stream", stream)),
		options:    options,
	}, nil
}

// Start 開始讀取，只能啟動一次
func (s *Consumer[T]) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != consumerIdle {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.state = consumerRunning
	s.cancel = cancel
	s.logger.Info("starting stream consumer", slog.String("from", s.lastID))

	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Consumer[T]) run(ctx context.Context) {
	defer s.wg.Done()
	defer s.logger.Info("consumer goroutine stopped")
	defer close(s.downStream)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = s.options.maxRetryWait

	for ctx.Err() == nil {
		messages, err := s.fetch(ctx)
		switch {
		case err == nil:
			retry.Reset()
			if !s.deliver(ctx, messages) {
				return
			}
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return
		default:
			wait := retry.NextBackOff()
			s.logger.Error("fetch message error",
				slog.Any("error", err),
				slog.Duration("retryIn", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
}

// deliver 解析並送往下游，context 結束時回傳 false
func (s *Consumer[T]) deliver(ctx context.Context, messages []redis.XMessage) bool {
	for _, message := range messages {
		data, err := s.options.decodeFunc(message.Values)
		if err != nil {
			s.skipped.Add(1)
			s.logger.Error("failed to decode message",
				slog.String("messageId", message.ID),
				slog.Any("error", err))
			continue
		}

		select {
		case <-ctx.Done():
			return false
		case s.downStream <- data:
			s.logger.Debug("message sent to downstream",
				slog.String("messageId", message.ID))
		}
	}
	return true
}

func (s *Consumer[T]) fetch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   int64(s.options.bufferSize),
		Block:   s.options.blockTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, redis.Nil
	}
	messages := streams[0].Messages
	s.lastID = messages[len(messages)-1].ID
	return messages, nil
}

// Subscribe 取得下游 channel，Close 之後會被關閉
func (s *Consumer[T]) Subscribe() <-chan T {
	return s.downStream
}

// Skipped 無法解析而被略過的訊息數
func (s *Consumer[T]) Skipped() uint64 {
	return s.skipped.Load()
}

// Close 關閉消費者，關閉後不能再次 Start
func (s *Consumer[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case consumerClosed:
		return
	case consumerIdle:
		// 沒有啟動過，由這裡關閉下游
		s.state = consumerClosed
		close(s.downStream)
		return
	}
	s.logger.Info("closing stream consumer")
	s.state = consumerClosed
	s.cancel()
	s.wg.Wait()
	s.logger.Info("stream consumer closed")
}
