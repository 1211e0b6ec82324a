package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"giftauction/adapters/memory"
	pgAdapter "giftauction/adapters/postgres"
	redisAdapter "giftauction/adapters/redis"
	"giftauction/adapters/sse"
	"giftauction/engine"
)

const (
	userIDHeader            = "X-User-Id"
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
	keepAliveInterval       = 30 * time.Second
	stateEventName          = "state"
)

type stateEvent = sse.PublishRequest[engine.AuctionState]

type Server struct {
	engine      *engine.Engine
	scheduler   *engine.Scheduler
	sseManager  sse.IConnectionManager[engine.AuctionState]
	producer    redisAdapter.IProducer[stateEvent]
	consumer    redisAdapter.IConsumer[stateEvent]
	redisClient *redis.Client
	sqlDB       *sql.DB
	htmlChecker *bluemonday.Policy
	logger      *slog.Logger

	config ServerConfig
}

type ServerOption func(*serverOptions)

type serverOptions struct {
	logger        *slog.Logger
	engineOptions []engine.EngineOption
}

// WithServerLogger 設置 logger
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithEngineOptions 追加建立引擎時的選項，會覆蓋由設定檔產生的選項
func WithEngineOptions(opts ...engine.EngineOption) ServerOption {
	return func(o *serverOptions) {
		o.engineOptions = append(o.engineOptions, opts...)
	}
}

func NewServer(config ServerConfig, opts ...ServerOption) (*Server, error) {
	const op = "NewServer"

	options := serverOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	impl := &Server{
		htmlChecker: bluemonday.StrictPolicy(),
		logger:      logger.With(slog.String("caller", "Server")),
		config:      config,
	}

	// 初始化帳本
	var store engine.LedgerStore
	switch config.Store.Backend {
	case StoreBackendPostgres:
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
		gormConfig := &gorm.Config{TranslateError: true}
		if config.DB.Schema != "" {
			gormConfig.NamingStrategy = schema.NamingStrategy{
				TablePrefix: config.DB.Schema + ".",
			}
		}
		db, err := gorm.Open(postgres.Open(dsn), gormConfig)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to get database handle, err=%w", op, err)
		}
		impl.sqlDB = sqlDB
		pgStore, err := pgAdapter.NewStore(db, pgAdapter.WithStoreLogger(logger))
		if err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to create ledger store, err=%w", op, err)
		}
		if err := pgStore.Migrate(context.Background()); err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
		}
		store = pgStore
	case StoreBackendMemory, "":
		store = memory.NewStore()
	default:
		return nil, fmt.Errorf("[%s] Fail to create ledger store, err=unknown backend %q", op, config.Store.Backend)
	}

	// 初始化排行榜、鎖與跨實例推播
	var (
		ranking engine.RankingIndex
		locker  engine.Locker
	)
	if config.Redis.Addr != "" {
		impl.redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		redisRanking, err := redisAdapter.NewRanking(impl.redisClient, redisAdapter.WithRankingPrefix(config.Redis.KeyPrefix))
		if err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to create ranking index, err=%w", op, err)
		}
		redisLocker, err := redisAdapter.NewLocker(impl.redisClient, redisAdapter.WithLockerPrefix(config.Redis.KeyPrefix))
		if err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to create locker, err=%w", op, err)
		}
		ranking, locker = redisRanking, redisLocker

		producer, err := redisAdapter.NewProducer(
			impl.redisClient,
			config.Redis.StreamKeys.SSE,
			redisAdapter.WithProducerLogger[stateEvent](logger),
		)
		if err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
		}
		consumer, err := redisAdapter.NewConsumer(
			impl.redisClient,
			config.Redis.StreamKeys.SSE,
			redisAdapter.WithConsumerLogger[stateEvent](logger),
		)
		if err != nil {
			impl.Close()
			return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
		}
		impl.producer, impl.consumer = producer, consumer
		impl.sseManager = sse.NewConnectionManager[engine.AuctionState](
			sse.WithManagerLogger[engine.AuctionState](logger),
			sse.WithPublisher[engine.AuctionState](producer),
			sse.WithSubscriber[engine.AuctionState](consumer),
		)
	} else {
		ranking, locker = memory.NewRanking(), memory.NewLocker()
		impl.sseManager = sse.NewConnectionManager[engine.AuctionState](
			sse.WithManagerLogger[engine.AuctionState](logger),
		)
	}

	// 初始化引擎與排程器
	engineOptions := append(config.engineOptions(), engine.WithLogger(logger))
	engineOptions = append(engineOptions, options.engineOptions...)
	e, err := engine.New(store, ranking, locker, engineOptions...)
	if err != nil {
		impl.Close()
		return nil, fmt.Errorf("[%s] Fail to create engine, err=%w", op, err)
	}
	impl.engine = e

	schedulerOptions := []engine.SchedulerOption{
		engine.WithSchedulerLogger(logger),
		engine.WithSchedulerHook(impl.pushState),
	}
	if config.Scheduler.Interval > 0 {
		schedulerOptions = append(schedulerOptions, engine.WithSchedulerInterval(config.Scheduler.Interval))
	}
	impl.scheduler = engine.NewScheduler(e, schedulerOptions...)

	return impl, nil
}

func (config ServerConfig) engineOptions() []engine.EngineOption {
	var opts []engine.EngineOption
	if config.Engine.SnipeWindow > 0 && config.Engine.SnipeExtension > 0 {
		opts = append(opts, engine.WithAntiSniping(config.Engine.SnipeWindow, config.Engine.SnipeExtension))
	}
	if config.Engine.FaucetAmount > 0 {
		opts = append(opts, engine.WithFaucetAmount(config.Engine.FaucetAmount))
	}
	if config.Engine.UsernameCacheSize > 0 {
		opts = append(opts, engine.WithUsernameCacheSize(config.Engine.UsernameCacheSize))
	}
	if config.Lock.BidExpiry > 0 {
		opts = append(opts, engine.WithBidLockPolicy(engine.LockPolicy{
			Expiry: config.Lock.BidExpiry,
			Wait:   config.Lock.BidWait,
		}))
	}
	if config.Lock.ProcessExpiry > 0 {
		opts = append(opts, engine.WithProcessLockPolicy(engine.LockPolicy{
			Expiry:   config.Lock.ProcessExpiry,
			MaxTries: 1,
		}))
	}
	return opts
}

// Engine 取得底層的結算引擎
func (impl *Server) Engine() *engine.Engine {
	return impl.engine
}

// Start 依帳本重建排行榜後啟動推播與排程器，需在開始接受請求前呼叫
func (impl *Server) Start(ctx context.Context) error {
	const op = "Start"

	if err := impl.engine.ReconcileAll(ctx); err != nil {
		return fmt.Errorf("[%s] Fail to reconcile rankings, err=%w", op, err)
	}
	// 啟動producer與consumer
	if impl.producer != nil {
		impl.producer.Start()
	}
	if impl.consumer != nil {
		impl.consumer.Start()
	}
	// 啟動sse connection manager
	impl.sseManager.Start()
	// 啟動排程器
	impl.scheduler.Start()
	return nil
}

func (impl *Server) Close() {
	// 關閉排程器
	if impl.scheduler != nil {
		impl.scheduler.Close()
	}
	// 關閉consumer
	if impl.consumer != nil {
		impl.consumer.Close()
	}
	// 關閉sse connection manager
	if impl.sseManager != nil {
		impl.sseManager.Done()
	}
	// 關閉producer
	if impl.producer != nil {
		impl.producer.Close()
	}
	if impl.redisClient != nil {
		if err := impl.redisClient.Close(); err != nil {
			impl.logger.Warn("Fail to close redis client", slog.Any("err", err))
		}
	}
	if impl.sqlDB != nil {
		if err := impl.sqlDB.Close(); err != nil {
			impl.logger.Warn("Fail to close database", slog.Any("err", err))
		}
	}
}

// RegisterHandlers 將所有路由註冊到 /api 之下
func (impl *Server) RegisterHandlers(router gin.IRouter) {
	group := router.Group("/api")
	group.GET("/auctions", impl.GetAuctions)
	group.POST("/auctions", impl.PostAuctions)
	group.GET("/auction/:id", impl.GetAuction)
	group.GET("/auction/:id/events", impl.GetAuctionEvents)
	group.POST("/bid", impl.PostBid)
	group.POST("/users", impl.PostUsers)
	group.GET("/user/:id", impl.GetUser)
	group.GET("/user/:id/inventory", impl.GetUserInventory)
	group.GET("/user/:id/transactions", impl.GetUserTransactions)
	group.POST("/user/:id/faucet", impl.PostUserFaucet)
}

type messageResponse struct {
	Message string `json:"message"`
}

// respondError 將引擎的錯誤轉換為 HTTP 狀態碼
func (impl *Server) respondError(c *gin.Context, op string, err error) {
	switch {
	case engine.IsValidation(err):
		c.JSON(http.StatusBadRequest, messageResponse{Message: err.Error()})
	case engine.IsNotFound(err):
		c.JSON(http.StatusNotFound, messageResponse{Message: err.Error()})
	case errors.Is(err, engine.ErrContention):
		c.JSON(http.StatusTooManyRequests, messageResponse{Message: engine.ErrContention.Error()})
	default:
		impl.logger.Error("Request failed", slog.String("op", op), slog.Any("err", err))
		c.JSON(http.StatusInternalServerError, messageResponse{Message: "internal server error"})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, messageResponse{Message: message})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// pushState 將拍賣的最新狀態推送給所有訂閱者，失敗只記錄不影響請求結果
func (impl *Server) pushState(ctx context.Context, auctionID uuid.UUID) {
	logger := impl.logger.With(slog.String("auction", auctionID.String()))
	state, err := impl.engine.GetAuctionState(ctx, auctionID)
	if err != nil {
		logger.Warn("Fail to load auction state for push", slog.Any("err", err))
		return
	}
	if err := impl.sseManager.Publish(auctionID.String(), *state); err != nil {
		logger.Warn("Fail to push auction state", slog.Any("err", err))
	}
}

// List active and pending auctions
// (GET /api/auctions)
func (impl *Server) GetAuctions(c *gin.Context) {
	const op = "GetAuctions"
	auctions, err := impl.engine.ListAuctions(c.Request.Context())
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, auctions)
}

type roundRequest struct {
	RoundNumber     int        `json:"roundNumber"`
	GiftCount       int        `json:"giftCount"`
	DurationSeconds int        `json:"durationSeconds"`
	EndTime         *time.Time `json:"endTime"`
}

type createAuctionRequest struct {
	Title         string         `json:"title" binding:"required"`
	StartPrice    int64          `json:"startPrice"`
	MinStep       int64          `json:"minStep"`
	TotalQuantity int            `json:"totalQuantity"`
	StartTime     *time.Time     `json:"startTime"`
	AssetName     string         `json:"assetName"`
	AssetSymbol   string         `json:"assetSymbol"`
	AssetColor    string         `json:"assetColor"`
	Rounds        []roundRequest `json:"rounds" binding:"required"`
}

// Create an auction with its gifts
// (POST /api/auctions)
func (impl *Server) PostAuctions(c *gin.Context) {
	const op = "PostAuctions"
	var request createAuctionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err.Error())
		return
	}

	input := engine.CreateAuctionInput{
		Title:         impl.htmlChecker.Sanitize(request.Title),
		StartPrice:    request.StartPrice,
		MinStep:       request.MinStep,
		TotalQuantity: request.TotalQuantity,
		AssetName:     impl.htmlChecker.Sanitize(request.AssetName),
		AssetSymbol:   impl.htmlChecker.Sanitize(request.AssetSymbol),
		AssetColor:    request.AssetColor,
		Rounds:        make([]engine.RoundInput, 0, len(request.Rounds)),
	}
	if request.StartTime != nil {
		input.StartTime = *request.StartTime
	}
	for _, r := range request.Rounds {
		input.Rounds = append(input.Rounds, engine.RoundInput{
			RoundNumber:     r.RoundNumber,
			GiftCount:       r.GiftCount,
			DurationSeconds: r.DurationSeconds,
			EndTime:         r.EndTime,
		})
	}

	auction, err := impl.engine.CreateAuction(c.Request.Context(), input)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	impl.pushState(c.Request.Context(), auction.ID)
	c.JSON(http.StatusCreated, auction)
}

// Get auction state with leaderboard
// (GET /api/auction/:id)
func (impl *Server) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	state, err := impl.engine.GetAuctionState(c.Request.Context(), auctionID)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Subscribe to auction state pushes
// (GET /api/auction/:id/events)
func (impl *Server) GetAuctionEvents(c *gin.Context) {
	const op = "GetAuctionEvents"
	auctionID, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	state, err := impl.engine.GetAuctionState(ctx, auctionID)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	ch, err := impl.sseManager.Subscribe(auctionID.String())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, messageResponse{Message: err.Error()})
		return
	}
	defer impl.sseManager.Unsubscribe(auctionID.String(), ch)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	// 先送出目前的狀態，之後只推送變更
	c.SSEvent(stateEventName, state)
	w.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(stateEventName, event)
			w.Flush()
		// 一段時間沒有事件就發送一個空行，確保瀏覽器和Cloudflare不會斷開連線
		case <-keepAlive.C:
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

type bidRequest struct {
	AuctionID uuid.UUID  `json:"auctionId"`
	Amount    int64      `json:"amount"`
	UserID    *uuid.UUID `json:"userId"`
}

// Place or raise a bid
// (POST /api/bid)
func (impl *Server) PostBid(c *gin.Context) {
	const op = "PostBid"
	var request bidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err.Error())
		return
	}
	if request.AuctionID == uuid.Nil {
		badRequest(c, "auctionId is required")
		return
	}

	// 優先使用 header 指定的使用者
	var userID uuid.UUID
	if header := c.GetHeader(userIDHeader); header != "" {
		id, err := uuid.Parse(header)
		if err != nil {
			badRequest(c, "invalid "+userIDHeader+" header")
			return
		}
		userID = id
	} else if request.UserID != nil {
		userID = *request.UserID
	}
	if userID == uuid.Nil {
		badRequest(c, "userId is required")
		return
	}

	result, err := impl.engine.PlaceBid(c.Request.Context(), engine.PlaceBidInput{
		AuctionID: request.AuctionID,
		UserID:    userID,
		Amount:    request.Amount,
	})
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	impl.pushState(c.Request.Context(), request.AuctionID)
	c.JSON(http.StatusOK, result)
}

type createUserRequest struct {
	Username string `json:"username" binding:"required"`
}

type userResponse struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Balance  int64     `json:"balance"`
	Frozen   int64     `json:"frozen"`
}

// Register a user
// (POST /api/users)
func (impl *Server) PostUsers(c *gin.Context) {
	const op = "PostUsers"
	var request createUserRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, err.Error())
		return
	}
	user, err := impl.engine.CreateUser(c.Request.Context(), impl.htmlChecker.Sanitize(request.Username))
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Balance:  user.Balance,
		Frozen:   user.FrozenBalance,
	})
}

// Get user balances
// (GET /api/user/:id)
func (impl *Server) GetUser(c *gin.Context) {
	const op = "GetUser"
	userID, ok := pathID(c)
	if !ok {
		return
	}
	user, err := impl.engine.GetUser(c.Request.Context(), userID)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Balance:  user.Balance,
		Frozen:   user.FrozenBalance,
	})
}

// List gifts owned by a user
// (GET /api/user/:id/inventory)
func (impl *Server) GetUserInventory(c *gin.Context) {
	const op = "GetUserInventory"
	userID, ok := pathID(c)
	if !ok {
		return
	}
	gifts, err := impl.engine.Inventory(c.Request.Context(), userID)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gifts)
}

// List ledger entries of a user
// (GET /api/user/:id/transactions)
func (impl *Server) GetUserTransactions(c *gin.Context) {
	const op = "GetUserTransactions"
	userID, ok := pathID(c)
	if !ok {
		return
	}
	limit := defaultTransactionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTransactionLimit)
	}
	transactions, err := impl.engine.Transactions(c.Request.Context(), userID, limit)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, transactions)
}

// Claim test funds
// (POST /api/user/:id/faucet)
func (impl *Server) PostUserFaucet(c *gin.Context) {
	const op = "PostUserFaucet"
	userID, ok := pathID(c)
	if !ok {
		return
	}
	user, err := impl.engine.Faucet(c.Request.Context(), userID)
	if err != nil {
		impl.respondError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, userResponse{
		ID:       user.ID,
		Username: user.Username,
		Balance:  user.Balance,
		Frozen:   user.FrozenBalance,
	})
}
