package engine_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftauction/adapters/memory"
	"giftauction/engine"
	"giftauction/models"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine  *engine.Engine
	store   *memory.Store
	ranking *memory.Ranking
	locker  *memory.Locker
	clock   *fakeClock
}

func setupTest(t *testing.T, opts ...engine.EngineOption) *fixture {
	t.Helper()
	return setupTestWithStore(t, nil, opts...)
}

// setupTestWithStore 允許以包裝過的帳本取代預設的記憶體帳本
func setupTestWithStore(t *testing.T, wrap func(*memory.Store) engine.LedgerStore, opts ...engine.EngineOption) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := &fixture{
		store:   memory.NewStore(memory.WithStoreClock(clock.Now)),
		ranking: memory.NewRanking(),
		locker:  memory.NewLocker(),
		clock:   clock,
	}
	var store engine.LedgerStore = f.store
	if wrap != nil {
		store = wrap(f.store)
	}

	opts = append([]engine.EngineOption{
		engine.WithLogger(discardLogger),
		engine.WithClock(clock.Now),
	}, opts...)
	e, err := engine.New(store, f.ranking, f.locker, opts...)
	require.NoError(t, err)
	f.engine = e
	return f
}

// user 建立使用者並存入指定金額
func (f *fixture) user(t *testing.T, name string, balance int64) *models.User {
	t.Helper()
	ctx := context.Background()

	user, err := f.engine.CreateUser(ctx, name)
	require.NoError(t, err)
	if balance > 0 {
		user, err = f.engine.Deposit(ctx, user.ID, balance, "test deposit")
		require.NoError(t, err)
	}
	return user
}

// auction 建立立即開始的拍賣，禮物數量為各輪次 GiftCount 的總和
func (f *fixture) auction(t *testing.T, startPrice int64, giftCounts ...int) *models.Auction {
	t.Helper()

	input := engine.CreateAuctionInput{
		Title:      "Test auction",
		StartPrice: startPrice,
		AssetName:  "Blue Star",
	}
	for i, count := range giftCounts {
		input.TotalQuantity += count
		input.Rounds = append(input.Rounds, engine.RoundInput{
			RoundNumber:     i + 1,
			GiftCount:       count,
			DurationSeconds: 60,
		})
	}
	auction, err := f.engine.CreateAuction(context.Background(), input)
	require.NoError(t, err)
	return auction
}

func (f *fixture) bid(t *testing.T, auctionID, userID uuid.UUID, amount int64) engine.BidResult {
	t.Helper()

	result, err := f.engine.PlaceBid(context.Background(), engine.PlaceBidInput{
		AuctionID: auctionID,
		UserID:    userID,
		Amount:    amount,
	})
	require.NoError(t, err)
	return result
}

// endRound 將時鐘推進到目前輪次結束之後並結算
func (f *fixture) endRound(t *testing.T, auctionID uuid.UUID) engine.Settlement {
	t.Helper()
	ctx := context.Background()

	auction, err := f.store.GetAuction(ctx, auctionID)
	require.NoError(t, err)
	round := auction.CurrentRound()
	require.NotNil(t, round)
	if remaining := round.EndTime.Sub(f.clock.Now()); remaining >= 0 {
		f.clock.Advance(remaining + time.Second)
	}

	settlement, err := f.engine.ProcessRoundEnd(ctx, auctionID)
	require.NoError(t, err)
	require.False(t, settlement.Skipped)
	return settlement
}

func (f *fixture) getUser(t *testing.T, id uuid.UUID) *models.User {
	t.Helper()
	user, err := f.engine.GetUser(context.Background(), id)
	require.NoError(t, err)
	return user
}

func (f *fixture) activeBid(t *testing.T, auctionID, userID uuid.UUID) *models.Bid {
	t.Helper()
	bids, err := f.store.ListActiveBids(context.Background(), auctionID)
	require.NoError(t, err)
	for _, b := range bids {
		if b.UserID == userID {
			return &b
		}
	}
	return nil
}

// assertInvariants 檢查資金守恆、凍結金額與有效出價相等、餘額非負，
// 以及每位使用者在每場拍賣最多一筆 ACTIVE 與一筆 WON 出價
func (f *fixture) assertInvariants(t *testing.T) {
	t.Helper()
	users, bids, entries := f.store.Snapshot()

	var total, frozen int64
	for _, u := range users {
		assert.GreaterOrEqual(t, u.Balance, int64(0), "balance of %s", u.Username)
		assert.GreaterOrEqual(t, u.FrozenBalance, int64(0), "frozen balance of %s", u.Username)
		total += u.Balance + u.FrozenBalance
		frozen += u.FrozenBalance
	}

	type key struct{ auction, user uuid.UUID }
	activeCount := map[key]int{}
	wonCount := map[key]int{}
	var active int64
	for _, b := range bids {
		k := key{b.AuctionID, b.UserID}
		switch b.Status {
		case models.BidStatusActive:
			active += b.Amount
			activeCount[k]++
		case models.BidStatusWon:
			wonCount[k]++
		}
	}
	for k, n := range activeCount {
		assert.LessOrEqual(t, n, 1, "active bids of %v", k)
	}
	for k, n := range wonCount {
		assert.LessOrEqual(t, n, 1, "won bids of %v", k)
	}

	var deposits, burned int64
	for _, e := range entries {
		switch e.Type {
		case models.TransactionTypeDeposit:
			deposits += e.Amount
		case models.TransactionTypeBidPayment:
			burned -= e.Amount
		}
	}

	assert.Equal(t, deposits-burned, total, "conservation of funds")
	assert.Equal(t, active, frozen, "frozen balance equals active bids")
}
