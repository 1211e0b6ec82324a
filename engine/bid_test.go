package engine_test

import (
	"context"
	"errors"
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

func TestPlaceBid_Validation(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture) engine.PlaceBidInput
		wantErr error
	}{
		{
			name: "non-positive amount",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				user := f.user(t, "alice", 1000)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 0}
			},
			wantErr: engine.ErrInvalidAmount,
		},
		{
			name: "amount beyond exact ranking precision",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				user := f.user(t, "alice", 1000)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: engine.MaxAmount + 1}
			},
			wantErr: engine.ErrInvalidAmount,
		},
		{
			name: "unknown auction",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				user := f.user(t, "alice", 1000)
				return engine.PlaceBidInput{AuctionID: uuid.New(), UserID: user.ID, Amount: 100}
			},
			wantErr: engine.ErrAuctionNotActive,
		},
		{
			name: "pending auction",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				user := f.user(t, "alice", 1000)
				auction, err := f.engine.CreateAuction(context.Background(), engine.CreateAuctionInput{
					Title:         "Later",
					StartPrice:    100,
					TotalQuantity: 1,
					StartTime:     f.clock.Now().Add(time.Hour),
					AssetName:     "Blue Star",
					Rounds:        []engine.RoundInput{{RoundNumber: 1, GiftCount: 1}},
				})
				require.NoError(t, err)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 100}
			},
			wantErr: engine.ErrAuctionNotActive,
		},
		{
			name: "already won",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1, 1)
				user := f.user(t, "alice", 1000)
				f.bid(t, auction.ID, user.ID, 100)
				f.endRound(t, auction.ID)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 200}
			},
			wantErr: engine.ErrAlreadyWon,
		},
		{
			name: "round finished",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				user := f.user(t, "alice", 1000)
				f.clock.Advance(61 * time.Second)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 100}
			},
			wantErr: engine.ErrRoundFinished,
		},
		{
			name: "below start price",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				user := f.user(t, "alice", 1000)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 99}
			},
			wantErr: engine.ErrBidTooLow,
		},
		{
			name: "below cutoff",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				leader := f.user(t, "alice", 1000)
				f.bid(t, auction.ID, leader.ID, 200)
				user := f.user(t, "bob", 1000)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 200}
			},
			wantErr: engine.ErrBidTooLow,
		},
		{
			name: "not higher than previous bid",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 3)
				user := f.user(t, "alice", 1000)
				f.bid(t, auction.ID, user.ID, 150)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 150}
			},
			wantErr: engine.ErrBidNotHigher,
		},
		{
			name: "insufficient funds",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				user := f.user(t, "alice", 99)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 100}
			},
			wantErr: engine.ErrInsufficientFunds,
		},
		{
			name: "unknown user",
			prepare: func(t *testing.T, f *fixture) engine.PlaceBidInput {
				auction := f.auction(t, 100, 1)
				return engine.PlaceBidInput{AuctionID: auction.ID, UserID: uuid.New(), Amount: 100}
			},
			wantErr: engine.ErrUserNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTest(t)
			input := tt.prepare(t, f)

			_, err := f.engine.PlaceBid(context.Background(), input)
			assert.ErrorIs(t, err, tt.wantErr)
			f.assertInvariants(t)
		})
	}
}

func TestPlaceBid_TooLowCarriesMinimum(t *testing.T) {
	f := setupTest(t)
	auction := f.auction(t, 100, 1)
	alice := f.user(t, "alice", 1000)
	bob := f.user(t, "bob", 1000)
	f.bid(t, auction.ID, alice.ID, 200)

	_, err := f.engine.PlaceBid(context.Background(), engine.PlaceBidInput{AuctionID: auction.ID, UserID: bob.ID, Amount: 150})
	require.ErrorIs(t, err, engine.ErrBidTooLow)
	assert.Contains(t, err.Error(), "min=201")
	assert.True(t, engine.IsValidation(err))
}

func TestPlaceBid_RaiseFreezesDelta(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	auction := f.auction(t, 100, 3)
	alice := f.user(t, "alice", 1000)

	first := f.bid(t, auction.ID, alice.ID, 100)
	assert.Equal(t, engine.BidResult{Rank: 1, TotalAmount: 100, Balance: 900, Frozen: 100}, first)

	second := f.bid(t, auction.ID, alice.ID, 150)
	assert.Equal(t, engine.BidResult{Rank: 1, TotalAmount: 150, Balance: 850, Frozen: 150}, second)

	bid := f.activeBid(t, auction.ID, alice.ID)
	require.NotNil(t, bid)
	assert.Equal(t, int64(150), bid.Amount)

	entries, err := f.engine.Transactions(ctx, alice.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, models.TransactionTypeBidFreeze, entries[0].Type)
	assert.Equal(t, int64(-50), entries[0].Amount)
	assert.Equal(t, int64(850), entries[0].BalanceAfter)
	assert.Equal(t, int64(150), entries[0].FrozenAfter)
	assert.Equal(t, "Bid update", entries[0].Reason)
	assert.Equal(t, int64(-100), entries[1].Amount)
	assert.Equal(t, models.TransactionTypeDeposit, entries[2].Type)

	f.assertInvariants(t)
}

func TestPlaceBid_EndToEnd(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	auction := f.auction(t, 100, 1)
	a := f.user(t, "alice", 1000)
	b := f.user(t, "bob", 1000)

	assert.Equal(t, 1, f.bid(t, auction.ID, a.ID, 100).Rank)
	assert.Equal(t, 1, f.bid(t, auction.ID, b.ID, 150).Rank)
	rank, err := f.ranking.Rank(ctx, auction.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rank)

	settlement := f.endRound(t, auction.ID)
	assert.True(t, settlement.Finished)
	require.Len(t, settlement.Awards, 1)
	assert.Equal(t, b.ID, settlement.Awards[0].UserID)
	assert.Equal(t, 1, settlement.Awards[0].SerialNumber)
	assert.Equal(t, 1, settlement.Refunded)

	bob := f.getUser(t, b.ID)
	assert.Equal(t, int64(850), bob.Balance)
	assert.Zero(t, bob.FrozenBalance)
	bobEntries, err := f.engine.Transactions(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Len(t, bobEntries, 1)
	assert.Equal(t, models.TransactionTypeBidPayment, bobEntries[0].Type)
	assert.Equal(t, int64(-150), bobEntries[0].Amount)
	assert.Zero(t, bobEntries[0].FrozenAfter)

	alice := f.getUser(t, a.ID)
	assert.Equal(t, int64(1000), alice.Balance)
	assert.Zero(t, alice.FrozenBalance)
	aliceEntries, err := f.engine.Transactions(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, aliceEntries, 1)
	assert.Equal(t, models.TransactionTypeBidUnfreeze, aliceEntries[0].Type)
	assert.Equal(t, int64(100), aliceEntries[0].Amount)
	assert.Equal(t, int64(1000), aliceEntries[0].BalanceAfter)

	inventory, err := f.engine.Inventory(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, inventory, 1)
	assert.Equal(t, models.GiftStatusSold, inventory[0].Status)
	require.NotNil(t, inventory[0].PurchasePrice)
	assert.Equal(t, int64(150), *inventory[0].PurchasePrice)
	require.NotNil(t, inventory[0].WonInRound)
	assert.Equal(t, 1, *inventory[0].WonInRound)

	_, bids, _ := f.store.Snapshot()
	for _, bid := range bids {
		switch bid.UserID {
		case a.ID:
			assert.Equal(t, models.BidStatusRefunded, bid.Status)
		case b.ID:
			assert.Equal(t, models.BidStatusWon, bid.Status)
		}
	}

	count, err := f.ranking.Count(ctx, auction.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	f.assertInvariants(t)
}

func TestPlaceBid_SameAmountRace(t *testing.T) {
	f := setupTest(t)
	auction := f.auction(t, 100, 1)
	users := []*models.User{f.user(t, "alice", 1000), f.user(t, "bob", 1000)}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, len(users))
	)
	for i, user := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.PlaceBid(context.Background(), engine.PlaceBidInput{
				AuctionID: auction.ID,
				UserID:    user.ID,
				Amount:    100,
			})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, engine.ErrBidTooLow) || errors.Is(err, engine.ErrBidNotHigher), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	bids, err := f.store.ListActiveBids(context.Background(), auction.ID)
	require.NoError(t, err)
	assert.Len(t, bids, 1)
	f.assertInvariants(t)
}

func TestPlaceBid_DoubleSpend(t *testing.T) {
	f := setupTest(t)
	auction := f.auction(t, 100, 3)
	user := f.user(t, "alice", 100)

	const attempts = 5
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, attempts)
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = f.engine.PlaceBid(context.Background(), engine.PlaceBidInput{
				AuctionID: auction.ID,
				UserID:    user.ID,
				Amount:    100,
			})
		}()
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, engine.ErrInsufficientFunds) || errors.Is(err, engine.ErrBidNotHigher), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)

	got := f.getUser(t, user.ID)
	assert.Zero(t, got.Balance)
	assert.Equal(t, int64(100), got.FrozenBalance)
	f.assertInvariants(t)
}

func TestPlaceBid_AntiSniping(t *testing.T) {
	tests := []struct {
		name      string
		elapsed   time.Duration
		bids      int
		extension time.Duration
	}{
		{name: "outside window", elapsed: 20 * time.Second, bids: 1, extension: 0},
		{name: "inside window", elapsed: 45 * time.Second, bids: 1, extension: 30 * time.Second},
		{name: "consecutive snipers extend once", elapsed: 45 * time.Second, bids: 2, extension: 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTest(t)
			ctx := context.Background()
			auction := f.auction(t, 100, 2)
			before := auction.Rounds[0].EndTime

			f.clock.Advance(tt.elapsed)
			for i := 0; i < tt.bids; i++ {
				user := f.user(t, uuid.NewString()[:8], 1000)
				f.bid(t, auction.ID, user.ID, 100)
			}

			got, err := f.store.GetAuction(ctx, auction.ID)
			require.NoError(t, err)
			assert.Equal(t, before.Add(tt.extension), got.Rounds[0].EndTime)
		})
	}
}

func TestPlaceBid_Contention(t *testing.T) {
	f := setupTest(t, engine.WithBidLockPolicy(engine.LockPolicy{Expiry: time.Second, Wait: 20 * time.Millisecond}))
	ctx := context.Background()
	auction := f.auction(t, 100, 1)
	user := f.user(t, "alice", 1000)

	lease, err := f.locker.Acquire(ctx, "lock:bid:"+auction.ID.String()+":"+user.ID.String(), engine.LockPolicy{MaxTries: 1})
	require.NoError(t, err)
	defer lease.Release(ctx)

	_, err = f.engine.PlaceBid(ctx, engine.PlaceBidInput{AuctionID: auction.ID, UserID: user.ID, Amount: 100})
	assert.ErrorIs(t, err, engine.ErrContention)

	// 其他出價者不受影響
	other := f.user(t, "bob", 1000)
	f.bid(t, auction.ID, other.ID, 100)
}

// failingCommitStore 執行完交易內容後回報錯誤，模擬提交失敗。
// beforeCommit 只會在下一次成功執行交易內容後呼叫一次。
type failingCommitStore struct {
	*memory.Store
	fail         bool
	beforeCommit func()
}

var errCommit = errors.New("commit failed")

func (s *failingCommitStore) WithinTx(ctx context.Context, fn func(tx engine.LedgerTx) error) error {
	return s.Store.WithinTx(ctx, func(tx engine.LedgerTx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if hook := s.beforeCommit; hook != nil {
			s.beforeCommit = nil
			hook()
		}
		if s.fail {
			return errCommit
		}
		return nil
	})
}

func setupFailingStore(t *testing.T) (*fixture, *failingCommitStore) {
	t.Helper()
	var store *failingCommitStore
	f := setupTestWithStore(t, func(s *memory.Store) engine.LedgerStore {
		store = &failingCommitStore{Store: s}
		return store
	})
	return f, store
}

func TestPlaceBid_RestoresRankingWhenCommitFails(t *testing.T) {
	f, store := setupFailingStore(t)
	ctx := context.Background()
	auction := f.auction(t, 100, 2)
	alice := f.user(t, "alice", 1000)
	bob := f.user(t, "bob", 1000)
	f.bid(t, auction.ID, alice.ID, 100)

	store.fail = true

	// 提高出價失敗，還原成原本的分數
	_, err := f.engine.PlaceBid(ctx, engine.PlaceBidInput{AuctionID: auction.ID, UserID: alice.ID, Amount: 300})
	require.ErrorIs(t, err, errCommit)
	// 新出價失敗，從排行榜移除
	_, err = f.engine.PlaceBid(ctx, engine.PlaceBidInput{AuctionID: auction.ID, UserID: bob.ID, Amount: 200})
	require.ErrorIs(t, err, errCommit)

	top, err := f.ranking.Top(ctx, auction.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, []engine.RankEntry{{UserID: alice.ID, Amount: 100}}, top)
	f.assertInvariants(t)
}
