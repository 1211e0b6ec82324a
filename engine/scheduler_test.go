package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"giftauction/engine"
	"giftauction/models"
)

func TestScheduler_Tick(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	due := f.auction(t, 100, 1)
	notDue := f.auction(t, 100, 1)
	input := validAuctionInput()
	input.StartTime = f.clock.Now().Add(30 * time.Second)
	pending, err := f.engine.CreateAuction(ctx, input)
	require.NoError(t, err)

	// due 在 notDue 之前結束
	require.NoError(t, f.store.WithinTx(ctx, func(tx engine.LedgerTx) error {
		round, err := tx.GetRound(ctx, notDue.ID, 1, engine.LockUpdate)
		require.NoError(t, err)
		round.EndTime = round.EndTime.Add(time.Hour)
		return tx.SaveRound(ctx, round)
	}))

	var (
		mu       sync.Mutex
		notified []uuid.UUID
	)
	scheduler := engine.NewScheduler(f.engine,
		engine.WithSchedulerLogger(discardLogger),
		engine.WithSchedulerHook(func(ctx context.Context, auctionID uuid.UUID) {
			mu.Lock()
			defer mu.Unlock()
			notified = append(notified, auctionID)
		}),
	)

	f.clock.Advance(61 * time.Second)
	assert.True(t, scheduler.Tick(ctx))

	assert.ElementsMatch(t, []uuid.UUID{due.ID, pending.ID}, notified)

	got, err := f.store.GetAuction(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusFinished, got.Status)

	got, err = f.store.GetAuction(ctx, notDue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, got.Status)
	assert.False(t, got.Rounds[0].IsProcessed)

	got, err = f.store.GetAuction(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, got.Status)

	// 沒有到期的輪次時不會通知
	notified = nil
	assert.True(t, scheduler.Tick(ctx))
	assert.Empty(t, notified)
}

func TestScheduler_SkipsOverlappingTick(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	auction := f.auction(t, 100, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	scheduler := engine.NewScheduler(f.engine,
		engine.WithSchedulerLogger(discardLogger),
		engine.WithSchedulerHook(func(ctx context.Context, auctionID uuid.UUID) {
			close(entered)
			<-release
		}),
	)
	f.clock.Advance(61 * time.Second)

	done := make(chan bool)
	go func() {
		done <- scheduler.Tick(ctx)
	}()

	<-entered
	assert.False(t, scheduler.Tick(ctx))
	close(release)
	assert.True(t, <-done)

	got, err := f.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusFinished, got.Status)
}

func TestScheduler_StartClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := setupTest(t)
	auction := f.auction(t, 100, 1)
	f.clock.Advance(61 * time.Second)

	settled := make(chan uuid.UUID, 1)
	scheduler := engine.NewScheduler(f.engine,
		engine.WithSchedulerInterval(10*time.Millisecond),
		engine.WithSchedulerLogger(discardLogger),
		engine.WithSchedulerHook(func(ctx context.Context, auctionID uuid.UUID) {
			select {
			case settled <- auctionID:
			default:
			}
		}),
	)
	scheduler.Start()

	select {
	case id := <-settled:
		assert.Equal(t, auction.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not settle the round")
	}

	scheduler.Close()
}

func TestScheduler_RetriesFailedSettlement(t *testing.T) {
	f, store := setupFailingStore(t)
	ctx := context.Background()
	auction := f.auction(t, 100, 1)
	alice := f.user(t, "alice", 1000)
	f.bid(t, auction.ID, alice.ID, 100)

	var notified []uuid.UUID
	scheduler := engine.NewScheduler(f.engine,
		engine.WithSchedulerLogger(discardLogger),
		engine.WithSchedulerHook(func(ctx context.Context, auctionID uuid.UUID) {
			notified = append(notified, auctionID)
		}),
	)

	store.fail = true
	f.clock.Advance(61 * time.Second)
	assert.True(t, scheduler.Tick(ctx))
	assert.Empty(t, notified)

	got, err := f.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, got.Status)
	assert.False(t, got.Rounds[0].IsProcessed)
	f.assertInvariants(t)

	// 下一次檢查重新結算同一場拍賣
	store.fail = false
	assert.True(t, scheduler.Tick(ctx))
	assert.Equal(t, []uuid.UUID{auction.ID}, notified)

	got, err = f.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusFinished, got.Status)
	assert.Equal(t, int64(900), f.getUser(t, alice.ID).Balance)
	assert.Empty(t, f.engine.Stale())
	f.assertInvariants(t)
}
