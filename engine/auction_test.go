package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"giftauction/engine"
	"giftauction/models"
)

func validAuctionInput() engine.CreateAuctionInput {
	return engine.CreateAuctionInput{
		Title:         "Winter drop",
		StartPrice:    100,
		TotalQuantity: 3,
		AssetName:     "Blue Star",
		Rounds: []engine.RoundInput{
			{RoundNumber: 1, GiftCount: 2},
			{RoundNumber: 2, GiftCount: 1, DurationSeconds: 30},
		},
	}
}

func TestCreateAuction_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(in *engine.CreateAuctionInput)
	}{
		{name: "title too short", modify: func(in *engine.CreateAuctionInput) { in.Title = "ab" }},
		{name: "title too long", modify: func(in *engine.CreateAuctionInput) { in.Title = strings.Repeat("a", 101) }},
		{name: "non-positive start price", modify: func(in *engine.CreateAuctionInput) { in.StartPrice = 0 }},
		{name: "negative min step", modify: func(in *engine.CreateAuctionInput) { in.MinStep = -1 }},
		{name: "no gifts", modify: func(in *engine.CreateAuctionInput) { in.TotalQuantity = 0 }},
		{name: "missing asset name", modify: func(in *engine.CreateAuctionInput) { in.AssetName = "" }},
		{name: "invalid color", modify: func(in *engine.CreateAuctionInput) { in.AssetColor = "blue" }},
		{name: "no rounds", modify: func(in *engine.CreateAuctionInput) { in.Rounds = nil }},
		{name: "rounds not contiguous", modify: func(in *engine.CreateAuctionInput) { in.Rounds[1].RoundNumber = 3 }},
		{name: "zero gift count", modify: func(in *engine.CreateAuctionInput) { in.Rounds[0].GiftCount = 0 }},
		{name: "negative duration", modify: func(in *engine.CreateAuctionInput) { in.Rounds[0].DurationSeconds = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTest(t)
			input := validAuctionInput()
			tt.modify(&input)

			_, err := f.engine.CreateAuction(context.Background(), input)
			assert.ErrorIs(t, err, engine.ErrInvalidAuction)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestCreateAuction_Defaults(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	now := f.clock.Now()

	auction, err := f.engine.CreateAuction(ctx, validAuctionInput())
	require.NoError(t, err)

	assert.Equal(t, models.AuctionStatusActive, auction.Status)
	assert.Equal(t, int64(1), auction.MinStep)
	assert.Equal(t, "🎁", auction.AssetSymbol)
	assert.Equal(t, "#007aff", auction.AssetColor)
	assert.Equal(t, 1, auction.CurrentRoundNumber)
	require.Len(t, auction.Rounds, 2)
	assert.Equal(t, 300, auction.Rounds[0].DurationSeconds)
	assert.Equal(t, now.Add(300*time.Second), auction.Rounds[0].EndTime)
	assert.Equal(t, now.Add(330*time.Second), auction.Rounds[1].EndTime)

	err = f.store.WithinTx(ctx, func(tx engine.LedgerTx) error {
		gifts, err := tx.AvailableGifts(ctx, auction.ID, 0)
		require.NoError(t, err)
		require.Len(t, gifts, 3)
		for i, g := range gifts {
			assert.Equal(t, i+1, g.SerialNumber)
			assert.Equal(t, "Blue Star", g.AssetName)
			assert.Equal(t, "🎁", g.AssetSymbol)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestCreateAuction_PendingAndActivate(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	input := validAuctionInput()
	input.StartTime = f.clock.Now().Add(10 * time.Minute)
	auction, err := f.engine.CreateAuction(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusPending, auction.Status)
	assert.Equal(t, input.StartTime.Add(300*time.Second), auction.Rounds[0].EndTime)

	activated, err := f.engine.Activate(ctx, auction.ID)
	require.NoError(t, err)
	assert.False(t, activated)

	f.clock.Advance(15 * time.Minute)
	activated, err = f.engine.Activate(ctx, auction.ID)
	require.NoError(t, err)
	assert.True(t, activated)

	got, err := f.store.GetAuction(ctx, auction.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusActive, got.Status)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), got.Rounds[0].EndTime)

	// 已啟動的拍賣不會重複啟動
	activated, err = f.engine.Activate(ctx, auction.ID)
	require.NoError(t, err)
	assert.False(t, activated)
}

func TestListAuctions(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	first := f.auction(t, 100, 1)
	input := validAuctionInput()
	input.StartTime = f.clock.Now().Add(time.Hour)
	pending, err := f.engine.CreateAuction(ctx, input)
	require.NoError(t, err)
	finished := f.auction(t, 100, 1)
	f.endRound(t, finished.ID)

	auctions, err := f.engine.ListAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, auctions, 2)
	assert.Equal(t, pending.ID, auctions[0].ID)
	assert.Equal(t, first.ID, auctions[1].ID)
}
