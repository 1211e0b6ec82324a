package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"giftauction/models"
)

const leaderboardSize = 50

type LeaderboardEntry struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	Amount   int64     `json:"amount"`
}

// AuctionState 拍賣的即時狀態，用於查詢與推播
type AuctionState struct {
	Auction           *models.Auction    `json:"auction"`
	Leaderboard       []LeaderboardEntry `json:"leaderboard"`
	CutoffPrice       int64              `json:"cutoffPrice"`
	ParticipantsCount int64              `json:"participantsCount"`
}

// GetAuctionState 組合拍賣資料、前 50 名與目前的最低入場價
func (e *Engine) GetAuctionState(ctx context.Context, auctionID uuid.UUID) (*AuctionState, error) {
	const op = "GetAuctionState"

	auction, err := e.store.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
	}

	state := &AuctionState{
		Auction:     auction,
		Leaderboard: []LeaderboardEntry{},
		CutoffPrice: auction.StartPrice,
	}

	g, gctx := errgroup.WithContext(ctx)
	var top []RankEntry
	g.Go(func() error {
		var err error
		top, err = e.ranking.Top(gctx, auctionID, leaderboardSize)
		return err
	})
	g.Go(func() error {
		var err error
		state.ParticipantsCount, err = e.ranking.Count(gctx, auctionID)
		return err
	})
	if round := auction.CurrentRound(); round != nil {
		g.Go(func() error {
			var err error
			state.CutoffPrice, err = e.ranking.MinEntryPrice(gctx, auctionID, round.GiftCount, auction.StartPrice)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("[%s] Fail to read ranking, err=%w", op, err)
	}

	names, err := e.lookupUsernames(ctx, top)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to load usernames, err=%w", op, err)
	}
	for _, entry := range top {
		name, ok := names[entry.UserID]
		if !ok {
			continue
		}
		state.Leaderboard = append(state.Leaderboard, LeaderboardEntry{
			UserID:   entry.UserID,
			Username: name,
			Amount:   entry.Amount,
		})
	}
	return state, nil
}

// lookupUsernames 先查快取，未命中的使用者再一次向帳本查詢
// 使用者名稱不會變更，所以快取不需要失效
func (e *Engine) lookupUsernames(ctx context.Context, entries []RankEntry) (map[uuid.UUID]string, error) {
	names := make(map[uuid.UUID]string, len(entries))
	var missing []uuid.UUID
	for _, entry := range entries {
		if v, ok := e.usernames.Get(entry.UserID); ok {
			names[entry.UserID] = v.(string)
			continue
		}
		missing = append(missing, entry.UserID)
	}
	if len(missing) == 0 {
		return names, nil
	}

	found, err := e.store.UsernamesByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, name := range found {
		e.usernames.Add(id, name)
		names[id] = name
	}
	return names, nil
}
