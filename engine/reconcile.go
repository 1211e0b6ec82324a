package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"giftauction/models"
)

// Reconcile 以帳本中的 ACTIVE 出價重建排行榜
//
// 重建時持有拍賣的排他鎖。已寫入排行榜但尚未提交的出價持有共享鎖，
// 重建會等它們提交或回滾後才讀取帳本。
func (e *Engine) Reconcile(ctx context.Context, auctionID uuid.UUID) error {
	const op = "Reconcile"

	token, stale := e.stale.Load(auctionID)
	var count int
	err := e.store.WithinTx(ctx, func(tx LedgerTx) error {
		if _, err := tx.GetAuction(ctx, auctionID, LockUpdate); err != nil {
			return fmt.Errorf("[%s] Fail to lock auction, err=%w", op, err)
		}
		var err error
		count, err = e.rebuildRanking(ctx, tx, auctionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("[%s] Fail to reconcile ranking, auction=%s, err=%w", op, auctionID, err)
	}
	if stale {
		e.stale.CompareAndDelete(auctionID, token)
	}

	e.logger.Info("Ranking reconciled", slog.String("auction", auctionID.String()), slog.Int("entries", count))
	return nil
}

func (e *Engine) rebuildRanking(ctx context.Context, tx LedgerTx, auctionID uuid.UUID) (int, error) {
	const op = "RebuildRanking"

	bids, err := tx.ListActiveBids(ctx, auctionID)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to list active bids, err=%w", op, err)
	}
	entries := lo.Map(bids, func(b models.Bid, _ int) RankEntry {
		return RankEntry{UserID: b.UserID, Amount: b.Amount}
	})
	if err := e.ranking.Replace(ctx, auctionID, entries); err != nil {
		return 0, fmt.Errorf("[%s] Fail to replace ranking, err=%w", op, err)
	}
	return len(entries), nil
}

// repairRanking 標記排行榜需要重建並立即嘗試一次，
// 失敗時留給下一次排程或結算處理
func (e *Engine) repairRanking(ctx context.Context, auctionID uuid.UUID) {
	e.stale.Store(auctionID, e.staleSeq.Add(1))
	if err := e.Reconcile(context.WithoutCancel(ctx), auctionID); err != nil {
		e.logger.Error("Ranking left stale until next tick", slog.String("auction", auctionID.String()), slog.Any("err", err))
	}
}

// Stale 回傳排行榜尚待重建的拍賣
func (e *Engine) Stale() []uuid.UUID {
	var out []uuid.UUID
	e.stale.Range(func(key, _ any) bool {
		out = append(out, key.(uuid.UUID))
		return true
	})
	return out
}

// reconcileStale 重建所有被標記的排行榜，回傳仍未完成的數量
func (e *Engine) reconcileStale(ctx context.Context) int {
	remaining := 0
	for _, auctionID := range e.Stale() {
		if err := e.Reconcile(ctx, auctionID); err != nil {
			e.logger.Error("Fail to reconcile stale ranking", slog.String("auction", auctionID.String()), slog.Any("err", err))
			remaining++
		}
	}
	return remaining
}

// ReconcileAll 重建所有進行中拍賣的排行榜，在開始接受出價前執行
func (e *Engine) ReconcileAll(ctx context.Context) error {
	const op = "ReconcileAll"

	auctions, err := e.store.ListAuctions(ctx, models.AuctionStatusActive)
	if err != nil {
		return fmt.Errorf("[%s] Fail to list auctions, err=%w", op, err)
	}
	for _, auction := range auctions {
		if err := e.Reconcile(ctx, auction.ID); err != nil {
			return fmt.Errorf("[%s] Fail to reconcile auction, auction=%s, err=%w", op, auction.ID, err)
		}
	}
	return nil
}
