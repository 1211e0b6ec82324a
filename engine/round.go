package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"giftauction/models"
)

// Award 一位得標者與其獲得的禮物
type Award struct {
	UserID       uuid.UUID `json:"userId"`
	Amount       int64     `json:"amount"`
	GiftID       uuid.UUID `json:"giftId"`
	SerialNumber int       `json:"serialNumber"`
}

// Settlement 是一次輪次結算的結果
type Settlement struct {
	// Skipped 為 true 代表本次沒有任何效果 (鎖被佔用、輪次尚未結束或已結算)
	Skipped bool    `json:"skipped"`
	Round   int     `json:"round"`
	Awards  []Award `json:"awards"`
	// Anomalies 在排行榜上但帳本中沒有有效出價的使用者
	Anomalies []uuid.UUID `json:"anomalies"`
	// NextRound 進入的下一輪，拍賣結束時為 0
	NextRound int  `json:"nextRound"`
	Finished  bool `json:"finished"`
	Refunded  int  `json:"refunded"`
}

// ProcessRoundEnd 結算已到期的目前輪次，重複呼叫是安全的
//
// 排名前 GiftCount 的出價者依名次取得序號最小的可用禮物，凍結金額轉為付款。
// 之後進入下一輪，或在最後一輪結束拍賣並退回所有未得標出價。
func (e *Engine) ProcessRoundEnd(ctx context.Context, auctionID uuid.UUID) (Settlement, error) {
	const op = "ProcessRoundEnd"
	logger := e.logger.With(slog.String("auction", auctionID.String()))

	lease, err := e.locker.Acquire(ctx, processLockKey(auctionID), e.processLock)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			logger.Debug("Settlement already in progress")
			return Settlement{Skipped: true}, nil
		}
		return Settlement{}, fmt.Errorf("[%s] Fail to acquire process lock, err=%w", op, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Fail to release process lock", slog.Any("err", err))
		}
	}()

	token, stale := e.stale.Load(auctionID)
	var (
		settlement Settlement
		detached   bool
	)
	err = e.store.WithinTx(ctx, func(tx LedgerTx) error {
		settlement = Settlement{}
		detached = false

		// 排他鎖，與出價的共享鎖互斥
		auction, err := tx.GetAuction(ctx, auctionID, LockUpdate)
		if err != nil {
			if errors.Is(err, ErrAuctionNotFound) {
				settlement.Skipped = true
				return nil
			}
			return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
		}
		now := e.now()
		round := auction.CurrentRound()
		if auction.Status != models.AuctionStatusActive || round == nil || round.IsProcessed || now.Before(round.EndTime) {
			settlement.Skipped = true
			return nil
		}
		settlement.Round = round.RoundNumber
		logger.Info("Processing round", slog.Int("round", round.RoundNumber))

		// 先前的修復沒有完成，以帳本重建排行榜後再決定得標者
		if stale {
			if _, err := e.rebuildRanking(ctx, tx, auctionID); err != nil {
				return err
			}
		}

		if err := e.awardWinners(ctx, tx, auction, round, &settlement); err != nil {
			return err
		}

		round.IsProcessed = true
		if next := auction.NextRound(); next != nil {
			auction.CurrentRoundNumber = next.RoundNumber
			next.EndTime = now.Add(next.Duration())
			settlement.NextRound = next.RoundNumber
		} else {
			auction.Status = models.AuctionStatusFinished
			settlement.Finished = true
			refunded, err := e.refundActiveBids(ctx, tx, auction)
			if err != nil {
				return err
			}
			settlement.Refunded = refunded
		}

		if err := tx.SaveAuction(ctx, auction); err != nil {
			return fmt.Errorf("[%s] Fail to save auction, err=%w", op, err)
		}

		// 提交前移出排行榜，下一輪的出價在提交後才取得共享鎖，不會看到已得標者墊高的門檻
		detached = true
		return e.detachSettled(ctx, auctionID, &settlement)
	})
	if err != nil {
		logger.Error("Round processing failed", slog.Any("err", err))
		if detached {
			e.repairRanking(ctx, auctionID)
		}
		return Settlement{}, fmt.Errorf("[%s] Fail to process round, err=%w", op, err)
	}
	if settlement.Skipped {
		return settlement, nil
	}
	if stale {
		e.stale.CompareAndDelete(auctionID, token)
	}

	if settlement.Finished {
		logger.Info("Auction finished",
			slog.Int("round", settlement.Round),
			slog.Int("winners", len(settlement.Awards)),
			slog.Int("refunded", settlement.Refunded),
		)
	} else {
		logger.Info("Round started",
			slog.Int("round", settlement.NextRound),
			slog.Int("winners", len(settlement.Awards)),
		)
	}
	return settlement, nil
}

// detachSettled 拍賣結束時清空排行榜，否則移除本輪得標者與異常名額
func (e *Engine) detachSettled(ctx context.Context, auctionID uuid.UUID, settlement *Settlement) error {
	const op = "DetachSettled"

	if settlement.Finished {
		if err := e.ranking.Clear(ctx, auctionID); err != nil {
			return fmt.Errorf("[%s] Fail to clear ranking, err=%w", op, err)
		}
		return nil
	}
	removed := lo.Map(settlement.Awards, func(a Award, _ int) uuid.UUID { return a.UserID })
	removed = append(removed, settlement.Anomalies...)
	if len(removed) == 0 {
		return nil
	}
	if err := e.ranking.Remove(ctx, auctionID, removed...); err != nil {
		return fmt.Errorf("[%s] Fail to remove winners from ranking, err=%w", op, err)
	}
	return nil
}

func (e *Engine) awardWinners(ctx context.Context, tx LedgerTx, auction *models.Auction, round *models.Round, settlement *Settlement) error {
	const op = "AwardWinners"

	top, err := e.ranking.Top(ctx, auction.ID, round.GiftCount)
	if err != nil {
		return fmt.Errorf("[%s] Fail to get winners, err=%w", op, err)
	}
	if len(top) == 0 {
		return nil
	}
	gifts, err := tx.AvailableGifts(ctx, auction.ID, len(top))
	if err != nil {
		return fmt.Errorf("[%s] Fail to load available gifts, err=%w", op, err)
	}

	roundNumber := round.RoundNumber
	cursor := 0
	for _, entry := range top {
		if cursor >= len(gifts) {
			e.logger.Warn("No gift left for winner",
				slog.String("auction", auction.ID.String()),
				slog.String("user", entry.UserID.String()),
			)
			break
		}

		bid, err := tx.GetActiveBid(ctx, auction.ID, entry.UserID)
		if err != nil {
			return fmt.Errorf("[%s] Fail to load bid, err=%w", op, err)
		}
		if bid == nil {
			e.logger.Error("Missing active bid for ranked winner",
				slog.String("auction", auction.ID.String()),
				slog.String("user", entry.UserID.String()),
			)
			settlement.Anomalies = append(settlement.Anomalies, entry.UserID)
			continue
		}

		user, err := tx.GetUser(ctx, entry.UserID, LockUpdate)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				e.logger.Error("Missing user for ranked winner",
					slog.String("auction", auction.ID.String()),
					slog.String("user", entry.UserID.String()),
				)
				settlement.Anomalies = append(settlement.Anomalies, entry.UserID)
				continue
			}
			return fmt.Errorf("[%s] Fail to load user, err=%w", op, err)
		}
		if user.FrozenBalance < bid.Amount {
			return fmt.Errorf("[%s] Fail to burn frozen balance, user=%s, frozen=%d, amount=%d", op, user.ID, user.FrozenBalance, bid.Amount)
		}

		gift := &gifts[cursor]
		cursor++

		user.FrozenBalance -= bid.Amount
		if err := tx.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("[%s] Fail to save user, err=%w", op, err)
		}
		if err := tx.AppendTransactions(ctx, models.Transaction{
			UserID:       user.ID,
			AuctionID:    &auction.ID,
			Amount:       -bid.Amount,
			Type:         models.TransactionTypeBidPayment,
			BalanceAfter: user.Balance,
			FrozenAfter:  user.FrozenBalance,
			Reason:       fmt.Sprintf("Won Gift #%d", gift.SerialNumber),
		}); err != nil {
			return fmt.Errorf("[%s] Fail to append ledger entry, err=%w", op, err)
		}

		bid.Status = models.BidStatusWon
		bid.WonInRound = lo.ToPtr(roundNumber)
		if err := tx.SaveBid(ctx, bid); err != nil {
			return fmt.Errorf("[%s] Fail to save bid, err=%w", op, err)
		}

		gift.Status = models.GiftStatusSold
		gift.OwnerID = lo.ToPtr(user.ID)
		gift.PurchasePrice = lo.ToPtr(bid.Amount)
		gift.WonInRound = lo.ToPtr(roundNumber)
		if err := tx.SaveGift(ctx, gift); err != nil {
			return fmt.Errorf("[%s] Fail to save gift, err=%w", op, err)
		}

		settlement.Awards = append(settlement.Awards, Award{
			UserID:       user.ID,
			Amount:       bid.Amount,
			GiftID:       gift.ID,
			SerialNumber: gift.SerialNumber,
		})
	}
	return nil
}

// refundActiveBids 退回拍賣中所有仍為 ACTIVE 的出價
// 退款對象以帳本為準，不依賴排行榜
func (e *Engine) refundActiveBids(ctx context.Context, tx LedgerTx, auction *models.Auction) (int, error) {
	const op = "RefundActiveBids"

	bids, err := tx.ListActiveBids(ctx, auction.ID)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to list active bids, err=%w", op, err)
	}
	if len(bids) == 0 {
		return 0, nil
	}

	userIDs := lo.Map(bids, func(b models.Bid, _ int) uuid.UUID { return b.UserID })
	users, err := tx.GetUsers(ctx, userIDs, LockUpdate)
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to load users, err=%w", op, err)
	}
	byID := make(map[uuid.UUID]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	entries := make([]models.Transaction, 0, len(bids))
	for _, bid := range bids {
		user, ok := byID[bid.UserID]
		if !ok {
			return 0, fmt.Errorf("[%s] Fail to refund bid, bid=%s, err=%w", op, bid.ID, ErrUserNotFound)
		}
		if user.FrozenBalance < bid.Amount {
			return 0, fmt.Errorf("[%s] Fail to unfreeze balance, user=%s, frozen=%d, amount=%d", op, user.ID, user.FrozenBalance, bid.Amount)
		}
		user.FrozenBalance -= bid.Amount
		user.Balance += bid.Amount
		entries = append(entries, models.Transaction{
			UserID:       user.ID,
			AuctionID:    &auction.ID,
			Amount:       bid.Amount,
			Type:         models.TransactionTypeBidUnfreeze,
			BalanceAfter: user.Balance,
			FrozenAfter:  user.FrozenBalance,
			Reason:       "Auction lost, refund",
		})
	}

	if err := tx.SaveUsers(ctx, users); err != nil {
		return 0, fmt.Errorf("[%s] Fail to save users, err=%w", op, err)
	}
	bidIDs := lo.Map(bids, func(b models.Bid, _ int) uuid.UUID { return b.ID })
	if err := tx.UpdateBidsStatus(ctx, bidIDs, models.BidStatusRefunded); err != nil {
		return 0, fmt.Errorf("[%s] Fail to update bids, err=%w", op, err)
	}
	if err := tx.AppendTransactions(ctx, entries...); err != nil {
		return 0, fmt.Errorf("[%s] Fail to append ledger entries, err=%w", op, err)
	}

	e.logger.Info("Refunded losing bids", slog.String("auction", auction.ID.String()), slog.Int("count", len(bids)))
	return len(bids), nil
}
