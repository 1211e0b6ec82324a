package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"giftauction/models"
)

// MaxAmount 金額上限，排行榜以浮點數儲存分數，超過 2^53 的整數無法精確表示
const MaxAmount int64 = 1 << 53

type PlaceBidInput struct {
	AuctionID uuid.UUID
	UserID    uuid.UUID
	// Amount 出價總額，不是與上次出價的差額
	Amount int64
}

func (in PlaceBidInput) Validate() error {
	if in.Amount <= 0 || in.Amount > MaxAmount {
		return ErrInvalidAmount
	}
	if in.AuctionID == uuid.Nil {
		return ErrAuctionNotActive
	}
	if in.UserID == uuid.Nil {
		return ErrUserNotFound
	}
	return nil
}

type BidResult struct {
	// Rank 提交後的名次 (從 1 開始)
	Rank        int   `json:"rank"`
	TotalAmount int64 `json:"totalAmount"`
	Balance     int64 `json:"balance"`
	Frozen      int64 `json:"frozen"`
}

// PlaceBid 提交或提高出價
//
// 同一位出價者在同一場拍賣的出價會以租約串行化。
// 帳本異動 (凍結餘額、異動紀錄、出價) 在單一交易內完成，
// 排行榜寫入使用原子性的門檻檢查，交易失敗時會還原排行榜。
func (e *Engine) PlaceBid(ctx context.Context, input PlaceBidInput) (BidResult, error) {
	const op = "PlaceBid"
	logger := e.logger.With(
		slog.String("auction", input.AuctionID.String()),
		slog.String("user", input.UserID.String()),
		slog.Int64("amount", input.Amount),
	)

	if err := input.Validate(); err != nil {
		return BidResult{}, err
	}

	lease, err := e.locker.Acquire(ctx, bidLockKey(input.AuctionID, input.UserID), e.bidLock)
	if err != nil {
		if errors.Is(err, ErrLockNotAcquired) {
			logger.Warn("Bid lock busy")
			return BidResult{}, ErrContention
		}
		return BidResult{}, fmt.Errorf("[%s] Fail to acquire bid lock, err=%w", op, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Fail to release bid lock", slog.Any("err", err))
		}
	}()

	var (
		result   BidResult
		previous *models.Bid
		admitted bool
	)
	err = e.store.WithinTx(ctx, func(tx LedgerTx) error {
		// 共享鎖讓同一場拍賣的出價可以並行，但會等待正在結算的輪次
		auction, err := tx.GetAuction(ctx, input.AuctionID, LockShare)
		if err != nil {
			if errors.Is(err, ErrAuctionNotFound) {
				return ErrAuctionNotActive
			}
			return fmt.Errorf("[%s] Fail to load auction, err=%w", op, err)
		}
		if auction.Status != models.AuctionStatusActive {
			return ErrAuctionNotActive
		}

		won, err := tx.HasWonBid(ctx, auction.ID, input.UserID)
		if err != nil {
			return fmt.Errorf("[%s] Fail to check won bid, err=%w", op, err)
		}
		if won {
			return ErrAlreadyWon
		}

		round := auction.CurrentRound()
		if round == nil || round.IsProcessed || e.now().After(round.EndTime) {
			return ErrRoundFinished
		}

		minPrice, err := e.ranking.MinEntryPrice(ctx, auction.ID, round.GiftCount, auction.StartPrice)
		if err != nil {
			return fmt.Errorf("[%s] Fail to get min entry price, err=%w", op, err)
		}
		if input.Amount < minPrice {
			return fmt.Errorf("%w, min=%d", ErrBidTooLow, minPrice)
		}

		bid, err := tx.GetActiveBid(ctx, auction.ID, input.UserID)
		if err != nil {
			return fmt.Errorf("[%s] Fail to load active bid, err=%w", op, err)
		}
		var oldAmount int64
		if bid != nil {
			oldAmount = bid.Amount
			snapshot := *bid
			previous = &snapshot
		}
		delta := input.Amount - oldAmount
		if delta <= 0 {
			return ErrBidNotHigher
		}

		user, err := tx.GetUser(ctx, input.UserID, LockUpdate)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("[%s] Fail to load user, err=%w", op, err)
		}
		if user.Balance < delta {
			return ErrInsufficientFunds
		}

		user.Balance -= delta
		user.FrozenBalance += delta
		if err := tx.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("[%s] Fail to save user, err=%w", op, err)
		}

		reason := "New bid"
		if bid != nil {
			reason = "Bid update"
		}
		if err := tx.AppendTransactions(ctx, models.Transaction{
			UserID:       user.ID,
			AuctionID:    &auction.ID,
			Amount:       -delta,
			Type:         models.TransactionTypeBidFreeze,
			BalanceAfter: user.Balance,
			FrozenAfter:  user.FrozenBalance,
			Reason:       reason,
		}); err != nil {
			return fmt.Errorf("[%s] Fail to append ledger entry, err=%w", op, err)
		}

		if bid == nil {
			bid = &models.Bid{
				AuctionID: auction.ID,
				UserID:    user.ID,
				Status:    models.BidStatusActive,
			}
		}
		bid.Amount = input.Amount
		if err := tx.SaveBid(ctx, bid); err != nil {
			return fmt.Errorf("[%s] Fail to save bid, err=%w", op, err)
		}

		// 在寫入當下重新判斷門檻，同額競爭同一個名額時只有一人能入榜
		admission, err := e.ranking.Admit(ctx, auction.ID, user.ID, input.Amount, round.GiftCount, auction.StartPrice)
		if err != nil {
			return fmt.Errorf("[%s] Fail to admit bid into ranking, err=%w", op, err)
		}
		if !admission.Admitted {
			return fmt.Errorf("%w, min=%d", ErrBidTooLow, admission.Threshold)
		}
		admitted = true

		if err := e.extendRound(ctx, tx, auction, round.RoundNumber, user.ID); err != nil {
			return err
		}

		result = BidResult{
			TotalAmount: input.Amount,
			Balance:     user.Balance,
			Frozen:      user.FrozenBalance,
		}
		return nil
	})
	if err != nil {
		if admitted {
			e.restoreRanking(ctx, input, previous)
		}
		if IsValidation(err) || IsNotFound(err) {
			logger.Info("Bid rejected", slog.String("reason", err.Error()))
		} else {
			logger.Error("Bid failed", slog.Any("err", err))
		}
		return BidResult{}, err
	}

	rank, err := e.ranking.Rank(ctx, input.AuctionID, input.UserID)
	if err != nil {
		// 出價已經成立，名次只是附帶資訊
		logger.Warn("Fail to read rank after bid", slog.Any("err", err))
	}
	result.Rank = rank

	logger.Info("Bid placed", slog.Int("rank", rank), slog.Int64("balance", result.Balance))
	return result, nil
}

// extendRound 出價者位於前 GiftCount 名且輪次剩餘時間少於時間窗時延長輪次。
// 鎖住輪次後重新判斷，多筆同時到達的出價只會延長一次。
func (e *Engine) extendRound(ctx context.Context, tx LedgerTx, auction *models.Auction, roundNumber int, userID uuid.UUID) error {
	const op = "ExtendRound"

	round := auction.Round(roundNumber)
	if round.EndTime.Sub(e.now()) >= e.snipeWindow {
		return nil
	}
	within, err := e.ranking.IsWithinTop(ctx, auction.ID, userID, round.GiftCount)
	if err != nil {
		return fmt.Errorf("[%s] Fail to check ranking, err=%w", op, err)
	}
	if !within {
		return nil
	}

	locked, err := tx.GetRound(ctx, auction.ID, roundNumber, LockUpdate)
	if err != nil {
		return fmt.Errorf("[%s] Fail to lock round, err=%w", op, err)
	}
	if locked.IsProcessed || locked.EndTime.Sub(e.now()) >= e.snipeWindow {
		return nil
	}

	locked.EndTime = locked.EndTime.Add(e.snipeExtension)
	if err := tx.SaveRound(ctx, locked); err != nil {
		return fmt.Errorf("[%s] Fail to save round, err=%w", op, err)
	}
	*round = *locked

	e.logger.Info("Round time extended",
		slog.String("auction", auction.ID.String()),
		slog.Int("round", roundNumber),
		slog.Time("endTime", locked.EndTime),
	)
	return nil
}

// restoreRanking 帳本交易失敗時把排行榜還原成出價前的分數
func (e *Engine) restoreRanking(ctx context.Context, input PlaceBidInput, previous *models.Bid) {
	ctx = context.WithoutCancel(ctx)

	var err error
	if previous != nil {
		err = e.ranking.Set(ctx, input.AuctionID, input.UserID, previous.Amount)
	} else {
		err = e.ranking.Remove(ctx, input.AuctionID, input.UserID)
	}
	if err != nil {
		e.logger.Error("Fail to restore ranking, reconciling",
			slog.String("auction", input.AuctionID.String()),
			slog.String("user", input.UserID.String()),
			slog.Any("err", err),
		)
		e.repairRanking(ctx, input.AuctionID)
	}
}
