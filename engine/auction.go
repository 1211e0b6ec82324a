package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"giftauction/models"
)

const (
	defaultAssetSymbol   = "🎁"
	defaultAssetColor    = "#007aff"
	defaultRoundDuration = 300
	defaultMinStep       = 1
	minTitleLength       = 3
	maxTitleLength       = 100
)

var assetColorPattern = regexp.MustCompile(`^#([A-Fa-f0-9]{6}|[A-Fa-f0-9]{3})$`)

type RoundInput struct {
	RoundNumber     int
	GiftCount       int
	DurationSeconds int
	// EndTime 指定輪次結束時間，未指定時依開始時間與時長推算
	EndTime *time.Time
}

type CreateAuctionInput struct {
	Title         string
	StartPrice    int64
	MinStep       int64
	TotalQuantity int
	// StartTime 為零值時立即開始
	StartTime   time.Time
	AssetName   string
	AssetSymbol string
	AssetColor  string
	Rounds      []RoundInput
}

// Normalize 補上預設值
func (in *CreateAuctionInput) Normalize() {
	if in.MinStep == 0 {
		in.MinStep = defaultMinStep
	}
	if in.AssetSymbol == "" {
		in.AssetSymbol = defaultAssetSymbol
	}
	if in.AssetColor == "" {
		in.AssetColor = defaultAssetColor
	}
	for i := range in.Rounds {
		if in.Rounds[i].DurationSeconds == 0 {
			in.Rounds[i].DurationSeconds = defaultRoundDuration
		}
	}
}

func (in CreateAuctionInput) Validate() error {
	if n := utf8.RuneCountInString(in.Title); n < minTitleLength || n > maxTitleLength {
		return fmt.Errorf("%w: title must be %d to %d characters", ErrInvalidAuction, minTitleLength, maxTitleLength)
	}
	if in.StartPrice <= 0 || in.StartPrice > MaxAmount {
		return fmt.Errorf("%w: startPrice must be between 1 and %d", ErrInvalidAuction, MaxAmount)
	}
	if in.MinStep <= 0 {
		return fmt.Errorf("%w: minStep must be positive", ErrInvalidAuction)
	}
	if in.TotalQuantity <= 0 {
		return fmt.Errorf("%w: totalQuantity must be positive", ErrInvalidAuction)
	}
	if in.AssetName == "" {
		return fmt.Errorf("%w: assetName is required", ErrInvalidAuction)
	}
	if !assetColorPattern.MatchString(in.AssetColor) {
		return fmt.Errorf("%w: assetColor must be #RGB or #RRGGBB", ErrInvalidAuction)
	}
	if len(in.Rounds) == 0 {
		return fmt.Errorf("%w: at least one round is required", ErrInvalidAuction)
	}
	for i, r := range in.Rounds {
		if r.RoundNumber != i+1 {
			return fmt.Errorf("%w: round numbers must start at 1 and be contiguous", ErrInvalidAuction)
		}
		if r.GiftCount <= 0 {
			return fmt.Errorf("%w: round %d giftCount must be positive", ErrInvalidAuction, r.RoundNumber)
		}
		if r.DurationSeconds <= 0 {
			return fmt.Errorf("%w: round %d durationSeconds must be positive", ErrInvalidAuction, r.RoundNumber)
		}
	}
	return nil
}

// CreateAuction 建立拍賣與 TotalQuantity 份禮物
// 開始時間已到時直接進入 ACTIVE，否則為 PENDING 等待排程器啟動
func (e *Engine) CreateAuction(ctx context.Context, input CreateAuctionInput) (*models.Auction, error) {
	const op = "CreateAuction"

	input.Normalize()
	if err := input.Validate(); err != nil {
		return nil, err
	}

	now := e.now()
	start := input.StartTime
	if start.IsZero() {
		start = now
	}

	auction := &models.Auction{
		ID:                 uuid.New(),
		Title:              input.Title,
		Status:             models.AuctionStatusPending,
		StartPrice:         input.StartPrice,
		MinStep:            input.MinStep,
		TotalQuantity:      input.TotalQuantity,
		StartTime:          start,
		CurrentRoundNumber: 1,
		AssetName:          input.AssetName,
		AssetSymbol:        input.AssetSymbol,
		AssetColor:         input.AssetColor,
	}
	// 實際開始的時間，後續輪次的結束時間會在進入該輪時重新計算
	base := start
	if !start.After(now) {
		auction.Status = models.AuctionStatusActive
		base = now
	}
	for _, r := range input.Rounds {
		end := base.Add(time.Duration(r.DurationSeconds) * time.Second)
		if r.EndTime != nil {
			end = *r.EndTime
		}
		auction.Rounds = append(auction.Rounds, models.Round{
			ID:              uuid.New(),
			AuctionID:       auction.ID,
			RoundNumber:     r.RoundNumber,
			GiftCount:       r.GiftCount,
			DurationSeconds: r.DurationSeconds,
			EndTime:         end,
		})
		base = end
	}

	gifts := lo.Times(input.TotalQuantity, func(i int) models.Gift {
		return models.Gift{
			ID:           uuid.New(),
			AuctionID:    auction.ID,
			SerialNumber: i + 1,
			Status:       models.GiftStatusAvailable,
			AssetName:    input.AssetName,
			AssetSymbol:  input.AssetSymbol,
			AssetColor:   input.AssetColor,
		}
	})

	err := e.store.WithinTx(ctx, func(tx LedgerTx) error {
		return tx.CreateAuction(ctx, auction, gifts)
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create auction, err=%w", op, err)
	}

	e.logger.Info("Auction created",
		slog.String("auction", auction.ID.String()),
		slog.String("status", string(auction.Status)),
		slog.Int("rounds", len(auction.Rounds)),
		slog.Int("gifts", len(gifts)),
	)
	return auction, nil
}

// Activate 啟動開始時間已到的 PENDING 拍賣，回傳是否有狀態變更
func (e *Engine) Activate(ctx context.Context, auctionID uuid.UUID) (bool, error) {
	const op = "Activate"

	activated := false
	err := e.store.WithinTx(ctx, func(tx LedgerTx) error {
		auction, err := tx.GetAuction(ctx, auctionID, LockUpdate)
		if err != nil {
			return err
		}
		now := e.now()
		if auction.Status != models.AuctionStatusPending || auction.StartTime.After(now) {
			return nil
		}

		auction.Status = models.AuctionStatusActive
		// 排程器延遲啟動時，第一輪至少保留完整的時長
		if round := auction.CurrentRound(); round != nil && round.EndTime.Before(now.Add(round.Duration())) {
			round.EndTime = now.Add(round.Duration())
		}
		if err := tx.SaveAuction(ctx, auction); err != nil {
			return err
		}
		activated = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAuctionNotFound) {
			return false, err
		}
		return false, fmt.Errorf("[%s] Fail to activate auction, err=%w", op, err)
	}
	if activated {
		e.logger.Info("Auction activated", slog.String("auction", auctionID.String()))
	}
	return activated, nil
}

// ListAuctions 列出進行中與尚未開始的拍賣，新建立的在前
func (e *Engine) ListAuctions(ctx context.Context) ([]models.Auction, error) {
	const op = "ListAuctions"

	auctions, err := e.store.ListAuctions(ctx, models.AuctionStatusActive, models.AuctionStatusPending)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list auctions, err=%w", op, err)
	}
	return auctions, nil
}
