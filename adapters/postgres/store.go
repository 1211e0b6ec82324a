package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"giftauction/engine"
	"giftauction/models"
)

// Store 以 gorm 實作的帳本，需要以 TranslateError 開啟連線
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

type StoreOption func(*Store)

// WithStoreLogger 設置日誌記錄器
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

func NewStore(db *gorm.DB, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("caller", "LedgerStore"))
	return s, nil
}

// Migrate 建立或更新資料表
func (s *Store) Migrate(ctx context.Context) error {
	const op = "Migrate"

	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Auction{},
		&models.Round{},
		&models.Bid{},
		&models.Gift{},
		&models.Transaction{},
	); err != nil {
		return fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx engine.LedgerTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&storeTx{db: tx})
	})
}

func preloadRounds(db *gorm.DB) *gorm.DB {
	return db.Order("round_number")
}

func (s *Store) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	return getAuction(s.db.WithContext(ctx), id, engine.LockNone)
}

// ListAuctions 依建立時間由新到舊排列
func (s *Store) ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]models.Auction, error) {
	const op = "ListAuctions"

	query := s.db.WithContext(ctx).Preload("Rounds", preloadRounds)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}

	auctions := []models.Auction{}
	if result := query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: false},
	}}).Find(&auctions); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query auctions, err=%w", op, result.Error)
	}
	return auctions, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return getUser(s.db.WithContext(ctx), id, engine.LockNone)
}

func (s *Store) UsernamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	const op = "UsernamesByIDs"

	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	users := []models.User{}
	if result := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", ids).Find(&users); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query usernames, err=%w", op, result.Error)
	}
	for _, u := range users {
		out[u.ID] = u.Username
	}
	return out, nil
}

func (s *Store) ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	return listActiveBids(s.db.WithContext(ctx), auctionID)
}

// ListOwnedGifts 依得標時間由新到舊排列
func (s *Store) ListOwnedGifts(ctx context.Context, userID uuid.UUID) ([]models.Gift, error) {
	const op = "ListOwnedGifts"

	gifts := []models.Gift{}
	if result := s.db.WithContext(ctx).
		Where("owner_id = ? AND status = ?", userID, models.GiftStatusSold).
		Order("updated_at DESC").
		Order("serial_number").
		Find(&gifts); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query gifts, err=%w", op, result.Error)
	}
	return gifts, nil
}

// ListTransactions 依寫入時間由新到舊排列
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	const op = "ListTransactions"

	query := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	transactions := []models.Transaction{}
	if result := query.Find(&transactions); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query transactions, err=%w", op, result.Error)
	}
	return transactions, nil
}

func withLock(db *gorm.DB, mode engine.LockMode) *gorm.DB {
	switch mode {
	case engine.LockShare:
		return db.Clauses(clause.Locking{Strength: clause.LockingStrengthShare})
	case engine.LockUpdate:
		return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	default:
		return db
	}
}

func getAuction(db *gorm.DB, id uuid.UUID, mode engine.LockMode) (*models.Auction, error) {
	const op = "GetAuction"

	var auction models.Auction
	if result := withLock(db, mode).Preload("Rounds", preloadRounds).Where("id = ?", id).First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, engine.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to query auction, id=%s, err=%w", op, id, result.Error)
	}
	return &auction, nil
}

func getUser(db *gorm.DB, id uuid.UUID, mode engine.LockMode) (*models.User, error) {
	const op = "GetUser"

	var user models.User
	if result := withLock(db, mode).Where("id = ?", id).First(&user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, engine.ErrUserNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to query user, id=%s, err=%w", op, id, result.Error)
	}
	return &user, nil
}

func listActiveBids(db *gorm.DB, auctionID uuid.UUID) ([]models.Bid, error) {
	const op = "ListActiveBids"

	bids := []models.Bid{}
	if result := db.
		Where("auction_id = ? AND status = ?", auctionID, models.BidStatusActive).
		Order("created_at").
		Order("id").
		Find(&bids); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query bids, err=%w", op, result.Error)
	}
	return bids, nil
}

type storeTx struct {
	db *gorm.DB
}

func (tx *storeTx) GetAuction(ctx context.Context, id uuid.UUID, mode engine.LockMode) (*models.Auction, error) {
	return getAuction(tx.db.WithContext(ctx), id, mode)
}

func (tx *storeTx) CreateAuction(ctx context.Context, auction *models.Auction, gifts []models.Gift) error {
	const op = "CreateAuction"

	db := tx.db.WithContext(ctx)
	if result := db.Create(auction); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error)
	}
	if len(gifts) == 0 {
		return nil
	}
	for i := range gifts {
		gifts[i].AuctionID = auction.ID
	}
	if result := db.CreateInBatches(gifts, 500); result.Error != nil {
		return fmt.Errorf("[%s] Fail to create gifts, err=%w", op, result.Error)
	}
	return nil
}

func (tx *storeTx) SaveAuction(ctx context.Context, auction *models.Auction) error {
	const op = "SaveAuction"

	db := tx.db.WithContext(ctx)
	if result := db.Omit(clause.Associations).Save(auction); result.Error != nil {
		return fmt.Errorf("[%s] Fail to save auction, id=%s, err=%w", op, auction.ID, result.Error)
	}
	for i := range auction.Rounds {
		if err := tx.SaveRound(ctx, &auction.Rounds[i]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *storeTx) GetRound(ctx context.Context, auctionID uuid.UUID, number int, mode engine.LockMode) (*models.Round, error) {
	const op = "GetRound"

	var round models.Round
	if result := withLock(tx.db.WithContext(ctx), mode).
		Where("auction_id = ? AND round_number = ?", auctionID, number).
		First(&round); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query round, auction=%s, round=%d, err=%w", op, auctionID, number, result.Error)
	}
	return &round, nil
}

func (tx *storeTx) SaveRound(ctx context.Context, round *models.Round) error {
	const op = "SaveRound"

	if result := tx.db.WithContext(ctx).Save(round); result.Error != nil {
		return fmt.Errorf("[%s] Fail to save round, auction=%s, round=%d, err=%w", op, round.AuctionID, round.RoundNumber, result.Error)
	}
	return nil
}

func (tx *storeTx) CreateUser(ctx context.Context, user *models.User) error {
	const op = "CreateUser"

	if result := tx.db.WithContext(ctx).Create(user); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return engine.ErrUsernameTaken
		}
		return fmt.Errorf("[%s] Fail to create user, err=%w", op, result.Error)
	}
	return nil
}

func (tx *storeTx) GetUser(ctx context.Context, id uuid.UUID, mode engine.LockMode) (*models.User, error) {
	return getUser(tx.db.WithContext(ctx), id, mode)
}

// GetUsers 依 ID 排序取得，多筆鎖定時順序固定以避免死結
func (tx *storeTx) GetUsers(ctx context.Context, ids []uuid.UUID, mode engine.LockMode) ([]models.User, error) {
	const op = "GetUsers"

	users := []models.User{}
	if len(ids) == 0 {
		return users, nil
	}
	if result := withLock(tx.db.WithContext(ctx), mode).Where("id IN ?", ids).Order("id").Find(&users); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query users, err=%w", op, result.Error)
	}
	return users, nil
}

func (tx *storeTx) SaveUser(ctx context.Context, user *models.User) error {
	const op = "SaveUser"

	if user.Balance < 0 || user.FrozenBalance < 0 {
		return fmt.Errorf("[%s] Fail to save user, id=%s, err=balance would become negative", op, user.ID)
	}
	if result := tx.db.WithContext(ctx).Save(user); result.Error != nil {
		return fmt.Errorf("[%s] Fail to save user, id=%s, err=%w", op, user.ID, result.Error)
	}
	return nil
}

// SaveUsers 以單一 upsert 寫回餘額
func (tx *storeTx) SaveUsers(ctx context.Context, users []models.User) error {
	const op = "SaveUsers"

	if len(users) == 0 {
		return nil
	}
	now := time.Now()
	for i := range users {
		if users[i].Balance < 0 || users[i].FrozenBalance < 0 {
			return fmt.Errorf("[%s] Fail to save users, id=%s, err=balance would become negative", op, users[i].ID)
		}
		users[i].UpdatedAt = now
	}
	if result := tx.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"balance", "frozen_balance", "updated_at"}),
	}).Create(&users); result.Error != nil {
		return fmt.Errorf("[%s] Fail to save users, err=%w", op, result.Error)
	}
	return nil
}

func (tx *storeTx) HasWonBid(ctx context.Context, auctionID, userID uuid.UUID) (bool, error) {
	const op = "HasWonBid"

	var count int64
	if result := tx.db.WithContext(ctx).Model(&models.Bid{}).
		Where("auction_id = ? AND user_id = ? AND status = ?", auctionID, userID, models.BidStatusWon).
		Count(&count); result.Error != nil {
		return false, fmt.Errorf("[%s] Fail to count won bids, err=%w", op, result.Error)
	}
	return count > 0, nil
}

func (tx *storeTx) GetActiveBid(ctx context.Context, auctionID, userID uuid.UUID) (*models.Bid, error) {
	const op = "GetActiveBid"

	var bid models.Bid
	if result := tx.db.WithContext(ctx).
		Where("auction_id = ? AND user_id = ? AND status = ?", auctionID, userID, models.BidStatusActive).
		First(&bid); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("[%s] Fail to query bid, err=%w", op, result.Error)
	}
	return &bid, nil
}

func (tx *storeTx) SaveBid(ctx context.Context, bid *models.Bid) error {
	const op = "SaveBid"

	db := tx.db.WithContext(ctx)
	var result *gorm.DB
	if bid.ID == uuid.Nil {
		result = db.Create(bid)
	} else {
		result = db.Save(bid)
	}
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to save bid, err=%w", op, result.Error)
	}
	return nil
}

func (tx *storeTx) ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	return listActiveBids(tx.db.WithContext(ctx), auctionID)
}

func (tx *storeTx) UpdateBidsStatus(ctx context.Context, ids []uuid.UUID, status models.BidStatus) error {
	const op = "UpdateBidsStatus"

	if len(ids) == 0 {
		return nil
	}
	result := tx.db.WithContext(ctx).Model(&models.Bid{}).Where("id IN ?", ids).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("[%s] Fail to update bids, err=%w", op, result.Error)
	}
	if result.RowsAffected != int64(len(ids)) {
		return fmt.Errorf("[%s] Fail to update bids, expected=%d, affected=%d", op, len(ids), result.RowsAffected)
	}
	return nil
}

func (tx *storeTx) AvailableGifts(ctx context.Context, auctionID uuid.UUID, limit int) ([]models.Gift, error) {
	const op = "AvailableGifts"

	query := withLock(tx.db.WithContext(ctx), engine.LockUpdate).
		Where("auction_id = ? AND status = ?", auctionID, models.GiftStatusAvailable).
		Order("serial_number")
	if limit > 0 {
		query = query.Limit(limit)
	}

	gifts := []models.Gift{}
	if result := query.Find(&gifts); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to query gifts, err=%w", op, result.Error)
	}
	return gifts, nil
}

func (tx *storeTx) SaveGift(ctx context.Context, gift *models.Gift) error {
	const op = "SaveGift"

	if result := tx.db.WithContext(ctx).Save(gift); result.Error != nil {
		return fmt.Errorf("[%s] Fail to save gift, id=%s, err=%w", op, gift.ID, result.Error)
	}
	return nil
}

func (tx *storeTx) AppendTransactions(ctx context.Context, entries ...models.Transaction) error {
	const op = "AppendTransactions"

	if len(entries) == 0 {
		return nil
	}
	if result := tx.db.WithContext(ctx).Create(&entries); result.Error != nil {
		return fmt.Errorf("[%s] Fail to append transactions, err=%w", op, result.Error)
	}
	return nil
}
