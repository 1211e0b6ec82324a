package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"giftauction/models"
)

// LockMode 交易中讀取資料列時要求的鎖
type LockMode int

const (
	LockNone LockMode = iota
	// LockShare 共享鎖，多筆出價可以同時持有，但會與結算的排他鎖互斥
	LockShare
	// LockUpdate 排他鎖
	LockUpdate
)

// LedgerStore 持久化帳本，保存使用者餘額、拍賣、出價、禮物與異動紀錄
type LedgerStore interface {
	// WithinTx 在單一交易中執行 fn，fn 回傳錯誤時整筆交易回滾
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error

	GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error)
	ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]models.Auction, error)
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	UsernamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error)
	ListOwnedGifts(ctx context.Context, userID uuid.UUID) ([]models.Gift, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error)
}

// LedgerTx 交易內可用的操作
//
// 查無拍賣時回傳 ErrAuctionNotFound，查無使用者時回傳 ErrUserNotFound，
// GetActiveBid 查無出價時回傳 (nil, nil)。
type LedgerTx interface {
	GetAuction(ctx context.Context, id uuid.UUID, mode LockMode) (*models.Auction, error)
	CreateAuction(ctx context.Context, auction *models.Auction, gifts []models.Gift) error
	// SaveAuction 儲存拍賣本身與所有輪次
	SaveAuction(ctx context.Context, auction *models.Auction) error
	GetRound(ctx context.Context, auctionID uuid.UUID, number int, mode LockMode) (*models.Round, error)
	SaveRound(ctx context.Context, round *models.Round) error

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID, mode LockMode) (*models.User, error)
	// GetUsers 只回傳存在的使用者
	GetUsers(ctx context.Context, ids []uuid.UUID, mode LockMode) ([]models.User, error)
	SaveUser(ctx context.Context, user *models.User) error
	// SaveUsers 以單一批次寫回多位使用者
	SaveUsers(ctx context.Context, users []models.User) error

	HasWonBid(ctx context.Context, auctionID, userID uuid.UUID) (bool, error)
	GetActiveBid(ctx context.Context, auctionID, userID uuid.UUID) (*models.Bid, error)
	SaveBid(ctx context.Context, bid *models.Bid) error
	ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error)
	UpdateBidsStatus(ctx context.Context, ids []uuid.UUID, status models.BidStatus) error

	// AvailableGifts 依 SerialNumber 由小到大取得尚未售出的禮物
	AvailableGifts(ctx context.Context, auctionID uuid.UUID, limit int) ([]models.Gift, error)
	SaveGift(ctx context.Context, gift *models.Gift) error

	AppendTransactions(ctx context.Context, entries ...models.Transaction) error
}

// RankEntry 排行榜上的一筆資料
type RankEntry struct {
	UserID uuid.UUID `json:"userId"`
	Amount int64     `json:"amount"`
}

// Admission 是 RankingIndex.Admit 的結果
type Admission struct {
	Admitted bool
	// Threshold 判斷當下的最低入場價
	Threshold int64
}

// RankingIndex 每場拍賣一份的排行榜，分數為出價總額，由高到低排序。
// 同分時依使用者 ID 由大到小排序。
type RankingIndex interface {
	// Admit 原子性地檢查最低入場價並寫入分數，出價低於門檻時不寫入
	Admit(ctx context.Context, auctionID, userID uuid.UUID, amount int64, giftCount int, defaultPrice int64) (Admission, error)
	Set(ctx context.Context, auctionID, userID uuid.UUID, amount int64) error
	Remove(ctx context.Context, auctionID uuid.UUID, userIDs ...uuid.UUID) error
	MinEntryPrice(ctx context.Context, auctionID uuid.UUID, giftCount int, defaultPrice int64) (int64, error)
	IsWithinTop(ctx context.Context, auctionID, userID uuid.UUID, giftCount int) (bool, error)
	// Rank 回傳從 1 開始的名次，不在榜上時回傳 0
	Rank(ctx context.Context, auctionID, userID uuid.UUID) (int, error)
	// Top 取得前 limit 名，limit <= 0 時回傳全部
	Top(ctx context.Context, auctionID uuid.UUID, limit int) ([]RankEntry, error)
	Count(ctx context.Context, auctionID uuid.UUID) (int64, error)
	Clear(ctx context.Context, auctionID uuid.UUID) error
	// Replace 以 entries 原子性地取代整份排行榜
	Replace(ctx context.Context, auctionID uuid.UUID, entries []RankEntry) error
}

// LockPolicy 租約設定
type LockPolicy struct {
	// Expiry 租約長度
	Expiry time.Duration
	// Wait 取得鎖的最長等待時間，0 代表不限
	Wait time.Duration
	// MaxTries 最多嘗試次數，0 代表不限
	MaxTries int
}

// Lease 已取得的租約，Release 可以重複呼叫但只會釋放一次
type Lease interface {
	Release(ctx context.Context) error
}

// Locker 以字串鍵取得互斥租約，可以跨多個服務實例使用
type Locker interface {
	// Acquire 取得租約，超過等待時間或重試次數時回傳包裝 ErrLockNotAcquired 的錯誤
	Acquire(ctx context.Context, key string, policy LockPolicy) (Lease, error)
}
