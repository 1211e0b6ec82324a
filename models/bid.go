package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type BidStatus string

const (
	// BidStatusActive 金額凍結中，持續參與後續輪次
	BidStatusActive BidStatus = "ACTIVE"
	// BidStatusWon 得標，凍結金額已扣除 (終止狀態)
	BidStatusWon BidStatus = "WON"
	// BidStatusRefunded 拍賣結束未得標，金額已退回 (終止狀態)
	BidStatusRefunded BidStatus = "REFUNDED"
)

// Bid 代表使用者在某場拍賣的出價
// 同一場拍賣中每位使用者最多只能有一筆 ACTIVE 出價，WON/REFUNDED 的歷史紀錄則不受限制
type Bid struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AuctionID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bids_active_auction_id_user_id,where:status = 'ACTIVE';index:idx_bids_auction_id_status" json:"auctionId"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_bids_active_auction_id_user_id,where:status = 'ACTIVE'" json:"userId"`
	Amount     int64     `gorm:"type:bigint;not null" json:"amount"`
	Status     BidStatus `gorm:"type:varchar(16);not null;default:'ACTIVE';index:idx_bids_auction_id_status" json:"status"`
	WonInRound *int      `gorm:"type:integer" json:"wonInRound,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
