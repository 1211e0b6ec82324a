package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuctionStatus string

const (
	AuctionStatusPending   AuctionStatus = "PENDING"
	AuctionStatusActive    AuctionStatus = "ACTIVE"
	AuctionStatusFinished  AuctionStatus = "FINISHED"
	AuctionStatusCancelled AuctionStatus = "CANCELLED"
)

// Auction 代表一場多輪次的禮物拍賣
// 每一輪只讓排名前 GiftCount 的出價者得標，最後一輪結束後未得標者全數退款
type Auction struct {
	ID                 uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	Title              string        `gorm:"type:varchar(255);not null" json:"title"`
	Status             AuctionStatus `gorm:"type:varchar(16);not null;default:'PENDING';index" json:"status"`
	StartPrice         int64         `gorm:"type:bigint;not null" json:"startPrice"`
	MinStep            int64         `gorm:"type:bigint;not null;default:1" json:"minStep"`
	TotalQuantity      int           `gorm:"type:integer;not null" json:"totalQuantity"`
	StartTime          time.Time     `gorm:"not null" json:"startTime"`
	CurrentRoundNumber int           `gorm:"type:integer;not null;default:1" json:"currentRoundNumber"`
	AssetName          string        `gorm:"type:varchar(255);not null" json:"assetName"`
	AssetSymbol        string        `gorm:"type:varchar(255);not null" json:"assetSymbol"`
	AssetColor         string        `gorm:"type:varchar(16);not null" json:"assetColor"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`

	// 外鍵關聯
	Rounds []Round `gorm:"foreignKey:AuctionID;constraint:OnDelete:CASCADE" json:"rounds"`
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// Round 取得指定輪次，不存在時回傳 nil
func (a *Auction) Round(number int) *Round {
	for i := range a.Rounds {
		if a.Rounds[i].RoundNumber == number {
			return &a.Rounds[i]
		}
	}
	return nil
}

// CurrentRound 取得目前進行中的輪次
func (a *Auction) CurrentRound() *Round {
	return a.Round(a.CurrentRoundNumber)
}

// NextRound 取得下一輪，已是最後一輪時回傳 nil
func (a *Auction) NextRound() *Round {
	return a.Round(a.CurrentRoundNumber + 1)
}

// Round 代表拍賣中的一個輪次
// EndTime 會因為防狙擊機制而延長，IsProcessed 只會由 false 變為 true
type Round struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"-"`
	AuctionID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_rounds_auction_id_round_number" json:"-"`
	RoundNumber     int       `gorm:"type:integer;not null;uniqueIndex:idx_rounds_auction_id_round_number" json:"roundNumber"`
	GiftCount       int       `gorm:"type:integer;not null" json:"giftCount"`
	DurationSeconds int       `gorm:"type:integer;not null" json:"durationSeconds"`
	EndTime         time.Time `gorm:"not null" json:"endTime"`
	IsProcessed     bool      `gorm:"not null;default:false" json:"isProcessed"`
}

func (r *Round) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Duration 輪次的設定時長
func (r *Round) Duration() time.Duration {
	return time.Duration(r.DurationSeconds) * time.Second
}
