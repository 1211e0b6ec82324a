package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type GiftStatus string

const (
	GiftStatusAvailable GiftStatus = "AVAILABLE"
	GiftStatusSold      GiftStatus = "SOLD"
)

// Gift 代表拍賣中的一份禮物，建立拍賣時一次產生 TotalQuantity 份
// SerialNumber 在同一場拍賣中唯一，OwnerID 在售出前為 nil
type Gift struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	AuctionID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_gifts_auction_id_serial_number" json:"auctionId"`
	SerialNumber  int        `gorm:"type:integer;not null;uniqueIndex:idx_gifts_auction_id_serial_number" json:"serialNumber"`
	Status        GiftStatus `gorm:"type:varchar(16);not null;default:'AVAILABLE'" json:"status"`
	OwnerID       *uuid.UUID `gorm:"type:uuid;index" json:"ownerId"`
	AssetName     string     `gorm:"type:varchar(255);not null" json:"assetName"`
	AssetSymbol   string     `gorm:"type:varchar(255);not null" json:"assetSymbol"`
	AssetColor    string     `gorm:"type:varchar(16);not null" json:"assetColor"`
	PurchasePrice *int64     `gorm:"type:bigint" json:"purchasePrice,omitempty"`
	WonInRound    *int       `gorm:"type:integer" json:"wonInRound,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func (g *Gift) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}
