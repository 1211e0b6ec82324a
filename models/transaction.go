package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeBidFreeze   TransactionType = "BID_FREEZE"
	TransactionTypeBidUnfreeze TransactionType = "BID_UNFREEZE"
	TransactionTypeBidPayment  TransactionType = "BID_PAYMENT"
)

// Transaction 代表帳本中的一筆異動紀錄，只會新增不會修改
// Amount 為該次異動的金額，BalanceAfter/FrozenAfter 為異動後的餘額快照
type Transaction struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID       `gorm:"type:uuid;not null;index:idx_transactions_user_id_created_at" json:"userId"`
	AuctionID    *uuid.UUID      `gorm:"type:uuid" json:"auctionId,omitempty"`
	Amount       int64           `gorm:"type:bigint;not null" json:"amount"`
	Type         TransactionType `gorm:"type:varchar(16);not null" json:"type"`
	BalanceAfter int64           `gorm:"type:bigint;not null" json:"balanceAfter"`
	FrozenAfter  int64           `gorm:"type:bigint;not null" json:"frozenAfter"`
	Reason       string          `gorm:"type:text;not null;default:''" json:"reason"`
	CreatedAt    time.Time       `gorm:"index:idx_transactions_user_id_created_at,sort:desc" json:"createdAt"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
