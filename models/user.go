package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User 代表拍賣系統中的使用者
// Balance 為可用餘額，FrozenBalance 為出價時凍結的金額，兩者皆不可為負
type User struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Username      string    `gorm:"type:varchar(255);not null;uniqueIndex" json:"username"`
	Balance       int64     `gorm:"type:bigint;not null;default:0;check:chk_users_balance,balance >= 0" json:"balance"`
	FrozenBalance int64     `gorm:"type:bigint;not null;default:0;check:chk_users_frozen_balance,frozen_balance >= 0" json:"frozenBalance"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
