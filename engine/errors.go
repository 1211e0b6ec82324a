package engine

import "errors"

// 出價驗證失敗，訊息會原樣回傳給使用者，不會自動重試
var (
	ErrInvalidAmount     = errors.New("amount must be a positive integer")
	ErrAuctionNotActive  = errors.New("auction not active")
	ErrAlreadyWon        = errors.New("you have already won a gift in this auction")
	ErrRoundFinished     = errors.New("round finished")
	ErrBidTooLow         = errors.New("bid too low")
	ErrBidNotHigher      = errors.New("new bid must be higher")
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrInvalidAuction    = errors.New("invalid auction")
	ErrInvalidUsername   = errors.New("invalid username")
	ErrUsernameTaken     = errors.New("username already taken")
)

// 查無資料
var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAuctionNotFound = errors.New("auction not found")
)

// ErrContention 無法在時限內取得出價者的鎖，呼叫端可以稍後重試
var ErrContention = errors.New("too many concurrent requests for this bidder")

// ErrLockNotAcquired 由 Locker 實作回傳，代表鎖已被其他人持有或重試次數用盡
var ErrLockNotAcquired = errors.New("lock not acquired")

var validationErrors = []error{
	ErrInvalidAmount,
	ErrAuctionNotActive,
	ErrAlreadyWon,
	ErrRoundFinished,
	ErrBidTooLow,
	ErrBidNotHigher,
	ErrInsufficientFunds,
	ErrInvalidAuction,
	ErrInvalidUsername,
	ErrUsernameTaken,
}

// IsValidation 判斷錯誤是否為使用者可見的驗證失敗
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound 判斷錯誤是否為查無資料
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrAuctionNotFound)
}
