package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"giftauction/models"
)

const (
	minUsernameLength   = 3
	maxUsernameLength   = 32
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// CreateUser 註冊使用者，初始餘額為 0
func (e *Engine) CreateUser(ctx context.Context, username string) (*models.User, error) {
	const op = "CreateUser"

	username = strings.TrimSpace(username)
	if n := utf8.RuneCountInString(username); n < minUsernameLength || n > maxUsernameLength {
		return nil, fmt.Errorf("%w: username must be %d to %d characters", ErrInvalidUsername, minUsernameLength, maxUsernameLength)
	}

	user := &models.User{ID: uuid.New(), Username: username}
	err := e.store.WithinTx(ctx, func(tx LedgerTx) error {
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("[%s] Fail to create user, err=%w", op, err)
	}

	e.usernames.Add(user.ID, user.Username)
	e.logger.Info("User created", slog.String("user", user.ID.String()))
	return user, nil
}

// Deposit 增加使用者的可用餘額並寫入 DEPOSIT 紀錄
func (e *Engine) Deposit(ctx context.Context, userID uuid.UUID, amount int64, reason string) (*models.User, error) {
	const op = "Deposit"

	if amount <= 0 || amount > MaxAmount {
		return nil, ErrInvalidAmount
	}

	var user *models.User
	err := e.store.WithinTx(ctx, func(tx LedgerTx) error {
		var err error
		user, err = tx.GetUser(ctx, userID, LockUpdate)
		if err != nil {
			return err
		}
		// 可用與凍結合計不得超過上限，出價總額才能被排行榜精確表示
		if user.Balance+user.FrozenBalance > MaxAmount-amount {
			return ErrInvalidAmount
		}
		user.Balance += amount
		if err := tx.SaveUser(ctx, user); err != nil {
			return err
		}
		return tx.AppendTransactions(ctx, models.Transaction{
			UserID:       user.ID,
			Amount:       amount,
			Type:         models.TransactionTypeDeposit,
			BalanceAfter: user.Balance,
			FrozenAfter:  user.FrozenBalance,
			Reason:       reason,
		})
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidAmount) {
			return nil, err
		}
		return nil, fmt.Errorf("[%s] Fail to deposit, err=%w", op, err)
	}

	e.logger.Info("Deposit", slog.String("user", userID.String()), slog.Int64("amount", amount), slog.Int64("balance", user.Balance))
	return user, nil
}

// Faucet 領取固定金額的測試金
func (e *Engine) Faucet(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	return e.Deposit(ctx, userID, e.faucetAmount, "Testnet Faucet Claim")
}

func (e *Engine) GetUser(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	const op = "GetUser"

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to load user, err=%w", op, err)
	}
	return user, nil
}

// Inventory 使用者得標的禮物，最新的在前
func (e *Engine) Inventory(ctx context.Context, userID uuid.UUID) ([]models.Gift, error) {
	const op = "Inventory"

	gifts, err := e.store.ListOwnedGifts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list gifts, err=%w", op, err)
	}
	return gifts, nil
}

// Transactions 使用者的帳本紀錄，最新的在前
func (e *Engine) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	const op = "Transactions"

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	entries, err := e.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to list transactions, err=%w", op, err)
	}
	return entries, nil
}
