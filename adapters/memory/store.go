package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"giftauction/engine"
	"giftauction/models"
)

type state struct {
	users        map[uuid.UUID]models.User
	auctions     map[uuid.UUID]models.Auction
	auctionOrder []uuid.UUID
	bids         map[uuid.UUID]models.Bid
	gifts        map[uuid.UUID]models.Gift
	transactions []models.Transaction
}

func (s *state) clone() *state {
	auctions := make(map[uuid.UUID]models.Auction, len(s.auctions))
	for id, a := range s.auctions {
		auctions[id] = cloneAuction(a)
	}
	return &state{
		users:        cloneMap(s.users),
		auctions:     auctions,
		auctionOrder: slices.Clone(s.auctionOrder),
		bids:         cloneMap(s.bids),
		gifts:        cloneMap(s.gifts),
		// 帳本只會追加，交易中新增的紀錄另外暫存，提交時才接上
		transactions: s.transactions,
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAuction(a models.Auction) models.Auction {
	a.Rounds = slices.Clone(a.Rounds)
	return a
}

// Store 以記憶體實作的帳本，所有交易串行執行
// 交易開始時複製使用者、拍賣、出價與禮物，成功後才替換，失敗時直接丟棄
type Store struct {
	mu    sync.Mutex
	state *state
	now   func() time.Time
}

type StoreOption func(*Store)

// WithStoreClock 設置寫入時間戳記使用的時鐘
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state: &state{
			users:    map[uuid.UUID]models.User{},
			auctions: map[uuid.UUID]models.Auction{},
			bids:     map[uuid.UUID]models.Bid{},
			gifts:    map[uuid.UUID]models.Gift{},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx engine.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &storeTx{state: s.state.clone(), now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	tx.state.transactions = append(s.state.transactions, tx.appended...)
	s.state = tx.state
	return nil
}

func (s *Store) GetAuction(ctx context.Context, id uuid.UUID) (*models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.state.auctions[id]
	if !ok {
		return nil, engine.ErrAuctionNotFound
	}
	a = cloneAuction(a)
	return &a, nil
}

// ListAuctions 依建立順序由新到舊排列
func (s *Store) ListAuctions(ctx context.Context, statuses ...models.AuctionStatus) ([]models.Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Auction{}
	for i := len(s.state.auctionOrder) - 1; i >= 0; i-- {
		a := s.state.auctions[s.state.auctionOrder[i]]
		if len(statuses) > 0 && !slices.Contains(statuses, a.Status) {
			continue
		}
		out = append(out, cloneAuction(a))
	}
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.state.users[id]
	if !ok {
		return nil, engine.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) UsernamesByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[uuid.UUID]string, len(ids))
	for _, id := range ids {
		if u, ok := s.state.users[id]; ok {
			out[id] = u.Username
		}
	}
	return out, nil
}

func (s *Store) ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state.activeBids(auctionID), nil
}

// ListOwnedGifts 依得標時間由新到舊排列
func (s *Store) ListOwnedGifts(ctx context.Context, userID uuid.UUID) ([]models.Gift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := lo.Filter(lo.Values(s.state.gifts), func(g models.Gift, _ int) bool {
		return g.Status == models.GiftStatusSold && g.OwnerID != nil && *g.OwnerID == userID
	})
	slices.SortFunc(out, func(a, b models.Gift) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return a.SerialNumber - b.SerialNumber
	})
	return out, nil
}

// ListTransactions 依寫入順序由新到舊排列
func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, limit int) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Transaction{}
	for i := len(s.state.transactions) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if t := s.state.transactions[i]; t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

// Snapshot 回傳所有使用者、出價與帳本紀錄的複本
func (s *Store) Snapshot() (users []models.User, bids []models.Bid, transactions []models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Values(s.state.users), lo.Values(s.state.bids), slices.Clone(s.state.transactions)
}

func (st *state) activeBids(auctionID uuid.UUID) []models.Bid {
	out := lo.Filter(lo.Values(st.bids), func(b models.Bid, _ int) bool {
		return b.AuctionID == auctionID && b.Status == models.BidStatusActive
	})
	slices.SortFunc(out, func(a, b models.Bid) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// storeTx 在複本上操作，鎖定模式由 Store 的全域互斥鎖涵蓋
type storeTx struct {
	state    *state
	appended []models.Transaction
	now      func() time.Time
}

func (tx *storeTx) GetAuction(ctx context.Context, id uuid.UUID, mode engine.LockMode) (*models.Auction, error) {
	a, ok := tx.state.auctions[id]
	if !ok {
		return nil, engine.ErrAuctionNotFound
	}
	a = cloneAuction(a)
	return &a, nil
}

func (tx *storeTx) CreateAuction(ctx context.Context, auction *models.Auction, gifts []models.Gift) error {
	if auction.ID == uuid.Nil {
		auction.ID = uuid.New()
	}
	if _, ok := tx.state.auctions[auction.ID]; ok {
		return fmt.Errorf("auction %s already exists", auction.ID)
	}
	now := tx.now()
	auction.CreatedAt, auction.UpdatedAt = now, now
	for i := range auction.Rounds {
		auction.Rounds[i].AuctionID = auction.ID
		if auction.Rounds[i].ID == uuid.Nil {
			auction.Rounds[i].ID = uuid.New()
		}
	}
	tx.state.auctions[auction.ID] = cloneAuction(*auction)
	tx.state.auctionOrder = append(tx.state.auctionOrder, auction.ID)

	for i := range gifts {
		g := &gifts[i]
		if g.ID == uuid.Nil {
			g.ID = uuid.New()
		}
		g.AuctionID = auction.ID
		g.CreatedAt, g.UpdatedAt = now, now
		tx.state.gifts[g.ID] = *g
	}
	return nil
}

func (tx *storeTx) SaveAuction(ctx context.Context, auction *models.Auction) error {
	if _, ok := tx.state.auctions[auction.ID]; !ok {
		return engine.ErrAuctionNotFound
	}
	auction.UpdatedAt = tx.now()
	tx.state.auctions[auction.ID] = cloneAuction(*auction)
	return nil
}

func (tx *storeTx) GetRound(ctx context.Context, auctionID uuid.UUID, number int, mode engine.LockMode) (*models.Round, error) {
	a, ok := tx.state.auctions[auctionID]
	if !ok {
		return nil, engine.ErrAuctionNotFound
	}
	round := a.Round(number)
	if round == nil {
		return nil, fmt.Errorf("round %d of auction %s not found", number, auctionID)
	}
	r := *round
	return &r, nil
}

func (tx *storeTx) SaveRound(ctx context.Context, round *models.Round) error {
	a, ok := tx.state.auctions[round.AuctionID]
	if !ok {
		return engine.ErrAuctionNotFound
	}
	a = cloneAuction(a)
	target := a.Round(round.RoundNumber)
	if target == nil {
		return fmt.Errorf("round %d of auction %s not found", round.RoundNumber, round.AuctionID)
	}
	*target = *round
	tx.state.auctions[a.ID] = a
	return nil
}

func (tx *storeTx) CreateUser(ctx context.Context, user *models.User) error {
	for _, u := range tx.state.users {
		if u.Username == user.Username {
			return engine.ErrUsernameTaken
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := tx.now()
	user.CreatedAt, user.UpdatedAt = now, now
	tx.state.users[user.ID] = *user
	return nil
}

func (tx *storeTx) GetUser(ctx context.Context, id uuid.UUID, mode engine.LockMode) (*models.User, error) {
	u, ok := tx.state.users[id]
	if !ok {
		return nil, engine.ErrUserNotFound
	}
	return &u, nil
}

func (tx *storeTx) GetUsers(ctx context.Context, ids []uuid.UUID, mode engine.LockMode) ([]models.User, error) {
	out := make([]models.User, 0, len(ids))
	for _, id := range lo.Uniq(ids) {
		if u, ok := tx.state.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (tx *storeTx) SaveUser(ctx context.Context, user *models.User) error {
	if user.Balance < 0 || user.FrozenBalance < 0 {
		return fmt.Errorf("user %s balance would become negative", user.ID)
	}
	if _, ok := tx.state.users[user.ID]; !ok {
		return engine.ErrUserNotFound
	}
	user.UpdatedAt = tx.now()
	tx.state.users[user.ID] = *user
	return nil
}

func (tx *storeTx) SaveUsers(ctx context.Context, users []models.User) error {
	for i := range users {
		if err := tx.SaveUser(ctx, &users[i]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *storeTx) HasWonBid(ctx context.Context, auctionID, userID uuid.UUID) (bool, error) {
	for _, b := range tx.state.bids {
		if b.AuctionID == auctionID && b.UserID == userID && b.Status == models.BidStatusWon {
			return true, nil
		}
	}
	return false, nil
}

func (tx *storeTx) GetActiveBid(ctx context.Context, auctionID, userID uuid.UUID) (*models.Bid, error) {
	for _, b := range tx.state.bids {
		if b.AuctionID == auctionID && b.UserID == userID && b.Status == models.BidStatusActive {
			return &b, nil
		}
	}
	return nil, nil
}

func (tx *storeTx) SaveBid(ctx context.Context, bid *models.Bid) error {
	if bid.ID == uuid.Nil {
		bid.ID = uuid.New()
	}
	if bid.Status == models.BidStatusActive {
		for _, b := range tx.state.bids {
			if b.ID != bid.ID && b.AuctionID == bid.AuctionID && b.UserID == bid.UserID && b.Status == models.BidStatusActive {
				return fmt.Errorf("user %s already has an active bid in auction %s", bid.UserID, bid.AuctionID)
			}
		}
	}
	now := tx.now()
	if existing, ok := tx.state.bids[bid.ID]; ok {
		bid.CreatedAt = existing.CreatedAt
	} else {
		bid.CreatedAt = now
	}
	bid.UpdatedAt = now
	tx.state.bids[bid.ID] = *bid
	return nil
}

func (tx *storeTx) ListActiveBids(ctx context.Context, auctionID uuid.UUID) ([]models.Bid, error) {
	return tx.state.activeBids(auctionID), nil
}

func (tx *storeTx) UpdateBidsStatus(ctx context.Context, ids []uuid.UUID, status models.BidStatus) error {
	now := tx.now()
	for _, id := range ids {
		b, ok := tx.state.bids[id]
		if !ok {
			return fmt.Errorf("bid %s not found", id)
		}
		b.Status = status
		b.UpdatedAt = now
		tx.state.bids[id] = b
	}
	return nil
}

func (tx *storeTx) AvailableGifts(ctx context.Context, auctionID uuid.UUID, limit int) ([]models.Gift, error) {
	out := lo.Filter(lo.Values(tx.state.gifts), func(g models.Gift, _ int) bool {
		return g.AuctionID == auctionID && g.Status == models.GiftStatusAvailable
	})
	slices.SortFunc(out, func(a, b models.Gift) int {
		return a.SerialNumber - b.SerialNumber
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *storeTx) SaveGift(ctx context.Context, gift *models.Gift) error {
	if _, ok := tx.state.gifts[gift.ID]; !ok {
		return fmt.Errorf("gift %s not found", gift.ID)
	}
	gift.UpdatedAt = tx.now()
	tx.state.gifts[gift.ID] = *gift
	return nil
}

func (tx *storeTx) AppendTransactions(ctx context.Context, entries ...models.Transaction) error {
	now := tx.now()
	for _, t := range entries {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.CreatedAt = now
		tx.appended = append(tx.appended, t)
	}
	return nil
}
