package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"giftauction/engine"
)

// Ranking 以記憶體實作的排行榜
// 排序與 Redis ZREVRANGE 相同: 分數由高到低，同分時成員字串由大到小
type Ranking struct {
	mu     sync.RWMutex
	boards map[uuid.UUID][]engine.RankEntry
}

func NewRanking() *Ranking {
	return &Ranking{boards: map[uuid.UUID][]engine.RankEntry{}}
}

func less(a, b engine.RankEntry) bool {
	if a.Amount != b.Amount {
		return a.Amount > b.Amount
	}
	return strings.Compare(a.UserID.String(), b.UserID.String()) > 0
}

func compare(a, b engine.RankEntry) int {
	switch {
	case less(a, b):
		return -1
	case less(b, a):
		return 1
	}
	return 0
}

func (r *Ranking) indexOf(board []engine.RankEntry, userID uuid.UUID) int {
	return slices.IndexFunc(board, func(e engine.RankEntry) bool { return e.UserID == userID })
}

// set 需要持有寫鎖
func (r *Ranking) set(auctionID, userID uuid.UUID, amount int64) {
	board := r.boards[auctionID]
	if i := r.indexOf(board, userID); i >= 0 {
		board = slices.Delete(board, i, i+1)
	}
	entry := engine.RankEntry{UserID: userID, Amount: amount}
	pos := sort.Search(len(board), func(i int) bool { return !less(board[i], entry) })
	r.boards[auctionID] = slices.Insert(board, pos, entry)
}

// threshold 需要持有讀鎖
func (r *Ranking) threshold(auctionID uuid.UUID, giftCount int, defaultPrice int64) int64 {
	board := r.boards[auctionID]
	if giftCount <= 0 || len(board) < giftCount {
		return defaultPrice
	}
	return board[giftCount-1].Amount + 1
}

func (r *Ranking) Admit(ctx context.Context, auctionID, userID uuid.UUID, amount int64, giftCount int, defaultPrice int64) (engine.Admission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := r.threshold(auctionID, giftCount, defaultPrice)
	if amount < threshold {
		return engine.Admission{Threshold: threshold}, nil
	}
	r.set(auctionID, userID, amount)
	return engine.Admission{Admitted: true, Threshold: threshold}, nil
}

func (r *Ranking) Set(ctx context.Context, auctionID, userID uuid.UUID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.set(auctionID, userID, amount)
	return nil
}

func (r *Ranking) Remove(ctx context.Context, auctionID uuid.UUID, userIDs ...uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	board := slices.DeleteFunc(r.boards[auctionID], func(e engine.RankEntry) bool {
		return slices.Contains(userIDs, e.UserID)
	})
	if len(board) == 0 {
		delete(r.boards, auctionID)
		return nil
	}
	r.boards[auctionID] = board
	return nil
}

func (r *Ranking) MinEntryPrice(ctx context.Context, auctionID uuid.UUID, giftCount int, defaultPrice int64) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.threshold(auctionID, giftCount, defaultPrice), nil
}

func (r *Ranking) IsWithinTop(ctx context.Context, auctionID, userID uuid.UUID, giftCount int) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := r.indexOf(r.boards[auctionID], userID)
	return i >= 0 && i < giftCount, nil
}

func (r *Ranking) Rank(ctx context.Context, auctionID, userID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.indexOf(r.boards[auctionID], userID) + 1, nil
}

func (r *Ranking) Top(ctx context.Context, auctionID uuid.UUID, limit int) ([]engine.RankEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	board := r.boards[auctionID]
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	return slices.Clone(board), nil
}

func (r *Ranking) Count(ctx context.Context, auctionID uuid.UUID) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return int64(len(r.boards[auctionID])), nil
}

func (r *Ranking) Clear(ctx context.Context, auctionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.boards, auctionID)
	return nil
}

func (r *Ranking) Replace(ctx context.Context, auctionID uuid.UUID, entries []engine.RankEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// 同一位使用者出現多次時以最後一筆為準
	latest := make(map[uuid.UUID]int64, len(entries))
	for _, e := range entries {
		latest[e.UserID] = e.Amount
	}
	board := make([]engine.RankEntry, 0, len(latest))
	for userID, amount := range latest {
		board = append(board, engine.RankEntry{UserID: userID, Amount: amount})
	}
	slices.SortFunc(board, compare)
	if len(board) == 0 {
		delete(r.boards, auctionID)
		return nil
	}
	r.boards[auctionID] = board
	return nil
}
