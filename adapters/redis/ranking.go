package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"giftauction/engine"
)

// AdmitScript 在門檻檢查通過時寫入出價
//
//	KEYS[1] - 排行榜
//	ARGV[1] - 出價者 ID
//	ARGV[2] - 出價總額
//	ARGV[3] - 名額 (giftCount)
//	ARGV[4] - 名額未滿時的最低價
//
// 返回值: {是否入榜 (1/0), 判斷時的門檻}
//
// 流程:
//   - 1. 參與人數少於名額時門檻為最低價
//   - 2. 否則門檻為第 giftCount 名的分數加 1
//   - 3a. 出價低於門檻，不寫入
//   - 3b. 否則以 ZADD 寫入或更新分數
var AdmitScript = redis.NewScript(`
local threshold = tonumber(ARGV[4])
local gift_count = tonumber(ARGV[3])

if redis.call('ZCARD', KEYS[1]) >= gift_count then
    local cutoff = redis.call('ZREVRANGE', KEYS[1], gift_count - 1, gift_count - 1, 'WITHSCORES')
    if #cutoff == 2 then
        threshold = tonumber(cutoff[2]) + 1
    end
end

if tonumber(ARGV[2]) < threshold then
    return {0, threshold}
end

redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return {1, threshold}
`)

// ReplaceScript 以新的分數取代整份排行榜
//
//	KEYS[1] - 排行榜
//	ARGV    - 依序為 分數, 成員, 分數, 成員...
//
// 返回值: 寫入的成員數
var ReplaceScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
for i = 1, #ARGV, 2 do
    redis.call('ZADD', KEYS[1], ARGV[i], ARGV[i + 1])
end
return #ARGV / 2
`)

// Ranking 以 Redis sorted set 實作的排行榜
type Ranking struct {
	client *redis.Client
	prefix string
}

type RankingOption func(*Ranking)

// WithRankingPrefix 設置排行榜的鍵前綴
func WithRankingPrefix(prefix string) RankingOption {
	return func(r *Ranking) {
		r.prefix = prefix
	}
}

func NewRanking(client *redis.Client, opts ...RankingOption) (*Ranking, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	r := &Ranking{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Ranking) key(auctionID uuid.UUID) string {
	return fmt.Sprintf("%sauction:%s:leaderboard", r.prefix, auctionID)
}

func (r *Ranking) Admit(ctx context.Context, auctionID, userID uuid.UUID, amount int64, giftCount int, defaultPrice int64) (engine.Admission, error) {
	const op = "RankingAdmit"

	result, err := AdmitScript.Run(ctx, r.client,
		[]string{r.key(auctionID)},
		userID.String(), amount, giftCount, defaultPrice,
	).Int64Slice()
	if err != nil {
		return engine.Admission{}, fmt.Errorf("[%s] Fail to run admit script, err=%w", op, err)
	}
	if len(result) != 2 {
		return engine.Admission{}, fmt.Errorf("[%s] Fail to parse admit script result, result=%v", op, result)
	}
	return engine.Admission{Admitted: result[0] == 1, Threshold: result[1]}, nil
}

func (r *Ranking) Set(ctx context.Context, auctionID, userID uuid.UUID, amount int64) error {
	const op = "RankingSet"

	if err := r.client.ZAdd(ctx, r.key(auctionID), redis.Z{Score: float64(amount), Member: userID.String()}).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to set score, err=%w", op, err)
	}
	return nil
}

func (r *Ranking) Remove(ctx context.Context, auctionID uuid.UUID, userIDs ...uuid.UUID) error {
	const op = "RankingRemove"

	if len(userIDs) == 0 {
		return nil
	}
	members := lo.Map(userIDs, func(id uuid.UUID, _ int) any { return id.String() })
	if err := r.client.ZRem(ctx, r.key(auctionID), members...).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to remove members, err=%w", op, err)
	}
	return nil
}

func (r *Ranking) MinEntryPrice(ctx context.Context, auctionID uuid.UUID, giftCount int, defaultPrice int64) (int64, error) {
	const op = "RankingMinEntryPrice"

	if giftCount <= 0 {
		return defaultPrice, nil
	}
	cutoff, err := r.client.ZRevRangeWithScores(ctx, r.key(auctionID), int64(giftCount-1), int64(giftCount-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to read cutoff, err=%w", op, err)
	}
	// 第 giftCount 名不存在代表名額未滿
	if len(cutoff) == 0 {
		return defaultPrice, nil
	}
	return int64(cutoff[0].Score) + 1, nil
}

func (r *Ranking) IsWithinTop(ctx context.Context, auctionID, userID uuid.UUID, giftCount int) (bool, error) {
	rank, err := r.Rank(ctx, auctionID, userID)
	if err != nil {
		return false, err
	}
	return rank > 0 && rank <= giftCount, nil
}

func (r *Ranking) Rank(ctx context.Context, auctionID, userID uuid.UUID) (int, error) {
	const op = "RankingRank"

	rank, err := r.client.ZRevRank(ctx, r.key(auctionID), userID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("[%s] Fail to read rank, err=%w", op, err)
	}
	return int(rank) + 1, nil
}

func (r *Ranking) Top(ctx context.Context, auctionID uuid.UUID, limit int) ([]engine.RankEntry, error) {
	const op = "RankingTop"

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := r.client.ZRevRangeWithScores(ctx, r.key(auctionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to read ranking, err=%w", op, err)
	}

	entries := make([]engine.RankEntry, 0, len(members))
	for _, m := range members {
		member, _ := m.Member.(string)
		userID, err := uuid.Parse(member)
		if err != nil {
			return nil, fmt.Errorf("[%s] Fail to parse member, member=%v, err=%w", op, m.Member, err)
		}
		entries = append(entries, engine.RankEntry{UserID: userID, Amount: int64(m.Score)})
	}
	return entries, nil
}

func (r *Ranking) Count(ctx context.Context, auctionID uuid.UUID) (int64, error) {
	const op = "RankingCount"

	count, err := r.client.ZCard(ctx, r.key(auctionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("[%s] Fail to count members, err=%w", op, err)
	}
	return count, nil
}

func (r *Ranking) Clear(ctx context.Context, auctionID uuid.UUID) error {
	const op = "RankingClear"

	if err := r.client.Del(ctx, r.key(auctionID)).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to delete ranking, err=%w", op, err)
	}
	return nil
}

func (r *Ranking) Replace(ctx context.Context, auctionID uuid.UUID, entries []engine.RankEntry) error {
	const op = "RankingReplace"

	args := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		args = append(args, strconv.FormatInt(e.Amount, 10), e.UserID.String())
	}
	if err := ReplaceScript.Run(ctx, r.client, []string{r.key(auctionID)}, args...).Err(); err != nil {
		return fmt.Errorf("[%s] Fail to run replace script, err=%w", op, err)
	}
	return nil
}
