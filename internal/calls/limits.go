package calls

import (
	"context"
	"time"

	"collections-dialer/pkg/logger"
	"collections-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// LiveCalls caps concurrent non-terminal calls per campaign. A nil receiver,
// nil client or Limit <= 0 disables the cap.
type LiveCalls struct {
	rdb   redis.Cmdable
	Limit int
	// TTL bounds a leaked slot if a terminal callback never arrives.
	TTL time.Duration
}

func NewLiveCalls(rdb redis.Cmdable, limit int, ttl time.Duration) *LiveCalls {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &LiveCalls{rdb: rdb, Limit: limit, TTL: ttl}
}

func liveCallsKey(campaignID string) string { return "dialer:live_calls:" + campaignID }

func (l *LiveCalls) enabled() bool { return l != nil && l.rdb != nil && l.Limit > 0 }

func (l *LiveCalls) Acquire(ctx context.Context, campaignID string) (bool, error) {
	if !l.enabled() {
		return true, nil
	}
	return utils.AcquireSlot(ctx, l.rdb, liveCallsKey(campaignID), l.Limit, l.TTL)
}

func (l *LiveCalls) Release(ctx context.Context, campaignID string) {
	if !l.enabled() {
		return
	}
	if err := utils.ReleaseSlot(ctx, l.rdb, liveCallsKey(campaignID)); err != nil {
		logger.From(ctx).Warn("live call slot release failed", "campaign_id", campaignID, "err", err)
	}
}

// FailureStreak counts consecutive carrier rejections per campaign.
type FailureStreak struct {
	rdb redis.Cmdable
	// Threshold trips the streak; <= 0 disables it.
	Threshold int
	TTL       time.Duration
}

func NewFailureStreak(rdb redis.Cmdable, threshold int, ttl time.Duration) *FailureStreak {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &FailureStreak{rdb: rdb, Threshold: threshold, TTL: ttl}
}

func streakKey(campaignID string) string { return "dialer:carrier_failures:" + campaignID }

func (f *FailureStreak) enabled() bool { return f != nil && f.rdb != nil && f.Threshold > 0 }

// Fail records a rejection and reports whether the threshold was reached.
func (f *FailureStreak) Fail(ctx context.Context, campaignID string) (bool, error) {
	if !f.enabled() {
		return false, nil
	}
	n, err := utils.IncrStreak(ctx, f.rdb, streakKey(campaignID), f.TTL)
	if err != nil {
		return false, err
	}
	return n >= f.Threshold, nil
}

func (f *FailureStreak) Reset(ctx context.Context, campaignID string) {
	if !f.enabled() {
		return
	}
	if err := f.rdb.Del(ctx, streakKey(campaignID)).Err(); err != nil {
		logger.From(ctx).Warn("carrier failure streak reset failed", "campaign_id", campaignID, "err", err)
	}
}
