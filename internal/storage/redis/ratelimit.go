package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/kart-coupons/pkg/httpmiddleware"
)

var _ httpmiddleware.Limiter = (*RateLimiter)(nil)

// RateLimiter is a fixed-window httpmiddleware.Limiter shared by every
// instance of the service. Each window is one counter key that expires with
// the window.
type RateLimiter struct {
	rdb    goredis.UniversalClient
	prefix string
	max    int
	period time.Duration
	now    func() time.Time
}

// NewRateLimiter allows max requests per key and period. An empty prefix
// selects "ratelimit".
func NewRateLimiter(rdb goredis.UniversalClient, prefix string, max int, period time.Duration) *RateLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RateLimiter{rdb: rdb, prefix: prefix, max: max, period: period, now: time.Now}
}

// Allow implements httpmiddleware.Limiter.
func (l *RateLimiter) Allow(ctx context.Context, key string) (httpmiddleware.Decision, error) {
	start := l.now().Truncate(l.period)
	k := l.prefix + ":" + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *goredis.IntCmd
	if _, err := l.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.PExpire(ctx, k, l.period)
		return nil
	}); err != nil {
		return httpmiddleware.Decision{}, errors.Wrap(err, "count request")
	}

	n := int(incr.Val())
	return httpmiddleware.Decision{
		Allowed:   n <= l.max,
		Limit:     l.max,
		Remaining: max(l.max-n, 0),
		ResetAt:   start.Add(l.period),
	}, nil
}
