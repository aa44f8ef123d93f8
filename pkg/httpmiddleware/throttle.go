package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of a single Limiter.Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key. Implementations must be safe for
// concurrent use.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// KeyFunc extracts the throttling key from a request.
type KeyFunc func(*http.Request) string

// Throttle rejects requests over the limiter's budget with 429. Limiter
// failures are logged and the request is let through: throttling protects
// the code space from enumeration but must never take checkout down.
func Throttle(l Limiter, key KeyFunc) Middleware {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := l.Allow(r.Context(), key(r))
			if err != nil {
				zctx.From(r.Context()).Warn("Throttle check failed, allowing request", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				wait := max(time.Until(d.ResetAt), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys by the first X-Forwarded-For hop, then X-Real-IP, then the
// remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type window struct {
	prev      float64
	curr      float64
	currStart time.Time
}

// SlidingWindow is an in-process Limiter approximating a sliding window by
// weighting the previous fixed window by its remaining overlap.
type SlidingWindow struct {
	max    int
	period time.Duration
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// NewSlidingWindow allows max requests per key within any period.
func NewSlidingWindow(max int, period time.Duration) *SlidingWindow {
	return &SlidingWindow{
		max:    max,
		period: period,
		now:    time.Now,
		keys:   make(map[string]*window),
	}
}

// Allow implements Limiter.
func (s *SlidingWindow) Allow(_ context.Context, key string) (Decision, error) {
	now := s.now()
	start := now.Truncate(s.period)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.keys[key]
	switch {
	case !ok:
		w = &window{currStart: start}
		s.keys[key] = w
	case start.Sub(w.currStart) >= 2*s.period:
		*w = window{currStart: start}
	case start.After(w.currStart):
		*w = window{prev: w.curr, currStart: start}
	}

	overlap := 1 - float64(now.Sub(w.currStart))/float64(s.period)
	used := w.prev*overlap + w.curr

	d := Decision{Limit: s.max, ResetAt: w.currStart.Add(s.period)}
	if used >= float64(s.max) {
		return d, nil
	}
	w.curr++
	d.Allowed = true
	d.Remaining = max(int(float64(s.max)-used-1), 0)
	return d, nil
}

// Run evicts idle keys every two periods until ctx is done.
func (s *SlidingWindow) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict(s.now())
		}
	}
}

func (s *SlidingWindow) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, w := range s.keys {
		if now.Sub(w.currStart) >= 2*s.period {
			delete(s.keys, key)
		}
	}
}
