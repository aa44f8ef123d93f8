package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Coordinator reserves and releases coupon uses. It holds no usage state of
// its own: every call goes to the Ledger's atomic primitive, so any number of
// coordinators across processes can share one store.
type Coordinator struct {
	ledger Ledger
	now    func() time.Time

	reservations metric.Int64Counter
	releases     metric.Int64Counter
}

// NewCoordinator creates a Coordinator recording metrics on meter.
func NewCoordinator(ledger Ledger, meter metric.Meter) (*Coordinator, error) {
	reservations, err := meter.Int64Counter("coupon.reservations",
		metric.WithDescription("Coupon reserve attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "reservations counter")
	}
	releases, err := meter.Int64Counter("coupon.releases",
		metric.WithDescription("Coupon release calls by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "releases counter")
	}
	return &Coordinator{
		ledger:       ledger,
		now:          time.Now,
		reservations: reservations,
		releases:     releases,
	}, nil
}

// Reserve claims one use of couponID for orderID. It returns nil when the
// slot is held, ErrUsageExhausted when another caller took the last one, and
// ErrStorageUnavailable on transient failures. Exhaustion is never retried
// here: the caller must re-validate first.
func (c *Coordinator) Reserve(ctx context.Context, couponID, orderID string) error {
	if couponID == "" || orderID == "" {
		return errors.New("coupon id and order id are required")
	}
	lg := zctx.From(ctx).With(zap.String("coupon_id", couponID), zap.String("order_id", orderID))

	err := c.ledger.Reserve(ctx, couponID, orderID, c.now())
	c.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
	if err != nil {
		if errors.Is(err, ErrUsageExhausted) {
			lg.Info("Coupon reservation lost the race")
			return ErrUsageExhausted
		}
		lg.Warn("Coupon reservation failed", zap.Error(err))
		return errors.Wrap(err, "reserve coupon")
	}

	lg.Debug("Coupon reserved")
	return nil
}

// Release gives back the use reserved for orderID. Calling it again for the
// same order, or for an order that never reserved, is a no-op.
func (c *Coordinator) Release(ctx context.Context, couponID, orderID string) (ReleaseOutcome, error) {
	if couponID == "" || orderID == "" {
		return 0, errors.New("coupon id and order id are required")
	}
	lg := zctx.From(ctx).With(zap.String("coupon_id", couponID), zap.String("order_id", orderID))

	res, err := c.ledger.Release(ctx, couponID, orderID, c.now())
	if err != nil {
		c.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(err))))
		lg.Warn("Coupon release failed", zap.Error(err))
		return 0, errors.Wrap(err, "release coupon")
	}

	c.releases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", res.String())))
	lg.Info("Coupon reservation released", zap.Stringer("outcome", res))
	return res, nil
}

// Finalize commits the reservation held by orderID once the order is
// committed. After Finalize, Release for the order returns ErrConflict.
func (c *Coordinator) Finalize(ctx context.Context, couponID, orderID string) error {
	if couponID == "" || orderID == "" {
		return errors.New("coupon id and order id are required")
	}
	if err := c.ledger.Finalize(ctx, couponID, orderID, c.now()); err != nil {
		return errors.Wrap(err, "finalize coupon")
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, ErrUsageExhausted):
		return "exhausted"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
