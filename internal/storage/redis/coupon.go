// Package redis implements coupon.Store on Redis. Every state change runs
// as one Lua script, so the usage check and the counter write cannot
// interleave with another instance's reserve.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

var _ coupon.Store = (*CouponStore)(nil)

// DefaultPrefix keeps every key in one hash slot so the scripts also run
// on Redis Cluster.
const DefaultPrefix = "{coupons}"

// CouponStore implements coupon.Store backed by Redis.
type CouponStore struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewCouponStore returns a CouponStore using rdb. An empty prefix selects
// DefaultPrefix.
func NewCouponStore(rdb goredis.UniversalClient, prefix string) *CouponStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &CouponStore{rdb: rdb, prefix: prefix}
}

// Key layout:
//
//	{coupons}:coupon:<id>         hash of coupon fields
//	{coupons}:coupon:<id>:orders  set of order ids that reserved the coupon
//	{coupons}:code:<CODE>         coupon id
//	{coupons}:index               set of coupon ids
//	{coupons}:reservations        hash order id -> "<coupon id>:<status>"
func (s *CouponStore) couponKey(id string) string { return s.prefix + ":coupon:" + id }

func (s *CouponStore) ordersKey(id string) string { return s.prefix + ":coupon:" + id + ":orders" }

func (s *CouponStore) codeKey(code string) string {
	return s.prefix + ":code:" + coupon.NormalizeCode(code)
}

func (s *CouponStore) indexKey() string { return s.prefix + ":index" }

func (s *CouponStore) reservationsKey() string { return s.prefix + ":reservations" }

// wrap marks everything but Redis error replies as transient.
func wrap(err error, msg string) error {
	var reply goredis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, coupon.ErrStorageUnavailable, err)
}

func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	id, err := s.rdb.Get(ctx, s.codeKey(code)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, coupon.ErrNotFound
		}
		return nil, wrap(err, "get coupon code")
	}
	return s.FindByID(ctx, id)
}

func (s *CouponStore) FindByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	fields, err := s.rdb.HGetAll(ctx, s.couponKey(id)).Result()
	if err != nil {
		return nil, wrap(err, "get coupon")
	}
	if len(fields) == 0 {
		return nil, coupon.ErrNotFound
	}
	c, err := decodeCoupon(id, fields)
	if err != nil {
		return nil, errors.Wrapf(err, "decode coupon %s", id)
	}
	return c, nil
}

func (s *CouponStore) Reserve(ctx context.Context, couponID, orderID string, _ time.Time) error {
	res, err := reserveScript.Run(ctx, s.rdb,
		[]string{s.couponKey(couponID), s.reservationsKey(), s.ordersKey(couponID)},
		couponID, orderID,
	).Int64()
	if err != nil {
		return wrap(err, "reserve coupon")
	}
	switch res {
	case resultOK:
		return nil
	case resultNotFound:
		return coupon.ErrNotFound
	case resultExhausted:
		return coupon.ErrUsageExhausted
	case resultConflict:
		return coupon.ErrConflict
	default:
		return errors.Errorf("unexpected reserve result %d", res)
	}
}

func (s *CouponStore) Release(ctx context.Context, couponID, orderID string, _ time.Time) (coupon.ReleaseOutcome, error) {
	res, err := releaseScript.Run(ctx, s.rdb,
		[]string{s.couponKey(couponID), s.reservationsKey()},
		couponID, orderID,
	).Int64()
	if err != nil {
		return 0, wrap(err, "release coupon")
	}
	switch res {
	case resultOK:
		return coupon.Released, nil
	case resultNoOp:
		return coupon.NoOpAlreadyReleased, nil
	case resultConflict:
		return 0, coupon.ErrConflict
	default:
		return 0, errors.Errorf("unexpected release result %d", res)
	}
}

func (s *CouponStore) Finalize(ctx context.Context, couponID, orderID string, _ time.Time) error {
	res, err := finalizeScript.Run(ctx, s.rdb, []string{s.reservationsKey()}, couponID, orderID).Int64()
	if err != nil {
		return wrap(err, "finalize coupon")
	}
	if res != resultOK {
		return coupon.ErrConflict
	}
	return nil
}

func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	stored := *c
	stored.Code = coupon.NormalizeCode(c.Code)
	stored.TimesUsed = 0

	args := append([]any{c.ID}, encodeCoupon(&stored)...)
	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.couponKey(c.ID), s.codeKey(stored.Code), s.indexKey()},
		args...,
	).Int64()
	if err != nil {
		return wrap(err, "create coupon")
	}
	if res == resultCodeTaken {
		return coupon.ErrCodeTaken
	}
	return nil
}

func (s *CouponStore) Update(ctx context.Context, id string, def coupon.Definition, at time.Time) (*coupon.Coupon, error) {
	args := []any{boolString(def.Unlimited), def.UsageLimit}
	args = append(args, encodeDefinition(def)...)
	args = append(args, "updated_at", at.UTC().Format(time.RFC3339Nano))

	res, err := updateScript.Run(ctx, s.rdb, []string{s.couponKey(id)}, args...).Int64()
	if err != nil {
		return nil, wrap(err, "update coupon")
	}
	switch res {
	case resultOK:
		return s.FindByID(ctx, id)
	case resultNotFound:
		return nil, coupon.ErrNotFound
	case resultBelowUsage:
		return nil, coupon.ErrLimitBelowUsage
	default:
		return nil, errors.Errorf("unexpected update result %d", res)
	}
}

func (s *CouponStore) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	res, err := setActiveScript.Run(ctx, s.rdb, []string{s.couponKey(id)},
		boolString(active), at.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return wrap(err, "set coupon active")
	}
	if res == resultNotFound {
		return coupon.ErrNotFound
	}
	return nil
}

func (s *CouponStore) Delete(ctx context.Context, id string) error {
	code, err := s.rdb.HGet(ctx, s.couponKey(id), "code").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return coupon.ErrNotFound
		}
		return wrap(err, "get coupon code")
	}

	res, err := deleteScript.Run(ctx, s.rdb, []string{
		s.couponKey(id), s.codeKey(code), s.ordersKey(id), s.reservationsKey(), s.indexKey(),
	}, id).Int64()
	if err != nil {
		return wrap(err, "delete coupon")
	}
	if res == resultNotFound {
		return coupon.ErrNotFound
	}
	return nil
}

func (s *CouponStore) List(ctx context.Context) ([]coupon.Listing, error) {
	ids, err := s.rdb.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, wrap(err, "list coupon ids")
	}

	cmds := make([]*goredis.SliceCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.couponKey(id), "code", "active")
		}
		return nil
	})
	if err != nil {
		return nil, wrap(err, "list coupons")
	}

	list := make([]coupon.Listing, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		code, ok := vals[0].(string)
		if !ok {
			// Deleted between SMEMBERS and HMGET.
			continue
		}
		active, _ := vals[1].(string)
		list = append(list, coupon.Listing{Code: code, Active: active == "1"})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list, nil
}

// Ping checks that Redis answers.
func (s *CouponStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func encodeDefinition(def coupon.Definition) []any {
	maxDiscount := ""
	if def.MaxDiscount != nil {
		maxDiscount = strconv.FormatInt(int64(*def.MaxDiscount), 10)
	}
	return []any{
		"description", def.Description,
		"discount_type", string(def.DiscountType),
		"discount_value", def.DiscountValue.String(),
		"min_purchase", int64(def.MinPurchase),
		"max_discount", maxDiscount,
		"scope_kind", def.Scope.Kind().String(),
		"scope_target", def.Scope.Target(),
		"valid_from", def.ValidFrom.UTC().Format(time.RFC3339Nano),
		"valid_until", def.ValidUntil.UTC().Format(time.RFC3339Nano),
		"active", boolString(def.Active),
		"usage_limit", def.UsageLimit,
		"unlimited", boolString(def.Unlimited),
	}
}

func encodeCoupon(c *coupon.Coupon) []any {
	fields := []any{"code", c.Code}
	fields = append(fields, encodeDefinition(c.Definition)...)
	return append(fields,
		"times_used", c.TimesUsed,
		"created_at", c.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at", c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
}

func decodeCoupon(id string, f map[string]string) (*coupon.Coupon, error) {
	c := &coupon.Coupon{ID: id}
	c.Code = f["code"]
	c.Description = f["description"]
	c.DiscountType = coupon.DiscountType(f["discount_type"])
	c.Active = f["active"] == "1"
	c.Unlimited = f["unlimited"] == "1"

	var err error
	if c.DiscountValue, err = decimal.NewFromString(f["discount_value"]); err != nil {
		return nil, errors.Wrap(err, "discount_value")
	}

	var minPurchase, usageLimit, timesUsed int64
	for name, dst := range map[string]*int64{
		"min_purchase": &minPurchase,
		"usage_limit":  &usageLimit,
		"times_used":   &timesUsed,
	} {
		if *dst, err = strconv.ParseInt(f[name], 10, 64); err != nil {
			return nil, errors.Wrap(err, name)
		}
	}
	c.MinPurchase = money.Amount(minPurchase)
	c.UsageLimit = int(usageLimit)
	c.TimesUsed = int(timesUsed)

	if v := f["max_discount"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "max_discount")
		}
		md := money.Amount(n)
		c.MaxDiscount = &md
	}

	kind, err := coupon.ParseScopeKind(f["scope_kind"])
	if err != nil {
		return nil, err
	}
	if c.Scope, err = coupon.NewScope(kind, f["scope_target"]); err != nil {
		return nil, err
	}

	times := map[string]*time.Time{
		"valid_from":  &c.ValidFrom,
		"valid_until": &c.ValidUntil,
		"created_at":  &c.CreatedAt,
		"updated_at":  &c.UpdatedAt,
	}
	for name, dst := range times {
		if *dst, err = time.Parse(time.RFC3339Nano, f[name]); err != nil {
			return nil, errors.Wrap(err, name)
		}
	}
	return c, nil
}
