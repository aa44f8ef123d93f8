package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
)

// Columns of a coupon definition file. Only code, discount_type,
// discount_value, valid_from and valid_until are required.
const (
	colCode          = "code"
	colDescription   = "description"
	colDiscountType  = "discount_type"
	colDiscountValue = "discount_value"
	colMinPurchase   = "min_purchase"
	colMaxDiscount   = "max_discount"
	colScopeKind     = "scope_kind"
	colScopeTarget   = "scope_target"
	colValidFrom     = "valid_from"
	colValidUntil    = "valid_until"
	colUsageLimit    = "usage_limit"
	colActive        = "active"
)

var requiredColumns = []string{colCode, colDiscountType, colDiscountValue, colValidFrom, colValidUntil}

// header maps column names to record positions.
type header map[string]int

func parseHeader(record []string) (header, error) {
	h := make(header, len(record))
	for i, name := range record {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := h[col]; !ok {
			return nil, errors.Errorf("missing column %q", col)
		}
	}
	return h, nil
}

func (h header) get(record []string, col string) string {
	i, ok := h[col]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// code returns the normalized code of record.
func (h header) code(record []string) string {
	return coupon.NormalizeCode(h.get(record, colCode))
}

// definition parses record. An empty or "unlimited" usage_limit means no
// limit; an empty active column means active.
func (h header) definition(record []string) (coupon.Definition, error) {
	def := coupon.Definition{
		Code:         h.code(record),
		Description:  h.get(record, colDescription),
		DiscountType: coupon.DiscountType(strings.ToLower(h.get(record, colDiscountType))),
		Active:       true,
	}

	var err error
	if def.DiscountValue, err = decimal.NewFromString(h.get(record, colDiscountValue)); err != nil {
		return def, errors.Wrap(err, colDiscountValue)
	}
	if v := h.get(record, colMinPurchase); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return def, errors.Wrap(err, colMinPurchase)
		}
		def.MinPurchase = money.Amount(n)
	}
	if v := h.get(record, colMaxDiscount); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return def, errors.Wrap(err, colMaxDiscount)
		}
		capAmount := money.Amount(n)
		def.MaxDiscount = &capAmount
	}

	kind, err := coupon.ParseScopeKind(strings.ToLower(h.get(record, colScopeKind)))
	if err != nil {
		return def, errors.Wrap(err, colScopeKind)
	}
	if def.Scope, err = coupon.NewScope(kind, h.get(record, colScopeTarget)); err != nil {
		return def, err
	}

	if def.ValidFrom, err = time.Parse(time.RFC3339, h.get(record, colValidFrom)); err != nil {
		return def, errors.Wrap(err, colValidFrom)
	}
	if def.ValidUntil, err = time.Parse(time.RFC3339, h.get(record, colValidUntil)); err != nil {
		return def, errors.Wrap(err, colValidUntil)
	}

	switch v := strings.ToLower(h.get(record, colUsageLimit)); v {
	case "", "unlimited":
		def.Unlimited = true
	default:
		if def.UsageLimit, err = strconv.Atoi(v); err != nil {
			return def, errors.Wrap(err, colUsageLimit)
		}
	}

	if v := h.get(record, colActive); v != "" {
		if def.Active, err = strconv.ParseBool(v); err != nil {
			return def, errors.Wrap(err, colActive)
		}
	}
	return def, nil
}
