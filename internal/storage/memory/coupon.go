// Package memory implements the coupon and order stores in process memory.
// Every operation runs under one mutex, which makes the conditional
// reserve linearizable within the process. It backs tests and local runs;
// multi-instance deployments use the postgres or redis stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
)

var _ coupon.Store = (*CouponStore)(nil)

type reservation struct {
	couponID string
	status   coupon.ReservationStatus
}

// CouponStore is an in-memory coupon.Store.
type CouponStore struct {
	mu           sync.Mutex
	byID         map[string]*coupon.Coupon
	byCode       map[string]string
	reservations map[string]*reservation
}

// NewCouponStore returns an empty CouponStore.
func NewCouponStore() *CouponStore {
	return &CouponStore{
		byID:         make(map[string]*coupon.Coupon),
		byCode:       make(map[string]string),
		reservations: make(map[string]*reservation),
	}
}

func clone(c *coupon.Coupon) *coupon.Coupon {
	cp := *c
	if c.MaxDiscount != nil {
		v := *c.MaxDiscount
		cp.MaxDiscount = &v
	}
	return &cp
}

func (s *CouponStore) FindByCode(_ context.Context, code string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byCode[coupon.NormalizeCode(code)]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *CouponStore) FindByID(_ context.Context, id string) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	return clone(c), nil
}

func (s *CouponStore) Reserve(_ context.Context, couponID, orderID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[couponID]
	if !ok {
		return coupon.ErrNotFound
	}
	r, ok := s.reservations[orderID]
	if ok {
		if r.couponID != couponID {
			return coupon.ErrConflict
		}
		switch r.status {
		case coupon.ReservationReserved:
			return nil
		case coupon.ReservationCommitted:
			return coupon.ErrConflict
		}
	}

	if !c.Unlimited && c.TimesUsed >= c.UsageLimit {
		return coupon.ErrUsageExhausted
	}
	c.TimesUsed++
	s.reservations[orderID] = &reservation{couponID: couponID, status: coupon.ReservationReserved}
	return nil
}

func (s *CouponStore) Release(_ context.Context, couponID, orderID string, _ time.Time) (coupon.ReleaseOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok || r.couponID != couponID || r.status == coupon.ReservationReleased {
		return coupon.NoOpAlreadyReleased, nil
	}
	if r.status == coupon.ReservationCommitted {
		return 0, coupon.ErrConflict
	}

	r.status = coupon.ReservationReleased
	if c, ok := s.byID[couponID]; ok && c.TimesUsed > 0 {
		c.TimesUsed--
	}
	return coupon.Released, nil
}

func (s *CouponStore) Finalize(_ context.Context, couponID, orderID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[orderID]
	if !ok || r.couponID != couponID || r.status == coupon.ReservationReleased {
		return coupon.ErrConflict
	}
	r.status = coupon.ReservationCommitted
	return nil
}

func (s *CouponStore) Create(_ context.Context, c *coupon.Coupon) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := coupon.NormalizeCode(c.Code)
	if _, ok := s.byCode[code]; ok {
		return coupon.ErrCodeTaken
	}
	stored := clone(c)
	stored.Code = code
	s.byID[c.ID] = stored
	s.byCode[code] = c.ID
	return nil
}

func (s *CouponStore) Update(_ context.Context, id string, def coupon.Definition, at time.Time) (*coupon.Coupon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, coupon.ErrNotFound
	}
	if !def.Unlimited && def.UsageLimit < c.TimesUsed {
		return nil, coupon.ErrLimitBelowUsage
	}
	def.Code = c.Code
	c.Definition = def
	c.UpdatedAt = at
	return clone(c), nil
}

func (s *CouponStore) SetActive(_ context.Context, id string, active bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return coupon.ErrNotFound
	}
	c.Active = active
	c.UpdatedAt = at
	return nil
}

func (s *CouponStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return coupon.ErrNotFound
	}
	delete(s.byCode, c.Code)
	delete(s.byID, id)
	for orderID, r := range s.reservations {
		if r.couponID == id {
			delete(s.reservations, orderID)
		}
	}
	return nil
}

func (s *CouponStore) List(_ context.Context) ([]coupon.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]coupon.Listing, 0, len(s.byID))
	for _, c := range s.byID {
		list = append(list, coupon.Listing{Code: c.Code, Active: c.Active})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Code < list[j].Code })
	return list, nil
}
