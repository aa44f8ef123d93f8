package product

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-coupons/internal/money"
)

// ErrNotFound is returned when a requested product does not exist.
var ErrNotFound = errors.New("product not found")

// Product is a catalog item as seen by checkout: its price and the category
// used for coupon scope matching.
type Product struct {
	ID       string
	Name     string
	Price    money.Amount
	Category string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	List(ctx context.Context) ([]Product, error)
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
}
