package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-coupons/internal/domain/product"
	"github.com/xenking/kart-coupons/internal/money"
)

const (
	listProductsSQL     = `SELECT id, name, price, category FROM products ORDER BY id`
	getProductByIDSQL   = `SELECT id, name, price, category FROM products WHERE id = $1`
	getProductsByIDsSQL = `SELECT id, name, price, category FROM products WHERE id = ANY($1)`
	upsertProductSQL    = `INSERT INTO products (id, name, price, category) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, category = EXCLUDED.category`
)

var _ product.Repository = (*ProductStore)(nil)

// ProductStore implements product.Repository backed by PostgreSQL.
type ProductStore struct {
	pool *pgxpool.Pool
}

// NewProductStore returns a ProductStore that uses the given pool.
func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

func (r *ProductStore) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, wrapTransient(err, "listing products")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, wrapTransient(err, "scanning products")
	}
	return products, nil
}

func (r *ProductStore) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, wrapTransient(err, fmt.Sprintf("getting product %q", id))
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, wrapTransient(err, fmt.Sprintf("getting product %q", id))
	}
	return &p, nil
}

// GetByIDs returns the products matching ids. Unknown ids are skipped.
func (r *ProductStore) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, wrapTransient(err, "getting products")
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, wrapTransient(err, "scanning products")
	}
	return products, nil
}

// Upsert inserts or replaces products in one batch.
func (r *ProductStore) Upsert(ctx context.Context, products ...product.Product) error {
	batch := &pgx.Batch{}
	for _, p := range products {
		batch.Queue(upsertProductSQL, p.ID, p.Name, int64(p.Price), p.Category)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrapTransient(err, "upserting products")
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p     product.Product
		price int64
	)
	err := row.Scan(&p.ID, &p.Name, &price, &p.Category)
	p.Price = money.Amount(price)
	return p, err
}
