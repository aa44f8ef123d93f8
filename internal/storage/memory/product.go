package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xenking/kart-coupons/internal/domain/product"
)

var _ product.Repository = (*ProductStore)(nil)

// ProductStore is an in-memory product.Repository seeded at construction.
type ProductStore struct {
	mu       sync.RWMutex
	products map[string]product.Product
}

// NewProductStore returns a ProductStore holding the given products.
func NewProductStore(products ...product.Product) *ProductStore {
	s := &ProductStore{products: make(map[string]product.Product, len(products))}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

// Put adds or replaces a product.
func (s *ProductStore) Put(p product.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *ProductStore) List(_ context.Context) ([]product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]product.Product, 0, len(s.products))
	for _, p := range s.products {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *ProductStore) GetByID(_ context.Context, id string) (*product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns the known products among ids. Unknown ids are skipped.
func (s *ProductStore) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]product.Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := s.products[id]; ok {
			list = append(list, p)
		}
	}
	return list, nil
}
