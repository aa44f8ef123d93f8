package coupon

import (
	"github.com/go-faster/errors"
)

// ScopeKind tags the variant held by a Scope.
type ScopeKind uint8

const (
	ScopeUnscoped ScopeKind = iota
	ScopeCategory
	ScopeProduct
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeUnscoped:
		return "none"
	case ScopeCategory:
		return "category"
	case ScopeProduct:
		return "product"
	default:
		return "unknown"
	}
}

// ParseScopeKind is the inverse of ScopeKind.String.
func ParseScopeKind(s string) (ScopeKind, error) {
	switch s {
	case "", "none":
		return ScopeUnscoped, nil
	case "category":
		return ScopeCategory, nil
	case "product":
		return ScopeProduct, nil
	default:
		return 0, errors.Errorf("unknown scope kind %q", s)
	}
}

// Scope restricts a coupon to part of the cart. The zero value is unscoped.
// Exactly one variant is held; construct with Unscoped, CategoryScope or
// ProductScope.
type Scope struct {
	kind   ScopeKind
	target string
}

// Unscoped matches every cart.
func Unscoped() Scope { return Scope{} }

// CategoryScope matches carts with at least one line in category.
func CategoryScope(category string) Scope {
	return Scope{kind: ScopeCategory, target: category}
}

// ProductScope matches carts containing productID.
func ProductScope(productID string) Scope {
	return Scope{kind: ScopeProduct, target: productID}
}

// NewScope builds a scope from its stored kind and target.
func NewScope(kind ScopeKind, target string) (Scope, error) {
	switch kind {
	case ScopeUnscoped:
		return Unscoped(), nil
	case ScopeCategory, ScopeProduct:
		if target == "" {
			return Scope{}, &ConfigError{Field: "scope", Reason: kind.String() + " scope needs a target"}
		}
		return Scope{kind: kind, target: target}, nil
	default:
		return Scope{}, &ConfigError{Field: "scope", Reason: "unknown scope kind"}
	}
}

func (s Scope) Kind() ScopeKind { return s.kind }

// Target is the category or product id; empty for unscoped coupons.
func (s Scope) Target() string { return s.target }

// Matches reports whether the cart satisfies the scope.
func (s Scope) Matches(items []LineItem) bool {
	switch s.kind {
	case ScopeUnscoped:
		return true
	case ScopeCategory:
		for _, item := range items {
			if item.Category == s.target && item.Quantity > 0 {
				return true
			}
		}
		return false
	case ScopeProduct:
		for _, item := range items {
			if item.ProductID == s.target && item.Quantity > 0 {
				return true
			}
		}
		return false
	default:
		return false
	}
}
