package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
	"github.com/xenking/kart-coupons/internal/money"
	"github.com/xenking/kart-coupons/internal/storage/memory"
)

const csvHeader = "code,description,discount_type,discount_value,min_purchase,max_discount,scope_kind,scope_target,valid_from,valid_until,usage_limit\n"

const window = "2025-01-01T00:00:00Z,2026-01-01T00:00:00Z"

func writeGz(t *testing.T, dir, name string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(csvHeader + strings.Join(rows, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return path
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeGz(t, dir, "a.csv.gz",
			"SAVE20,20% off,percentage,20,1000,500,,,"+window+",100",
			"SHARED,across files,fixed,100,,,,,"+window+",",
			"TWICE,first,fixed,100,,,,,"+window+",5",
			"TWICE,second,fixed,200,,,,,"+window+",5",
			"BROKEN,bad value,percentage,abc,,,,,"+window+",5",
		),
		writeGz(t, dir, "b.csv.gz",
			"SHARED,again,fixed,50,,,,,"+window+",",
			"SHOES5,shoes only,fixed,500,,,category,shoes,"+window+",unlimited",
			"TOOBIG,150 percent,percentage,150,,,,,"+window+",5",
		),
	}

	store := memory.NewCouponStore()
	st, err := ingest(context.Background(), files, coupon.NewAdmin(store), options{Expected: 1000, FPR: 0.01, Workers: 4})
	require.NoError(t, err)

	assert.Equal(t, int64(8), st.Rows.Load())
	assert.Equal(t, int64(2), st.Created.Load())
	assert.Equal(t, int64(4), st.Duplicates.Load())
	assert.Equal(t, int64(2), st.Invalid.Load())

	ctx := context.Background()
	save, err := store.FindByCode(ctx, "save20")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(20).Equal(save.DiscountValue))
	assert.Equal(t, money.Amount(1000), save.MinPurchase)
	require.NotNil(t, save.MaxDiscount)
	assert.Equal(t, money.Amount(500), *save.MaxDiscount)
	assert.Equal(t, 100, save.UsageLimit)

	shoes, err := store.FindByCode(ctx, "SHOES5")
	require.NoError(t, err)
	assert.True(t, shoes.Unlimited)
	assert.Equal(t, coupon.ScopeCategory, shoes.Scope.Kind())

	for _, code := range []string{"SHARED", "TWICE", "BROKEN", "TOOBIG"} {
		_, err := store.FindByCode(ctx, code)
		assert.ErrorIs(t, err, coupon.ErrNotFound, code)
	}

	// Re-importing the first file alone leaves SAVE20 untouched. SHARED is
	// no longer ambiguous without the second file.
	st, err = ingest(ctx, files[:1], coupon.NewAdmin(store), options{Expected: 1000, FPR: 0.01, Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Existing.Load())
	assert.Equal(t, int64(1), st.Created.Load())
}

func TestParseHeader_MissingColumn(t *testing.T) {
	_, err := parseHeader([]string{"code", "discount_type"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discount_value")
}

func TestHeader_Definition(t *testing.T) {
	h, err := parseHeader(strings.Split(strings.TrimSpace(csvHeader)+",active", ","))
	require.NoError(t, err)

	tests := []struct {
		name    string
		row     string
		wantErr string
		check   func(t *testing.T, def coupon.Definition)
	}{
		{
			name: "product scope inactive",
			row:  " promo ,desc,FIXED,250,,,product,p1," + window + ",3,false",
			check: func(t *testing.T, def coupon.Definition) {
				assert.Equal(t, "PROMO", def.Code)
				assert.Equal(t, coupon.DiscountFixed, def.DiscountType)
				assert.Equal(t, coupon.ScopeProduct, def.Scope.Kind())
				assert.Equal(t, 3, def.UsageLimit)
				assert.False(t, def.Active)
				assert.Nil(t, def.MaxDiscount)
			},
		},
		{name: "bad time", row: "X,,fixed,1,,,,,yesterday,2026-01-01T00:00:00Z,1,", wantErr: "valid_from"},
		{name: "bad scope", row: "X,,fixed,1,,,region,eu," + window + ",1,", wantErr: "scope_kind"},
		{name: "bad limit", row: "X,,fixed,1,,,,," + window + ",many,", wantErr: "usage_limit"},
		{name: "bad min purchase", row: "X,,fixed,1,ten,,,," + window + ",1,", wantErr: "min_purchase"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := h.definition(strings.Split(tt.row, ","))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, def)
		})
	}
}
