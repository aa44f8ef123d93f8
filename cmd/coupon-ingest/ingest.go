package main

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-coupons/internal/domain/coupon"
)

const progressEvery = 100_000

// creator is implemented by *coupon.Admin.
type creator interface {
	Create(ctx context.Context, def coupon.Definition) (*coupon.Coupon, error)
}

type options struct {
	// Expected is the number of codes per file used to size bloom filters.
	Expected uint
	// FPR is the bloom filter false positive rate.
	FPR float64
	// Workers bounds concurrent Create calls.
	Workers int
}

type stats struct {
	Rows       atomic.Int64
	Created    atomic.Int64
	Duplicates atomic.Int64
	Invalid    atomic.Int64
	Existing   atomic.Int64
}

// ingest imports coupon definitions from gzip CSV files. Codes that occur
// more than once, in one file or across files, are ambiguous and rejected
// everywhere. Rows failing validation are skipped; codes already in the
// store are left untouched.
func ingest(ctx context.Context, files []string, admin creator, opts options) (*stats, error) {
	if len(files) > bits.UintSize {
		return nil, errors.Errorf("at most %d files per run", bits.UintSize)
	}

	// Pass 1: one bloom filter per file, concurrently. A code already in its
	// own file's filter is a possible in-file duplicate.
	slog.Info("pass 1: building bloom filters", slog.Int("files", len(files)))
	filters := make([]*bloom.BloomFilter, len(files))
	suspects := make([]map[string]int, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.Expected, opts.FPR)
			suspect := make(map[string]int)
			err := streamFile(gctx, path, func(h header, record []string, _ int) error {
				if code := h.code(record); code != "" && filter.TestAndAddString(code) {
					suspect[code] = 0
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "build filter for %s", path)
			}
			filters[i], suspects[i] = filter, suspect
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Pass 2: confirm suspects exactly. A code is marked with the bit of every
	// file it occurs in when another file's filter reports it.
	slog.Info("pass 2: confirming duplicate codes")
	masks := make([]map[string]uint, len(files))
	g, gctx = errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			mask := make(map[string]uint)
			suspect := suspects[i]
			err := streamFile(gctx, path, func(h header, record []string, _ int) error {
				code := h.code(record)
				if code == "" {
					return nil
				}
				if n, ok := suspect[code]; ok {
					suspect[code] = n + 1
				}
				for j, f := range filters {
					if j != i && f.TestString(code) {
						mask[code] |= uint(1) << uint(i)
						break
					}
				}
				return nil
			})
			if err != nil {
				return errors.Wrapf(err, "scan %s for duplicates", path)
			}
			masks[i] = mask
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	duplicates := make(map[string]struct{})
	merged := make(map[string]uint)
	for i := range files {
		for code, n := range suspects[i] {
			if n > 1 {
				duplicates[code] = struct{}{}
			}
		}
		for code, m := range masks[i] {
			merged[code] |= m
		}
	}
	for code, m := range merged {
		if bits.OnesCount(m) >= 2 {
			duplicates[code] = struct{}{}
		}
	}
	slog.Info("duplicate codes found", slog.Int("count", len(duplicates)))

	// Pass 3: create the remaining definitions with bounded concurrency.
	slog.Info("pass 3: creating coupons", slog.Int("workers", opts.Workers))
	st := &stats{}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for _, path := range files {
		err := streamFile(gctx, path, func(h header, record []string, line int) error {
			if n := st.Rows.Add(1); n%progressEvery == 0 {
				slog.Info("pass 3 progress", slog.Int64("rows", n))
			}
			code := h.code(record)
			if _, dup := duplicates[code]; dup {
				st.Duplicates.Add(1)
				return nil
			}
			def, err := h.definition(record)
			if err != nil {
				st.Invalid.Add(1)
				slog.Warn("invalid row", slog.String("file", path), slog.Int("line", line), slog.String("error", err.Error()))
				return nil
			}
			g.Go(func() error {
				return create(gctx, admin, def, path, line, st)
			})
			return nil
		})
		if err != nil {
			// A failed Create cancels gctx; report that error, not the cancellation.
			if werr := g.Wait(); werr != nil {
				return st, werr
			}
			return st, errors.Wrapf(err, "import %s", path)
		}
	}
	if err := g.Wait(); err != nil {
		return st, err
	}
	return st, nil
}

func create(ctx context.Context, admin creator, def coupon.Definition, path string, line int, st *stats) error {
	_, err := admin.Create(ctx, def)
	switch {
	case err == nil:
		st.Created.Add(1)
	case errors.Is(err, coupon.ErrInvalidConfiguration):
		st.Invalid.Add(1)
		slog.Warn("invalid coupon", slog.String("file", path), slog.Int("line", line), slog.String("error", err.Error()))
	case errors.Is(err, coupon.ErrCodeTaken):
		st.Existing.Add(1)
	default:
		return errors.Wrapf(err, "create coupon %s", def.Code)
	}
	return nil
}

// streamFile decodes a gzip CSV file and calls fn for every data row with
// its line number. The first row is the header.
func streamFile(ctx context.Context, path string, fn func(h header, record []string, line int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	r := csv.NewReader(gz)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	first, err := r.Read()
	if err != nil {
		return errors.Wrap(err, "read header")
	}
	h, err := parseHeader(first)
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		line, _ := r.FieldPos(0)
		if err := fn(h, record, line); err != nil {
			return err
		}
	}
}
