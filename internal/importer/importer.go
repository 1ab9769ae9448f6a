// Package importer loads coupon definitions from gzip-compressed JSON-lines
// files into a coupon store.
//
// The first definition of a code wins; later definitions, in the same file or
// in later files, are counted as duplicates. Cross-file duplicates are found
// in two streaming passes: the first builds a bloom filter per file, the
// second collects codes that test positive in another file's filter and
// confirms them exactly.
package importer

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	defaultBloomCapacity = 1_000_000
	bloomFPR             = 0.001
	maxLineSize          = 64 * 1024
)

// Stats summarizes an import run.
type Stats struct {
	Created    int
	Updated    int
	Duplicates int
	Invalid    int
}

// Option configures an Importer.
type Option func(*Importer)

// WithWorkers sets how many definitions are written concurrently.
func WithWorkers(n int) Option {
	return func(i *Importer) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithBloomCapacity sizes the per-file bloom filters.
func WithBloomCapacity(n uint) Option {
	return func(i *Importer) {
		if n > 0 {
			i.capacity = n
		}
	}
}

// WithLogger sets the progress logger.
func WithLogger(lg *zap.Logger) Option {
	return func(i *Importer) { i.lg = lg }
}

// Importer writes coupon definitions through a coupon.AdminStore.
type Importer struct {
	store    coupon.AdminStore
	workers  int
	capacity uint
	lg       *zap.Logger
}

// New creates an Importer.
func New(store coupon.AdminStore, opts ...Option) *Importer {
	i := &Importer{
		store:    store,
		workers:  8,
		capacity: defaultBloomCapacity,
		lg:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Import loads files in order.
func (i *Importer) Import(ctx context.Context, files []string) (Stats, error) {
	if len(files) > bits.UintSize {
		return Stats{}, errors.Errorf("at most %d files per run", bits.UintSize)
	}

	i.lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := i.buildFilters(ctx, files)
	if err != nil {
		return Stats{}, errors.Wrap(err, "build bloom filters")
	}

	i.lg.Info("Pass 2: confirming cross-file duplicates")
	winners, err := i.findDuplicates(ctx, files, filters)
	if err != nil {
		return Stats{}, errors.Wrap(err, "find duplicates")
	}
	i.lg.Info("Duplicates confirmed", zap.Int("codes", len(winners)))

	var stats Stats
	for idx, path := range files {
		fileStats, err := i.importFile(ctx, idx, path, winners)
		if err != nil {
			return stats, errors.Wrapf(err, "import %s", path)
		}
		stats.Created += fileStats.Created
		stats.Updated += fileStats.Updated
		stats.Duplicates += fileStats.Duplicates
		stats.Invalid += fileStats.Invalid
		i.lg.Info("File imported",
			zap.String("path", path),
			zap.Int("created", fileStats.Created),
			zap.Int("updated", fileStats.Updated),
			zap.Int("duplicates", fileStats.Duplicates),
			zap.Int("invalid", fileStats.Invalid),
		)
	}
	return stats, nil
}

func (i *Importer) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for idx, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(i.capacity, bloomFPR)
			err := streamLines(ctx, path, func(line []byte) error {
				if code, ok := peekCode(line); ok {
					f.AddString(code)
				}
				return nil
			})
			filters[idx] = f
			return err
		})
	}
	return filters, g.Wait()
}

// findDuplicates returns, for every code present in two or more files, the
// index of the first file defining it.
func (i *Importer) findDuplicates(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]int, error) {
	var mu sync.Mutex
	masks := make(map[string]uint)
	g, gctx := errgroup.WithContext(ctx)
	for idx, path := range files {
		g.Go(func() error {
			local := make(map[string]uint)
			bit := uint(1) << uint(idx)
			err := streamLines(gctx, path, func(line []byte) error {
				code, ok := peekCode(line)
				if !ok {
					return nil
				}
				for j, f := range filters {
					if j != idx && f.TestString(code) {
						local[code] |= bit
						break
					}
				}
				return nil
			})
			mu.Lock()
			for code, m := range local {
				masks[code] |= m
			}
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	winners := make(map[string]int)
	for code, mask := range masks {
		if bits.OnesCount(mask) >= 2 {
			winners[code] = bits.TrailingZeros(mask)
		}
	}
	return winners, nil
}

func (i *Importer) importFile(ctx context.Context, idx int, path string, winners map[string]int) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
		seen  = make(map[string]struct{})
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	err := streamLines(gctx, path, func(line []byte) error {
		c, err := couponjson.Decode(jx.DecodeBytes(line))
		if err != nil {
			i.lg.Debug("Skipping undecodable line", zap.String("path", path), zap.Error(err))
			count(&stats.Invalid)
			return nil
		}
		c.Normalize()
		if w, dup := winners[c.Code]; dup && w != idx {
			count(&stats.Duplicates)
			return nil
		}
		if _, ok := seen[c.Code]; ok {
			count(&stats.Duplicates)
			return nil
		}
		seen[c.Code] = struct{}{}
		if err := c.Validate(); err != nil {
			i.lg.Debug("Skipping invalid coupon", zap.String("code", c.Code), zap.Error(err))
			count(&stats.Invalid)
			return nil
		}

		g.Go(func() error {
			created, err := i.upsert(gctx, c)
			switch {
			case err == nil && created:
				count(&stats.Created)
			case err == nil:
				count(&stats.Updated)
			case isValidation(err):
				count(&stats.Invalid)
			default:
				return errors.Wrapf(err, "write coupon %s", c.Code)
			}
			return nil
		})
		return nil
	})
	if werr := g.Wait(); werr != nil {
		return stats, werr
	}
	return stats, err
}

// upsert creates the coupon, or rewrites its definition when the code exists.
func (i *Importer) upsert(ctx context.Context, c *coupon.Coupon) (created bool, err error) {
	err = i.store.Create(ctx, c)
	if !errors.Is(err, coupon.ErrCodeTaken) {
		return err == nil, err
	}
	return false, i.store.Update(ctx, c)
}

func isValidation(err error) bool {
	var v *coupon.ValidationError
	return errors.As(err, &v)
}

// peekCode extracts the normalized code from a JSON line without decoding
// the rest of the definition.
func peekCode(line []byte) (string, bool) {
	var code string
	err := jx.DecodeBytes(line).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "code" || code != "" {
			return d.Skip()
		}
		s, err := d.Str()
		code = s
		return err
	})
	if err != nil {
		return "", false
	}
	code = coupon.NormalizeCode(code)
	return code, code != ""
}

// streamLines calls fn for each non-empty line of a gzip-compressed file.
func streamLines(ctx context.Context, path string, fn func(line []byte) error) error {
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

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner reuses its buffer; callers may keep the line.
		if err := fn(append([]byte(nil), line...)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
