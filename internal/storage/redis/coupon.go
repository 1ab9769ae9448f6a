// Package redis implements the coupon store on Redis. Each coupon is a hash
// holding its JSON document plus the counters and limits the redemption
// script reads; per-customer usage is a second hash sharing the coupon's
// hash tag so both keys live in one cluster slot.
package redis

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/coupon"
)

const (
	fieldDoc          = "doc"
	fieldUsedCount    = "used_count"
	fieldLimitTotal   = "limit_total"
	fieldLimitPerUser = "limit_per_user"
)

// redeemScript returns 0 on success, 1 when the global cap is reached, 2 when
// the customer cap is reached and -1 when the coupon does not exist.
var redeemScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local total = tonumber(redis.call('HGET', KEYS[1], 'limit_total'))
local used = tonumber(redis.call('HGET', KEYS[1], 'used_count'))
if total > 0 and used >= total then
	return 1
end
local perUser = tonumber(redis.call('HGET', KEYS[1], 'limit_per_user'))
local mine = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if mine >= perUser then
	return 2
end
redis.call('HINCRBY', KEYS[1], 'used_count', 1)
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
return 0
`)

// createScript returns 1 when the coupon was created and 0 when the key exists.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'used_count', 0, 'limit_total', ARGV[2], 'limit_per_user', ARGV[3])
return 1
`)

// updateScript returns 1 on success, -1 when the coupon does not exist and
// -2 when the new total limit is below the used count.
var updateScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used_count'))
local total = tonumber(ARGV[2])
if total > 0 and used > total then
	return -2
end
redis.call('HSET', KEYS[1], 'doc', ARGV[1], 'limit_total', ARGV[2], 'limit_per_user', ARGV[3])
return 1
`)

var (
	_ coupon.Store      = (*CouponStore)(nil)
	_ coupon.AdminStore = (*CouponStore)(nil)
)

// CouponStore implements coupon.Store and coupon.AdminStore backed by Redis.
// A coupon's ID is its normalized code.
type CouponStore struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewCouponStore returns a CouponStore using keys under prefix.
func NewCouponStore(client goredis.UniversalClient, prefix string) *CouponStore {
	return &CouponStore{client: client, prefix: prefix, now: time.Now}
}

func (s *CouponStore) couponKey(code string) string {
	return s.prefix + "coupon:{" + code + "}"
}

func (s *CouponStore) usageKey(code string) string {
	return s.prefix + "coupon:{" + code + "}:usage"
}

func (s *CouponStore) indexKey() string {
	return s.prefix + "coupons"
}

// FindByCode loads the coupon hash for the normalized code.
func (s *CouponStore) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	code = coupon.NormalizeCode(code)
	fields, err := s.client.HGetAll(ctx, s.couponKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	if len(fields) == 0 {
		return nil, coupon.ErrNotFound
	}
	c, err := decode(code, fields)
	if err != nil {
		return nil, fmt.Errorf("coupon %q: %w: %w", code, coupon.ErrMalformedCoupon, err)
	}
	return c, nil
}

// CustomerUsage returns how many times the customer redeemed the coupon.
func (s *CouponStore) CustomerUsage(ctx context.Context, couponID string, customer coupon.CustomerID) (int, error) {
	n, err := s.client.HGet(ctx, s.usageKey(couponID), string(customer)).Int()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading usage of coupon %s by %q: %w", couponID, customer, err)
	}
	return n, nil
}

// Redeem runs the check-and-increment script, which Redis executes atomically.
func (s *CouponStore) Redeem(ctx context.Context, couponID string, customer coupon.CustomerID) error {
	keys := []string{s.couponKey(couponID), s.usageKey(couponID)}
	res, err := redeemScript.Run(ctx, s.client, keys, string(customer)).Int()
	if err != nil {
		return fmt.Errorf("redeeming coupon %s for %q: %w", couponID, customer, err)
	}
	switch res {
	case 0:
		return nil
	case 1:
		return coupon.ErrTotalLimitReached
	case 2:
		return coupon.ErrCustomerLimitReached
	case -1:
		return coupon.ErrNotFound
	default:
		return errors.Errorf("redeem script returned %d", res)
	}
}

// Create stores a new coupon with zero usage.
func (s *CouponStore) Create(ctx context.Context, c *coupon.Coupon) error {
	c.Normalize()
	c.UsedCount = 0
	if err := c.Validate(); err != nil {
		return err
	}
	now := s.now()
	c.ID = c.Code
	c.CreatedAt, c.UpdatedAt = now, now

	doc := encode(c)
	created, err := createScript.Run(ctx, s.client, []string{s.couponKey(c.Code)},
		doc, limitArg(c.UsageLimitTotal), c.UsageLimitPerUser,
	).Int()
	if err != nil {
		return fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	if created == 0 {
		return coupon.ErrCodeTaken
	}
	if err := s.client.SAdd(ctx, s.indexKey(), c.Code).Err(); err != nil {
		return fmt.Errorf("indexing coupon %q: %w", c.Code, err)
	}
	return nil
}

// Update rewrites the administrative fields; counters are left untouched.
func (s *CouponStore) Update(ctx context.Context, c *coupon.Coupon) error {
	c.Normalize()
	cur, err := s.FindByCode(ctx, c.Code)
	if err != nil {
		return err
	}
	c.ID = cur.ID
	c.UsedCount = cur.UsedCount
	c.CreatedAt = cur.CreatedAt
	c.UpdatedAt = s.now()
	if err := c.Validate(); err != nil {
		return err
	}

	doc := encode(c)
	res, err := updateScript.Run(ctx, s.client, []string{s.couponKey(c.Code)},
		doc, limitArg(c.UsageLimitTotal), c.UsageLimitPerUser,
	).Int()
	if err != nil {
		return fmt.Errorf("updating coupon %q: %w", c.Code, err)
	}
	switch res {
	case -1:
		return coupon.ErrNotFound
	case -2:
		return &coupon.ValidationError{Field: "usage_limit_total", Message: "must not be below the used count"}
	}
	return nil
}

// Delete removes the coupon, its usage hash and its index entry.
func (s *CouponStore) Delete(ctx context.Context, code string) error {
	code = coupon.NormalizeCode(code)

	var del *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, s.couponKey(code))
		pipe.Del(ctx, s.usageKey(code))
		pipe.SRem(ctx, s.indexKey(), code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting coupon %q: %w", code, err)
	}
	if del.Val() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

// Get is FindByCode for the admin surface.
func (s *CouponStore) Get(ctx context.Context, code string) (*coupon.Coupon, error) {
	return s.FindByCode(ctx, code)
}

// List returns all indexed coupons ordered by code.
func (s *CouponStore) List(ctx context.Context) ([]coupon.Coupon, error) {
	codes, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	slices.Sort(codes)

	cmds := make([]*goredis.MapStringStringCmd, len(codes))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, code := range codes {
			cmds[i] = pipe.HGetAll(ctx, s.couponKey(code))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}

	out := make([]coupon.Coupon, 0, len(codes))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Deleted between SMEMBERS and HGETALL.
			continue
		}
		c, err := decode(codes[i], fields)
		if err != nil {
			return nil, fmt.Errorf("coupon %q: %w: %w", codes[i], coupon.ErrMalformedCoupon, err)
		}
		out = append(out, *c)
	}
	return out, nil
}

func encode(c *coupon.Coupon) string {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	couponjson.Encode(e, c)
	return e.String()
}

// decode combines the stored document with the live counters and limits,
// which the scripts keep outside the document.
func decode(code string, fields map[string]string) (*coupon.Coupon, error) {
	c, err := couponjson.DecodeRecord(jx.DecodeStr(fields[fieldDoc]))
	if err != nil {
		return nil, errors.Wrap(err, "decode document")
	}
	used, err := strconv.Atoi(fields[fieldUsedCount])
	if err != nil {
		return nil, errors.Wrap(err, "parse used count")
	}
	limitTotal, err := strconv.Atoi(fields[fieldLimitTotal])
	if err != nil {
		return nil, errors.Wrap(err, "parse total limit")
	}
	limitPerUser, err := strconv.Atoi(fields[fieldLimitPerUser])
	if err != nil {
		return nil, errors.Wrap(err, "parse per-user limit")
	}

	c.ID = code
	c.UsedCount = used
	c.UsageLimitPerUser = limitPerUser
	c.UsageLimitTotal = nil
	if limitTotal > 0 {
		c.UsageLimitTotal = coupon.Limit(limitTotal)
	}
	return c, nil
}

// limitArg encodes an optional total limit; 0 means unlimited.
func limitArg(limit *int) int {
	if limit == nil {
		return 0
	}
	return *limit
}
