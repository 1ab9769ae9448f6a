// Package couponjson is the JSON form of coupon definitions shared by the
// admin API and the bulk importer.
package couponjson

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// Decode reads the administrative fields of a coupon definition.
// used_count and timestamps are owned by the store and ignored.
func Decode(d *jx.Decoder) (*coupon.Coupon, error) {
	return decode(d, false)
}

// DecodeRecord reads a full record as written by Encode, including the
// store-owned fields.
func DecodeRecord(d *jx.Decoder) (*coupon.Coupon, error) {
	return decode(d, true)
}

func decode(d *jx.Decoder, record bool) (*coupon.Coupon, error) {
	c := &coupon.Coupon{Active: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id", "used_count", "created_at", "updated_at":
			if !record {
				return d.Skip()
			}
			err = readStored(d, key, c)
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "discount_type":
			var s string
			s, err = d.Str()
			c.DiscountType = coupon.DiscountType(s)
		case "discount_value":
			c.DiscountValue, err = ReadDecimal(d)
		case "applicable_categories":
			c.ApplicableCategories, err = readStrings(d)
		case "applicable_products":
			c.ApplicableProducts, err = readStrings(d)
		case "min_cart_value":
			c.MinCartValue, err = ReadDecimal(d)
		case "valid_from":
			c.ValidFrom, err = readTime(d)
		case "valid_until":
			c.ValidUntil, err = readTime(d)
		case "usage_limit_total":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n int
			n, err = d.Int()
			c.UsageLimitTotal = coupon.Limit(n)
		case "usage_limit_per_user":
			c.UsageLimitPerUser, err = d.Int()
		case "active":
			c.Active, err = d.Bool()
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrap(err, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Encode writes the full coupon record.
func Encode(e *jx.Encoder, c *coupon.Coupon) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(c.ID)
	e.FieldStart("code")
	e.Str(c.Code)
	e.FieldStart("description")
	e.Str(c.Description)
	e.FieldStart("discount_type")
	e.Str(string(c.DiscountType))
	e.FieldStart("discount_value")
	e.Num(jx.Num(c.DiscountValue.String()))
	e.FieldStart("applicable_categories")
	writeStrings(e, c.ApplicableCategories)
	e.FieldStart("applicable_products")
	writeStrings(e, c.ApplicableProducts)
	e.FieldStart("min_cart_value")
	WriteDecimal(e, c.MinCartValue)
	e.FieldStart("valid_from")
	e.Str(c.ValidFrom.UTC().Format(time.RFC3339Nano))
	e.FieldStart("valid_until")
	e.Str(c.ValidUntil.UTC().Format(time.RFC3339Nano))
	e.FieldStart("usage_limit_total")
	if c.UsageLimitTotal != nil {
		e.Int(*c.UsageLimitTotal)
	} else {
		e.Null()
	}
	e.FieldStart("usage_limit_per_user")
	e.Int(c.UsageLimitPerUser)
	e.FieldStart("used_count")
	e.Int(c.UsedCount)
	e.FieldStart("active")
	e.Bool(c.Active)
	e.FieldStart("created_at")
	e.Str(c.CreatedAt.UTC().Format(time.RFC3339Nano))
	e.FieldStart("updated_at")
	e.Str(c.UpdatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
}

// ReadDecimal accepts a JSON number or a numeric string.
func ReadDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var raw string
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = s
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Decimal{}, err
		}
		raw = n.String()
	default:
		return decimal.Decimal{}, errors.Errorf("expected number, got %s", d.Next())
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "parse decimal %q", raw)
	}
	return v, nil
}

func readStored(d *jx.Decoder, key string, c *coupon.Coupon) (err error) {
	switch key {
	case "id":
		c.ID, err = d.Str()
	case "used_count":
		c.UsedCount, err = d.Int()
	case "created_at":
		c.CreatedAt, err = readTime(d)
	case "updated_at":
		c.UpdatedAt, err = readTime(d)
	}
	return err
}

func readTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse time %q", s)
	}
	return t, nil
}

func readStrings(d *jx.Decoder) ([]string, error) {
	out := []string{}
	if d.Next() == jx.Null {
		return out, d.Null()
	}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// WriteDecimal writes v as a JSON number with two decimal places.
func WriteDecimal(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func writeStrings(e *jx.Encoder, values []string) {
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}
