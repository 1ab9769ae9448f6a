package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
)

// couponRequest is the body of /api/coupons/check and /api/coupons/redeem.
type couponRequest struct {
	Code     string
	Customer coupon.CustomerID
	Items    []order.Item
}

func decodeCouponRequest(r *http.Request) (couponRequest, error) {
	var req couponRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			s, err := d.Str()
			req.Code = s
			return err
		case "customerId":
			s, err := d.Str()
			req.Customer = coupon.CustomerID(s)
			return err
		case "items":
			items, err := decodeItems(d)
			req.Items = items
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return req, err
	}

	switch {
	case strings.TrimSpace(req.Code) == "":
		return req, errors.New("code is required")
	case req.Customer == "":
		return req, errors.New("customerId is required")
	}
	return req, nil
}

type couponCall func(ctx context.Context, code string, cart coupon.Cart, customer coupon.CustomerID, now time.Time) (coupon.Result, error)

// CheckCoupon previews a code against a cart without recording a redemption.
func (h *Handler) CheckCoupon(w http.ResponseWriter, r *http.Request) {
	h.serveCoupon(w, r, h.coupons.Check)
}

// RedeemCoupon applies a code to a cart and records the redemption.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	h.serveCoupon(w, r, h.coupons.Attempt)
}

func (h *Handler) serveCoupon(w http.ResponseWriter, r *http.Request, call couponCall) {
	req, err := decodeCouponRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	priced, err := order.Price(r.Context(), h.products, req.Items)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	res, err := call(r.Context(), req.Code, priced.Cart, req.Customer, h.now())
	if err != nil {
		writeCouponFailure(w, r, err)
		return
	}
	if !res.Accepted() {
		writeRejection(w, res.Code, res.Reason)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Str(res.Code)
	e.FieldStart("accepted")
	e.Bool(true)
	e.FieldStart("subtotal")
	couponjson.WriteDecimal(&e, priced.Cart.Subtotal())
	e.FieldStart("discount")
	couponjson.WriteDecimal(&e, res.Discount)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// writeRejection writes a 422 with the machine-readable reason and the
// customer-facing message.
func writeRejection(w http.ResponseWriter, code string, reason coupon.Reason) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("code")
	e.Str(code)
	e.FieldStart("reason")
	e.Str(string(reason))
	e.FieldStart("message")
	e.Str(reason.Message())
	e.ObjEnd()
	writeJSON(w, http.StatusUnprocessableEntity, &e)
}

// writeCouponFailure reports a fatal redemption error. The outcome is unknown,
// so the client is told to retry later rather than that the code is invalid.
func writeCouponFailure(w http.ResponseWriter, r *http.Request, err error) {
	lg := zctx.From(r.Context())
	if errors.Is(err, coupon.ErrMalformedCoupon) {
		lg.Error("Malformed coupon record", zap.Error(err))
	} else {
		lg.Warn("Coupon store failure", zap.Error(err))
	}
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusServiceUnavailable, "coupon service is temporarily unavailable, please retry")
}
