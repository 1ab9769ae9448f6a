package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
)

func decodeOrderRequest(r *http.Request) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "couponCode":
			if d.Next() == jx.Null {
				return d.Null()
			}
			req.CouponCode, err = d.Str()
		case "customerId":
			req.CustomerID, err = d.Str()
		case "items":
			req.Items, err = decodeItems(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return req, err
	}
	if req.CouponCode != "" && req.CustomerID == "" {
		return req, errors.New("customerId is required when a coupon code is given")
	}
	return req, nil
}

// decodeItems reads order lines. Only productId and quantity are taken from
// the client; prices and categories are resolved from the catalog.
func decodeItems(d *jx.Decoder) ([]order.Item, error) {
	var items []order.Item
	err := d.Arr(func(d *jx.Decoder) error {
		var item order.Item
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "productId":
				item.ProductID, err = d.Str()
			case "quantity":
				item.Quantity, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

// PlaceOrder prices the cart, redeems the coupon if one is given and
// persists the order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeOrderRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		h.writeCheckoutError(w, r, err)
		return
	}

	o := result.Order
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("customerId")
	e.Str(o.CustomerID)
	e.FieldStart("items")
	e.ArrStart()
	for _, item := range o.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(item.ProductID)
		e.FieldStart("quantity")
		e.Int(item.Quantity)
		e.FieldStart("unitPrice")
		couponjson.WriteDecimal(&e, item.UnitPrice)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("products")
	e.ArrStart()
	for _, p := range result.Products {
		encodeProduct(&e, p)
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	couponjson.WriteDecimal(&e, o.Subtotal)
	e.FieldStart("discounts")
	couponjson.WriteDecimal(&e, o.Discounts)
	e.FieldStart("total")
	couponjson.WriteDecimal(&e, o.Total)
	if o.CouponCode != "" {
		e.FieldStart("couponCode")
		e.Str(o.CouponCode)
	}
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

func (h *Handler) writeCheckoutError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		iqErr    *order.InvalidQuantityError
		pnfErr   *order.ProductNotFoundError
		rejected *order.CouponRejectedError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &iqErr), errors.As(err, &pnfErr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &rejected):
		writeRejection(w, rejected.Code, rejected.Reason)
	case errors.Is(err, coupon.ErrStoreUnavailable), errors.Is(err, coupon.ErrMalformedCoupon):
		writeCouponFailure(w, r, err)
	default:
		zctx.From(r.Context()).Error("Checkout failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
