package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/couponjson"
	"github.com/xenking/storefront/internal/domain/coupon"
)

func readCoupon(r *http.Request) (*coupon.Coupon, error) {
	body, err := readBody(r)
	if err != nil {
		return nil, err
	}
	return couponjson.Decode(jx.DecodeBytes(body))
}

// ListCoupons returns every coupon ordered by code.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.admin.List(r.Context())
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ArrStart()
	for i := range coupons {
		couponjson.Encode(&e, &coupons[i])
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, &e)
}

// GetCoupon returns one coupon by code.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := h.admin.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	var e jx.Encoder
	couponjson.Encode(&e, c)
	writeJSON(w, http.StatusOK, &e)
}

// CreateCoupon stores a new coupon definition.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := readCoupon(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.admin.Create(r.Context(), c); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon created", zap.String("code", c.Code))

	var e jx.Encoder
	couponjson.Encode(&e, c)
	writeJSON(w, http.StatusCreated, &e)
}

// UpdateCoupon replaces the administrative fields of an existing coupon.
// The code in the path wins over the body.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	c, err := readCoupon(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c.Code = chi.URLParam(r, "code")
	if err := h.admin.Update(r.Context(), c); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon updated", zap.String("code", c.Code))

	var e jx.Encoder
	couponjson.Encode(&e, c)
	writeJSON(w, http.StatusOK, &e)
}

// DeleteCoupon removes a coupon and its usage records.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := h.admin.Delete(r.Context(), code); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon deleted", zap.String("code", coupon.NormalizeCode(code)))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	var vErr *coupon.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, "coupon not found")
	case errors.Is(err, coupon.ErrCodeTaken):
		writeError(w, http.StatusConflict, "coupon code already exists")
	default:
		zctx.From(r.Context()).Error("Coupon admin", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
