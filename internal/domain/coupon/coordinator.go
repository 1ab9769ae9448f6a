package coupon

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// DefaultMaxAttempts bounds how many times Attempt re-reads the coupon after
// a commit lost a race against concurrent redemptions.
const DefaultMaxAttempts = 3

const instrumentationName = "github.com/xenking/storefront/internal/domain/coupon"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxAttempts sets the bounded retry count for lost commit races.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithTimeout applies a deadline to every Attempt and Check call. A store
// that does not answer in time yields ErrStoreUnavailable.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMinorUnits sets the currency precision percentage discounts round to.
func WithMinorUnits(places int32) Option {
	return func(c *Coordinator) { c.places = places }
}

// WithLogger sets the logger used for retry and failure diagnostics.
func WithLogger(lg *zap.Logger) Option {
	return func(c *Coordinator) { c.lg = lg }
}

// WithMeterProvider sets the meter provider for redemption metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Coordinator) { c.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for redemption spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Coordinator) { c.tracerProvider = tp }
}

// Coordinator gates coupon use and commits redemptions against a Store.
// It holds no per-call state and is safe for concurrent use.
type Coordinator struct {
	store       Store
	maxAttempts int
	timeout     time.Duration
	places      int32
	lg          *zap.Logger

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	outcomes       metric.Int64Counter
	retries        metric.Int64Histogram
}

// NewCoordinator creates a Coordinator backed by the given Store.
func NewCoordinator(store Store, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		store:          store,
		maxAttempts:    DefaultMaxAttempts,
		places:         DefaultMinorUnits,
		lg:             zap.NewNop(),
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(c)
	}

	meter := c.meterProvider.Meter(instrumentationName)
	var err error
	c.outcomes, err = meter.Int64Counter("coupon.redemptions",
		metric.WithDescription("Coupon redemption attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create redemptions counter")
	}
	c.retries, err = meter.Int64Histogram("coupon.redemption.retries",
		metric.WithDescription("Commit retries per redemption attempt"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create retries histogram")
	}
	c.tracer = c.tracerProvider.Tracer(instrumentationName)

	return c, nil
}

// plan is the advisory outcome of the read-only checks for one attempt.
type plan struct {
	coupon *Coupon
	match  Match
}

// Attempt decides whether code may be applied to cart for customer at now
// and, if so, durably records the redemption and returns the discount.
//
// Rejections are returned as a Result with a Reason and a nil error. A
// non-nil error means the store failed and the outcome is unknown: the
// caller must not assume the coupon was or was not consumed.
func (c *Coordinator) Attempt(ctx context.Context, code string, cart Cart, customer CustomerID, now time.Time) (res Result, err error) {
	code = NormalizeCode(code)

	ctx, span := c.tracer.Start(ctx, "coupon.Attempt",
		trace.WithAttributes(attribute.String("coupon.code", code)),
	)
	// Metrics are recorded on the span context: the timeout context below is
	// already cancelled when the deferred call runs.
	spanCtx := ctx
	retries := 0
	defer func() {
		c.finish(spanCtx, span, "attempt", code, res, err)
		c.retries.Record(spanCtx, int64(retries))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	lastReason := ReasonExhausted
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		p, reason, err := c.prepare(ctx, code, cart, customer, now)
		if err != nil {
			return Result{}, err
		}
		if reason != "" {
			return rejected(code, reason), nil
		}

		err = c.store.Redeem(ctx, p.coupon.ID, customer)
		switch {
		case err == nil:
			return accepted(code, Compute(p.coupon, p.match.Subtotal, c.places)), nil
		case errors.Is(err, ErrTotalLimitReached):
			lastReason = ReasonExhausted
		case errors.Is(err, ErrCustomerLimitReached):
			lastReason = ReasonPerUserLimitReached
		case errors.Is(err, ErrNotFound):
			// Deleted by an admin after the lookup.
			return rejected(code, ReasonNotFound), nil
		default:
			return Result{}, storeError("redeem", err)
		}

		retries++
		c.lg.Debug("Coupon commit lost a race, retrying",
			zap.String("code", code),
			zap.Int("attempt", attempt),
			zap.String("reason", string(lastReason)),
		)
	}

	return rejected(code, lastReason), nil
}

// Check runs the same checks as Attempt and computes the discount without
// committing a redemption. The answer is advisory: a later Attempt may still
// be rejected by concurrent redemptions.
func (c *Coordinator) Check(ctx context.Context, code string, cart Cart, customer CustomerID, now time.Time) (res Result, err error) {
	code = NormalizeCode(code)

	ctx, span := c.tracer.Start(ctx, "coupon.Check",
		trace.WithAttributes(attribute.String("coupon.code", code)),
	)
	spanCtx := ctx
	defer func() { c.finish(spanCtx, span, "check", code, res, err) }()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p, reason, err := c.prepare(ctx, code, cart, customer, now)
	if err != nil {
		return Result{}, err
	}
	if reason != "" {
		return rejected(code, reason), nil
	}
	return accepted(code, Compute(p.coupon, p.match.Subtotal, c.places)), nil
}

// prepare performs the read-only steps: lookup, eligibility, applicability
// and the per-customer pre-check.
func (c *Coordinator) prepare(ctx context.Context, code string, cart Cart, customer CustomerID, now time.Time) (*plan, Reason, error) {
	cp, err := c.store.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ReasonNotFound, nil
		}
		return nil, "", storeError("find coupon", err)
	}
	if err := cp.Validate(); err != nil {
		return nil, "", fmt.Errorf("coupon %q: %w: %w", code, ErrMalformedCoupon, err)
	}

	if status := Evaluate(cp, now); status != StatusActive {
		return nil, reasonFor(status), nil
	}

	match, ok := Applies(cp, cart)
	if !ok {
		return nil, ReasonNotApplicable, nil
	}

	used, err := c.store.CustomerUsage(ctx, cp.ID, customer)
	if err != nil {
		return nil, "", storeError("read customer usage", err)
	}
	if used >= cp.UsageLimitPerUser {
		return nil, ReasonPerUserLimitReached, nil
	}

	return &plan{coupon: cp, match: match}, "", nil
}

func (c *Coordinator) finish(ctx context.Context, span trace.Span, op, code string, res Result, err error) {
	defer span.End()

	outcome := "accepted"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.lg.Warn("Coupon store failure",
			zap.String("op", op),
			zap.String("code", code),
			zap.Error(err),
		)
	case !res.Accepted():
		outcome = string(res.Reason)
	}
	span.SetAttributes(attribute.String("coupon.outcome", outcome))
	c.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

// storeError marks a store failure as ErrStoreUnavailable unless it already
// carries a more specific classification.
func storeError(op string, err error) error {
	if errors.Is(err, ErrMalformedCoupon) || errors.Is(err, ErrStoreUnavailable) {
		return errors.Wrap(err, op)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
