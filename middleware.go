package ledgerx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
)

type Middleware func(Service) Service

// Chain wraps svc so that mws[0] is the outermost layer.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

// IsClientError reports whether err was caused by the caller rather than by
// the service or its store.
func IsClientError(err error) bool {
	return errors.As(err, &ErrNotFound{}) ||
		errors.As(err, &ErrBadRequest{}) ||
		errors.As(err, &ErrConflict{}) ||
		errors.As(err, &ErrDuplicateAccount{})
}

//
// Validation middleware
//

var (
	_ Service = (*validationMiddleware)(nil)
)

type validationMiddleware struct {
	next     Service
	validate *validator.Validate
}

func NewValidationMiddleware() Middleware {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return func(svc Service) Service {
		return &validationMiddleware{
			next:     svc,
			validate: validate,
		}
	}
}

func (v *validationMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	return v.next.ListAccounts(ctx)
}

func (v *validationMiddleware) GetAccount(ctx context.Context, acctNum int64) (*Account, error) {
	if err := checkAcctNum(acctNum); err != nil {
		return nil, err
	}
	return v.next.GetAccount(ctx, acctNum)
}

func (v *validationMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	if req.ID != nil {
		return nil, errPresetID()
	}
	if err := v.checkCreate(req); err != nil {
		return nil, err
	}
	return v.next.CreateAccount(ctx, req)
}

func (v *validationMiddleware) UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (*Account, error) {
	if err := v.check(req); err != nil {
		return nil, err
	}
	return v.next.UpdateCustomer(ctx, req)
}

func (v *validationMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	if err := v.checkCharge(req); err != nil {
		return nil, err
	}
	return v.next.Deposit(ctx, req)
}

func (v *validationMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	if err := v.checkCharge(req); err != nil {
		return nil, err
	}
	return v.next.Withdraw(ctx, req)
}

func (v *validationMiddleware) CloseAccount(ctx context.Context, acctNum int64) error {
	if err := checkAcctNum(acctNum); err != nil {
		return err
	}
	return v.next.CloseAccount(ctx, acctNum)
}

func (v *validationMiddleware) MarkOverdrawn(ctx context.Context, acctNum int64) (*Account, error) {
	if err := checkAcctNum(acctNum); err != nil {
		return nil, err
	}
	return v.next.MarkOverdrawn(ctx, acctNum)
}

func (v *validationMiddleware) RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (*Account, error) {
	if err := checkAcctNum(acctNum); err != nil {
		return nil, err
	}
	return v.next.RemoveOverdrawnStatus(ctx, acctNum)
}

func (v *validationMiddleware) Statement(ctx context.Context, w io.Writer, acctNum int64) error {
	if err := checkAcctNum(acctNum); err != nil {
		return err
	}
	return v.next.Statement(ctx, w, acctNum)
}

func (v *validationMiddleware) checkCreate(req CreateAccountReq) error {
	fields := map[string]string{}
	if err := v.check(req); err != nil {
		var br ErrBadRequest
		if !errors.As(err, &br) {
			return err
		}
		fields = br.Fields
	}
	if err := CheckAmountRange(req.Balance); err != nil {
		fields["balance"] = err.Error()
	}
	if len(fields) > 0 {
		return ErrBadRequest{Fields: fields}
	}
	return nil
}

func (v *validationMiddleware) checkCharge(req ChargeReq) error {
	fields := map[string]string{}
	if err := v.check(req); err != nil {
		var br ErrBadRequest
		if !errors.As(err, &br) {
			return err
		}
		fields = br.Fields
	}
	if err := CheckAmountRange(req.Amount); err != nil {
		fields["amount"] = err.Error()
	} else if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than 0"
	}
	if len(fields) > 0 {
		return ErrBadRequest{Fields: fields}
	}
	return nil
}

func (v *validationMiddleware) check(req any) error {
	err := v.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[lowerFirst(fe.Field())] = validationMsg(fe)
	}
	return ErrBadRequest{Fields: fields}
}

func checkAcctNum(acctNum int64) error {
	if acctNum <= 0 {
		return ErrBadRequest{Fields: map[string]string{"accountNumber": "must be greater than 0"}}
	}
	return nil
}

func validationMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "missing"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "invalid value"
	}
}

func lowerFirst(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToLower(r)) + s[n:]
}

//
// Logging middleware
//

var (
	_ Service = (*loggingMiddleware)(nil)
)

type loggingMiddleware struct {
	next Service
	log  *zerolog.Logger
}

func NewLoggingMiddleware(log *zerolog.Logger) Middleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			next: next,
			log:  log,
		}
	}
}

func (l *loggingMiddleware) logCall(ctx context.Context, method string, acctNum int64, begin time.Time, err error) {
	// prefer the request-scoped logger so the request id is carried along
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled {
		log = l.log
	}
	var evt *zerolog.Event
	switch {
	case err == nil:
		evt = log.Debug()
	case IsClientError(err):
		evt = log.Info().Err(err)
	default:
		evt = log.Error().Err(err)
	}
	if acctNum != 0 {
		evt = evt.Int64("acctNum", acctNum)
	}
	evt.Str("method", method).
		Dur("took", time.Since(begin)).
		Msg("service call")
}

func (l *loggingMiddleware) ListAccounts(ctx context.Context) (accts []Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "list_accounts", 0, begin, err) }(time.Now())
	return l.next.ListAccounts(ctx)
}

func (l *loggingMiddleware) GetAccount(ctx context.Context, acctNum int64) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "get_account", acctNum, begin, err) }(time.Now())
	return l.next.GetAccount(ctx, acctNum)
}

func (l *loggingMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	var acctNum int64
	if req.AccountNumber != nil {
		acctNum = *req.AccountNumber
	}
	defer func(begin time.Time) { l.logCall(ctx, "create_account", acctNum, begin, err) }(time.Now())
	return l.next.CreateAccount(ctx, req)
}

func (l *loggingMiddleware) UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "update_customer", req.AcctNum, begin, err) }(time.Now())
	return l.next.UpdateCustomer(ctx, req)
}

func (l *loggingMiddleware) Deposit(ctx context.Context, req ChargeReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "deposit", req.AcctNum, begin, err) }(time.Now())
	return l.next.Deposit(ctx, req)
}

func (l *loggingMiddleware) Withdraw(ctx context.Context, req ChargeReq) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "withdraw", req.AcctNum, begin, err) }(time.Now())
	return l.next.Withdraw(ctx, req)
}

func (l *loggingMiddleware) CloseAccount(ctx context.Context, acctNum int64) (err error) {
	defer func(begin time.Time) { l.logCall(ctx, "close_account", acctNum, begin, err) }(time.Now())
	return l.next.CloseAccount(ctx, acctNum)
}

func (l *loggingMiddleware) MarkOverdrawn(ctx context.Context, acctNum int64) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "mark_overdrawn", acctNum, begin, err) }(time.Now())
	return l.next.MarkOverdrawn(ctx, acctNum)
}

func (l *loggingMiddleware) RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (acct *Account, err error) {
	defer func(begin time.Time) { l.logCall(ctx, "remove_overdrawn_status", acctNum, begin, err) }(time.Now())
	return l.next.RemoveOverdrawnStatus(ctx, acctNum)
}

func (l *loggingMiddleware) Statement(ctx context.Context, w io.Writer, acctNum int64) (err error) {
	defer func(begin time.Time) { l.logCall(ctx, "statement", acctNum, begin, err) }(time.Now())
	return l.next.Statement(ctx, w, acctNum)
}

//
// Rate limiting middlewares
//

// limitMiddleware limits the number of in-flight requests to the service by using
// a weighted semaphore, i.e., x/sync/semaphore.Semaphore with an acquisition timeout.
// Reads and writes draw from separate pools so a burst of writes queueing on
// row locks does not starve lookups.
type limitMiddleware struct {
	next   Service
	limits *ServiceLimits
}

var (
	_ Service = (*limitMiddleware)(nil)
)

type ServiceLimits struct {
	Reads          *semaphore.Weighted
	Writes         *semaphore.Weighted
	AcquireTimeout time.Duration
}

func NewServiceLimits(cfg LimitsConfig) *ServiceLimits {
	return &ServiceLimits{
		Reads:          semaphore.NewWeighted(cfg.Reads),
		Writes:         semaphore.NewWeighted(cfg.Writes),
		AcquireTimeout: cfg.AcquireTimeout,
	}
}

func NewLimitMiddleware(limits *ServiceLimits) Middleware {
	return func(next Service) Service {
		return &limitMiddleware{
			next:   next,
			limits: limits,
		}
	}
}

// acquire takes one token from sem. The returned release must be called once
// the wrapped call returns.
func (l *limitMiddleware) acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	actx := ctx
	if l.limits.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, l.limits.AcquireTimeout)
		defer cancel()
	}
	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrOverloaded
	}
	return func() { sem.Release(1) }, nil
}

func (l *limitMiddleware) ListAccounts(ctx context.Context) ([]Account, error) {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.ListAccounts(ctx)
}

func (l *limitMiddleware) GetAccount(ctx context.Context, acctNum int64) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.GetAccount(ctx, acctNum)
}

func (l *limitMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.CreateAccount(ctx, req)
}

func (l *limitMiddleware) UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.UpdateCustomer(ctx, req)
}

func (l *limitMiddleware) Deposit(ctx context.Context, req ChargeReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Deposit(ctx, req)
}

func (l *limitMiddleware) Withdraw(ctx context.Context, req ChargeReq) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.Withdraw(ctx, req)
}

func (l *limitMiddleware) CloseAccount(ctx context.Context, acctNum int64) error {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return err
	}
	defer release()
	return l.next.CloseAccount(ctx, acctNum)
}

func (l *limitMiddleware) MarkOverdrawn(ctx context.Context, acctNum int64) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.MarkOverdrawn(ctx, acctNum)
}

func (l *limitMiddleware) RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (*Account, error) {
	release, err := l.acquire(ctx, l.limits.Writes)
	if err != nil {
		return nil, err
	}
	defer release()
	return l.next.RemoveOverdrawnStatus(ctx, acctNum)
}

func (l *limitMiddleware) Statement(ctx context.Context, w io.Writer, acctNum int64) error {
	release, err := l.acquire(ctx, l.limits.Reads)
	if err != nil {
		return err
	}
	defer release()
	return l.next.Statement(ctx, w, acctNum)
}

type ServiceBreaker struct {
	Reads  *gobreaker.TwoStepCircuitBreaker[any]
	Writes *gobreaker.TwoStepCircuitBreaker[any]
}

func NewServiceBreaker(cfg BreakerConfig, log *zerolog.Logger) *ServiceBreaker {
	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state change")
			},
		}
	}
	return &ServiceBreaker{
		Reads:  gobreaker.NewTwoStepCircuitBreaker[any](settings("reads")),
		Writes: gobreaker.NewTwoStepCircuitBreaker[any](settings("writes")),
	}
}

// circuitBreakMiddleware is a middleware that implements the circuit breaker pattern.
// It works in conjunction with limitMiddleware to limit the number of in-flight
// requests to the service when the circuit is not in `closed` state, i.e., the service
// is experiencing heavy load and is struggling to release tokens from the limit
// semaphores within request deadline. Client errors do not count as failures.
type circuitBreakMiddleware struct {
	next  Service
	brkrs *ServiceBreaker
}

var (
	_ Service = (*circuitBreakMiddleware)(nil)
)

func NewCircuitBreakMiddleware(brkrs *ServiceBreaker) Middleware {
	return func(next Service) Service {
		return &circuitBreakMiddleware{
			next:  next,
			brkrs: brkrs,
		}
	}
}

func allow(cb *gobreaker.TwoStepCircuitBreaker[any]) (func(error), error) {
	done, err := cb.Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOverloaded, err)
	}
	return func(err error) {
		done(err == nil || IsClientError(err) || errors.Is(err, context.Canceled))
	}, nil
}

func (c *circuitBreakMiddleware) ListAccounts(ctx context.Context) (accts []Account, err error) {
	done, err := allow(c.brkrs.Reads)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.ListAccounts(ctx)
}

func (c *circuitBreakMiddleware) GetAccount(ctx context.Context, acctNum int64) (acct *Account, err error) {
	done, err := allow(c.brkrs.Reads)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.GetAccount(ctx, acctNum)
}

func (c *circuitBreakMiddleware) CreateAccount(ctx context.Context, req CreateAccountReq) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.CreateAccount(ctx, req)
}

func (c *circuitBreakMiddleware) UpdateCustomer(ctx context.Context, req UpdateCustomerReq) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.UpdateCustomer(ctx, req)
}

func (c *circuitBreakMiddleware) Deposit(ctx context.Context, req ChargeReq) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.Deposit(ctx, req)
}

func (c *circuitBreakMiddleware) Withdraw(ctx context.Context, req ChargeReq) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.Withdraw(ctx, req)
}

func (c *circuitBreakMiddleware) CloseAccount(ctx context.Context, acctNum int64) (err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	return c.next.CloseAccount(ctx, acctNum)
}

func (c *circuitBreakMiddleware) MarkOverdrawn(ctx context.Context, acctNum int64) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.MarkOverdrawn(ctx, acctNum)
}

func (c *circuitBreakMiddleware) RemoveOverdrawnStatus(ctx context.Context, acctNum int64) (acct *Account, err error) {
	done, err := allow(c.brkrs.Writes)
	if err != nil {
		return nil, err
	}
	defer func() { done(err) }()
	return c.next.RemoveOverdrawnStatus(ctx, acctNum)
}

func (c *circuitBreakMiddleware) Statement(ctx context.Context, w io.Writer, acctNum int64) (err error) {
	done, err := allow(c.brkrs.Reads)
	if err != nil {
		return err
	}
	defer func() { done(err) }()
	return c.next.Statement(ctx, w, acctNum)
}
