// Package delivery sends one direct message and records the attempt as a message
// log. Every attempt is made exactly once: there are no retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dmagent/internal/config"
	"dmagent/internal/domain"
	"dmagent/internal/observability"
	"dmagent/internal/providers/instagram"
	"dmagent/internal/store"
	"dmagent/internal/util"
)

var (
	ErrLocalRateLimit = errors.New("local rate limit exceeded")
	// ErrNotAttempted wraps every reason a message was never handed to the remote
	// API: a canceled caller, an exhausted limiter or an open breaker. No message
	// log is written for it.
	ErrNotAttempted = errors.New("delivery not attempted")
)

type Sender interface {
	SendDirectMessage(ctx context.Context, req instagram.SendRequest) (instagram.SendResponse, int, []byte, error)
}

type Dispatcher struct {
	Store   store.MessageLogStore
	Sender  Sender
	Limiter *rate.Limiter
	Breaker *gobreaker.TwoStepCircuitBreaker

	// Timeout bounds one remote call; LimiterWait bounds the wait for a token.
	Timeout     time.Duration
	LimiterWait time.Duration

	NewLogID func() string
	Now      func() time.Time
}

// Attempt is one message to one recipient. EventID is empty for manual sends.
type Attempt struct {
	Settings          domain.Settings
	EventID           string
	RecipientID       string
	RecipientUsername string
	Kind              domain.EventKind
	Message           string
}

// Outcome describes a recorded attempt. Err is the send failure, if any; its text
// is what the message log stores.
type Outcome struct {
	LogID      string
	Status     domain.MessageStatus
	MessageID  string
	HTTPStatus int
	Err        error
}

// Deliver takes a limiter token and a breaker slot, writes a PENDING log, sends,
// then resolves the log to SENT or FAILED. Without admission it returns an
// ErrNotAttempted error and writes nothing. Any other returned error means the
// log could not be written or resolved; when the PENDING insert fails nothing is
// sent.
func (d *Dispatcher) Deliver(ctx context.Context, a Attempt) (Outcome, error) {
	done, err := d.admit(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrNotAttempted, err)
	}

	out := Outcome{LogID: d.newLogID(), Status: domain.StatusPending}
	if err := d.Store.InsertMessageLog(ctx, store.MessageLogInsert{
		ID:                out.LogID,
		EventID:           a.EventID,
		RecipientID:       a.RecipientID,
		RecipientUsername: a.RecipientUsername,
		Kind:              a.Kind,
		Now:               d.now(),
	}); err != nil {
		// a store failure says nothing about the remote API
		done(true)
		return Outcome{}, fmt.Errorf("insert message log: %w", err)
	}

	res, err := d.send(ctx, a)
	done(breakerSuccess(err))
	out.HTTPStatus = res.httpStatus
	out.MessageID = res.resp.MessageID

	resolve := store.MessageLogResolve{ID: out.LogID, Status: domain.StatusSent}
	if err != nil {
		out.Err = err
		resolve.Status = domain.StatusFailed
		resolve.Error = err.Error()
	}
	out.Status = resolve.Status

	// The attempt already happened; record it even if the caller went away.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	resolve.Now = d.now()
	if rerr := d.Store.ResolveMessageLog(rctx, resolve); rerr != nil {
		slog.Error("resolve message log failed", "log_id", out.LogID, "status", resolve.Status, "err", rerr)
		return out, fmt.Errorf("resolve message log: %w", rerr)
	}
	return out, nil
}

// admit returns the func that reports the call's result to the breaker.
func (d *Dispatcher) admit(ctx context.Context) (func(success bool), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.Limiter != nil {
		wait := d.LimiterWait
		if wait <= 0 {
			wait = 2 * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			observability.DeliverySend.WithLabelValues("rate_limited_local", "0").Inc()
			return nil, ErrLocalRateLimit
		}
	}

	if d.Breaker == nil {
		return func(bool) {}, nil
	}
	done, err := d.Breaker.Allow()
	if err != nil {
		observability.DeliverySend.WithLabelValues("cb_open", "0").Inc()
		return nil, err
	}
	return done, nil
}

func (d *Dispatcher) send(ctx context.Context, a Attempt) (sendResult, error) {
	start := time.Now()
	res, err := d.call(ctx, a)
	if err != nil {
		var ce callError
		status := 0
		if errors.As(err, &ce) {
			status = ce.httpStatus
			slog.Debug("instagram send failed", "http_status", status, "body", string(ce.raw))
		}
		observability.DeliverySend.WithLabelValues("error", strconv.Itoa(status)).Inc()
		return sendResult{httpStatus: status}, err
	}

	observability.DeliverySend.WithLabelValues("ok", strconv.Itoa(res.httpStatus)).Inc()
	observability.DeliveryLatency.Observe(time.Since(start).Seconds())
	return res, nil
}

func (d *Dispatcher) call(ctx context.Context, a Attempt) (sendResult, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	resp, httpStatus, raw, err := d.Sender.SendDirectMessage(ctx, instagram.SendRequest{
		AccessToken:       a.Settings.AccessToken,
		BusinessAccountID: a.Settings.BusinessAccountID,
		RecipientID:       a.RecipientID,
		Message:           a.Message,
	})
	if err != nil {
		return sendResult{}, callError{err: err, httpStatus: httpStatus, raw: raw}
	}
	return sendResult{resp: resp, httpStatus: httpStatus}, nil
}

func (d *Dispatcher) newLogID() string {
	if d.NewLogID != nil {
		return d.NewLogID()
	}
	return util.NewMessageLogID()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

type sendResult struct {
	resp       instagram.SendResponse
	httpStatus int
}

// callError keeps the HTTP status of a failed send. Its text is the sender's
// error text unchanged.
type callError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }

// NewLimiter returns nil when DELIVERY_RPS is zero or negative.
func NewLimiter(cfg config.DeliveryConfig) *rate.Limiter {
	if cfg.DeliveryRPS <= 0 {
		return nil
	}
	burst := cfg.DeliveryBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.DeliveryRPS), burst)
}

// breakerSuccess counts client errors such as an invalid recipient as healthy
// responses from the remote API.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var ce callError
	if errors.As(err, &ce) {
		return ce.httpStatus >= 400 && ce.httpStatus < 500
	}
	return false
}

// NewBreaker trips on consecutive transport errors and 5xx responses.
func NewBreaker(cfg config.DeliveryConfig) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "instagram",
		MaxRequests: cfg.BreakerHalfOpenProbes,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return cfg.BreakerMaxFailures > 0 && c.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// New wires a Dispatcher with the limiter and breaker described by cfg.
func New(st store.MessageLogStore, sender Sender, cfg config.DeliveryConfig) *Dispatcher {
	return &Dispatcher{
		Store:   st,
		Sender:  sender,
		Limiter: NewLimiter(cfg),
		Breaker: NewBreaker(cfg),
		Timeout: cfg.DeliveryTimeout,
	}
}
