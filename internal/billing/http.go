package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type HTTPOptions struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	MaxRetries uint64
	// NewBackOff overrides the retry schedule.
	NewBackOff func() backoff.BackOff
}

// HTTPBackend reads plans from the billing platform's API behind a circuit
// breaker.
type HTTPBackend struct {
	opts    HTTPOptions
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewHTTPBackend(opts HTTPOptions, logger *zap.Logger) *HTTPBackend {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		}
	}
	logger = logger.Named("billing.http")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "billing",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNoPlan)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &HTTPBackend{opts: opts, breaker: cb, logger: logger}
}

var errNoPlan = errors.New("no plan")

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("billing responded %d", e.code) }

func (b *HTTPBackend) CurrentPlan(ctx context.Context, orgID string) (*Plan, error) {
	var plan *Plan
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		res, err := b.breaker.Execute(func() (interface{}, error) {
			return b.fetch(ctx, orgID)
		})
		if err != nil {
			var se *statusError
			switch {
			case errors.Is(err, errNoPlan):
				plan = nil
				return nil
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				return backoff.Permanent(err)
			case errors.As(err, &se) && se.code < 500:
				return backoff.Permanent(err)
			}
			return err
		}
		plan = res.(*Plan)
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b.opts.NewBackOff(), b.opts.MaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("billing plan for %s: %w", orgID, err)
	}
	return plan, nil
}

func (b *HTTPBackend) fetch(ctx context.Context, orgID string) (*Plan, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.opts.BaseURL+"/api/v1/orgs/"+url.PathEscape(orgID)+"/plan", nil)
	if err != nil {
		return nil, err
	}
	if b.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.opts.Token)
	}
	res, err := b.opts.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, errNoPlan
	case res.StatusCode != http.StatusOK:
		return nil, &statusError{code: res.StatusCode}
	}
	var p Plan
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
