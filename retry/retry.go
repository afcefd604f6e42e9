// Package retry runs operations with a bounded retry budget and exponential
// backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// JitterStrategy defines the jitter strategy for retry delays
type JitterStrategy string

const (
	JitterNone JitterStrategy = "NONE"
	JitterFull JitterStrategy = "FULL"
)

// Policy configures retry behavior. MaxRetries counts retries after the
// first attempt, so MaxRetries=2 allows three attempts in total.
type Policy struct {
	MaxRetries     int            `json:"max_retries" yaml:"max_retries"`
	BaseDelay      time.Duration  `json:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	BackoffRate    float64        `json:"backoff_rate,omitempty" yaml:"backoff_rate,omitempty"`
	JitterStrategy JitterStrategy `json:"jitter_strategy,omitempty" yaml:"jitter_strategy,omitempty"`

	// RetryIf decides whether an error is retried. Defaults to IsRecoverable.
	RetryIf func(error) bool `json:"-" yaml:"-"`

	// OnRetry is called before sleeping ahead of each retry.
	OnRetry func(attempt int, delay time.Duration, err error) `json:"-" yaml:"-"`
}

// DefaultPolicy returns two retries starting at 200ms and doubling.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:  2,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		BackoffRate: 2.0,
	}
}

// Option modifies a Policy
type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) {
		p.MaxRetries = n
	}
}

func WithBaseWait(d time.Duration) Option {
	return func(p *Policy) {
		p.BaseDelay = d
	}
}

func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) {
		p.MaxDelay = d
	}
}

func WithBackoffRate(rate float64) Option {
	return func(p *Policy) {
		p.BackoffRate = rate
	}
}

func WithJitter(strategy JitterStrategy) Option {
	return func(p *Policy) {
		p.JitterStrategy = strategy
	}
}

func WithRetryIf(fn func(error) bool) Option {
	return func(p *Policy) {
		p.RetryIf = fn
	}
}

func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) {
		p.OnRetry = fn
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	rate := p.BackoffRate
	if rate <= 0 {
		rate = 2.0
	}
	delay := float64(p.BaseDelay) * math.Pow(rate, float64(attempt-1))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	d := time.Duration(delay)
	if p.JitterStrategy == JitterFull && d > 0 {
		d = time.Duration(rand.Int64N(int64(d) + 1))
	}
	return d
}

// Do runs fn with the default policy adjusted by opts.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	p := Policy{BaseDelay: 200 * time.Millisecond, BackoffRate: 2.0}
	for _, opt := range opts {
		opt(&p)
	}
	return p.Do(ctx, fn)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// retry budget, or ctx is done. The last error from fn is returned.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = IsRecoverable
	}
	var err error
	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !retryIf(err) {
			return err
		}
		delay := p.Delay(attempt + 1)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
