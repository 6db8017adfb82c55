package notify

import (
	"context"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimited caps how many notifications per minute reach the wrapped
// dispatcher. Senders wait for a token with their own context.
type RateLimited struct {
	next    Dispatcher
	limiter *rate.Limiter
}

// NewRateLimited starts with a full bucket of perMinute tokens, so a burst
// of that many notifications goes out at once.
func NewRateLimited(next Dispatcher, perMinute int) *RateLimited {
	if perMinute <= 0 {
		return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

// SetRate changes the limit. Non-positive values disable limiting.
func (r *RateLimited) SetRate(perMinute int) {
	if perMinute <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Every(time.Minute / time.Duration(perMinute)))
	r.limiter.SetBurst(perMinute)
}

func (r *RateLimited) Name() string {
	return nameOf(r.next)
}

func (r *RateLimited) Send(ctx context.Context, subject, body string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return pkgerrors.Wrap(err, "notification rate limit")
	}
	return r.next.Send(ctx, subject, body)
}
