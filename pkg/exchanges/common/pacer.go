package common

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer serializes signed requests for one credential. The in-flight cap is
// 1 so two requests never race on the same timestamp/signature pair, and the
// limiter keeps a burst of fan-out work under the venue's per-key rate limit.
type Pacer struct {
	limiter *rate.Limiter
	slot    chan struct{}
}

// NewPacer creates a pacer allowing rps signed requests per second.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		rps = 5
	}
	if burst < 1 {
		burst = 1
	}
	p := &Pacer{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		slot:    make(chan struct{}, 1),
	}
	return p
}

// Acquire blocks until the caller may issue a signed request. The returned
// release func must be called when the request completes.
func (p *Pacer) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := p.limiter.Wait(ctx); err != nil {
		<-p.slot
		return nil, err
	}
	return func() { <-p.slot }, nil
}
