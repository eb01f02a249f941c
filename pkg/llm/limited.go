package llm

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// Limited spaces calls to a provider.
type Limited struct {
	Provider
	limiter *rate.Limiter
}

// NewLimited wraps p so at most perMinute calls start per minute. A
// non-positive perMinute disables limiting.
func NewLimited(p Provider, perMinute int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(limit, 1)}
}

func (l *Limited) Generate(ctx context.Context, r Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Provider.Generate(ctx, r)
}

// Close releases the underlying provider if it holds resources.
func (l *Limited) Close() error {
	if c, ok := l.Provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
