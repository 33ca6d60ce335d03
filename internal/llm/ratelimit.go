package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedClient holds each Chat call until the limiter admits it.
type RateLimitedClient struct {
	Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps client with a requests-per-minute limit.
// A non-positive rpm returns client unchanged.
func NewRateLimitedClient(client Client, rpm float64) Client {
	if rpm <= 0 {
		return client
	}
	burst := int(rpm / 60 * 2) // two seconds of quota
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		Client:  client,
		limiter: rate.NewLimiter(rate.Limit(rpm/60), burst),
	}
}

// Chat waits for a request slot, then delegates.
func (c *RateLimitedClient) Chat(ctx context.Context, req *Request) (*ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.Client.Chat(ctx, req)
}
