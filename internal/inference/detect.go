package inference

import (
	"context"
	"fmt"
	"time"
)

const probeTimeout = 2 * time.Second

// IsRunning reports whether ep answers GET /models.
func (c *Client) IsRunning(ctx context.Context, ep Endpoint) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := c.ListModels(ctx, ep)
	return err == nil
}

// Detect probes candidates in order and returns the first reachable one.
// With no candidates it probes the default endpoint of every kind.
func (c *Client) Detect(ctx context.Context, candidates ...Endpoint) (Endpoint, error) {
	if len(candidates) == 0 {
		candidates = DefaultEndpoints()
	}
	for _, ep := range candidates {
		if ctx.Err() != nil {
			return Endpoint{}, ctx.Err()
		}
		if c.IsRunning(ctx, ep) {
			c.logger.Debug("detected inference endpoint", "kind", ep.Kind, "url", ep.BaseURL)
			return ep, nil
		}
	}
	return Endpoint{}, fmt.Errorf("no reachable inference endpoint among %d candidates", len(candidates))
}
