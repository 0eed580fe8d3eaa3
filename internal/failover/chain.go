// Package failover tries a list of oracle endpoints in order, skipping the
// ones that recently failed.
package failover

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/oracle"
)

// Endpoint is one named oracle in a chain.
type Endpoint struct {
	Name   string
	Oracle oracle.Oracle
}

// Chain implements oracle.Oracle over several endpoints.
type Chain struct {
	endpoints []Endpoint
	cooldowns *Cooldowns
	logger    *zap.Logger
	now       func() time.Time
}

func NewChain(endpoints []Endpoint, cooldowns *Cooldowns, logger *zap.Logger) *Chain {
	if cooldowns == nil {
		cooldowns = NewCooldowns(DefaultCooldownConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{
		endpoints: endpoints,
		cooldowns: cooldowns,
		logger:    logger.Named("failover"),
		now:       time.Now,
	}
}

// Ask returns the first reply. When every endpoint fails or is cooling down
// the error is an *oracle.Error wrapping *AllExhaustedError, so callers
// fall back exactly as they would for a single endpoint.
func (c *Chain) Ask(ctx context.Context, prompt string) (string, error) {
	exhausted := &AllExhaustedError{}
	for _, ep := range c.endpoints {
		if c.cooldowns.InCooldown(ep.Name, c.now()) {
			exhausted.Skipped = append(exhausted.Skipped, ep.Name)
			continue
		}
		exhausted.Attempted = append(exhausted.Attempted, ep.Name)

		reply, err := ep.Oracle.Ask(ctx, prompt)
		if err == nil {
			c.cooldowns.Reset(ep.Name)
			return reply, nil
		}
		exhausted.Last = err
		if isCallerDone(ctx, err) || !IsRetryable(err) {
			return "", err
		}
		pause := c.cooldowns.Fail(ep.Name, c.now())
		c.logger.Warn("oracle endpoint failed, trying next",
			zap.String("endpoint", ep.Name),
			zap.Duration("cooldown", pause),
			zap.Error(err))
	}

	kind := oracle.KindUnavailable
	if exhausted.Last != nil {
		kind = oracle.KindOf(exhausted.Last)
	}
	return "", &oracle.Error{Kind: kind, Err: exhausted}
}
