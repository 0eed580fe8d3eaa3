package failover

import (
	"sync"
	"time"
)

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 5,
	}
}

type endpointStats struct {
	errorCount    int
	cooldownUntil time.Time
}

// Cooldowns tracks failing endpoints by name. Each consecutive failure
// multiplies the pause, up to Max; a success clears it.
type Cooldowns struct {
	config CooldownConfig

	mu    sync.Mutex
	stats map[string]*endpointStats
}

func NewCooldowns(cfg CooldownConfig) *Cooldowns {
	def := DefaultCooldownConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = max(def.Max, cfg.Initial)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	return &Cooldowns{config: cfg, stats: make(map[string]*endpointStats)}
}

func (c *Cooldowns) Fail(name string, now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[name]
	if !ok {
		s = &endpointStats{}
		c.stats[name] = s
	}
	s.errorCount++
	d := c.duration(s.errorCount)
	s.cooldownUntil = now.Add(d)
	return d
}

func (c *Cooldowns) Reset(name string) {
	c.mu.Lock()
	delete(c.stats, name)
	c.mu.Unlock()
}

func (c *Cooldowns) InCooldown(name string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[name]
	return ok && now.Before(s.cooldownUntil)
}

func (c *Cooldowns) duration(errorCount int) time.Duration {
	d := c.config.Initial
	for i := 1; i < errorCount; i++ {
		d *= time.Duration(c.config.Multiplier)
		if d > c.config.Max {
			return c.config.Max
		}
	}
	return d
}
