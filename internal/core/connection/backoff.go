package connection

import (
	"math/rand"
	"time"

	"github.com/trymwestin/deconzws/internal/config"
)

// Policy configures the reconnect supervisor.
type Policy struct {
	Enabled    bool
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the maximum extra delay as a fraction of the base delay.
	Jitter float64
	// MaxAttempts bounds consecutive failed dials; 0 retries forever.
	MaxAttempts int
}

// PolicyFromConfig converts the reconnect section of the configuration.
func PolicyFromConfig(c config.ReconnectConfig) Policy {
	return Policy{
		Enabled:     c.Enabled,
		Initial:     c.InitialDelay,
		Max:         c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
		MaxAttempts: c.MaxAttempts,
	}
}

// Backoff calculates exponential backoff delays with jitter.
// It is not safe for concurrent use.
type Backoff struct {
	current    time.Duration
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int
}

// NewBackoff creates a backoff from p, filling unset fields with
// 1s initial, 2m max and a multiplier of 2.
func NewBackoff(p Policy) *Backoff {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Minute
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return &Backoff{
		current:    p.Initial,
		initial:    p.Initial,
		max:        p.Max,
		multiplier: p.Multiplier,
		jitter:     p.Jitter,
	}
}

// Next returns the next delay (with jitter) and advances the backoff.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	if b.jitter > 0 {
		delay += time.Duration(float64(b.current) * b.jitter * rand.Float64())
	}

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return delay
}

// Reset returns to the initial delay. Call it after a successful connection.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Current returns the base delay Next will use, without jitter.
func (b *Backoff) Current() time.Duration {
	return b.current
}
