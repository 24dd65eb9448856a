// Package ratelimit bounds how many photos one sender may submit to one event
// inside a trailing time window.
//
// Check is a pure read used before any side effect; Record is the write that
// happens after the photo was stored. Record re-checks the bound, so two
// concurrent submissions that both passed Check cannot both be recorded.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrLimitExceeded is returned by Record when the window is already full.
var ErrLimitExceeded = errors.New("upload limit exceeded")

// Key identifies one rate-limited stream: a sender within an event.
type Key struct {
	EventID  int64
	SenderID string
}

// Decision is the result of Check.
type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RetryMinutes rounds RetryAfter up to whole minutes, at least 1.
func (d Decision) RetryMinutes() int {
	m := int(math.Ceil(d.RetryAfter.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// Limiter is implemented by Durable and Memory.
type Limiter interface {
	Check(ctx context.Context, key Key) (Decision, error)
	Record(ctx context.Context, key Key, imageID int64, at time.Time) error
}

// Config holds the bound: at most Limit uploads per Window.
type Config struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// DefaultConfig returns two photos every ten minutes.
func DefaultConfig() Config {
	return Config{
		Limit:  2,
		Window: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Limit <= 0 {
		c.Limit = def.Limit
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

func decide(cfg Config, count int, oldest, now time.Time) Decision {
	if count < cfg.Limit {
		return Decision{Allowed: true, Count: count}
	}
	retry := oldest.Add(cfg.Window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Count: count, RetryAfter: retry}
}
