// Package ratelimit counts authentication attempts per (user, method) in
// a sliding window. The in-memory limiter serves a single instance; the
// Redis limiter shares counters between instances.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	DEFAULT_ATTEMPTS = 3
	DEFAULT_WINDOW   = 15 * time.Minute
)

var (
	ErrThrottled        = errors.New("ratelimit: too many attempts")
	ErrCapacityExceeded = errors.New("ratelimit: limiter capacity exceeded")
)

// Decision is the state of a key's window after an attempt or a peek
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	// Records an attempt. The attempt is admitted while fewer than Limit
	// attempts were recorded inside the window.
	Allow(ctx context.Context, key string) (Decision, error)
	// Returns the window state without recording an attempt
	Peek(ctx context.Context, key string) (Decision, error)
	// Forgets every attempt recorded for the key
	Reset(ctx context.Context, key string) error
}

type Config struct {
	Attempts int           `yaml:"attempts" json:"attempts" mapstructure:"attempts"`
	Window   time.Duration `yaml:"window" json:"window" mapstructure:"window"`
}

func (c Config) withDefaults() Config {
	if c.Attempts <= 0 {
		c.Attempts = DEFAULT_ATTEMPTS
	}
	if c.Window <= 0 {
		c.Window = DEFAULT_WINDOW
	}
	return c
}

// Returns the counter key of a user and authentication method
func Key(userID, method string) string {
	return fmt.Sprintf("sigtrust:auth:%s:%s", userID, method)
}
