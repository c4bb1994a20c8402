package queue

import (
	"time"

	"github.com/nebari-dev/launchpad/internal/config"
)

// Backoff types
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff describes the wait between attempts
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// RetryPolicy controls how many times a job runs and what happens to the
// broker copy once it finishes.
type RetryPolicy struct {
	Attempts         int           `json:"attempts"`
	Backoff          Backoff       `json:"backoff"`
	RemoveOnComplete bool          `json:"removeOnComplete"`
	RemoveOnFail     bool          `json:"removeOnFail"`
	Timeout          time.Duration `json:"timeout,omitempty"`
}

// DefaultPolicy is the queue-wide default: 5 attempts, exponential backoff
// from 5s, completed messages dropped and failed ones kept.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:         5,
		Backoff:          Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

// SandboxPolicy overrides the default for sandbox creation: sandboxes are
// interactive, so give up fast.
func SandboxPolicy(base RetryPolicy) RetryPolicy {
	base.Attempts = 2
	base.Backoff = Backoff{Type: BackoffExponential, Delay: time.Second}
	return base
}

// PolicyFromConfig builds the queue-wide default from configuration
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	p := DefaultPolicy()
	if cfg.Attempts > 0 {
		p.Attempts = cfg.Attempts
	}
	if cfg.BackoffType != "" {
		p.Backoff.Type = cfg.BackoffType
	}
	if cfg.BackoffDelay > 0 {
		p.Backoff.Delay = cfg.BackoffDelay
	}
	p.RemoveOnComplete = cfg.RemoveOnComplete
	p.RemoveOnFail = cfg.RemoveOnFail
	return p
}

// MaxAttempts never returns less than one
func (p RetryPolicy) MaxAttempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// Delay returns the wait before attempt+1 given that attempt just failed
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Backoff.Delay
	if p.Backoff.Type != BackoffExponential {
		return d
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > time.Hour {
			return time.Hour
		}
	}
	return d
}
