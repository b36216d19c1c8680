/*
Package jobqueue configuration - tunable parameters for the River queues.

# Queues

Two queues are served by every worker process:

  - processing: one job per inbound client message. Jobs sleep through the
    buffer delay before electing the batch representative, so worker count
    bounds how many bursts are debounced concurrently.
  - inactivity: scheduled follow-up checks. These are cheap and mostly skip.

## Tuning

- Raise ProcessingWorkers when bursts queue behind each other; every busy
  worker holds a database connection only while it queries, not while it sleeps.
- MaxAttempts bounds retries of transient failures (AI or delivery outages).
- RetryPolicy spaces attempts exponentially; River's own default is used when
  the policy is zero.
*/
package jobqueue

import (
	"math"
	"time"

	"github.com/riverqueue/river"
)

const (
	QueueProcessing = "processing"
	QueueInactivity = "inactivity"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	ProcessingWorkers int
	InactivityWorkers int

	MaxAttempts int
	RetryPolicy RetryPolicy

	// ProcessingTimeout must cover the buffer delay plus the AI call.
	ProcessingTimeout time.Duration
	FollowUpTimeout   time.Duration
}

// RetryPolicy defines how failed jobs are retried
type RetryPolicy struct {
	InitialInterval time.Duration // default: 5 seconds
	MaxInterval     time.Duration // default: 10 minutes
	Multiplier      float64       // default: 2.0
}

func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		ProcessingWorkers: 5,
		InactivityWorkers: 5,
		MaxAttempts:       5,
		RetryPolicy: RetryPolicy{
			InitialInterval: 5 * time.Second,
			MaxInterval:     10 * time.Minute,
			Multiplier:      2.0,
		},
		ProcessingTimeout: 2 * time.Minute,
		FollowUpTimeout:   time.Minute,
	}
}

// DevelopmentQueueConfig returns a configuration optimized for development
func DevelopmentQueueConfig() *QueueConfig {
	config := DefaultQueueConfig()
	config.ProcessingWorkers = 2
	config.InactivityWorkers = 1
	config.MaxAttempts = 2
	config.RetryPolicy.MaxInterval = 30 * time.Second
	return config
}

// Backoff returns the wait before the given attempt is retried. attempt is
// 1-based, matching River's JobRow.Attempt. Zero means "use River's default".
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		QueueProcessing: {MaxWorkers: max(c.ProcessingWorkers, 1)},
		QueueInactivity: {MaxWorkers: max(c.InactivityWorkers, 1)},
	}
}
