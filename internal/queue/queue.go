// Package queue hands notification jobs to the external push/email
// collaborator with at-least-once semantics: bounded retries with
// exponential backoff. Enqueue failure is never fatal to a send.
package queue

import (
	"context"
	"time"
)

// Job is one background notification unit.
type Job struct {
	UserID  string `json:"userId"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Enqueuer accepts jobs for background execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Handler executes one job attempt. Returning an error schedules a retry
// until the attempt budget is spent.
type Handler func(ctx context.Context, job Job) error

// Backoff returns the delay before retry number attempt (1-based),
// doubling from base each time.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
