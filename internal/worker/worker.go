// Package worker runs the gateway's background work: long-lived workers
// managed by a Runner, and short detached tasks tracked by a Pool so
// shutdown can wait for them.
package worker

import "context"

// Worker is a long-running background task.
type Worker interface {
	// Run blocks until ctx is cancelled or an unrecoverable error occurs.
	Run(ctx context.Context) error
}
