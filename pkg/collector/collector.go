// Package collector embeds the scale ingestion daemon in another program.
package collector

import (
	"context"

	"scale-ingest/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

// Run loads the configuration named by opts and runs the collector until ctx is done.
// Unset options are filled from the SCALE_INGEST_* environment variables.
func Run(ctx context.Context, opts Options) error {
	opts.ApplyEnv(nil)
	return tasks.InitAndRun(ctx, opts)
}
