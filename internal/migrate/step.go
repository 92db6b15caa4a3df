package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/habitcore/internal/model"
)

// errCheckpoint ends a batch; see StepContext.Checkpoint.
var errCheckpoint = errors.New("migration checkpoint")

// Step is one ordered, versioned data-shape upgrade.
//
// Apply mutates sc.Dataset in place. It runs under the user's writer lock
// and must not call the store. It must tolerate being re-run on a dataset
// it already partially transformed: a crash before the step is marked
// complete re-runs it from its last checkpoint.
type Step struct {
	ID          string
	Version     int
	Description string
	Apply       func(ctx context.Context, sc *StepContext) error
}

// StepContext is what a running step sees.
type StepContext struct {
	UserID string

	// Dataset is the freshest stored dataset, read under the writer lock.
	// Changes are committed when Apply returns.
	Dataset *model.Dataset

	// Cursor is the resume cursor from the last checkpoint of this step, or
	// empty when the step starts fresh.
	Cursor string

	// Now is the run's wall time.
	Now time.Time

	Logger *slog.Logger

	stepID string
	next   string
}

// Resumed reports whether the step continues from a checkpoint.
func (sc *StepContext) Resumed() bool {
	return sc.Cursor != ""
}

// Checkpoint ends the current batch at cursor. Apply returns its result
// straight away; the batch is committed with a resume token and Apply is
// called again, on a fresh read, with Cursor set. An interrupted run
// continues after cursor instead of restarting.
func (sc *StepContext) Checkpoint(cursor string) error {
	if cursor == "" {
		return fmt.Errorf("checkpoint %s: empty cursor", sc.stepID)
	}
	sc.next = cursor
	return errCheckpoint
}
