package drain

import (
	"context"

	"github.com/dmitrijs2005/uplink/internal/logging"
)

// LivenessReporter is told when drain work begins and ends so the host
// process is not reclaimed while items are in flight. Purely advisory:
// nothing in the pipeline depends on it.
type LivenessReporter interface {
	WorkStarted(ctx context.Context)
	WorkFinished(ctx context.Context)
}

// NopReporter ignores liveness signals.
type NopReporter struct{}

func (NopReporter) WorkStarted(ctx context.Context)  {}
func (NopReporter) WorkFinished(ctx context.Context) {}

// LogReporter surfaces liveness as log lines, useful on hosts where the
// supervisor tails the agent's output.
type LogReporter struct {
	Log logging.Logger
}

func (r LogReporter) WorkStarted(ctx context.Context) {
	r.Log.Debug(ctx, "drain work in progress")
}

func (r LogReporter) WorkFinished(ctx context.Context) {
	r.Log.Debug(ctx, "drain work finished")
}
