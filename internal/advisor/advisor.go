// Package advisor holds the collaborator interfaces the execution core
// consumes but does not own: deadline estimation, load sampling, and the
// best-effort execution hooks. The in-tree defaults exist so the binary runs
// standalone; callers swap in real implementations at server construction.
package advisor

import (
	"context"
	"time"
)

// Estimate is a suggested deadline for a task, with how much the advisor
// trusts it. Low confidence means "use your generous default", never an
// error.
type Estimate struct {
	Duration   time.Duration
	Confidence float64 // 0.0 .. 1.0
}

// TimeoutAdvisor suggests a deadline for a task description. It may be
// backed by historical similarity lookup; the core only ever calls it.
type TimeoutAdvisor interface {
	Estimate(ctx context.Context, taskText string) Estimate
}

// ResourceSampler reports a load-based multiplier (≥ 1.0) applied to
// estimated deadlines before they are armed.
type ResourceSampler interface {
	LoadMultiplier() float64
}

// Hook receives best-effort notifications around executions. Calls are
// fire-and-forget: a hook failure or panic never aborts or delays the
// execution it surrounds.
type Hook interface {
	BeforeExecute(ctx context.Context, sessionID, command string)
	AfterExecute(ctx context.Context, sessionID, command, status string)
}

// NopHook ignores all notifications.
type NopHook struct{}

func (NopHook) BeforeExecute(context.Context, string, string) {}

func (NopHook) AfterExecute(context.Context, string, string, string) {}
