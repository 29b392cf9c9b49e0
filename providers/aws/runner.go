package aws

import (
	"context"
	"fmt"

	"github.com/guardrail-sh/dispatch/engine"
)

// Runner is the production engine.Runner: it builds a provider from the
// run's assumed session, so every listing call happens under the target
// account's temporary credentials, then delegates to the in-process
// engine. The provider is discarded with the run.
type Runner struct {
	region  string
	invoker engine.ActionInvoker
}

// NewRunner creates a runner for region. A nil invoker means dry-run.
func NewRunner(region string, invoker engine.ActionInvoker) *Runner {
	return &Runner{region: region, invoker: invoker}
}

// Run implements engine.Runner.
func (r *Runner) Run(ctx context.Context, req engine.RunRequest) (*engine.RunReport, error) {
	if req.Session == nil {
		return nil, fmt.Errorf("run request carries no assumed session")
	}

	provider, err := NewProvider(ctx, req.Session, r.region)
	if err != nil {
		return nil, err
	}
	return engine.NewLocalRunner(provider, r.invoker).Run(ctx, req)
}
