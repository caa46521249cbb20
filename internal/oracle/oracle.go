// Package oracle defines the Planner Oracle interface consumed by the
// Orchestrator. The oracle is treated as a pure function from the core's
// perspective; any retries, caching, or rate-limiting live behind this
// interface. The large-language-model call itself is out of scope: this
// package ships only an in-memory deterministic test double and a thin HTTP
// client adapter.
package oracle

import (
	"context"
	"errors"

	"github.com/flowmesh/workflowcore/internal/model"
)

// ErrOracleUnavailable is returned when the oracle cannot produce a plan.
var ErrOracleUnavailable = errors.New("oracle: unavailable")

// Oracle produces an initial DAG from a prompt and a corrective sub-DAG from
// a failure context.
type Oracle interface {
	PlanInitial(ctx context.Context, prompt string) ([]model.ProposedTask, error)
	PlanCorrection(ctx context.Context, correctionCtx model.CorrectionContext) (corrective []model.ProposedTask, retry model.ProposedTask, err error)
}
