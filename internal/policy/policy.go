// Package policy wraps the OPA Rego engine to gate DAG surgery: a proposed
// corrective sub-DAG is validated against policy before the Orchestrator
// commits it.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"

	"github.com/flowmesh/workflowcore/internal/config"
)

// Validator wraps a compiled, prepared OPA query bound to decisionPath.
type Validator struct {
	mu sync.RWMutex

	policyDir    string
	decisionPath string
	prepared     *rego.PreparedEvalQuery
	modules      map[string]*ast.Module
	watcher      *fsnotify.Watcher
	logger       *slog.Logger
}

// NewValidator builds a Validator that will load policies from cfg.PolicyDir
// and evaluate cfg.PolicyDecisionPath.
func NewValidator(cfg config.Config) *Validator {
	return &Validator{
		policyDir:    cfg.PolicyDir,
		decisionPath: cfg.PolicyDecisionPath,
		modules:      map[string]*ast.Module{},
		logger:       slog.Default().With("component", "policy"),
	}
}

// Load discovers and compiles every *.rego file in the policy directory. If
// the directory is empty or absent, the Validator falls back to an
// allow-all default so a fresh deployment is not blocked before an operator
// has authored policy.
func (v *Validator) Load(ctx context.Context) error {
	files, err := filepath.Glob(filepath.Join(v.policyDir, "*.rego"))
	if err != nil {
		return fmt.Errorf("policy: glob %s: %w", v.policyDir, err)
	}
	if len(files) == 0 {
		v.logger.Warn("no policy files found, allowing all surgeries", "dir", v.policyDir)
		v.mu.Lock()
		v.prepared = nil
		v.mu.Unlock()
		return nil
	}

	newModules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("policy: read %s: %w", file, err)
		}
		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return fmt.Errorf("policy: parse %s: %w", file, err)
		}
		newModules[file] = module
	}

	compiler := ast.NewCompiler()
	compiler.Compile(newModules)
	if compiler.Failed() {
		return fmt.Errorf("policy: compile failed: %v", compiler.Errors)
	}

	prepared, err := rego.New(
		rego.Query(v.decisionPath),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy: prepare query %s: %w", v.decisionPath, err)
	}

	v.mu.Lock()
	v.modules = newModules
	v.prepared = &prepared
	v.mu.Unlock()

	v.logger.Info("policies loaded", "count", len(files))
	return nil
}

// WatchAndReload hot-reloads the policy directory via fsnotify whenever a
// .rego file changes, so an operator's policy edit takes effect without a
// process restart.
func (v *Validator) WatchAndReload(ctx context.Context) error {
	watcher, err := config.WatchDir(v.policyDir, func(_ fsnotify.Event) {
		reloadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := v.Load(reloadCtx); err != nil {
			v.logger.Error("policy hot-reload failed", "error", err)
		} else {
			v.logger.Info("policy hot-reloaded")
		}
	})
	if err != nil {
		return err
	}
	v.watcher = watcher
	go func() {
		<-ctx.Done()
		watcher.Close()
	}()
	return nil
}

// SurgeryInput is the proposed plan handed to the policy as Rego input.
type SurgeryInput struct {
	WorkflowID          string           `json:"workflow_id"`
	FailedExecutorType  string           `json:"failed_executor_type"`
	CorrectiveTaskTypes []string         `json:"corrective_task_types"`
	RetryExecutorType   string           `json:"retry_executor_type"`
	SubDAGSize          int              `json:"sub_dag_size"`
	CorrectionGeneration int             `json:"correction_generation"`
}

// ValidatePlan evaluates a proposed corrective sub-DAG against policy.
// Returns false (not an error) when policy rejects the plan; an error
// indicates the policy engine itself could not evaluate.
func (v *Validator) ValidatePlan(ctx context.Context, in SurgeryInput) (allowed bool, err error) {
	tr := otel.Tracer("workflowcore-policy")
	ctx, span := tr.Start(ctx, "policy.validate_plan")
	defer span.End()

	v.mu.RLock()
	prepared := v.prepared
	v.mu.RUnlock()

	if prepared == nil {
		return true, nil
	}

	input := map[string]any{
		"workflow_id":            in.WorkflowID,
		"failed_executor_type":   in.FailedExecutorType,
		"corrective_task_types":  in.CorrectiveTaskTypes,
		"retry_executor_type":    in.RetryExecutorType,
		"sub_dag_size":           in.SubDAGSize,
		"correction_generation":  in.CorrectionGeneration,
	}
	results, err := prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("policy: eval failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("policy: no decision produced")
	}
	decision, _ := results[0].Expressions[0].Value.(bool)
	return decision, nil
}
