package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workflowcore/internal/config"
)

func newTestValidator(t *testing.T, policyDir string) *Validator {
	t.Helper()
	cfg := config.Config{
		PolicyDir:          policyDir,
		PolicyDecisionPath: "data.workflowcore.surgery.allow",
	}
	return NewValidator(cfg)
}

func TestValidatePlanAllowsAllWhenNoPoliciesLoaded(t *testing.T) {
	v := newTestValidator(t, t.TempDir())
	require.NoError(t, v.Load(context.Background()))

	allowed, err := v.ValidatePlan(context.Background(), SurgeryInput{
		FailedExecutorType: "code_executor",
		RetryExecutorType:  "code_executor",
	})
	require.NoError(t, err)
	require.True(t, allowed)
}

const testPolicy = `
package workflowcore.surgery

default allow = false

allow {
	input.retry_executor_type == input.failed_executor_type
	input.sub_dag_size <= 3
}
`

func TestValidatePlanAllowsMatchingRetryWithinSizeLimit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "surgery.rego"), []byte(testPolicy), 0o644))

	v := newTestValidator(t, dir)
	require.NoError(t, v.Load(context.Background()))

	allowed, err := v.ValidatePlan(context.Background(), SurgeryInput{
		FailedExecutorType: "code_executor",
		RetryExecutorType:  "code_executor",
		SubDAGSize:         2,
	})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestValidatePlanRejectsMismatchedRetryType(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "surgery.rego"), []byte(testPolicy), 0o644))

	v := newTestValidator(t, dir)
	require.NoError(t, v.Load(context.Background()))

	allowed, err := v.ValidatePlan(context.Background(), SurgeryInput{
		FailedExecutorType: "code_executor",
		RetryExecutorType:  "file_writer",
		SubDAGSize:         1,
	})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestValidatePlanRejectsOversizedSubDAG(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "surgery.rego"), []byte(testPolicy), 0o644))

	v := newTestValidator(t, dir)
	require.NoError(t, v.Load(context.Background()))

	allowed, err := v.ValidatePlan(context.Background(), SurgeryInput{
		FailedExecutorType: "code_executor",
		RetryExecutorType:  "code_executor",
		SubDAGSize:         4,
	})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestLoadRejectsInvalidRego(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("not valid rego"), 0o644))

	v := newTestValidator(t, dir)
	require.Error(t, v.Load(context.Background()))
}
