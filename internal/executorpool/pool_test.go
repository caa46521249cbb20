package executorpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) Types() []string { return []string{"echo"} }
func (echoHandler) Accepts(executorType string, _ map[string]any) bool { return executorType == "echo" }
func (echoHandler) Execute(ctx context.Context, execCtx ExecutionContext) (Result, error) {
	return Result{Data: map[string]any{"echoed": execCtx.Parameters["message"]}}, nil
}

func TestRegistryLookupByType(t *testing.T) {
	r := NewRegistry()
	r.Register(echoHandler{})

	h := r.Lookup("echo", nil)
	require.NotNil(t, h)

	result, err := h.Execute(context.Background(), ExecutionContext{Parameters: map[string]any{"message": "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hi", result.Data["echoed"])
}

func TestRegistryLookupFallsBackToNil(t *testing.T) {
	r := NewRegistry()
	require.Nil(t, r.Lookup("unregistered", nil))
}

func TestMetricsRecordExecution(t *testing.T) {
	m := &Metrics{}
	m.recordExecution(10*time.Millisecond, true)
	m.recordExecution(20*time.Millisecond, false)

	processed, succeeded, failed, avg, _ := m.Snapshot()
	require.Equal(t, int64(2), processed)
	require.Equal(t, int64(1), succeeded)
	require.Equal(t, int64(1), failed)
	require.Greater(t, avg, time.Duration(0))
}

func TestShellHandlerRejectsUnlistedCommand(t *testing.T) {
	h := NewShellHandler()
	_, err := h.Execute(context.Background(), ExecutionContext{Parameters: map[string]any{"script": "rm -rf /"}})
	require.Error(t, err)
}

func TestShellHandlerAllowsWhitelistedCommand(t *testing.T) {
	h := NewShellHandler()
	result, err := h.Execute(context.Background(), ExecutionContext{Parameters: map[string]any{"script": "echo hello"}})
	require.NoError(t, err)
	require.Contains(t, result.Data["stdout"], "hello")
}
