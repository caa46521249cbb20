package evaluator

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workflowcore/internal/model"
)

func TestScoreSuccessBase(t *testing.T) {
	env := model.ResultEnvelope{Outcome: model.OutcomeOK, Data: map[string]any{"status": "success"}}
	task := model.Task{ExecutorType: "generic"}
	reward, feedback := score(env, task, ValidationResult{Valid: true})
	require.Equal(t, 1.0, reward)
	require.Equal(t, "success", feedback.Status)
}

func TestScoreSuccessAfterCorrectionGetsBonus(t *testing.T) {
	env := model.ResultEnvelope{Outcome: model.OutcomeOK}
	task := model.Task{Retries: 1}
	reward, _ := score(env, task, ValidationResult{Valid: true})
	require.Equal(t, 1.5, reward)
}

func TestScoreFailureBaseWithRetryCost(t *testing.T) {
	env := model.ResultEnvelope{Outcome: model.OutcomeError, Error: &model.ResultError{ErrorType: "HandlerError"}}
	task := model.Task{Retries: 2}
	reward, feedback := score(env, task, ValidationResult{Valid: false})
	require.InDelta(t, -1.2, reward, 1e-9)
	require.Equal(t, "failed", feedback.Status)
}

func TestScoreValidationFailurePenalty(t *testing.T) {
	env := model.ResultEnvelope{Outcome: model.OutcomeOK}
	task := model.Task{}
	reward, feedback := score(env, task, ValidationResult{Valid: false, ValidatorName: "file_writer", Reason: "missing file"})
	require.InDelta(t, -1.5, reward, 1e-9)
	require.Equal(t, "ValidationFailure", feedback.ErrorType)
}

func TestScoreClampsToBounds(t *testing.T) {
	env := model.ResultEnvelope{Outcome: model.OutcomeError}
	task := model.Task{Retries: 50}
	reward, _ := score(env, task, ValidationResult{Valid: false})
	require.Equal(t, -2.0, reward)
}

func TestCodeExecutorValidatorStrictByDefault(t *testing.T) {
	SetStderrAllowPatterns(nil) //nolint:errcheck
	v := CodeExecutorValidator{}
	result := v.Validate(model.ResultEnvelope{
		Outcome: model.OutcomeOK,
		Data:    map[string]any{"status": "success", "stderr": "warning: deprecated"},
	}, model.Task{})
	require.False(t, result.Valid)
}

func TestCodeExecutorValidatorHonorsWhitelist(t *testing.T) {
	require.NoError(t, SetStderrAllowPatterns([]string{"^warning:"}))
	defer SetStderrAllowPatterns(nil) //nolint:errcheck

	v := CodeExecutorValidator{}
	result := v.Validate(model.ResultEnvelope{
		Outcome: model.OutcomeOK,
		Data:    map[string]any{"status": "success", "stderr": "warning: deprecated"},
	}, model.Task{})
	require.True(t, result.Valid)
}

func TestAPICallerValidatorRejectsNonSuccessStatus(t *testing.T) {
	v := APICallerValidator{}
	result := v.Validate(model.ResultEnvelope{
		Outcome: model.OutcomeOK,
		Data:    map[string]any{"status_code": float64(500)},
	}, model.Task{})
	require.False(t, result.Valid)
}

func TestFileWriterValidatorAcceptsMatchingContent(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.txt"
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	v := FileWriterValidator{}
	task := model.Task{Parameters: map[string]any{"expected_content": "hello world"}}
	result := v.Validate(model.ResultEnvelope{
		Outcome: model.OutcomeOK,
		Data:    map[string]any{"path": path},
	}, task)
	require.True(t, result.Valid)
}

func TestFileWriterValidatorRejectsContentMismatch(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/out.txt"
	require.NoError(t, os.WriteFile(path, []byte("wrong contents"), 0o644))

	v := FileWriterValidator{}
	task := model.Task{Parameters: map[string]any{"expected_content": "hello world"}}
	result := v.Validate(model.ResultEnvelope{
		Outcome: model.OutcomeOK,
		Data:    map[string]any{"path": path},
	}, task)
	require.False(t, result.Valid)
	require.Equal(t, "content mismatch", result.Reason)
}
