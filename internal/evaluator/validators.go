package evaluator

import (
	"os"
	"regexp"

	"github.com/flowmesh/workflowcore/internal/model"
)

// ValidationResult is a validator's verdict on a result envelope.
type ValidationResult struct {
	Valid         bool
	Notes         string
	ValidatorName string
	Reason        string
}

// Validator inspects a result envelope per task class and decides whether
// the executor's reported outcome actually holds up. task is the task row
// the envelope is reporting against, so a validator can check the result
// against what was originally asked for (e.g. expected_content) rather than
// trusting only what the executor chose to self-report in env.Data.
type Validator interface {
	Validate(env model.ResultEnvelope, task model.Task) ValidationResult
}

// StderrAllowPatterns holds the regexes from CODE_EXECUTOR_STDERR_ALLOW;
// empty means strict (any stderr output fails validation), per the open
// question decision recorded for the code_executor validator.
var StderrAllowPatterns []*regexp.Regexp

// SetStderrAllowPatterns compiles the configured whitelist.
func SetStderrAllowPatterns(patterns []string) error {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, re)
	}
	StderrAllowPatterns = compiled
	return nil
}

// CodeExecutorValidator implements the code_executor class: ok iff the
// handler reported status=success and stderr is empty or whitelisted.
type CodeExecutorValidator struct{}

func (CodeExecutorValidator) Validate(env model.ResultEnvelope, _ model.Task) ValidationResult {
	if env.Outcome != model.OutcomeOK {
		return ValidationResult{Valid: false, ValidatorName: "code_executor", Reason: "executor reported error"}
	}
	status, _ := env.Data["status"].(string)
	if status != "success" {
		return ValidationResult{Valid: false, ValidatorName: "code_executor", Reason: "handler status != success"}
	}
	stderr, _ := env.Data["stderr"].(string)
	if stderr == "" {
		return ValidationResult{Valid: true, Notes: "stderr empty"}
	}
	for _, re := range StderrAllowPatterns {
		if re.MatchString(stderr) {
			return ValidationResult{Valid: true, Notes: "stderr matched whitelist"}
		}
	}
	return ValidationResult{Valid: false, ValidatorName: "code_executor", Reason: "non-empty stderr not whitelisted"}
}

// FileWriterValidator implements the file_writer class: ok iff the declared
// file exists and, when the task's expected_content parameter is set,
// matches byte-for-byte. expected_content comes from the task row rather
// than env.Data, since the latter is self-reported by the same executor
// whose output is under test.
type FileWriterValidator struct{}

func (FileWriterValidator) Validate(env model.ResultEnvelope, task model.Task) ValidationResult {
	if env.Outcome != model.OutcomeOK {
		return ValidationResult{Valid: false, ValidatorName: "file_writer", Reason: "executor reported error"}
	}
	path, _ := env.Data["path"].(string)
	if path == "" {
		return ValidationResult{Valid: false, ValidatorName: "file_writer", Reason: "no path reported"}
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{Valid: false, ValidatorName: "file_writer", Reason: "declared file does not exist"}
	}
	if expected, ok := task.Parameters["expected_content"].(string); ok {
		if string(content) != expected {
			return ValidationResult{Valid: false, ValidatorName: "file_writer", Reason: "content mismatch"}
		}
	}
	return ValidationResult{Valid: true, Notes: "file verified"}
}

// APICallerValidator implements the api_caller class: ok iff the reported
// HTTP status is in [200, 300).
type APICallerValidator struct{}

func (APICallerValidator) Validate(env model.ResultEnvelope, _ model.Task) ValidationResult {
	if env.Outcome != model.OutcomeOK {
		return ValidationResult{Valid: false, ValidatorName: "api_caller", Reason: "executor reported error"}
	}
	status, ok := env.Data["status_code"].(float64)
	if !ok {
		return ValidationResult{Valid: false, ValidatorName: "api_caller", Reason: "no status_code reported"}
	}
	if status < 200 || status >= 300 {
		return ValidationResult{Valid: false, ValidatorName: "api_caller", Reason: "status_code outside [200,300)"}
	}
	return ValidationResult{Valid: true}
}

// FallbackValidator implements the custom-type fallback: ok iff
// outcome == ok.
type FallbackValidator struct{}

func (FallbackValidator) Validate(env model.ResultEnvelope, _ model.Task) ValidationResult {
	return ValidationResult{Valid: env.Outcome == model.OutcomeOK}
}
