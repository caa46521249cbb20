package executorpool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HTTPHandler executes api_caller tasks.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler builds an HTTP handler with a pooling transport.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (h *HTTPHandler) Types() []string { return []string{"api_caller"} }

func (h *HTTPHandler) Accepts(executorType string, _ map[string]any) bool {
	return executorType == "api_caller"
}

func (h *HTTPHandler) Execute(ctx context.Context, execCtx ExecutionContext) (Result, error) {
	url, _ := execCtx.Parameters["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("api_caller: missing url parameter")
	}
	method, _ := execCtx.Parameters["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b, ok := execCtx.Parameters["body"]; ok {
		data, err := json.Marshal(b)
		if err != nil {
			return Result{}, fmt.Errorf("api_caller: marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, fmt.Errorf("api_caller: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("api_caller: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	return Result{Data: map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}}, nil
}

// FileWriterHandler executes file_writer tasks.
type FileWriterHandler struct{}

func NewFileWriterHandler() *FileWriterHandler { return &FileWriterHandler{} }

func (h *FileWriterHandler) Types() []string { return []string{"file_writer"} }

func (h *FileWriterHandler) Accepts(executorType string, _ map[string]any) bool {
	return executorType == "file_writer"
}

func (h *FileWriterHandler) Execute(ctx context.Context, execCtx ExecutionContext) (Result, error) {
	path, _ := execCtx.Parameters["path"].(string)
	if path == "" {
		return Result{}, fmt.Errorf("file_writer: missing path parameter")
	}
	content, _ := execCtx.Parameters["content"].(string)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{}, fmt.Errorf("file_writer: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Result{}, fmt.Errorf("file_writer: write: %w", err)
	}
	return Result{Data: map[string]any{"path": path, "bytes_written": len(content)}}, nil
}

// CodeExecutorHandler runs a Python script for code_executor tasks: writes
// the script to a temp directory and runs it under os/exec, bounded by the
// caller's context deadline.
type CodeExecutorHandler struct{}

func NewCodeExecutorHandler() *CodeExecutorHandler { return &CodeExecutorHandler{} }

func (h *CodeExecutorHandler) Types() []string { return []string{"code_executor"} }

func (h *CodeExecutorHandler) Accepts(executorType string, _ map[string]any) bool {
	return executorType == "code_executor"
}

func (h *CodeExecutorHandler) Execute(ctx context.Context, execCtx ExecutionContext) (Result, error) {
	code, _ := execCtx.Parameters["code"].(string)
	if code == "" {
		return Result{}, fmt.Errorf("code_executor: missing code parameter")
	}

	dir, err := os.MkdirTemp("", "workflowcore-task-*")
	if err != nil {
		return Result{}, fmt.Errorf("code_executor: mkdtemp: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "task.py")
	if err := os.WriteFile(scriptPath, []byte(code), 0o644); err != nil {
		return Result{}, fmt.Errorf("code_executor: write script: %w", err)
	}

	cmd := osexec.CommandContext(ctx, "python3", scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	status := "success"
	if runErr != nil {
		status = "error"
	}

	return Result{Data: map[string]any{
		"status": status,
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}}, runErr
}

// ShellHandler executes whitelisted shell commands only.
type ShellHandler struct {
	allowed map[string]bool
}

// NewShellHandler builds a shell handler restricted to a fixed command
// whitelist.
func NewShellHandler() *ShellHandler {
	return &ShellHandler{allowed: map[string]bool{
		"echo": true, "cat": true, "grep": true, "awk": true,
		"sed": true, "jq": true, "curl": true, "wget": true, "python": true,
	}}
}

func (h *ShellHandler) Types() []string { return []string{"shell"} }

func (h *ShellHandler) Accepts(executorType string, _ map[string]any) bool {
	return executorType == "shell"
}

func (h *ShellHandler) Execute(ctx context.Context, execCtx ExecutionContext) (Result, error) {
	script, _ := execCtx.Parameters["script"].(string)
	parts := strings.Fields(script)
	if len(parts) == 0 {
		return Result{}, fmt.Errorf("shell: empty command")
	}
	if !h.allowed[parts[0]] {
		return Result{}, fmt.Errorf("shell: command %q not in whitelist", parts[0])
	}

	cmd := osexec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return Result{Data: map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": strconv.Itoa(exitCode),
	}}, err
}
