package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/resilience"
)

// HTTPClient adapts a remote planning endpoint to the Oracle interface. It
// POSTs a JSON request and decodes a JSON response; it never calls a model
// itself. Calls are gated by a hybrid rate limiter, wrapped in a circuit
// breaker, and retried with backoff, so a flapping or overloaded planning
// endpoint degrades gracefully instead of stalling the supervision loop.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.HybridRateLimiter

	retryAttempts int
	retryDelay    time.Duration
}

// HTTPClientConfig bundles the resilience knobs around the oracle HTTP
// client; zero-value fields fall back to NewHTTPClient's defaults.
type HTTPClientConfig struct {
	RateLimitBurst      int
	RateLimitRefillRate float64
	RateLimitQueueSize  int
	RateLimitLeakRate   time.Duration
	RetryAttempts       int
	RetryBaseDelay      time.Duration
}

// NewHTTPClient builds an oracle client bound to endpoint with default
// resilience settings.
func NewHTTPClient(endpoint string) *HTTPClient {
	return NewHTTPClientWithConfig(endpoint, HTTPClientConfig{})
}

// NewHTTPClientWithConfig builds an oracle client bound to endpoint, using
// cfg's resilience knobs (falling back to sensible defaults for zero
// values).
func NewHTTPClientWithConfig(endpoint string, cfg HTTPClientConfig) *HTTPClient {
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	refill := cfg.RateLimitRefillRate
	if refill <= 0 {
		refill = 10.0
	}
	queueSize := cfg.RateLimitQueueSize
	if queueSize <= 0 {
		queueSize = 100
	}
	leakRate := cfg.RateLimitLeakRate
	if leakRate <= 0 {
		leakRate = 50 * time.Millisecond
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker: resilience.NewCircuitBreakerAdaptive(
			30*time.Second, 6, 5, 0.5, 10*time.Second, 3,
		),
		limiter:       resilience.NewHybridRateLimiter(burst, refill, queueSize, leakRate),
		retryAttempts: attempts,
		retryDelay:    delay,
	}
}

type planInitialRequest struct {
	Prompt string `json:"prompt"`
}

type planInitialResponse struct {
	Tasks []wireProposedTask `json:"tasks"`
}

type wireProposedTask struct {
	Description            string         `json:"description"`
	ExecutorType            string         `json:"executor_type"`
	Parameters              map[string]any `json:"parameters"`
	DependenciesByLocalIndex []int          `json:"dependencies_by_local_index"`
}

func (c *HTTPClient) PlanInitial(ctx context.Context, prompt string) ([]model.ProposedTask, error) {
	if !c.breaker.Allow() {
		return nil, ErrOracleUnavailable
	}
	if err := c.limiter.AllowOrWait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	resp, err := resilience.Retry(ctx, c.retryAttempts, c.retryDelay, func() (planInitialResponse, error) {
		var r planInitialResponse
		err := c.post(ctx, "/v1/plan_initial", planInitialRequest{Prompt: prompt}, &r)
		return r, err
	})
	c.breaker.RecordResult(err == nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return toProposedTasks(resp.Tasks), nil
}

type planCorrectionRequest struct {
	Prompt               string   `json:"prompt"`
	FailedTask           taskView `json:"failed_task"`
	SucceededSiblings    []taskView `json:"succeeded_siblings"`
	CorrectionGeneration int      `json:"correction_generation"`
}

type taskView struct {
	Description  string         `json:"description"`
	ExecutorType string         `json:"executor_type"`
	Parameters   map[string]any `json:"parameters"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

type planCorrectionResponse struct {
	CorrectiveTasks []wireProposedTask `json:"corrective_tasks"`
	RetryTask       wireProposedTask   `json:"retry_task"`
}

func (c *HTTPClient) PlanCorrection(ctx context.Context, correctionCtx model.CorrectionContext) ([]model.ProposedTask, model.ProposedTask, error) {
	if !c.breaker.Allow() {
		return nil, model.ProposedTask{}, ErrOracleUnavailable
	}
	if err := c.limiter.AllowOrWait(ctx); err != nil {
		return nil, model.ProposedTask{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	req := planCorrectionRequest{
		Prompt:               correctionCtx.Prompt,
		CorrectionGeneration: correctionCtx.CorrectionGeneration,
		FailedTask: taskView{
			Description:  correctionCtx.FailedTask.Description,
			ExecutorType: correctionCtx.FailedTask.ExecutorType,
			Parameters:   correctionCtx.FailedTask.Parameters,
		},
	}
	if fn := correctionCtx.FailedTask.FeedbackNotes; fn != nil {
		req.FailedTask.ErrorType = fn.ErrorType
		req.FailedTask.ErrorMessage = fn.ErrorMessage
	}
	for _, sib := range correctionCtx.SucceededSiblings {
		req.SucceededSiblings = append(req.SucceededSiblings, taskView{
			Description:  sib.Description,
			ExecutorType: sib.ExecutorType,
			Parameters:   sib.Parameters,
		})
	}

	resp, err := resilience.Retry(ctx, c.retryAttempts, c.retryDelay, func() (planCorrectionResponse, error) {
		var r planCorrectionResponse
		err := c.post(ctx, "/v1/plan_correction", req, &r)
		return r, err
	})
	c.breaker.RecordResult(err == nil)
	if err != nil {
		return nil, model.ProposedTask{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return toProposedTasks(resp.CorrectiveTasks), toProposedTask(resp.RetryTask), nil
}

func (c *HTTPClient) post(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("oracle endpoint returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(respBody)
}

func toProposedTasks(wire []wireProposedTask) []model.ProposedTask {
	out := make([]model.ProposedTask, 0, len(wire))
	for _, w := range wire {
		out = append(out, toProposedTask(w))
	}
	return out
}

func toProposedTask(w wireProposedTask) model.ProposedTask {
	return model.ProposedTask{
		Description:            w.Description,
		ExecutorType:           w.ExecutorType,
		Parameters:             w.Parameters,
		DependencyLocalIndexes: w.DependenciesByLocalIndex,
	}
}
