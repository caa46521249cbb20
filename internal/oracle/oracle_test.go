package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/workflowcore/internal/model"
)

func TestFakePlanInitialReturnsRegisteredPlan(t *testing.T) {
	f := NewFake()
	f.SetInitialPlan("write a report", []model.ProposedTask{
		{Description: "gather data", ExecutorType: "api_caller"},
	})

	plan, err := f.PlanInitial(context.Background(), "write a report")
	require.NoError(t, err)
	require.Len(t, plan, 1)
}

func TestFakePlanInitialFailsForUnregisteredPrompt(t *testing.T) {
	f := NewFake()
	_, err := f.PlanInitial(context.Background(), "no plan for this")
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestFakePlanCorrectionReturnsRegisteredPlan(t *testing.T) {
	f := NewFake()
	f.SetCorrectionPlan("run script",
		[]model.ProposedTask{{Description: "install dependency", ExecutorType: "code_executor"}},
		model.ProposedTask{Description: "run script (retry)", ExecutorType: "code_executor"},
	)

	corrective, retry, err := f.PlanCorrection(context.Background(), model.CorrectionContext{
		FailedTask: model.Task{Description: "run script"},
	})
	require.NoError(t, err)
	require.Len(t, corrective, 1)
	require.Equal(t, "run script (retry)", retry.Description)
}

func TestFakePlanCorrectionFailsForUnregisteredFailure(t *testing.T) {
	f := NewFake()
	_, _, err := f.PlanCorrection(context.Background(), model.CorrectionContext{
		FailedTask: model.Task{Description: "unrecognized task"},
	})
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestHTTPClientPlanInitialDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/plan_initial", r.URL.Path)
		var req planInitialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "write a report", req.Prompt)

		_ = json.NewEncoder(w).Encode(planInitialResponse{Tasks: []wireProposedTask{
			{Description: "gather data", ExecutorType: "api_caller"},
			{Description: "write file", ExecutorType: "file_writer", DependenciesByLocalIndex: []int{0}},
		}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	plan, err := c.PlanInitial(context.Background(), "write a report")
	require.NoError(t, err)
	require.Len(t, plan, 2)
	require.Equal(t, []int{0}, plan[1].DependencyLocalIndexes)
}

func TestHTTPClientPlanInitialSurfacesUnavailableOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	_, err := c.PlanInitial(context.Background(), "anything")
	require.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestHTTPClientPlanCorrectionDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/plan_correction", r.URL.Path)
		var req planCorrectionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "HandlerError", req.FailedTask.ErrorType)

		_ = json.NewEncoder(w).Encode(planCorrectionResponse{
			CorrectiveTasks: []wireProposedTask{{Description: "install dependency", ExecutorType: "code_executor"}},
			RetryTask:       wireProposedTask{Description: "run script (retry)", ExecutorType: "code_executor"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	corrective, retry, err := c.PlanCorrection(context.Background(), model.CorrectionContext{
		FailedTask: model.Task{
			Description:   "run script",
			ExecutorType:  "code_executor",
			FeedbackNotes: &model.FeedbackNotes{ErrorType: "HandlerError", ErrorMessage: "boom"},
		},
	})
	require.NoError(t, err)
	require.Len(t, corrective, 1)
	require.Equal(t, "run script (retry)", retry.Description)
}
