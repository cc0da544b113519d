package integration

import (
	"net/http"
	"testing"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/health", "")
		h.AssertStatus(t, resp, http.StatusOK)

		var body map[string]string
		h.ParseJSON(resp, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp := h.GET("/ready", "")
		h.AssertStatus(t, resp, http.StatusOK)

		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.ParseJSON(resp, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
		if _, ok := body.Checks["policy"]; !ok {
			t.Error("readiness should include the policy check")
		}
		if _, ok := body.Checks["workflow_store"]; !ok {
			t.Error("readiness should include the workflow store check")
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})

	t.Run("openapi", func(t *testing.T) {
		resp := h.GET("/openapi.yaml", "")
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

func TestHarness_Workflows(t *testing.T) {
	h := NewTestHarness(t)

	wf, tasks := h.CreateWorkflow(t, WorkflowFixture())
	if wf.ID == "" {
		t.Fatal("workflow ID should be set")
	}
	if len(tasks) != 4 {
		t.Fatalf("tasks = %d, want 4", len(tasks))
	}

	resp := h.GET("/workflows/"+wf.ID, h.GenerateToken(AuthorClaims()))
	h.AssertStatus(t, resp, http.StatusOK)
}
