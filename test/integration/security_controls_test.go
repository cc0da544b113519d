package integration

import (
	"net/http"
	"testing"

	"github.com/signoffhq/signoff/model"
)

func TestSecurity_MissingToken(t *testing.T) {
	h := NewTestHarness(t)

	var env model.ErrorEnvelope
	resp := h.GET("/workflows", "")
	h.AssertJSON(t, resp, http.StatusUnauthorized, &env)
	if env.Code != model.ErrUnauthorized {
		t.Errorf("code = %q, want %s", env.Code, model.ErrUnauthorized)
	}
}

func TestSecurity_ExpiredToken(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/workflows", h.GenerateExpiredToken(AuthorClaims()))
	h.AssertStatus(t, resp, http.StatusUnauthorized)
}

func TestSecurity_MalformedToken(t *testing.T) {
	h := NewTestHarness(t)

	for _, token := range []string{
		"not-a-jwt",
		"eyJhbGciOiJub25lIn0.e30.",
		"a.b.c",
	} {
		resp := h.GET("/workflows", token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	}
}

func TestSecurity_MissingCapability(t *testing.T) {
	h := NewTestHarness(t)

	// Reviewers can view but not create.
	reviewer := ReviewerClaims()
	var env model.ErrorEnvelope
	resp := h.POST("/workflows", WorkflowFixture(), h.GenerateToken(reviewer))
	h.AssertJSON(t, resp, http.StatusForbidden, &env)
	if env.Code != model.ErrForbidden {
		t.Errorf("code = %q, want %s", env.Code, model.ErrForbidden)
	}

	// A subject with no policy roles cannot even list.
	stranger := TestClaims{
		SubjectID: "user-stranger",
		TenantID:  "acme-corp",
		Email:     "stranger@acme-corp.test",
		Roles:     []string{"marketing"},
	}
	resp = h.GET("/workflows", h.GenerateToken(stranger))
	h.AssertStatus(t, resp, http.StatusForbidden)
}

func TestSecurity_WrongActorForStage(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	// Only the designated author may submit.
	var env model.ErrorEnvelope
	resp := h.Transition(wf.ID, "submit-for-review", nil, ReviewerClaims())
	h.AssertJSON(t, resp, http.StatusForbidden, &env)
	if env.Code != model.ErrForbidden {
		t.Errorf("code = %q, want %s", env.Code, model.ErrForbidden)
	}

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()

	// The approver cannot act during review, nor the reviewer during
	// approval.
	resp = h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ApproverClaims())
	h.AssertStatus(t, resp, http.StatusForbidden)

	h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ReviewerClaims()).Body.Close()

	resp = h.Transition(wf.ID, "approve-sign", nil, ReviewerClaims())
	h.AssertStatus(t, resp, http.StatusForbidden)
}

func TestSecurity_SegregationOfDuties(t *testing.T) {
	h := NewTestHarness(t)

	// The author also holds the approver assignment.
	input := WorkflowFixture()
	input.Approver = "user-author"
	wf, _ := h.CreateWorkflow(t, input)

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()
	h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ReviewerClaims()).Body.Close()

	var env model.ErrorEnvelope
	resp := h.Transition(wf.ID, "approve-sign", nil, AuthorClaims())
	h.AssertJSON(t, resp, http.StatusForbidden, &env)
	if env.Code != model.ErrSegregationViolation {
		t.Errorf("code = %q, want %s", env.Code, model.ErrSegregationViolation)
	}
}

func TestSecurity_TenantIsolation(t *testing.T) {
	h := NewTestHarness(t)
	wf, tasks := h.CreateWorkflow(t, WorkflowFixture())

	outsider := AuthorClaims()
	outsider.SubjectID = "user-author"
	outsider.TenantID = "rival-corp"
	token := h.GenerateToken(outsider)

	// Cross-tenant reads report not found rather than forbidden, so the
	// workflow's existence never leaks.
	var env model.ErrorEnvelope
	resp := h.GET("/workflows/"+wf.ID, token)
	h.AssertJSON(t, resp, http.StatusNotFound, &env)
	if env.Code != model.ErrNotFound {
		t.Errorf("code = %q, want %s", env.Code, model.ErrNotFound)
	}

	resp = h.GET("/workflows/"+wf.ID+"/tasks", token)
	h.AssertStatus(t, resp, http.StatusNotFound)

	resp = h.Transition(wf.ID, "submit-for-review", nil, outsider)
	h.AssertStatus(t, resp, http.StatusNotFound)

	resp = h.PUT("/tasks/"+tasks[0].ID, map[string]string{"task_statut": "in_progress"}, token)
	h.AssertStatus(t, resp, http.StatusNotFound)

	// Listing from the other tenant sees nothing.
	var list struct {
		Data       []model.Workflow `json:"data"`
		TotalCount int              `json:"total_count"`
	}
	resp = h.GET("/workflows", token)
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 0 {
		t.Errorf("cross-tenant total = %d, want 0", list.TotalCount)
	}
}

func TestSecurity_AdminBypass(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	admin := AdminClaims()

	// An admin drives every stage regardless of the named actors, and is
	// exempt from the separation check when approving their own document.
	var result model.TransitionResult
	resp := h.Transition(wf.ID, "submit-for-review", nil, admin)
	h.AssertJSON(t, resp, http.StatusOK, &result)
	resp = h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, admin)
	h.AssertJSON(t, resp, http.StatusOK, &result)
	resp = h.Transition(wf.ID, "approve-sign", nil, admin)
	h.AssertJSON(t, resp, http.StatusOK, &result)
	resp = h.Transition(wf.ID, "publish", nil, admin)
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusPublished {
		t.Fatalf("status = %q, want published", result.Workflow.Status)
	}
}

func TestSecurity_AbandonRestrictedToAuthor(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	body := map[string]string{"reason": "duplicate filing"}

	resp := h.Transition(wf.ID, "abandon", body, ReviewerClaims())
	h.AssertStatus(t, resp, http.StatusForbidden)

	// Admins may abandon on the author's behalf.
	var result model.TransitionResult
	resp = h.Transition(wf.ID, "abandon", body, AdminClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusRejected {
		t.Fatalf("status = %q, want rejected", result.Workflow.Status)
	}
}

func TestSecurity_LockedTasksHiddenFromNonAdmins(t *testing.T) {
	h := NewTestHarness(t)
	wf, tasks := h.CreateWorkflow(t, WorkflowFixture())

	var publicationTask model.Task
	for _, task := range tasks {
		if task.Stage == model.StagePublication {
			publicationTask = task
		}
	}

	// The assigned publisher cannot touch a task whose stage has not
	// unlocked yet, and cannot tell it exists.
	resp := h.PUT("/tasks/"+publicationTask.ID,
		map[string]string{"task_statut": "in_progress"}, h.GenerateToken(PublisherClaims()))
	h.AssertStatus(t, resp, http.StatusNotFound)

	// Admins see the full board.
	var taskList struct {
		Data []model.Task `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/tasks", h.GenerateToken(AdminClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &taskList)
	if len(taskList.Data) != 4 {
		t.Errorf("admin task view = %d, want 4", len(taskList.Data))
	}

	var authorView struct {
		Data []model.Task `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/tasks", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &authorView)
	if len(authorView.Data) != 1 {
		t.Errorf("author task view = %d, want 1 visible task", len(authorView.Data))
	}
}

func TestSecurity_ResponseHeaders(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/workflows", h.GenerateToken(AuthorClaims()))
	h.AssertStatus(t, resp, http.StatusOK)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	} {
		if got := resp.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("responses should carry a correlation id")
	}
}
