package integration

import (
	"net/http"
	"testing"

	"github.com/signoffhq/signoff/model"
)

func TestLifecycle_HappyPath(t *testing.T) {
	h := NewTestHarness(t)
	wf, tasks := h.CreateWorkflow(t, WorkflowFixture())

	if wf.Status != model.WorkflowStatusDraft {
		t.Fatalf("status = %q, want draft", wf.Status)
	}
	for _, task := range tasks {
		if task.Stage == model.StageDraft && !task.IsVisible {
			t.Error("draft task should start visible")
		}
		if task.Stage != model.StageDraft && task.IsVisible {
			t.Errorf("%s task should start locked", task.Stage)
		}
	}

	var result model.TransitionResult

	resp := h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusInReview {
		t.Fatalf("status = %q, want in_review", result.Workflow.Status)
	}
	if result.Workflow.SubmittedAt == nil {
		t.Error("submitted_at should be stamped")
	}

	resp = h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ReviewerClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusPendingApproval {
		t.Fatalf("status = %q, want pending_approval", result.Workflow.Status)
	}

	resp = h.Transition(wf.ID, "approve-sign", nil, ApproverClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusApproved {
		t.Fatalf("status = %q, want approved", result.Workflow.Status)
	}
	if result.Signature == nil {
		t.Fatal("approval should produce a signature")
	}
	if result.Signature.Algorithm != "sha256" || len(result.Signature.Digest) != 64 {
		t.Errorf("signature = %+v, want sha256 with 64-char hex digest", result.Signature)
	}
	if result.Signature.SignedBy != "user-approver" {
		t.Errorf("signed_by = %q, want user-approver", result.Signature.SignedBy)
	}

	resp = h.Transition(wf.ID, "publish", nil, PublisherClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusPublished {
		t.Fatalf("status = %q, want published", result.Workflow.Status)
	}
	if result.Workflow.PublishedAt == nil {
		t.Error("published_at should be stamped")
	}

	// All four tasks completed and visible.
	var taskList struct {
		Data []model.Task `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/tasks", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &taskList)
	if len(taskList.Data) != 4 {
		t.Fatalf("tasks = %d, want 4", len(taskList.Data))
	}
	for _, task := range taskList.Data {
		if task.Statut != model.TaskStatusCompleted {
			t.Errorf("%s task statut = %q, want completed", task.Stage, task.Statut)
		}
	}

	// Audit trail records every transition in order.
	var events struct {
		Data []model.WorkflowEvent `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/events", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &events)
	if len(events.Data) != 4 {
		t.Fatalf("events = %d, want 4", len(events.Data))
	}
	wantActions := []string{"submit_for_review", "validate_review", "approve_sign", "publish"}
	for i, want := range wantActions {
		if events.Data[i].Action != want {
			t.Errorf("events[%d].Action = %q, want %q", i, events.Data[i].Action, want)
		}
	}
}

func TestLifecycle_ReviewRejectionCycle(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	resp := h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertStatus(t, resp, http.StatusOK)

	var result model.TransitionResult
	resp = h.Transition(wf.ID, "validate-review",
		map[string]string{"action": "reject", "reason": "numbers do not add up"}, ReviewerClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusDraft {
		t.Fatalf("status = %q, want draft after rejection", result.Workflow.Status)
	}

	// The review task carries the rejection reason; the draft task is
	// reopened.
	var taskList struct {
		Data []model.Task `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/tasks", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &taskList)
	for _, task := range taskList.Data {
		switch task.Stage {
		case model.StageReview:
			if task.Statut != model.TaskStatusRejected {
				t.Errorf("review task statut = %q, want rejected", task.Statut)
			}
			if task.Notes != "numbers do not add up" {
				t.Errorf("review task notes = %q, want rejection reason", task.Notes)
			}
			if !task.IsVisible {
				t.Error("review task should stay visible after rejection")
			}
		case model.StageDraft:
			if task.Statut != model.TaskStatusPending {
				t.Errorf("draft task statut = %q, want pending after reopen", task.Statut)
			}
		}
	}

	// Resubmit and run the remaining stages to completion.
	resp = h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertStatus(t, resp, http.StatusOK)
	resp = h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ReviewerClaims())
	h.AssertStatus(t, resp, http.StatusOK)
	resp = h.Transition(wf.ID, "approve-sign", nil, ApproverClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusApproved {
		t.Fatalf("status = %q, want approved after rework", result.Workflow.Status)
	}
}

func TestLifecycle_ApprovalRejection(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()
	h.Transition(wf.ID, "validate-review", map[string]string{"action": "pass"}, ReviewerClaims()).Body.Close()

	// The approver can send the workflow back to draft with a reason.
	var result model.TransitionResult
	resp := h.Transition(wf.ID, "validate-review",
		map[string]string{"action": "reject", "reason": "wrong signatory listed"}, ApproverClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusDraft {
		t.Fatalf("status = %q, want draft after approval-stage rejection", result.Workflow.Status)
	}
}

func TestLifecycle_RejectWithoutReason(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()

	var env model.ErrorEnvelope
	resp := h.Transition(wf.ID, "validate-review", map[string]string{"action": "reject"}, ReviewerClaims())
	h.AssertJSON(t, resp, http.StatusUnprocessableEntity, &env)
	if env.Code != model.ErrValidationError {
		t.Errorf("code = %q, want %s", env.Code, model.ErrValidationError)
	}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	// Publishing a draft skips three stages.
	var env model.ErrorEnvelope
	resp := h.Transition(wf.ID, "publish", nil, PublisherClaims())
	h.AssertJSON(t, resp, http.StatusConflict, &env)
	if env.Code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want %s", env.Code, model.ErrInvalidTransition)
	}

	// Submitting twice is rejected the second time.
	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()
	resp = h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertStatus(t, resp, http.StatusConflict)
}

func TestLifecycle_Abandon(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()

	var result model.TransitionResult
	resp := h.Transition(wf.ID, "abandon",
		map[string]string{"reason": "requirements changed"}, AuthorClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)
	if result.Workflow.Status != model.WorkflowStatusRejected {
		t.Fatalf("status = %q, want rejected", result.Workflow.Status)
	}

	// Terminal: nothing can restart it.
	resp = h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertStatus(t, resp, http.StatusConflict)
}

func TestLifecycle_IdempotentSubmit(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	headers := map[string]string{"X-Idempotency-Key": "submit-once"}
	token := h.GenerateToken(AuthorClaims())

	var first model.TransitionResult
	resp := h.POSTWithHeaders("/workflows/"+wf.ID+"/submit-for-review", nil, token, headers)
	h.AssertJSON(t, resp, http.StatusOK, &first)

	// A network retry with the same key replays the first result.
	var second model.TransitionResult
	resp = h.POSTWithHeaders("/workflows/"+wf.ID+"/submit-for-review", nil, token, headers)
	h.AssertJSON(t, resp, http.StatusOK, &second)

	if second.Workflow.Status != model.WorkflowStatusInReview {
		t.Errorf("replayed status = %q, want in_review", second.Workflow.Status)
	}
	if second.Workflow.Version != first.Workflow.Version {
		t.Errorf("replayed version = %d, want %d", second.Workflow.Version, first.Workflow.Version)
	}
}

func TestLifecycle_TaskStatusOutsideStageMachine(t *testing.T) {
	h := NewTestHarness(t)
	wf, tasks := h.CreateWorkflow(t, WorkflowFixture())

	var draftTask model.Task
	for _, task := range tasks {
		if task.Stage == model.StageDraft {
			draftTask = task
		}
	}

	// The author flips the draft task to in_progress while working.
	var updated model.Task
	resp := h.PUT("/tasks/"+draftTask.ID,
		map[string]string{"task_statut": "in_progress"}, h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &updated)
	if updated.Statut != model.TaskStatusInProgress {
		t.Errorf("statut = %q, want in_progress", updated.Statut)
	}

	// The stage machine still owns completion.
	var result model.TransitionResult
	resp = h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims())
	h.AssertJSON(t, resp, http.StatusOK, &result)

	var taskList struct {
		Data []model.Task `json:"data"`
	}
	resp = h.GET("/workflows/"+wf.ID+"/tasks", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &taskList)
	for _, task := range taskList.Data {
		if task.Stage == model.StageDraft && task.Statut != model.TaskStatusCompleted {
			t.Errorf("draft task statut = %q, want completed after submit", task.Statut)
		}
	}
}

func TestLifecycle_MyTasksFollowProgress(t *testing.T) {
	h := NewTestHarness(t)
	wf, _ := h.CreateWorkflow(t, WorkflowFixture())

	var mine struct {
		Data []model.Task `json:"data"`
	}

	resp := h.GET("/tasks/mine", h.GenerateToken(ReviewerClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &mine)
	if len(mine.Data) != 0 {
		t.Errorf("reviewer tasks before submit = %d, want 0", len(mine.Data))
	}

	h.Transition(wf.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()

	resp = h.GET("/tasks/mine", h.GenerateToken(ReviewerClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &mine)
	if len(mine.Data) != 1 {
		t.Fatalf("reviewer tasks after submit = %d, want 1", len(mine.Data))
	}
	if mine.Data[0].Stage != model.StageReview {
		t.Errorf("stage = %q, want review", mine.Data[0].Stage)
	}
}

func TestLifecycle_ListFilters(t *testing.T) {
	h := NewTestHarness(t)

	wf1, _ := h.CreateWorkflow(t, WorkflowFixture())
	h.CreateWorkflow(t, WorkflowFixture())

	h.Transition(wf1.ID, "submit-for-review", nil, AuthorClaims()).Body.Close()

	var list struct {
		Data       []model.Workflow `json:"data"`
		TotalCount int              `json:"total_count"`
	}

	resp := h.GET("/workflows?status=in_review", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 1 {
		t.Errorf("in_review total = %d, want 1", list.TotalCount)
	}

	resp = h.GET("/workflows?status=draft", h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 1 {
		t.Errorf("draft total = %d, want 1", list.TotalCount)
	}

	resp = h.GET("/workflows?role=reviewer", h.GenerateToken(ReviewerClaims()))
	h.AssertJSON(t, resp, http.StatusOK, &list)
	if list.TotalCount != 2 {
		t.Errorf("reviewer role total = %d, want 2", list.TotalCount)
	}
}
