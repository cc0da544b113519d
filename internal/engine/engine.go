// Package engine implements the document approval circuit: a state machine
// over workflow status with role-gated transitions, per-stage task
// visibility, and segregation-of-duties enforcement.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/signoffhq/signoff/model"
)

const defaultPageSize = 20

// Engine manages the lifecycle of approval workflows.
type Engine struct {
	store       Store
	capResolver model.CapabilityResolver
}

// NewEngine creates a new workflow engine.
func NewEngine(store Store, capResolver model.CapabilityResolver) *Engine {
	return &Engine{
		store:       store,
		capResolver: capResolver,
	}
}

// CreateWorkflow creates a workflow in draft status with its four stage
// tasks pre-provisioned. Only the draft task starts visible.
func (e *Engine) CreateWorkflow(
	ctx context.Context,
	rctx *model.RequestContext,
	input model.CreateWorkflowInput,
) (model.Workflow, []model.Task, error) {
	caps, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return model.Workflow{}, nil, fmt.Errorf("resolve capabilities: %w", err)
	}
	if !caps.Has(model.CapWorkflowCreate) {
		return model.Workflow{}, nil, model.NewForbiddenError(
			"insufficient capabilities to create a workflow",
		)
	}

	if details := validateCreateInput(input); len(details) > 0 {
		return model.Workflow{}, nil, model.NewValidationError(details...)
	}

	priorite := input.Priorite
	if priorite == "" {
		priorite = model.PriorityNormal
	}

	now := time.Now().UTC()
	wf := model.Workflow{
		ID:          uuid.New().String(),
		TenantID:    rctx.TenantID,
		Nom:         input.Nom,
		Description: input.Description,
		Document:    input.Document,
		Status:      model.WorkflowStatusDraft,
		Author:      input.Author,
		Reviewer:    input.Reviewer,
		Approver:    input.Approver,
		Publisher:   input.Publisher,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}

	tasks := make([]model.Task, 0, len(model.Stages))
	for _, stage := range model.Stages {
		task := model.Task{
			ID:         uuid.New().String(),
			TenantID:   rctx.TenantID,
			WorkflowID: wf.ID,
			Stage:      stage,
			AssignedTo: wf.StageActor(stage),
			IsVisible:  stage == model.StageDraft,
			Statut:     model.TaskStatusPending,
			Priorite:   priorite,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if due, ok := input.DueDates[stage]; ok {
			d := due
			task.DueDate = &d
		}
		tasks = append(tasks, task)
	}

	if err := e.store.CreateWorkflow(ctx, wf, tasks); err != nil {
		return model.Workflow{}, nil, err
	}
	return wf, tasks, nil
}

// SubmitForReview moves a draft workflow into review. Only the author (or an
// admin) may submit.
func (e *Engine) SubmitForReview(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) (model.TransitionResult, error) {
	return e.transition(ctx, rctx, workflowID, OpSubmitForReview, "", "")
}

// ValidateReview records the reviewer's verdict on a workflow in review. A
// pass moves it to pending_approval; a reject returns it to draft with a
// mandatory reason. The same operation carries approval-stage rejection.
func (e *Engine) ValidateReview(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID, action, reason string,
) (model.TransitionResult, error) {
	if action != model.ActionPass && action != model.ActionReject {
		return model.TransitionResult{}, model.NewValidationError(model.FieldError{
			Field:   "action",
			Code:    "invalid",
			Message: `action must be "pass" or "reject"`,
		})
	}
	return e.transition(ctx, rctx, workflowID, OpValidateReview, action, reason)
}

// ApproveSign approves a workflow pending approval and attaches the
// signature artifact. The author may never approve their own workflow
// unless acting as admin.
func (e *Engine) ApproveSign(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) (model.TransitionResult, error) {
	return e.transition(ctx, rctx, workflowID, OpApproveSign, "", "")
}

// Publish publishes an approved workflow. The workflow and its document are
// immutable from this point.
func (e *Engine) Publish(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) (model.TransitionResult, error) {
	return e.transition(ctx, rctx, workflowID, OpPublish, "", "")
}

// Abandon terminates a non-terminal workflow with status rejected. Only the
// author (or an admin) may abandon, and a reason is mandatory.
func (e *Engine) Abandon(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID, reason string,
) (model.TransitionResult, error) {
	return e.transition(ctx, rctx, workflowID, OpAbandon, "", reason)
}

// transition executes one row of the transition table as an atomic,
// all-or-nothing operation.
func (e *Engine) transition(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID, op, verdict, reason string,
) (model.TransitionResult, error) {
	// 1. Load workflow, scoped to tenant.
	wf, err := e.store.GetWorkflow(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return model.TransitionResult{}, err
	}

	// 2. Look up the transition table row for the current status.
	r := findRule(op, verdict, wf.Status)
	if r == nil {
		return model.TransitionResult{}, model.NewInvalidTransitionError(fmt.Sprintf(
			"cannot %s workflow %q in status %q", op, wf.ID, wf.Status,
		))
	}

	// 3. Actor check: the stage actor, or the author for abandon, or admin.
	admin, err := e.isAdmin(rctx)
	if err != nil {
		return model.TransitionResult{}, err
	}
	expected := wf.StageActor(r.Stage)
	if r.AuthorOnly {
		expected = wf.Author
	}
	if !admin && rctx.SubjectID != expected {
		return model.TransitionResult{}, model.NewForbiddenError(fmt.Sprintf(
			"user %q may not %s workflow %q", rctx.SubjectID, op, wf.ID,
		))
	}

	// 4. Segregation of duties: the author may not approve their own work.
	if r.Segregation && !admin && rctx.SubjectID == wf.Author {
		return model.TransitionResult{}, model.NewSegregationViolationError(fmt.Sprintf(
			"author %q may not approve workflow %q", rctx.SubjectID, wf.ID,
		))
	}

	// 5. Input validation.
	if r.RequireReason && strings.TrimSpace(reason) == "" {
		return model.TransitionResult{}, model.NewValidationError(model.FieldError{
			Field:   "reason",
			Code:    "required",
			Message: "a reason is required",
		})
	}

	// 6. Load tasks before mutating anything.
	tasks, err := e.store.GetTasks(ctx, rctx.TenantID, wf.ID)
	if err != nil {
		return model.TransitionResult{}, err
	}

	// 7. Apply the transition in memory.
	now := time.Now().UTC()
	from := wf.Status
	wf.Status = r.To
	wf.UpdatedAt = now
	if r.Stamp != "" {
		// Timestamps are set exactly once, surviving rejection cycles.
		if p := stampField(&wf, r.Stamp); *p == nil {
			t := now
			*p = &t
		}
	}

	var sig *model.Signature
	if r.Sign {
		sig = signDocument(wf.Document, rctx.SubjectID, now)
		wf.Signature = sig
	}

	changed := applyTaskEffects(tasks, r, &wf, rctx.SubjectID, reason, now)

	event := model.WorkflowEvent{
		ID:         uuid.New().String(),
		WorkflowID: wf.ID,
		Action:     op,
		FromStatus: from,
		ToStatus:   wf.Status,
		ActorID:    rctx.SubjectID,
		Comment:    reason,
		Timestamp:  now,
	}

	// 8. Persist atomically with optimistic locking. A concurrent winner
	// means our status precondition no longer holds.
	if err := e.store.UpdateWorkflow(ctx, wf, changed, event); err != nil {
		if model.IsCode(err, model.ErrConflict) {
			return model.TransitionResult{}, model.NewInvalidTransitionError(fmt.Sprintf(
				"workflow %q was modified concurrently; reload and retry", wf.ID,
			))
		}
		return model.TransitionResult{}, err
	}
	wf.Version++

	return model.TransitionResult{Workflow: wf, Signature: sig}, nil
}

// applyTaskEffects marks the acted-on stage's task and unlocks the task of
// the newly actionable stage. Visibility is additive: a task unlocked once
// stays visible. Returns the tasks that changed.
func applyTaskEffects(
	tasks []model.Task,
	r *rule,
	wf *model.Workflow,
	actorID, reason string,
	now time.Time,
) []model.Task {
	var changed []model.Task

	for i := range tasks {
		if tasks[i].Stage != r.Stage {
			continue
		}
		t := tasks[i]
		t.Statut = r.TaskStatus
		t.CompletedAt = &now
		t.CompletedBy = actorID
		if r.TaskStatus == model.TaskStatusRejected && reason != "" {
			t.Notes = reason
		}
		t.UpdatedAt = now
		changed = append(changed, t)
		break
	}

	next := wf.ActionableStage()
	if next == "" || next == r.Stage {
		return changed
	}
	for i := range tasks {
		if tasks[i].Stage != next {
			continue
		}
		t := tasks[i]
		t.IsVisible = true
		// A stage re-entered after rejection is reopened for action.
		if t.Statut == model.TaskStatusCompleted || t.Statut == model.TaskStatusRejected {
			t.Statut = model.TaskStatusPending
			t.CompletedAt = nil
			t.CompletedBy = ""
		}
		t.UpdatedAt = now
		changed = append(changed, t)
		break
	}
	return changed
}

// GetWorkflow returns a single workflow, scoped to the caller's tenant.
func (e *Engine) GetWorkflow(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) (model.Workflow, error) {
	if err := e.requireView(rctx); err != nil {
		return model.Workflow{}, err
	}
	return e.store.GetWorkflow(ctx, rctx.TenantID, workflowID)
}

// ListWorkflows returns workflows for the caller's tenant with the total
// count before pagination.
func (e *Engine) ListWorkflows(
	ctx context.Context,
	rctx *model.RequestContext,
	filters model.WorkflowFilters,
) ([]model.Workflow, int, error) {
	if err := e.requireView(rctx); err != nil {
		return nil, 0, err
	}
	storeFilters := Filters{
		Status: filters.Status,
		Limit:  filters.PageSize,
		Offset: (filters.Page - 1) * filters.PageSize,
	}
	if filters.Role != "" {
		storeFilters.Role = filters.Role
		storeFilters.Subject = rctx.SubjectID
	}
	if storeFilters.Limit <= 0 {
		storeFilters.Limit = defaultPageSize
	}
	if storeFilters.Offset < 0 {
		storeFilters.Offset = 0
	}
	return e.store.ListWorkflows(ctx, rctx.TenantID, storeFilters)
}

// ListTasks returns the tasks of a workflow. Non-admin callers never see
// tasks that have not been unlocked yet.
func (e *Engine) ListTasks(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) ([]model.Task, error) {
	if err := e.requireView(rctx); err != nil {
		return nil, err
	}
	// Resolve the workflow first so an unknown ID is NOT_FOUND rather than
	// an empty list.
	if _, err := e.store.GetWorkflow(ctx, rctx.TenantID, workflowID); err != nil {
		return nil, err
	}

	tasks, err := e.store.GetTasks(ctx, rctx.TenantID, workflowID)
	if err != nil {
		return nil, err
	}
	return e.filterVisible(rctx, tasks)
}

// ListMyTasks returns tasks assigned to the calling user.
func (e *Engine) ListMyTasks(
	ctx context.Context,
	rctx *model.RequestContext,
) ([]model.Task, error) {
	if err := e.requireView(rctx); err != nil {
		return nil, err
	}
	tasks, err := e.store.FindTasksByAssignee(ctx, rctx.TenantID, rctx.SubjectID)
	if err != nil {
		return nil, err
	}
	return e.filterVisible(rctx, tasks)
}

// filterVisible drops locked tasks for non-admin callers.
func (e *Engine) filterVisible(rctx *model.RequestContext, tasks []model.Task) ([]model.Task, error) {
	admin, err := e.isAdmin(rctx)
	if err != nil {
		return nil, err
	}
	if admin {
		return tasks, nil
	}
	visible := make([]model.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.IsVisible {
			visible = append(visible, t)
		}
	}
	return visible, nil
}

// UpdateTask applies ad-hoc field updates outside the stage machine. The
// assignee, the workflow author, or an admin may update a task; statut may
// only move between pending and in_progress here.
func (e *Engine) UpdateTask(
	ctx context.Context,
	rctx *model.RequestContext,
	taskID string,
	input model.TaskUpdateInput,
) (model.Task, error) {
	task, err := e.store.GetTask(ctx, rctx.TenantID, taskID)
	if err != nil {
		return model.Task{}, err
	}

	admin, err := e.isAdmin(rctx)
	if err != nil {
		return model.Task{}, err
	}

	// Locked tasks are invisible to non-admins, including their existence.
	if !admin && !task.IsVisible {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}

	if !admin && rctx.SubjectID != task.AssignedTo {
		wf, err := e.store.GetWorkflow(ctx, rctx.TenantID, task.WorkflowID)
		if err != nil {
			return model.Task{}, err
		}
		if rctx.SubjectID != wf.Author {
			return model.Task{}, model.NewForbiddenError(fmt.Sprintf(
				"user %q may not update task %q", rctx.SubjectID, taskID,
			))
		}
	}

	var details []model.FieldError
	if input.AssignedTo != nil && strings.TrimSpace(*input.AssignedTo) == "" {
		details = append(details, model.FieldError{
			Field: "task_assigned_to", Code: "required", Message: "assignee must not be blank",
		})
	}
	if input.Statut != nil &&
		*input.Statut != model.TaskStatusPending && *input.Statut != model.TaskStatusInProgress {
		details = append(details, model.FieldError{
			Field: "task_statut", Code: "invalid",
			Message: `statut may only be set to "pending" or "in_progress"`,
		})
	}
	if input.Priorite != nil && !validPriority(*input.Priorite) {
		details = append(details, model.FieldError{
			Field: "task_priorite", Code: "invalid",
			Message: `priorite must be one of "urgent", "high", "normal", "low"`,
		})
	}
	if len(details) > 0 {
		return model.Task{}, model.NewValidationError(details...)
	}

	if input.AssignedTo != nil {
		task.AssignedTo = *input.AssignedTo
	}
	if input.Statut != nil {
		task.Statut = *input.Statut
	}
	if input.Priorite != nil {
		task.Priorite = *input.Priorite
	}
	if input.DueDate != nil {
		d := *input.DueDate
		task.DueDate = &d
	}
	if input.Notes != nil {
		task.Notes = *input.Notes
	}
	task.UpdatedAt = time.Now().UTC()

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return model.Task{}, err
	}
	return task, nil
}

// GetEvents returns the audit trail of a workflow in chronological order.
func (e *Engine) GetEvents(
	ctx context.Context,
	rctx *model.RequestContext,
	workflowID string,
) ([]model.WorkflowEvent, error) {
	if err := e.requireView(rctx); err != nil {
		return nil, err
	}
	return e.store.GetEvents(ctx, rctx.TenantID, workflowID)
}

// requireView gates the read surface on the view capability.
func (e *Engine) requireView(rctx *model.RequestContext) error {
	caps, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return fmt.Errorf("resolve capabilities: %w", err)
	}
	if !caps.Has(model.CapWorkflowView) {
		return model.NewForbiddenError("insufficient capabilities to view workflows")
	}
	return nil
}

func (e *Engine) isAdmin(rctx *model.RequestContext) (bool, error) {
	caps, err := e.capResolver.Resolve(rctx)
	if err != nil {
		return false, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps.Has(model.CapWorkflowAdmin), nil
}

func validateCreateInput(input model.CreateWorkflowInput) []model.FieldError {
	var details []model.FieldError
	required := []struct {
		field, value string
	}{
		{"nom", input.Nom},
		{"document", input.Document},
		{"author", input.Author},
		{"reviewer", input.Reviewer},
		{"approver", input.Approver},
		{"publisher", input.Publisher},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			details = append(details, model.FieldError{
				Field: r.field, Code: "required", Message: r.field + " is required",
			})
		}
	}
	if input.Priorite != "" && !validPriority(input.Priorite) {
		details = append(details, model.FieldError{
			Field: "task_priorite", Code: "invalid",
			Message: `priorite must be one of "urgent", "high", "normal", "low"`,
		})
	}
	for stage := range input.DueDates {
		if wfStageValid(stage) {
			continue
		}
		details = append(details, model.FieldError{
			Field: "due_dates", Code: "invalid", Message: fmt.Sprintf("unknown stage %q", stage),
		})
	}
	return details
}

func validPriority(p string) bool {
	switch p {
	case model.PriorityUrgent, model.PriorityHigh, model.PriorityNormal, model.PriorityLow:
		return true
	}
	return false
}

func wfStageValid(stage string) bool {
	for _, s := range model.Stages {
		if s == stage {
			return true
		}
	}
	return false
}
