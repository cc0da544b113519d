package engine

import (
	"context"

	"github.com/signoffhq/signoff/model"
)

// Store persists workflows, their tasks, and the audit trail.
type Store interface {
	// CreateWorkflow persists a new workflow together with its
	// pre-provisioned tasks in a single atomic operation.
	CreateWorkflow(ctx context.Context, wf model.Workflow, tasks []model.Task) error

	// GetWorkflow retrieves a workflow by ID, scoped to a tenant. Returns
	// NOT_FOUND if the workflow doesn't exist or belongs to a different
	// tenant.
	GetWorkflow(ctx context.Context, tenantID, workflowID string) (model.Workflow, error)

	// UpdateWorkflow persists a transitioned workflow, the tasks it touched,
	// and the audit event, atomically and with optimistic locking. The
	// workflow version must match the stored version. Returns CONFLICT if
	// the version has changed.
	UpdateWorkflow(ctx context.Context, wf model.Workflow, tasks []model.Task, event model.WorkflowEvent) error

	// ListWorkflows returns workflows for a tenant matching the filters,
	// plus the total count before pagination.
	ListWorkflows(ctx context.Context, tenantID string, filters Filters) ([]model.Workflow, int, error)

	// GetTasks retrieves all tasks of a workflow, scoped to a tenant.
	GetTasks(ctx context.Context, tenantID, workflowID string) ([]model.Task, error)

	// GetTask retrieves a single task by ID, scoped to a tenant.
	GetTask(ctx context.Context, tenantID, taskID string) (model.Task, error)

	// UpdateTask persists ad-hoc task field changes outside a transition.
	UpdateTask(ctx context.Context, task model.Task) error

	// FindTasksByAssignee returns all tasks assigned to the given user.
	FindTasksByAssignee(ctx context.Context, tenantID, subjectID string) ([]model.Task, error)

	// GetEvents retrieves the audit trail of a workflow in chronological
	// order, scoped to a tenant.
	GetEvents(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error)
}

// Filters are optional filters for listing workflows.
type Filters struct {
	Status string

	// Role and Subject together restrict the listing to workflows where
	// Subject holds the given role (author, reviewer, approver, publisher).
	Role    string
	Subject string

	Limit  int
	Offset int
}
