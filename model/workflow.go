package model

import "time"

// Workflow status constants. A workflow moves through these strictly via the
// engine's transition table; published and rejected are terminal.
const (
	WorkflowStatusDraft           = "draft"
	WorkflowStatusInReview        = "in_review"
	WorkflowStatusPendingApproval = "pending_approval"
	WorkflowStatusApproved        = "approved"
	WorkflowStatusPublished       = "published"
	WorkflowStatusRejected        = "rejected"
)

// Task stage constants. Each workflow owns exactly one task per stage.
const (
	StageDraft       = "draft"
	StageReview      = "review"
	StageApproval    = "approval"
	StagePublication = "publication"
)

// Stages lists the four stages in circuit order.
var Stages = []string{StageDraft, StageReview, StageApproval, StagePublication}

// Task status constants. Task status is free-running and distinct from the
// workflow status.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusRejected   = "rejected"
)

// Task priority constants.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Transition action constants, as accepted by the validate-review operation.
const (
	ActionPass   = "pass"
	ActionReject = "reject"
)

// Workflow is a document approval circuit. The four role fields are fixed at
// creation; reassignment is an administrative concern outside the engine.
type Workflow struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Nom         string `json:"nom"`
	Description string `json:"description,omitempty"`

	// Document is an opaque reference to the immutable document artifact
	// (object storage path or URL). The engine never dereferences it.
	Document string `json:"document"`

	Status string `json:"status"`

	Author    string `json:"author"`
	Reviewer  string `json:"reviewer"`
	Approver  string `json:"approver"`
	Publisher string `json:"publisher"`

	SubmittedAt *time.Time `json:"submitted_at"`
	ReviewedAt  *time.Time `json:"reviewed_at"`
	ApprovedAt  *time.Time `json:"approved_at"`
	PublishedAt *time.Time `json:"published_at"`

	Signature *Signature `json:"signature,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// Terminal reports whether the workflow can accept no further transitions.
func (w *Workflow) Terminal() bool {
	return w.Status == WorkflowStatusPublished || w.Status == WorkflowStatusRejected
}

// ActionableStage returns the stage whose task is currently actionable, or ""
// when the workflow is terminal.
func (w *Workflow) ActionableStage() string {
	switch w.Status {
	case WorkflowStatusDraft:
		return StageDraft
	case WorkflowStatusInReview:
		return StageReview
	case WorkflowStatusPendingApproval:
		return StageApproval
	case WorkflowStatusApproved:
		return StagePublication
	default:
		return ""
	}
}

// StageActor returns the user expected to act at the given stage.
func (w *Workflow) StageActor(stage string) string {
	switch stage {
	case StageDraft:
		return w.Author
	case StageReview:
		return w.Reviewer
	case StageApproval:
		return w.Approver
	case StagePublication:
		return w.Publisher
	}
	return ""
}

// Signature is the content-derived artifact attached at approval. It binds
// the document reference, the approver, and the approval timestamp.
type Signature struct {
	Algorithm string    `json:"algorithm"`
	Digest    string    `json:"digest"`
	SignedBy  string    `json:"signed_by"`
	SignedAt  time.Time `json:"signed_at"`
}

// Task is one stage of a workflow's circuit. Tasks are pre-provisioned at
// workflow creation and unlocked (is_visible) as their stage becomes active.
type Task struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	WorkflowID string `json:"task_workflow"`
	Stage      string `json:"task_stage"`
	AssignedTo string `json:"task_assigned_to"`
	IsVisible  bool   `json:"is_visible"`
	Statut     string `json:"task_statut"`
	Priorite   string `json:"task_priorite"`

	DueDate *time.Time `json:"task_date_echeance"`

	CompletedAt *time.Time `json:"completed_at"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkflowEvent records one entry in a workflow's audit trail. Events are
// append-only and never mutated after the transition that produced them.
type WorkflowEvent struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkflowFilters are the list-endpoint query parameters.
type WorkflowFilters struct {
	Status   string
	Role     string // "author", "reviewer", "approver", "publisher"
	Page     int
	PageSize int
}

// CreateWorkflowInput is the payload accepted by the create endpoint.
type CreateWorkflowInput struct {
	Nom         string `json:"nom"`
	Description string `json:"description"`
	Document    string `json:"document"`
	Author      string `json:"author"`
	Reviewer    string `json:"reviewer"`
	Approver    string `json:"approver"`
	Publisher   string `json:"publisher"`

	// Optional per-stage due dates keyed by stage name.
	DueDates map[string]time.Time `json:"due_dates,omitempty"`
	Priorite string               `json:"task_priorite,omitempty"`
}

// TaskUpdateInput carries the ad-hoc task fields editable outside the stage
// machine (assignment, priority, due date, notes). Statut may only be moved
// between pending and in_progress; completed and rejected are reserved for
// the stage machine.
type TaskUpdateInput struct {
	AssignedTo *string    `json:"task_assigned_to,omitempty"`
	Statut     *string    `json:"task_statut,omitempty"`
	Priorite   *string    `json:"task_priorite,omitempty"`
	DueDate    *time.Time `json:"task_date_echeance,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

// TransitionResult is what transition operations return to the transport
// layer: the updated workflow plus, for approve-sign, the signature artifact.
type TransitionResult struct {
	Workflow  Workflow   `json:"workflow"`
	Signature *Signature `json:"signature,omitempty"`
}
