package engine

import (
	"time"

	"github.com/signoffhq/signoff/model"
)

// Operation names as recorded on audit events.
const (
	OpSubmitForReview = "submit_for_review"
	OpValidateReview  = "validate_review"
	OpApproveSign     = "approve_sign"
	OpPublish         = "publish"
	OpAbandon         = "abandon"
)

// rule is one row of the transition table: an operation (plus verdict, for
// validate_review) applied to a workflow in the From status. Everything a
// transition does is declared here; the engine only interprets rows.
type rule struct {
	Op      string
	Verdict string // "pass" or "reject" for validate_review, "" otherwise
	From    string
	To      string

	// Stage whose task is acted on, and the statut that task receives.
	Stage      string
	TaskStatus string

	// Stamp names the workflow timestamp set by this transition, if any.
	Stamp string

	RequireReason bool
	Segregation   bool // actor must not be the workflow author
	Sign          bool // attach a signature artifact

	// AuthorOnly routes the actor check to the workflow author instead of
	// the stage actor. Used by abandon, which is an author prerogative at
	// any stage.
	AuthorOnly bool
}

var transitionTable = []rule{
	{
		Op: OpSubmitForReview, From: model.WorkflowStatusDraft, To: model.WorkflowStatusInReview,
		Stage: model.StageDraft, TaskStatus: model.TaskStatusCompleted, Stamp: "submitted_at",
	},
	{
		Op: OpValidateReview, Verdict: model.ActionPass,
		From: model.WorkflowStatusInReview, To: model.WorkflowStatusPendingApproval,
		Stage: model.StageReview, TaskStatus: model.TaskStatusCompleted, Stamp: "reviewed_at",
	},
	{
		Op: OpValidateReview, Verdict: model.ActionReject,
		From: model.WorkflowStatusInReview, To: model.WorkflowStatusDraft,
		Stage: model.StageReview, TaskStatus: model.TaskStatusRejected, RequireReason: true,
	},
	{
		// Rejection at the approval stage rides the same operation and
		// returns the workflow to draft for a full restart.
		Op: OpValidateReview, Verdict: model.ActionReject,
		From: model.WorkflowStatusPendingApproval, To: model.WorkflowStatusDraft,
		Stage: model.StageApproval, TaskStatus: model.TaskStatusRejected, RequireReason: true,
	},
	{
		Op: OpApproveSign, From: model.WorkflowStatusPendingApproval, To: model.WorkflowStatusApproved,
		Stage: model.StageApproval, TaskStatus: model.TaskStatusCompleted, Stamp: "approved_at",
		Segregation: true, Sign: true,
	},
	{
		Op: OpPublish, From: model.WorkflowStatusApproved, To: model.WorkflowStatusPublished,
		Stage: model.StagePublication, TaskStatus: model.TaskStatusCompleted, Stamp: "published_at",
	},

	// Abandon is allowed from every non-terminal status and marks the
	// currently actionable stage's task rejected.
	{
		Op: OpAbandon, From: model.WorkflowStatusDraft, To: model.WorkflowStatusRejected,
		Stage: model.StageDraft, TaskStatus: model.TaskStatusRejected, RequireReason: true, AuthorOnly: true,
	},
	{
		Op: OpAbandon, From: model.WorkflowStatusInReview, To: model.WorkflowStatusRejected,
		Stage: model.StageReview, TaskStatus: model.TaskStatusRejected, RequireReason: true, AuthorOnly: true,
	},
	{
		Op: OpAbandon, From: model.WorkflowStatusPendingApproval, To: model.WorkflowStatusRejected,
		Stage: model.StageApproval, TaskStatus: model.TaskStatusRejected, RequireReason: true, AuthorOnly: true,
	},
	{
		Op: OpAbandon, From: model.WorkflowStatusApproved, To: model.WorkflowStatusRejected,
		Stage: model.StagePublication, TaskStatus: model.TaskStatusRejected, RequireReason: true, AuthorOnly: true,
	},
}

// findRule returns the transition table row for the given operation and
// current status, or nil when no such transition exists.
func findRule(op, verdict, from string) *rule {
	for i := range transitionTable {
		r := &transitionTable[i]
		if r.Op == op && r.Verdict == verdict && r.From == from {
			return r
		}
	}
	return nil
}

// stampField maps a Stamp name to the workflow timestamp it sets.
func stampField(w *model.Workflow, name string) **time.Time {
	switch name {
	case "submitted_at":
		return &w.SubmittedAt
	case "reviewed_at":
		return &w.ReviewedAt
	case "approved_at":
		return &w.ApprovedAt
	case "published_at":
		return &w.PublishedAt
	}
	return nil
}
