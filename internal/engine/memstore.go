package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signoffhq/signoff/model"
)

// MemoryStore is an in-memory Store for testing and single-node use.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]model.Workflow        // key: workflow ID
	tasks     map[string]model.Task            // key: task ID
	events    map[string][]model.WorkflowEvent // key: workflow ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.Workflow),
		tasks:     make(map[string]model.Task),
		events:    make(map[string][]model.WorkflowEvent),
	}
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// CreateWorkflow persists a new workflow and its tasks.
func (s *MemoryStore) CreateWorkflow(_ context.Context, wf model.Workflow, tasks []model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workflows[wf.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q already exists", wf.ID),
		)
	}

	s.workflows[wf.ID] = wf
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID, scoped to tenant.
func (s *MemoryStore) GetWorkflow(_ context.Context, tenantID, workflowID string) (model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[workflowID]
	if !exists || wf.TenantID != tenantID {
		return model.Workflow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	return wf, nil
}

// UpdateWorkflow persists a transitioned workflow, its changed tasks, and
// the audit event atomically, with optimistic locking on the workflow.
func (s *MemoryStore) UpdateWorkflow(_ context.Context, wf model.Workflow, tasks []model.Task, event model.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.workflows[wf.ID]
	if !exists || existing.TenantID != wf.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", wf.ID),
		)
	}

	// Optimistic lock check.
	if existing.Version != wf.Version {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d, got %d)", wf.ID, wf.Version, existing.Version),
		)
	}

	wf.Version++
	s.workflows[wf.ID] = wf
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	s.events[wf.ID] = append(s.events[wf.ID], event)
	return nil
}

// ListWorkflows returns workflows for a tenant matching the filters, plus
// the total count before pagination.
func (s *MemoryStore) ListWorkflows(_ context.Context, tenantID string, filters Filters) ([]model.Workflow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Workflow
	for _, wf := range s.workflows {
		if wf.TenantID != tenantID {
			continue
		}
		if filters.Status != "" && wf.Status != filters.Status {
			continue
		}
		if filters.Role != "" && wf.StageActor(roleStage(filters.Role)) != filters.Subject {
			continue
		}
		result = append(result, wf)
	}

	// Sort by created_at descending.
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	total := len(result)

	// Apply offset and limit.
	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.Workflow{}, total, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}

	return result, total, nil
}

// GetTasks retrieves all tasks of a workflow in stage order.
func (s *MemoryStore) GetTasks(_ context.Context, tenantID, workflowID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Task
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID && t.TenantID == tenantID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return stageIndex(result[i].Stage) < stageIndex(result[j].Stage)
	})
	return result, nil
}

// GetTask retrieves a single task by ID, scoped to tenant.
func (s *MemoryStore) GetTask(_ context.Context, tenantID, taskID string) (model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[taskID]
	if !exists || t.TenantID != tenantID {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	return t, nil
}

// UpdateTask persists ad-hoc task field changes.
func (s *MemoryStore) UpdateTask(_ context.Context, task model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.tasks[task.ID]
	if !exists || existing.TenantID != task.TenantID {
		return model.NewNotFoundError(
			fmt.Sprintf("task %q not found", task.ID),
		)
	}
	s.tasks[task.ID] = task
	return nil
}

// FindTasksByAssignee returns tasks assigned to the given user, most
// recently updated first.
func (s *MemoryStore) FindTasksByAssignee(_ context.Context, tenantID, subjectID string) ([]model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Task
	for _, t := range s.tasks {
		if t.TenantID == tenantID && t.AssignedTo == subjectID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// GetEvents retrieves all events for a workflow, ordered by timestamp.
func (s *MemoryStore) GetEvents(_ context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Verify tenant access.
	wf, exists := s.workflows[workflowID]
	if !exists || wf.TenantID != tenantID {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}

	events := s.events[workflowID]
	result := make([]model.WorkflowEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Len returns the total number of workflows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

func stageIndex(stage string) int {
	for i, s := range model.Stages {
		if s == stage {
			return i
		}
	}
	return len(model.Stages)
}

// roleStage maps a role filter name to the stage whose actor holds it.
func roleStage(role string) string {
	switch role {
	case "author":
		return model.StageDraft
	case "reviewer":
		return model.StageReview
	case "approver":
		return model.StageApproval
	case "publisher":
		return model.StagePublication
	}
	return ""
}
