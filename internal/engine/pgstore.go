package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signoffhq/signoff/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck reports whether the database is reachable.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const workflowColumns = `id, tenant_id, nom, description, document, status,
       author, reviewer, approver, publisher,
       submitted_at, reviewed_at, approved_at, published_at,
       signature, created_at, updated_at, version`

const taskColumns = `id, tenant_id, workflow_id, stage, assigned_to,
       is_visible, statut, priorite, due_date,
       completed_at, completed_by, notes, created_at, updated_at`

// CreateWorkflow inserts a workflow and its tasks in one transaction.
func (s *PgStore) CreateWorkflow(ctx context.Context, wf model.Workflow, tasks []model.Task) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create workflow: %w", err)
	}
	defer tx.Rollback(ctx)

	sigJSON, err := marshalSignature(wf.Signature)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10,
		        $11, $12, $13, $14,
		        $15, $16, $17, $18)`,
		wf.ID, wf.TenantID, wf.Nom, wf.Description, wf.Document, wf.Status,
		wf.Author, wf.Reviewer, wf.Approver, wf.Publisher,
		wf.SubmittedAt, wf.ReviewedAt, wf.ApprovedAt, wf.PublishedAt,
		sigJSON, wf.CreatedAt, wf.UpdatedAt, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}

	for _, t := range tasks {
		if err := insertTask(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID, scoped to tenant.
func (s *PgStore) GetWorkflow(ctx context.Context, tenantID, workflowID string) (model.Workflow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE id = $1 AND tenant_id = $2`,
		workflowID, tenantID,
	)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workflow{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", workflowID),
		)
	}
	if err != nil {
		return model.Workflow{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow persists a transitioned workflow, its changed tasks, and
// the audit event in one transaction, with optimistic locking on version.
func (s *PgStore) UpdateWorkflow(ctx context.Context, wf model.Workflow, tasks []model.Task, event model.WorkflowEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update workflow: %w", err)
	}
	defer tx.Rollback(ctx)

	sigJSON, err := marshalSignature(wf.Signature)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE workflows SET
			status = $1,
			submitted_at = $2,
			reviewed_at = $3,
			approved_at = $4,
			published_at = $5,
			signature = $6,
			updated_at = $7,
			version = $8
		WHERE id = $9 AND tenant_id = $10 AND version = $11`,
		wf.Status,
		wf.SubmittedAt, wf.ReviewedAt, wf.ApprovedAt, wf.PublishedAt,
		sigJSON, wf.UpdatedAt, wf.Version+1,
		wf.ID, wf.TenantID, wf.Version,
	)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow %q version conflict (expected %d)", wf.ID, wf.Version),
		)
	}

	for _, t := range tasks {
		if err := updateTask(ctx, tx, t); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_events (
			id, workflow_id, action, from_status, to_status, actor_id, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowID, event.Action, event.FromStatus, event.ToStatus,
		event.ActorID, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns workflows for a tenant matching the filters, plus
// the total count before pagination.
func (s *PgStore) ListWorkflows(ctx context.Context, tenantID string, filters Filters) ([]model.Workflow, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []any{tenantID}
	argIdx := 2

	if filters.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.Role != "" && filters.Subject != "" {
		col := roleColumn(filters.Role)
		if col == "" {
			return []model.Workflow{}, 0, nil
		}
		where += fmt.Sprintf(" AND %s = $%d", col, argIdx)
		args = append(args, filters.Subject)
		argIdx++
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM workflows`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows` + where + ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, total, rows.Err()
}

// GetTasks retrieves all tasks of a workflow in stage order.
func (s *PgStore) GetTasks(ctx context.Context, tenantID, workflowID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE workflow_id = $1 AND tenant_id = $2
		ORDER BY array_position(ARRAY['draft','review','approval','publication'], stage)`,
		workflowID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetTask retrieves a single task by ID, scoped to tenant.
func (s *PgStore) GetTask(ctx context.Context, tenantID, taskID string) (model.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = $1 AND tenant_id = $2`,
		taskID, tenantID,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.NewNotFoundError(
			fmt.Sprintf("task %q not found", taskID),
		)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// UpdateTask persists ad-hoc task field changes.
func (s *PgStore) UpdateTask(ctx context.Context, task model.Task) error {
	return updateTask(ctx, s.pool, task)
}

// FindTasksByAssignee returns tasks assigned to the given user.
func (s *PgStore) FindTasksByAssignee(ctx context.Context, tenantID, subjectID string) ([]model.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE tenant_id = $1 AND assigned_to = $2
		ORDER BY updated_at DESC`,
		tenantID, subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks by assignee: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// GetEvents retrieves the audit trail of a workflow in chronological order.
func (s *PgStore) GetEvents(ctx context.Context, tenantID, workflowID string) ([]model.WorkflowEvent, error) {
	// Verify tenant access.
	if _, err := s.GetWorkflow(ctx, tenantID, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, action, from_status, to_status, actor_id, comment, created_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY created_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var evt model.WorkflowEvent
		if err := rows.Scan(
			&evt.ID, &evt.WorkflowID, &evt.Action, &evt.FromStatus, &evt.ToStatus,
			&evt.ActorID, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// execer is the common Exec surface of *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertTask(ctx context.Context, tx pgx.Tx, t model.Task) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12, $13, $14)`,
		t.ID, t.TenantID, t.WorkflowID, t.Stage, t.AssignedTo,
		t.IsVisible, t.Statut, t.Priorite, t.DueDate,
		t.CompletedAt, t.CompletedBy, t.Notes, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func updateTask(ctx context.Context, q execer, t model.Task) error {
	tag, err := q.Exec(ctx, `
		UPDATE tasks SET
			assigned_to = $1,
			is_visible = $2,
			statut = $3,
			priorite = $4,
			due_date = $5,
			completed_at = $6,
			completed_by = $7,
			notes = $8,
			updated_at = $9
		WHERE id = $10 AND tenant_id = $11`,
		t.AssignedTo, t.IsVisible, t.Statut, t.Priorite, t.DueDate,
		t.CompletedAt, t.CompletedBy, t.Notes, t.UpdatedAt,
		t.ID, t.TenantID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("task %q not found", t.ID),
		)
	}
	return nil
}

func marshalSignature(sig *model.Signature) ([]byte, error) {
	if sig == nil {
		return nil, nil
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}
	return data, nil
}

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var wf model.Workflow
	var sigJSON []byte
	err := row.Scan(
		&wf.ID, &wf.TenantID, &wf.Nom, &wf.Description, &wf.Document, &wf.Status,
		&wf.Author, &wf.Reviewer, &wf.Approver, &wf.Publisher,
		&wf.SubmittedAt, &wf.ReviewedAt, &wf.ApprovedAt, &wf.PublishedAt,
		&sigJSON, &wf.CreatedAt, &wf.UpdatedAt, &wf.Version,
	)
	if err != nil {
		return model.Workflow{}, err
	}
	if sigJSON != nil {
		if err := json.Unmarshal(sigJSON, &wf.Signature); err != nil {
			return model.Workflow{}, fmt.Errorf("unmarshal signature: %w", err)
		}
	}
	return wf, nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var t model.Task
	err := row.Scan(
		&t.ID, &t.TenantID, &t.WorkflowID, &t.Stage, &t.AssignedTo,
		&t.IsVisible, &t.Statut, &t.Priorite, &t.DueDate,
		&t.CompletedAt, &t.CompletedBy, &t.Notes, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}

func scanTasks(rows pgx.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// roleColumn maps a role filter name to the workflow column holding its
// subject, or "" for an unknown role.
func roleColumn(role string) string {
	switch role {
	case "author", "reviewer", "approver", "publisher":
		return role
	default:
		return ""
	}
}
