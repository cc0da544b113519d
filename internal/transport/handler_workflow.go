package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/signoffhq/signoff/internal/engine"
	"github.com/signoffhq/signoff/internal/idempotency"
	"github.com/signoffhq/signoff/internal/observability"
	"github.com/signoffhq/signoff/model"
)

// maxBodyBytes caps transition and update request bodies.
const maxBodyBytes = 1 << 20

// transitioner wraps the engine's transition operations with idempotency
// replay keyed on the X-Idempotency-Key header.
type transitioner struct {
	engine  *engine.Engine
	idem    idempotency.Store
	ttl     time.Duration
	metrics *observability.Metrics
}

// run executes a transition, replaying the stored result when the caller
// presents an idempotency key it has used before with the same input.
func (t *transitioner) run(
	w http.ResponseWriter,
	r *http.Request,
	operation, workflowID string,
	body []byte,
	exec func() (model.TransitionResult, error),
) {
	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey == "" || t.idem == nil {
		t.finish(w, r, operation, exec, "", "")
		return
	}

	key := idempotency.FormatKey(operation, workflowID, idemKey)
	hash := idempotency.HashInput(body)

	cached, found, err := t.idem.Check(r.Context(), key, hash)
	if err != nil {
		WriteError(w, err)
		return
	}
	if found {
		if t.metrics != nil {
			t.metrics.RecordIdempotencyReplay(operation)
		}
		WriteJSON(w, http.StatusOK, cached)
		return
	}

	t.finish(w, r, operation, exec, key, hash)
}

func (t *transitioner) finish(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	exec func() (model.TransitionResult, error),
	idemKey, inputHash string,
) {
	start := time.Now()
	result, err := exec()
	if t.metrics != nil {
		t.metrics.RecordWorkflowTransition(operation, transitionOutcome(err), time.Since(start))
	}
	if err != nil {
		WriteError(w, err)
		return
	}

	if idemKey != "" {
		// Best effort: a failed idempotency write must not fail the
		// already-committed transition.
		_ = t.idem.Store(r.Context(), idemKey, inputHash, result, t.ttl)
	}
	WriteJSON(w, http.StatusOK, result)
}

func transitionOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case model.IsCode(err, model.ErrInvalidTransition):
		return "invalid_transition"
	case model.IsCode(err, model.ErrForbidden):
		return "forbidden"
	case model.IsCode(err, model.ErrSegregationViolation):
		return "segregation_violation"
	case model.IsCode(err, model.ErrValidationError):
		return "validation_error"
	default:
		return "error"
	}
}

func handleWorkflowCreate(eng *engine.Engine, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var input model.CreateWorkflowInput
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&input); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		wf, tasks, err := eng.CreateWorkflow(r.Context(), rctx, input)
		if metrics != nil {
			if err != nil {
				metrics.RecordWorkflowCreation("error")
			} else {
				metrics.RecordWorkflowCreation("success")
			}
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]any{
			"workflow": wf,
			"tasks":    tasks,
		})
	}
}

func handleWorkflowList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		filters := model.WorkflowFilters{
			Status:   r.URL.Query().Get("status"),
			Role:     r.URL.Query().Get("role"),
			Page:     queryInt(r, "page", 1),
			PageSize: queryInt(r, "page_size", 20),
		}

		workflows, totalCount, err := eng.ListWorkflows(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        workflows,
			"total_count": totalCount,
			"page":        filters.Page,
			"page_size":   filters.PageSize,
		})
	}
}

func handleWorkflowGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		wf, err := eng.GetWorkflow(r.Context(), rctx, workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, wf)
	}
}

func handleWorkflowEvents(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		events, err := eng.GetEvents(r.Context(), rctx, workflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": events})
	}
}

func handleSubmitForReview(t *transitioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		t.run(w, r, engine.OpSubmitForReview, workflowID, nil, func() (model.TransitionResult, error) {
			return t.engine.SubmitForReview(r.Context(), rctx, workflowID)
		})
	}
}

func handleValidateReview(t *transitioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}

		var body struct {
			Action string `json:"action"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		t.run(w, r, engine.OpValidateReview, workflowID, raw, func() (model.TransitionResult, error) {
			return t.engine.ValidateReview(r.Context(), rctx, workflowID, body.Action, body.Reason)
		})
	}
}

func handleApproveSign(t *transitioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		t.run(w, r, engine.OpApproveSign, workflowID, nil, func() (model.TransitionResult, error) {
			return t.engine.ApproveSign(r.Context(), rctx, workflowID)
		})
	}
}

func handlePublish(t *transitioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		t.run(w, r, engine.OpPublish, workflowID, nil, func() (model.TransitionResult, error) {
			return t.engine.Publish(r.Context(), rctx, workflowID)
		})
	}
}

func handleAbandon(t *transitioner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		workflowID := chi.URLParam(r, "workflowId")

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}

		var body struct {
			Reason string `json:"reason"`
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				WriteError(w, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}

		t.run(w, r, engine.OpAbandon, workflowID, raw, func() (model.TransitionResult, error) {
			return t.engine.Abandon(r.Context(), rctx, workflowID, body.Reason)
		})
	}
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
