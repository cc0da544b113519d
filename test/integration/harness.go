// Package integration provides a reusable test harness for end-to-end
// testing of the signoff server. It starts a full HTTP server with
// in-memory stores and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/signoffhq/signoff/internal/capability"
	"github.com/signoffhq/signoff/internal/config"
	"github.com/signoffhq/signoff/internal/engine"
	"github.com/signoffhq/signoff/internal/idempotency"
	"github.com/signoffhq/signoff/internal/observability"
	"github.com/signoffhq/signoff/internal/openapi"
	"github.com/signoffhq/signoff/internal/transport"
	"github.com/signoffhq/signoff/model"
)

// TestHarness encapsulates a fully wired signoff instance for integration
// testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Store            *engine.MemoryStore
	IdempotencyStore *idempotency.MemoryStore
	Engine           *engine.Engine
	CapResolver      model.CapabilityResolver

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	idempotency    bool
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) {
		c.policyFile = path
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithoutIdempotency disables transition deduplication.
func WithoutIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = false
	}
}

// NewTestHarness creates and starts a full signoff test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		idempotency:    true,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if hc.policyFile == "" {
		hc.policyFile = filepath.Join(testdataDir(), "policies.yaml")
	}

	h := &TestHarness{t: t}

	evaluator, err := capability.NewStaticPolicyEvaluator(hc.policyFile)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}
	h.CapResolver = capability.NewResolver(evaluator, 0) // no caching in tests

	h.Store = engine.NewMemoryStore()
	h.Engine = engine.NewEngine(h.Store, h.CapResolver)

	var idemStore idempotency.Store
	if hc.idempotency {
		h.IdempotencyStore = idempotency.NewMemoryStore()
		idemStore = h.IdempotencyStore
	}

	h.issuer = newTokenIssuer(t)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Observability.Tracing.Enabled = false

	// Each harness gets a private registry so parallel tests never collide
	// on metric registration.
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, zap.NewNop())

	readiness := observability.ReadinessChecks{
		PolicyLoaded:  func() bool { return evaluator.RoleCount() > 0 },
		WorkflowStore: h.Store,
	}
	if h.IdempotencyStore != nil {
		readiness.IdempotencyStore = h.IdempotencyStore
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             h.cfg,
		Logger:             zap.NewNop(),
		Engine:             h.Engine,
		Authenticate:       transport.JWTAuthenticator(h.cfg.Identity, jwks),
		CapabilityResolver: h.CapResolver,
		Idempotency:        idemStore,
		Metrics:            metrics,
		ReadinessChecks:    readiness,
		OpenAPISpec:        openapi.Spec(),
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Default test claims ---

// AuthorClaims returns TestClaims for the document author.
func AuthorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-author",
		TenantID:  "acme-corp",
		Email:     "author@acme.example.com",
		Roles:     []string{"author"},
	}
}

// ReviewerClaims returns TestClaims for the reviewer.
func ReviewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-reviewer",
		TenantID:  "acme-corp",
		Email:     "reviewer@acme.example.com",
		Roles:     []string{"reviewer"},
	}
}

// ApproverClaims returns TestClaims for the approver.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		TenantID:  "acme-corp",
		Email:     "approver@acme.example.com",
		Roles:     []string{"approver"},
	}
}

// PublisherClaims returns TestClaims for the publisher.
func PublisherClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-publisher",
		TenantID:  "acme-corp",
		Email:     "publisher@acme.example.com",
		Roles:     []string{"publisher"},
	}
}

// AdminClaims returns TestClaims for a workflow administrator.
func AdminClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-admin",
		TenantID:  "acme-corp",
		Email:     "admin@acme.example.com",
		Roles:     []string{"admin"},
	}
}

// --- Fixtures ---

// WorkflowFixture returns a create payload whose actors match the default
// test claims.
func WorkflowFixture() model.CreateWorkflowInput {
	return model.CreateWorkflowInput{
		Nom:       "Q3 compliance report",
		Document:  "quarterly compliance findings",
		Author:    "user-author",
		Reviewer:  "user-reviewer",
		Approver:  "user-approver",
		Publisher: "user-publisher",
	}
}

// CreateWorkflow creates a workflow as the author and returns the response.
func (h *TestHarness) CreateWorkflow(t *testing.T, input model.CreateWorkflowInput) (model.Workflow, []model.Task) {
	t.Helper()

	var resp struct {
		Workflow model.Workflow `json:"workflow"`
		Tasks    []model.Task   `json:"tasks"`
	}
	r := h.POST("/workflows", input, h.GenerateToken(AuthorClaims()))
	h.AssertJSON(t, r, http.StatusCreated, &resp)
	return resp.Workflow, resp.Tasks
}

// Transition performs a transition as the given claims and returns the
// HTTP response.
func (h *TestHarness) Transition(workflowID, op string, body any, claims TestClaims) *http.Response {
	h.t.Helper()
	path := fmt.Sprintf("/workflows/%s/%s", workflowID, op)
	return h.POST(path, body, h.GenerateToken(claims))
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
