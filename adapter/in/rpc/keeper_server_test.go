package rpc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"keeper_server/core/domain"
	"keeper_server/core/port/in"
	"keeper_server/pkg/apperr"
	"keeper_server/pkg/response"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeAuth struct {
	in.AuthService
	caller *domain.UserContext
}

func (f *fakeAuth) VerifySession(token string) (*domain.UserContext, error) {
	if token != "good-token" {
		return nil, apperr.Unauthenticated("bad token")
	}
	return f.caller, nil
}

func (f *fakeAuth) Authenticate(ctx context.Context, scopes []string) (*domain.AuthState, error) {
	return &domain.AuthState{State: "st-1", AuthURL: "https://accounts.example.com/auth?state=st-1"}, nil
}

func (f *fakeAuth) ListUsers(ctx context.Context, activeOnly bool) ([]*domain.User, error) {
	return []*domain.User{{ID: uuid.New(), Email: "owner@example.com", Role: domain.RoleAdmin, Active: true}}, nil
}

type fakeEmails struct {
	in.EmailQueryService
	emails []*domain.EmailIndex
	err    error
}

func (f *fakeEmails) ListEmails(ctx context.Context, caller *domain.UserContext, criteria *domain.SearchCriteria) ([]*domain.EmailIndex, int64, error) {
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.emails, int64(len(f.emails)), nil
}

func (f *fakeEmails) GetEmailDetails(ctx context.Context, caller *domain.UserContext, emailID string) (*domain.EmailIndex, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, email := range f.emails {
		if email.EmailID == emailID {
			return email, nil
		}
	}
	return nil, apperr.NotFound("email")
}

type fakeJobs struct {
	in.JobService
	cancelled []uuid.UUID
}

func (f *fakeJobs) CancelJob(ctx context.Context, caller *domain.UserContext, jobID uuid.UUID) error {
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeSystem struct{}

func (f *fakeSystem) GetSystemHealth(ctx context.Context) (*in.SystemHealthReport, error) {
	return &in.SystemHealthReport{Status: "healthy", Uptime: "1m0s"}, nil
}

type fakeCallback struct {
	states []string
	err    error
}

func (f *fakeCallback) HandleCallback(ctx context.Context, state, code string) error {
	f.states = append(f.states, state)
	return f.err
}

// =============================================================================
// Helpers
// =============================================================================

func newTestServer(t *testing.T, emails *fakeEmails, jobs *fakeJobs) (*Server, *domain.UserContext) {
	t.Helper()
	caller := &domain.UserContext{UserID: uuid.New(), SessionID: uuid.New(), Role: domain.RoleUser}
	if emails == nil {
		emails = &fakeEmails{}
	}
	if jobs == nil {
		jobs = &fakeJobs{}
	}
	server := New(nil, Services{
		Emails:   emails,
		Jobs:     jobs,
		Auth:     &fakeAuth{caller: caller},
		System:   &fakeSystem{},
		Callback: &fakeCallback{},
	})
	return server, caller
}

func callTool(t *testing.T, server *Server, name, token string, body any) (*http.Response, *response.ToolResult) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(http.MethodPost, "/tools/"+name, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var result response.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal envelope: %v (body %s)", err, raw)
	}
	return resp, &result
}

func innerPayload(t *testing.T, result *response.ToolResult, dest any) {
	t.Helper()
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("unexpected envelope content: %+v", result.Content)
	}
	if err := json.Unmarshal([]byte(result.Content[0].Text), dest); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
}

func innerError(t *testing.T, result *response.ToolResult) response.ToolError {
	t.Helper()
	if !result.IsError {
		t.Fatalf("expected error envelope, got %+v", result)
	}
	var payload struct {
		Error response.ToolError `json:"error"`
	}
	innerPayload(t, result, &payload)
	return payload.Error
}

// =============================================================================
// Tests
// =============================================================================

func TestUnknownToolReturnsMethodNotFound(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "no_such_tool", "good-token", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if toolErr := innerError(t, result); toolErr.Code != "method_not_found" {
		t.Fatalf("code = %q, want method_not_found", toolErr.Code)
	}
}

func TestToolRequiresSession(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "list_emails", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if toolErr := innerError(t, result); toolErr.Code != "unauthenticated" {
		t.Fatalf("code = %q, want unauthenticated", toolErr.Code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "list_emails", "forged", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if toolErr := innerError(t, result); toolErr.Code != "unauthenticated" {
		t.Fatalf("code = %q, want unauthenticated", toolErr.Code)
	}
}

func TestExemptToolRunsWithoutSession(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "get_system_health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload in.SystemHealthReport
	innerPayload(t, result, &payload)
	if payload.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", payload.Status)
	}
}

func TestListEmailsReturnsPage(t *testing.T) {
	emails := &fakeEmails{emails: []*domain.EmailIndex{
		{EmailID: "m1", Subject: "invoice"},
		{EmailID: "m2", Subject: "receipt"},
	}}
	server, _ := newTestServer(t, emails, nil)

	resp, result := callTool(t, server, "list_emails", "good-token", map[string]any{"limit": 10})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload struct {
		Emails []*domain.EmailIndex `json:"emails"`
		Total  int64                `json:"total"`
	}
	innerPayload(t, result, &payload)
	if payload.Total != 2 || len(payload.Emails) != 2 {
		t.Fatalf("unexpected page: %+v", payload)
	}
}

func TestGetEmailDetailsValidation(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "get_email_details", "good-token", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if toolErr := innerError(t, result); toolErr.Code != "invalid_params" {
		t.Fatalf("code = %q, want invalid_params", toolErr.Code)
	}
}

func TestNotFoundSurfacesAsToolError(t *testing.T) {
	server, _ := newTestServer(t, &fakeEmails{}, nil)
	resp, result := callTool(t, server, "get_email_details", "good-token", map[string]any{"email_id": "missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if toolErr := innerError(t, result); toolErr.Code != "not_found" {
		t.Fatalf("code = %q, want not_found", toolErr.Code)
	}
}

func TestMalformedBodyIsInvalidRequest(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/tools/list_emails", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer good-token")
	resp, err := server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	var result response.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if toolErr := innerError(t, &result); toolErr.Code != "invalid_request" {
		t.Fatalf("code = %q, want invalid_request", toolErr.Code)
	}
}

func TestCancelJobRoundTrip(t *testing.T) {
	jobs := &fakeJobs{}
	server, _ := newTestServer(t, nil, jobs)

	jobID := uuid.New()
	resp, result := callTool(t, server, "cancel_job", "good-token", map[string]any{"job_id": jobID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload struct {
		Cancelled bool      `json:"cancelled"`
		JobID     uuid.UUID `json:"job_id"`
	}
	innerPayload(t, result, &payload)
	if !payload.Cancelled || payload.JobID != jobID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(jobs.cancelled) != 1 || jobs.cancelled[0] != jobID {
		t.Fatalf("cancel not forwarded: %v", jobs.cancelled)
	}
}

func TestAuthenticateReturnsInstructions(t *testing.T) {
	server, _ := newTestServer(t, nil, nil)
	resp, result := callTool(t, server, "authenticate", "", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var payload struct {
		AuthURL      string `json:"auth_url"`
		State        string `json:"state"`
		Instructions string `json:"instructions"`
	}
	innerPayload(t, result, &payload)
	if payload.State != "st-1" || payload.AuthURL == "" || payload.Instructions == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestOAuthCallbackCompletesState(t *testing.T) {
	callback := &fakeCallback{}
	caller := &domain.UserContext{UserID: uuid.New()}
	server := New(nil, Services{
		Emails:   &fakeEmails{},
		Jobs:     &fakeJobs{},
		Auth:     &fakeAuth{caller: caller},
		System:   &fakeSystem{},
		Callback: callback,
	})

	req := httptest.NewRequest(http.MethodGet, "/oauth/callback?state=st-1&code=c-1", nil)
	resp, err := server.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(callback.states) != 1 || callback.states[0] != "st-1" {
		t.Fatalf("callback not forwarded: %v", callback.states)
	}
}

func TestWireCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"missing field", apperr.MissingField("email_id"), "invalid_params"},
		{"invalid params", apperr.InvalidParams("bad"), "invalid_params"},
		{"not found", apperr.NotFound("job"), "not_found"},
		{"unauthenticated", apperr.Unauthenticated(""), "unauthenticated"},
		{"safety blocked", apperr.SafetyBlocked("budget"), "safety_blocked"},
		{"plain error", errors.New("boom"), "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wireCode(tt.err); got != tt.want {
				t.Fatalf("wireCode = %q, want %q", got, tt.want)
			}
		})
	}
}
