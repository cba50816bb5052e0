package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"genstudio/internal/credits"
	"genstudio/internal/credits/credittest"
	"genstudio/internal/domain"
	"genstudio/internal/generation"
	"genstudio/internal/http/handlers"
	"genstudio/internal/http/httpapi"
)

const userID = "6f1c1c2e-3d4b-4f8a-9a51-1f2e3d4c5b6a"

type stubGeneration struct {
	submitReq  generation.SubmitRequest
	statusReq  generation.StatusRequest
	submitErr  error
	statusErr  error
	statusResp *generation.StatusResult
}

func (s *stubGeneration) Submit(_ context.Context, req generation.SubmitRequest) (*generation.SubmitResult, error) {
	s.submitReq = req
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return &generation.SubmitResult{
		Success: true,
		TaskID:  "task-1",
		Status:  domain.TaskStatusGenerating,
		Message: "Image generation task created",
	}, nil
}

func (s *stubGeneration) Status(_ context.Context, req generation.StatusRequest) (*generation.StatusResult, error) {
	s.statusReq = req
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if s.statusResp != nil {
		return s.statusResp, nil
	}
	return &generation.StatusResult{Success: true, Status: domain.TaskStatusGenerating}, nil
}

type stubUsers map[string]string

func (u stubUsers) ResolveUser(_ context.Context, token string) (string, error) {
	if id, ok := u[token]; ok {
		return id, nil
	}
	return "", errors.New("unknown token")
}

type fixture struct {
	gen    *stubGeneration
	db     *credittest.FakeSQL
	usage  *credits.MemoryUsage
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gen:   &stubGeneration{},
		db:    credittest.NewFakeSQL(),
		usage: credits.NewMemoryUsage(),
	}
	app := handlers.NewApp(f.gen, credits.NewLedger(f.db), f.usage, nil)
	f.router = httpapi.NewRouter(app, httpapi.Options{Users: stubUsers{"good-token": userID}})
	return f
}

func (f *fixture) do(method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	req.RemoteAddr = "203.0.113.7:5555"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/healthz", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
}

func TestGenerateSuccess(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/generate", `{"prompt":"a red balloon","size":"3:2","turnstileToken":"0123456789ab"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["success"] != true || body["taskId"] != "task-1" || body["status"] != "GENERATING" {
		t.Fatalf("unexpected body %v", body)
	}
	if f.gen.submitReq.Prompt != "a red balloon" || f.gen.submitReq.Size != "3:2" {
		t.Fatalf("request not forwarded: %+v", f.gen.submitReq)
	}
	if f.gen.submitReq.RemoteIP != "203.0.113.7" {
		t.Fatalf("remote ip = %q", f.gen.submitReq.RemoteIP)
	}
}

func TestGenerateBearerFallback(t *testing.T) {
	f := newFixture(t)
	header := http.Header{"Authorization": {"Bearer header-token"}}
	f.do(http.MethodPost, "/api/generate", `{"prompt":"cat"}`, header)
	if f.gen.submitReq.AccessToken != "header-token" {
		t.Fatalf("access token = %q", f.gen.submitReq.AccessToken)
	}

	f.do(http.MethodPost, "/api/generate", `{"prompt":"cat","accessToken":"body-token"}`, header)
	if f.gen.submitReq.AccessToken != "body-token" {
		t.Fatalf("body token should win, got %q", f.gen.submitReq.AccessToken)
	}
}

func TestGenerateInvalidBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/generate", `{"prompt":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode(t, rec); body["success"] != false || body["error"] != "Invalid request body" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestGenerateErrorRendering(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
		code    string
		details bool
	}{
		{name: "validation", err: domain.ValidationError("Missing prompt"), status: 400, message: "Missing prompt"},
		{name: "auth", err: domain.AuthError(errors.New("expired")), status: 401, message: "Invalid access token"},
		{name: "quota", err: domain.QuotaError(), status: 402, message: "Insufficient credits", code: "INSUFFICIENT_CREDITS"},
		{name: "config", err: domain.ConfigError(domain.ErrNotConfigured), status: 500, message: "Server configuration error"},
		{
			name:    "upstream mirrored",
			err:     domain.UpstreamError("Failed to create generation task", 503, json.RawMessage(`{"msg":"busy"}`), errors.New("503")),
			status:  503,
			message: "Failed to create generation task",
			details: true,
		},
		{name: "opaque", err: errors.New("boom"), status: 500, message: "Internal server error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.gen.submitErr = tc.err
			rec := f.do(http.MethodPost, "/api/generate", `{"prompt":"cat"}`, nil)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			body := decode(t, rec)
			if body["success"] != false || body["error"] != tc.message {
				t.Fatalf("unexpected body %v", body)
			}
			if tc.code != "" && body["code"] != tc.code {
				t.Fatalf("code = %v, want %s", body["code"], tc.code)
			}
			if _, ok := body["details"]; ok != tc.details {
				t.Fatalf("details present = %v, want %v", ok, tc.details)
			}
		})
	}
}

func TestGenerateStatusQueryAndBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/generate/status?taskId=task-9&accessToken=tok", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	if f.gen.statusReq.TaskID != "task-9" || f.gen.statusReq.AccessToken != "tok" {
		t.Fatalf("GET request = %+v", f.gen.statusReq)
	}

	f.gen.statusResp = &generation.StatusResult{Success: true, Status: domain.TaskStatusSuccess, GeneratedImage: "https://cdn.example/out.png"}
	rec = f.do(http.MethodPost, "/api/generate/status", `{"taskId":"task-10"}`, nil)
	body := decode(t, rec)
	if body["status"] != "SUCCESS" || body["generatedImage"] != "https://cdn.example/out.png" {
		t.Fatalf("POST body %v", body)
	}
	if f.gen.statusReq.TaskID != "task-10" {
		t.Fatalf("POST request = %+v", f.gen.statusReq)
	}
}

func TestGenerateStatusFailureIsOK(t *testing.T) {
	f := newFixture(t)
	f.gen.statusResp = &generation.StatusResult{Success: false, Status: domain.TaskStatusFailed, Error: "Image generation failed"}
	rec := f.do(http.MethodGet, "/api/generate/status?taskId=t", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("terminal failure must be 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != false || body["status"] != "FAILED" || body["error"] != "Image generation failed" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, ok := body["generatedImage"]; ok {
		t.Fatalf("generatedImage must be omitted on failure")
	}
}

func TestCredits(t *testing.T) {
	f := newFixture(t)
	f.db.SetBalance(userID, 7)

	rec := f.do(http.MethodGet, "/api/credits", "", http.Header{"Authorization": {"Bearer good-token"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["credits"] != float64(7) {
		t.Fatalf("unexpected body %v", body)
	}

	rec = f.do(http.MethodGet, "/api/credits", "", http.Header{"Authorization": {"Bearer bad"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/credits", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}
}

func TestCreditsLedgerFailure(t *testing.T) {
	f := newFixture(t)
	f.db.Err = errors.New("connection refused")
	rec := f.do(http.MethodGet, "/api/credits", "", http.Header{"Authorization": {"Bearer good-token"}})
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decode(t, rec); body["error"] != "Failed to check credits" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestUsageMirror(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 4; i++ {
		rec := f.do(http.MethodPost, "/api/usage/visitor-1", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST #%d status = %d", i, rec.Code)
		}
	}
	rec := f.do(http.MethodGet, "/api/usage/visitor-1", "", nil)
	body := decode(t, rec)
	if body["used"] != float64(3) || body["remaining"] != float64(0) || body["max"] != float64(3) {
		t.Fatalf("unexpected usage %v", body)
	}

	rec = f.do(http.MethodGet, "/api/usage/fresh", "", nil)
	if body := decode(t, rec); body["remaining"] != float64(3) {
		t.Fatalf("fresh visitor usage %v", body)
	}
}

func TestUsageInvalidVisitor(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/api/usage/"+strings.Repeat("v", 200), "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
