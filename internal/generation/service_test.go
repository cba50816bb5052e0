package generation

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"genstudio/internal/credits"
	"genstudio/internal/credits/credittest"
	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/providers/kie"
	"genstudio/internal/storage"
)

const (
	validToken = "turnstile-token-ok"
	userToken  = "user-access-token"
	userID     = "6f1c1c2e-3d4b-4f8a-9a51-1f2e3d4c5b6a"
)

var pngData = "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))

type fakeProvider struct {
	mu        sync.Mutex
	notReady  bool
	createErr error
	taskID    string
	created   []kie.CreateTaskRequest
	records   []*kie.TaskRecord
	getErr    error
	polls     int
}

func (p *fakeProvider) Client(context.Context) (TaskClient, error) {
	if p.notReady {
		return nil, fmt.Errorf("%w: kie api key", domain.ErrNotConfigured)
	}
	return p, nil
}

func (p *fakeProvider) CreateTask(_ context.Context, req kie.CreateTaskRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, req)
	if p.createErr != nil {
		return "", p.createErr
	}
	return p.taskID, nil
}

// GetTask replays records in order and repeats the last one.
func (p *fakeProvider) GetTask(_ context.Context, taskID string) (*kie.TaskRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls++
	if p.getErr != nil {
		return nil, p.getErr
	}
	if len(p.records) == 0 {
		return &kie.TaskRecord{TaskID: taskID, Status: "GENERATING"}, nil
	}
	rec := p.records[0]
	if len(p.records) > 1 {
		p.records = p.records[1:]
	}
	return rec, nil
}

func (p *fakeProvider) createCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

type fakeVerifier struct {
	ok    bool
	err   error
	calls int
}

func (v *fakeVerifier) Verify(context.Context, string, string) (bool, error) {
	v.calls++
	return v.ok, v.err
}

type fakeUsers map[string]string

func (u fakeUsers) ResolveUser(_ context.Context, token string) (string, error) {
	if id, ok := u[token]; ok {
		return id, nil
	}
	return "", errors.New("invalid token")
}

// fakeHost answers later images first to prove ordering does not depend on
// completion order.
type fakeHost struct {
	mu    sync.Mutex
	seq   int
	err   error
	calls int
}

func (h *fakeHost) Upload(ctx context.Context, img storage.Image) (string, error) {
	h.mu.Lock()
	h.seq++
	n := h.seq
	h.calls++
	h.mu.Unlock()
	if h.err != nil {
		return "", h.err
	}
	select {
	case <-time.After(time.Duration(10-n) * 5 * time.Millisecond):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fmt.Sprintf("https://img.test/%d.png", n), nil
}

type fixture struct {
	svc      *Service
	provider *fakeProvider
	verifier *fakeVerifier
	host     *fakeHost
	db       *credittest.FakeSQL
	events   *events.Recorder
}

func newFixture(balance int) *fixture {
	db := credittest.NewFakeSQL()
	db.SetBalance(userID, balance)
	f := &fixture{
		provider: &fakeProvider{taskID: "abc123"},
		verifier: &fakeVerifier{ok: true},
		host:     &fakeHost{},
		db:       db,
		events:   &events.Recorder{},
	}
	f.svc = NewService(Deps{
		Provider: f.provider,
		Verifier: f.verifier,
		Users:    fakeUsers{userToken: userID},
		Ledger:   credits.NewLedger(db),
		Host:     f.host,
		Events:   f.events,
	})
	return f
}

func requireDomainError(t *testing.T, err error, status int, message string) *domain.Error {
	t.Helper()
	var derr *domain.Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected *domain.Error, got %T %v", err, err)
	}
	if derr.Status != status || derr.Message != message {
		t.Fatalf("got %d %q, want %d %q", derr.Status, derr.Message, status, message)
	}
	return derr
}

func TestSubmitValidation(t *testing.T) {
	tooMany := []string{"https://a/1", "https://a/2", "https://a/3", "https://a/4", "https://a/5", "https://a/6"}
	tests := []struct {
		name string
		req  SubmitRequest
		want string
	}{
		{name: "short token", req: SubmitRequest{Prompt: "cat", TurnstileToken: "short"}, want: "Missing turnstileToken or invalid length"},
		{name: "short token beats missing prompt", req: SubmitRequest{TurnstileToken: "123456789"}, want: "Missing turnstileToken or invalid length"},
		{name: "empty prompt", req: SubmitRequest{TurnstileToken: validToken, Images: tooMany, Size: "9:9"}, want: "Missing prompt"},
		{name: "whitespace prompt", req: SubmitRequest{Prompt: "   ", TurnstileToken: validToken}, want: "Missing prompt"},
		{name: "too many images", req: SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Images: tooMany}, want: "Too many images"},
		{name: "empty image", req: SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Images: []string{""}}, want: "Invalid image data"},
		{name: "unknown size", req: SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Size: "16:9"}, want: "Invalid size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(5)
			_, err := f.svc.Submit(context.Background(), tc.req)
			requireDomainError(t, err, http.StatusBadRequest, tc.want)
			if f.provider.createCalls() != 0 || f.verifier.calls != 0 || f.host.calls != 0 {
				t.Fatalf("no upstream call expected: create=%d verify=%d upload=%d",
					f.provider.createCalls(), f.verifier.calls, f.host.calls)
			}
		})
	}
}

func TestSubmitAnonymousDefaultsSize(t *testing.T) {
	f := newFixture(0)
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "a red balloon", TurnstileToken: validToken})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	want := &SubmitResult{Success: true, TaskID: "abc123", Status: domain.TaskStatusGenerating, Message: "Image generation task created"}
	if !reflect.DeepEqual(res, want) {
		t.Fatalf("result = %+v, want %+v", res, want)
	}
	if f.verifier.calls != 1 {
		t.Fatalf("expected one turnstile verification, got %d", f.verifier.calls)
	}
	sent := f.provider.created[0]
	if sent.Size != "1:1" || sent.Prompt != "a red balloon" || len(sent.FilesURL) != 0 {
		t.Fatalf("unexpected provider request %+v", sent)
	}
	if got := f.events.Subjects(); len(got) != 1 || got[0] != events.SubjectTaskCreated {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestSubmitNormalizesPrompt(t *testing.T) {
	f := newFixture(0)
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "  cafe\u0301 at dusk ", TurnstileToken: validToken}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := f.provider.created[0].Prompt; got != "caf\u00e9 at dusk" {
		t.Fatalf("prompt = %q", got)
	}
}

func TestSubmitTurnstileRejected(t *testing.T) {
	f := newFixture(0)
	f.verifier.ok = false
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken})
	requireDomainError(t, err, http.StatusBadRequest, "Turnstile verification failed")
	if f.provider.createCalls() != 0 {
		t.Fatal("no task may be created")
	}
}

func TestSubmitTurnstileNotConfigured(t *testing.T) {
	f := newFixture(0)
	f.verifier.err = fmt.Errorf("%w: turnstile secret", domain.ErrNotConfigured)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken})
	requireDomainError(t, err, http.StatusInternalServerError, "Server configuration error")
}

func TestSubmitMissingProviderKey(t *testing.T) {
	f := newFixture(5)
	f.provider.notReady = true
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken})
	requireDomainError(t, err, http.StatusInternalServerError, "Server configuration error")
	if f.provider.createCalls() != 0 {
		t.Fatal("no task may be created")
	}
}

func TestSubmitInvalidAccessToken(t *testing.T) {
	f := newFixture(5)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: "forged"})
	requireDomainError(t, err, http.StatusUnauthorized, "Invalid access token")
	if f.verifier.calls != 0 {
		t.Fatal("authenticated path must skip turnstile")
	}
}

func TestSubmitZeroBalance(t *testing.T) {
	f := newFixture(0)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken})
	derr := requireDomainError(t, err, http.StatusPaymentRequired, "Insufficient credits")
	if derr.Code != "INSUFFICIENT_CREDITS" {
		t.Fatalf("code = %q", derr.Code)
	}
	if f.provider.createCalls() != 0 || f.host.calls != 0 {
		t.Fatal("no task may be created for a zero balance")
	}
}

func TestSubmitDebitsOneCredit(t *testing.T) {
	f := newFixture(2)
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := f.db.BalanceOf(userID); got != 1 {
		t.Fatalf("balance = %d, want 1", got)
	}
	if f.events.Events[0].Event.UserID != userID {
		t.Fatalf("created event should carry the user id")
	}
}

func TestSubmitDebitFailureStillReturnsTask(t *testing.T) {
	// The fake provider hands out the same task id twice, so the second
	// debit is rejected as a duplicate.
	f := newFixture(2)
	ctx := context.Background()
	req := SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken}
	if _, err := f.svc.Submit(ctx, req); err != nil {
		t.Fatalf("first Submit error: %v", err)
	}
	res, err := f.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("second Submit must succeed despite debit failure: %v", err)
	}
	if res.TaskID != "abc123" {
		t.Fatalf("taskId = %q", res.TaskID)
	}
	if got := f.db.BalanceOf(userID); got != 1 {
		t.Fatalf("balance = %d, want 1", got)
	}
}

func TestSubmitUploadsPreserveOrder(t *testing.T) {
	f := newFixture(0)
	images := []string{pngData, "https://cdn.test/remote.png", pngData, pngData}
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Images: images}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	sent := f.provider.created[0].FilesURL
	if len(sent) != len(images) {
		t.Fatalf("sent %d urls, want %d", len(sent), len(images))
	}
	if sent[1] != "https://cdn.test/remote.png" {
		t.Fatalf("remote url must pass through in place, got %v", sent)
	}
	if f.host.calls != 3 {
		t.Fatalf("expected 3 uploads, got %d", f.host.calls)
	}
	seen := map[string]bool{}
	for i, u := range sent {
		if u == "" || seen[u] {
			t.Fatalf("url %d missing or duplicated: %v", i, sent)
		}
		seen[u] = true
	}
}

// orderedHost names each upload after the image's position, carried as the
// final byte, and finishes uploads in reverse order.
type orderedHost struct{}

func (orderedHost) urlFor(i int) string { return fmt.Sprintf("https://img.test/pos-%d.png", i) }

func (h *orderedHost) Upload(_ context.Context, img storage.Image) (string, error) {
	pos := int(img.Data[len(img.Data)-1] - '0')
	time.Sleep(time.Duration(5-pos) * 5 * time.Millisecond)
	return h.urlFor(pos), nil
}

func TestSubmitUploadOrderMatchesInput(t *testing.T) {
	f := newFixture(0)
	host := &orderedHost{}
	f.svc.host = host
	var images []string
	for i := 0; i < 5; i++ {
		raw := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), byte('0'+i))
		images = append(images, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(raw))
	}
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Images: images}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	sent := f.provider.created[0].FilesURL
	if len(sent) != 5 {
		t.Fatalf("sent %d urls, want 5", len(sent))
	}
	for i, u := range sent {
		if want := host.urlFor(i); u != want {
			t.Fatalf("url %d = %q, want %q", i, u, want)
		}
	}
}

func TestSubmitUploadFailure(t *testing.T) {
	f := newFixture(3)
	f.host.err = errors.New("imgbb: status 500")
	_, err := f.svc.Submit(context.Background(), SubmitRequest{
		Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken,
		Images: []string{pngData, pngData},
	})
	requireDomainError(t, err, http.StatusInternalServerError, "Failed to upload image")
	if f.provider.createCalls() != 0 {
		t.Fatal("no partial submission allowed")
	}
	if got := f.db.BalanceOf(userID); got != 3 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestSubmitInvalidImageData(t *testing.T) {
	f := newFixture(0)
	_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, Images: []string{"data:text/plain;base64,aGVsbG8="}})
	requireDomainError(t, err, http.StatusInternalServerError, "Failed to upload image")
}

func TestSubmitProviderFailure(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantDetail bool
	}{
		{name: "http 500", err: &kie.APIError{HTTPStatus: 500, Body: []byte(`{"code":500,"msg":"boom"}`)}, wantStatus: 500, wantDetail: true},
		{name: "http 503 mirrored", err: &kie.APIError{HTTPStatus: 503, Body: []byte(`busy`)}, wantStatus: 503, wantDetail: true},
		{name: "envelope error", err: &kie.APIError{HTTPStatus: 200, Code: 402, Body: []byte(`{"code":402}`)}, wantStatus: 500, wantDetail: true},
		{name: "transport", err: errors.New("dial tcp: refused"), wantStatus: 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(2)
			f.provider.createErr = tc.err
			_, err := f.svc.Submit(context.Background(), SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken})
			derr := requireDomainError(t, err, tc.wantStatus, "Failed to create generation task")
			if (derr.Details != nil) != tc.wantDetail {
				t.Fatalf("details = %v, want present=%v", derr.Details, tc.wantDetail)
			}
			if got := f.db.BalanceOf(userID); got != 2 {
				t.Fatalf("no credit may be debited, balance = %d", got)
			}
		})
	}
}

func TestStatusMissingTaskID(t *testing.T) {
	f := newFixture(0)
	_, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "  "})
	requireDomainError(t, err, http.StatusBadRequest, "Missing taskId parameter")
	if f.provider.polls != 0 {
		t.Fatal("no provider query expected")
	}
}

func TestStatusMissingKey(t *testing.T) {
	f := newFixture(0)
	f.provider.notReady = true
	_, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
	requireDomainError(t, err, http.StatusInternalServerError, "Server configuration error")
}

func TestStatusGeneratingIsIdempotent(t *testing.T) {
	f := newFixture(0)
	first, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	second, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	want := &StatusResult{Success: true, Status: domain.TaskStatusGenerating}
	if !reflect.DeepEqual(first, want) || !reflect.DeepEqual(first, second) {
		t.Fatalf("responses differ: %+v %+v", first, second)
	}
	if f.provider.polls != 2 {
		t.Fatalf("expected one provider query per call, got %d", f.provider.polls)
	}
}

func TestStatusTransportAndUpstreamErrors(t *testing.T) {
	f := newFixture(0)
	f.provider.getErr = errors.New("kie: http request: timeout")
	_, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
	requireDomainError(t, err, http.StatusInternalServerError, "Failed to check task status")

	f.provider.getErr = &kie.APIError{HTTPStatus: 404, Body: []byte(`{"code":404,"msg":"not found"}`)}
	_, err = f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
	requireDomainError(t, err, http.StatusInternalServerError, "Failed to fetch task status")
}

func TestStatusFailureMessages(t *testing.T) {
	tests := []struct {
		name string
		rec  *kie.TaskRecord
		want string
	}{
		{name: "provider message", rec: &kie.TaskRecord{Status: "GENERATE_FAILED", ErrorMessage: "content policy"}, want: "content policy"},
		{name: "generic", rec: &kie.TaskRecord{Status: "CREATE_TASK_FAILED"}, want: "Image generation failed"},
		{name: "unknown status", rec: &kie.TaskRecord{Status: "WEIRD"}, want: "Image generation failed"},
		{name: "success without urls", rec: &kie.TaskRecord{Status: "SUCCESS"}, want: "Returned image data format error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(0)
			f.provider.records = []*kie.TaskRecord{tc.rec}
			res, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123"})
			if err != nil {
				t.Fatalf("Status error: %v", err)
			}
			want := &StatusResult{Success: false, Status: domain.TaskStatusFailed, Error: tc.want}
			if !reflect.DeepEqual(res, want) {
				t.Fatalf("result = %+v, want %+v", res, want)
			}
		})
	}
}

func TestStatusFailureInvalidToken(t *testing.T) {
	f := newFixture(0)
	f.provider.records = []*kie.TaskRecord{{Status: "GENERATE_FAILED"}}
	_, err := f.svc.Status(context.Background(), StatusRequest{TaskID: "abc123", AccessToken: "forged"})
	requireDomainError(t, err, http.StatusUnauthorized, "Invalid access token")
}

func TestCreditSymmetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(3)
	if _, err := f.svc.Submit(ctx, SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if got := f.db.BalanceOf(userID); got != 2 {
		t.Fatalf("balance after submit = %d, want 2", got)
	}

	f.provider.records = []*kie.TaskRecord{{TaskID: "abc123", Status: "GENERATE_FAILED"}}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Status(ctx, StatusRequest{TaskID: "abc123", AccessToken: userToken})
			if err != nil || res.Status != domain.TaskStatusFailed {
				t.Errorf("Status = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if got := f.db.BalanceOf(userID); got != 3 {
		t.Fatalf("net credit change must be zero, balance = %d", got)
	}
	if got := f.db.Count("abc123", "refund"); got != 1 {
		t.Fatalf("expected exactly one refund, got %d", got)
	}
}

func TestFormatErrorRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(1)
	if _, err := f.svc.Submit(ctx, SubmitRequest{Prompt: "cat", TurnstileToken: validToken, AccessToken: userToken}); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	f.provider.records = []*kie.TaskRecord{{Status: "SUCCESS"}}
	if _, err := f.svc.Status(ctx, StatusRequest{TaskID: "abc123", AccessToken: userToken}); err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if got := f.db.BalanceOf(userID); got != 1 {
		t.Fatalf("balance = %d, want 1", got)
	}
}

func TestRedBalloonScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)
	f.provider.records = []*kie.TaskRecord{
		{TaskID: "abc123", Status: "GENERATING"},
		{TaskID: "abc123", Status: "GENERATING"},
		{TaskID: "abc123", Status: "SUCCESS", ResultURLs: []string{"https://x/y.png"}},
	}

	sub, err := f.svc.Submit(ctx, SubmitRequest{Prompt: "a red balloon", TurnstileToken: validToken})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if sub.TaskID != "abc123" || f.provider.created[0].Size != "1:1" {
		t.Fatalf("unexpected submission %+v / %+v", sub, f.provider.created[0])
	}

	var last *StatusResult
	for i := 0; i < 3; i++ {
		last, err = f.svc.Status(ctx, StatusRequest{TaskID: sub.TaskID})
		if err != nil {
			t.Fatalf("poll %d error: %v", i+1, err)
		}
		if i < 2 && last.Status != domain.TaskStatusGenerating {
			t.Fatalf("poll %d status = %s", i+1, last.Status)
		}
	}
	want := &StatusResult{Success: true, Status: domain.TaskStatusSuccess, GeneratedImage: "https://x/y.png"}
	if !reflect.DeepEqual(last, want) {
		t.Fatalf("final = %+v, want %+v", last, want)
	}
	subjects := f.events.Subjects()
	if len(subjects) != 2 || subjects[1] != events.SubjectTaskSucceeded {
		t.Fatalf("unexpected events %v", subjects)
	}
}
