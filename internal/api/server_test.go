package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"imageflow/internal/auth"
	"imageflow/internal/config"
	"imageflow/internal/ingest"
	"imageflow/internal/models"
	"imageflow/internal/retrieval"
	"imageflow/internal/workflow"
)

const testSecret = "test-secret"

type fakePresigner struct {
	lastKey         string
	lastContentType string
	err             error
}

func (f *fakePresigner) PresignPut(_ context.Context, _, key, contentType string, _ time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastKey = key
	f.lastContentType = contentType
	return "https://signed.example/" + key, nil
}

type fakeResolver struct {
	result *retrieval.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, _ auth.Identity, _, _ string) (*retrieval.Result, error) {
	return f.result, f.err
}

type fakeNotifier struct {
	notifications []ingest.Notification
	err           error
}

func (f *fakeNotifier) HandleNotification(_ context.Context, n ingest.Notification) error {
	if f.err != nil {
		return f.err
	}
	f.notifications = append(f.notifications, n)
	return nil
}

type fakeRecords struct {
	records map[string]models.ImageRecord
}

func (f *fakeRecords) Get(_ context.Context, imageID string) (models.ImageRecord, error) {
	rec, ok := f.records[imageID]
	if !ok {
		return models.ImageRecord{}, errors.New("not found")
	}
	return rec, nil
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (f *fakeLimiter) AllowUpload(_ context.Context, _ string) (bool, float64, error) {
	return f.allowed, 0, f.err
}

type serverFixture struct {
	presign  *fakePresigner
	resolver *fakeResolver
	notifier *fakeNotifier
	records  *fakeRecords
	limiter  *fakeLimiter
	handler  http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		presign:  &fakePresigner{},
		resolver: &fakeResolver{},
		notifier: &fakeNotifier{},
		records:  &fakeRecords{records: map[string]models.ImageRecord{}},
		limiter:  &fakeLimiter{allowed: true},
	}
	cfg := config.Config{
		Storage: config.StorageConfig{
			InputBucket:  "in-bucket",
			OutputBucket: "out-bucket",
			UploadTTL:    2 * time.Hour,
			DownloadTTL:  time.Hour,
		},
	}
	srv := New(cfg, auth.NewVerifier(testSecret), f.presign, f.resolver, f.notifier, f.records, f.limiter, zerolog.Nop())
	f.handler = srv.Router()
	return f
}

func bearerFor(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doRequest(f *serverFixture, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	f := newServerFixture(t)

	for _, target := range []string{"/v1/uploads", "/v1/images?image_id=x"} {
		method := http.MethodGet
		if strings.Contains(target, "uploads") {
			method = http.MethodPost
		}
		req := httptest.NewRequest(method, target, nil)
		if rec := doRequest(f, req); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: status %d", target, rec.Code)
		}

		req = httptest.NewRequest(method, target, nil)
		req.Header.Set("Authorization", "Bearer garbage")
		if rec := doRequest(f, req); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: status %d", target, rec.Code)
		}
	}
}

func TestCreateUpload(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads",
		strings.NewReader(`{"fileName":"cat.jpeg","fileType":"image/jpeg"}`))
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	rec := doRequest(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var resp createUploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasPrefix(resp.FileKey, "uploads/user-42/") || !strings.HasSuffix(resp.FileKey, ".jpg") {
		t.Errorf("file key = %q", resp.FileKey)
	}
	if resp.UploadURL != "https://signed.example/"+resp.FileKey {
		t.Errorf("upload url = %q", resp.UploadURL)
	}
	if resp.ExpiresIn != 7200 {
		t.Errorf("expires in = %d", resp.ExpiresIn)
	}
	if f.presign.lastContentType != "image/jpeg" {
		t.Errorf("presigned content type = %q", f.presign.lastContentType)
	}
}

func TestCreateUploadExtensionFromContentType(t *testing.T) {
	// The key extension follows the declared content type; the filename's
	// extension is never trusted.
	tests := []struct {
		name string
		body string
		ext  string
	}{
		{"no filename", `{"fileType":"image/png"}`, ".png"},
		{"matching filename", `{"fileName":"cat.png","fileType":"image/png"}`, ".png"},
		{"mismatched filename", `{"fileName":"x.exe","fileType":"image/jpeg"}`, ".jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)

			req := httptest.NewRequest(http.MethodPost, "/v1/uploads",
				strings.NewReader(tt.body))
			req.Header.Set("Authorization", bearerFor(t, "user-42"))
			rec := doRequest(f, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var resp createUploadResponse
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if !strings.HasSuffix(resp.FileKey, tt.ext) {
				t.Fatalf("file key = %q, want %s suffix", resp.FileKey, tt.ext)
			}
		})
	}
}

func TestCreateUploadRejectsContentType(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads",
		strings.NewReader(`{"fileName":"x.pdf","fileType":"application/pdf"}`))
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	if rec := doRequest(f, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateUploadRateLimited(t *testing.T) {
	f := newServerFixture(t)
	f.limiter.allowed = false

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads",
		strings.NewReader(`{"fileType":"image/jpeg"}`))
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	if rec := doRequest(f, req); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetImage(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.result = &retrieval.Result{
		DownloadURL: "https://signed.example/watermarked/user-42/cat_watermarked.jpg",
		ImageID:     "cat",
		ExpiresIn:   3600,
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/images?image_id=cat", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	rec := doRequest(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp retrieval.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DownloadURL == "" || resp.ImageID != "cat" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetImageRequiresImageID(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/images", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	if rec := doRequest(f, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetImageNotFoundBody(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.err = &retrieval.NotFoundError{
		ImageID:     "cat",
		UserID:      "user-42",
		SearchedKey: "watermarked/user-42/cat_watermarked.jpg",
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/images?image_id=cat", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	rec := doRequest(f, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["image_id"] != "cat" || body["user_id"] != "user-42" ||
		body["searched_path"] != "watermarked/user-42/cat_watermarked.jpg" {
		t.Fatalf("not-found body = %v", body)
	}
}

func TestGetImageUnavailable(t *testing.T) {
	f := newServerFixture(t)
	f.resolver.err = &retrieval.AvailabilityError{Err: errors.New("connection refused")}

	req := httptest.NewRequest(http.MethodGet, "/v1/images?image_id=cat", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	if rec := doRequest(f, req); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetStatusRebuildsKeyAndScopes(t *testing.T) {
	f := newServerFixture(t)
	f.records.records["uploads/user-42/cat.jpg"] = models.ImageRecord{
		ImageID:          "uploads/user-42/cat.jpg",
		UserID:           "user-42",
		ProcessingStatus: models.StatusWatermarked,
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/images/cat.jpg/status", nil)
	req.Header.Set("Authorization", bearerFor(t, "user-42"))
	rec := doRequest(f, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var record models.ImageRecord
	_ = json.Unmarshal(rec.Body.Bytes(), &record)
	if record.ProcessingStatus != models.StatusWatermarked {
		t.Fatalf("record = %+v", record)
	}

	// Another caller asking for the same filename lands in their own
	// namespace and finds nothing.
	req = httptest.NewRequest(http.MethodGet, "/v1/images/cat.jpg/status", nil)
	req.Header.Set("Authorization", bearerFor(t, "intruder"))
	if rec := doRequest(f, req); rec.Code != http.StatusNotFound {
		t.Fatalf("cross-user status = %d", rec.Code)
	}
}

func TestEventsWebhook(t *testing.T) {
	f := newServerFixture(t)

	body := `{"Records":[{"eventName":"ObjectCreated:Put","eventTime":"2024-03-01T11:59:58Z",
		"s3":{"bucket":{"name":"in-bucket"},"object":{"key":"uploads/u1/cat.jpg","size":10}}}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := doRequest(f, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if len(f.notifier.notifications) != 1 {
		t.Fatalf("notifications = %d", len(f.notifier.notifications))
	}
	if f.notifier.notifications[0].ObjectKey != "uploads/u1/cat.jpg" {
		t.Fatalf("object key = %q", f.notifier.notifications[0].ObjectKey)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader("not json"))
	if rec := doRequest(f, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed event status = %d", rec.Code)
	}
}

func TestOpsRouterRunLookup(t *testing.T) {
	engine := workflow.NewEngine(config.WorkflowConfig{}, zerolog.Nop())
	if _, err := engine.Start(context.Background(), "run-1", models.RunContext{OriginalKey: "uploads/u/a.jpg"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	engine.Wait()

	handler := OpsRouter(engine)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var run workflow.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Name != "run-1" || run.State != workflow.RunStateSucceeded {
		t.Fatalf("run = %+v", run)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", rec.Code)
	}
}
