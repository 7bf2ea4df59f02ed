package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/estatereel/renderd/internal/db"
	"github.com/estatereel/renderd/internal/dispatch"
	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/orchestrator"
	"github.com/estatereel/renderd/internal/playback"
	"github.com/estatereel/renderd/internal/provider"
	"github.com/estatereel/renderd/internal/renderqueue"
	"github.com/estatereel/renderd/internal/webhook"
)

type asyncStrategy struct{}

func (asyncStrategy) Name() string { return "primary" }

func (asyncStrategy) Attempt(ctx context.Context, req provider.Request) (provider.Attempt, error) {
	return provider.Attempt{CorrelationID: "cid-" + req.JobID}, nil
}

type fakeQueue struct {
	entries  map[string]renderqueue.Entry
	canceled []string
}

func (q *fakeQueue) Get(id string) (renderqueue.Entry, bool) {
	e, ok := q.entries[id]
	return e, ok
}

func (q *fakeQueue) List() []renderqueue.Entry {
	var out []renderqueue.Entry
	for _, e := range q.entries {
		out = append(out, e)
	}
	return out
}

func (q *fakeQueue) Stats() renderqueue.Stats {
	return renderqueue.Stats{Queued: len(q.entries), MaxConcurrent: 2}
}

func (q *fakeQueue) Cancel(id string) bool {
	q.canceled = append(q.canceled, id)
	_, ok := q.entries[id]
	return ok
}

type failingChecker struct{}

func (failingChecker) Check(ctx context.Context) error { return errors.New("disk I/O error") }

type storeDownService struct{ Service }

func (storeDownService) HandleWebhook(ctx context.Context, p webhook.Payload, fallbackJobID string) (webhook.Outcome, error) {
	return "", errors.New("database is locked")
}

type testServer struct {
	cfg    ServerConfig
	router http.Handler
	store  *jobs.SQLiteStore
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	store := jobs.NewSQLiteStore(database.Conn())

	d, err := dispatch.New(dispatch.Config{Strategies: []provider.Strategy{asyncStrategy{}}, Store: store})
	if err != nil {
		t.Fatalf("dispatch.New() error = %v", err)
	}
	orch, err := orchestrator.New(orchestrator.Config{Store: store, Dispatcher: d})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}

	cfg := ServerConfig{
		Service:   orch,
		Webhooks:  map[string]WebhookSource{"primary": {Format: webhook.FormatNative}},
		Database:  database,
		Logger:    discardLogger(),
		StartTime: time.Now().Add(-10 * time.Second),
		Version:   "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testServer{cfg: cfg, router: NewRouter(cfg), store: store}
}

func (s *testServer) do(t *testing.T, method, target string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) submit(t *testing.T, n int) SubmitBatchResponse {
	t.Helper()
	req := orchestrator.CreateBatchRequest{OwnerID: "agent-7"}
	for i := 0; i < n; i++ {
		req.Jobs = append(req.Jobs, orchestrator.JobRequest{Payload: json.RawMessage(`{"listing":"12 Elm St"}`)})
	}
	rr := s.do(t, http.MethodPost, "/batches", req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /batches status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp SubmitBatchResponse
	decode(t, rr, &resp)
	return resp
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response body %q: %v", rr.Body.String(), err)
	}
}

func webhookBody(cid, status string) string {
	return `{"correlation_id":"` + cid + `","status":"` + status + `","output":{"url":"https://cdn.example.com/` + cid + `.mp4"}}`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Renders = &fakeQueue{entries: map[string]renderqueue.Entry{"r1": {ID: "r1"}}}
	})
	rr := s.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "ok" || resp.Version != "test" || resp.UptimeS < 10 {
		t.Errorf("health = %+v", resp)
	}
	if resp.Renders == nil || resp.Renders.Queued != 1 || resp.Renders.MaxConcurrent != 2 {
		t.Errorf("renders = %+v", resp.Renders)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.Database = failingChecker{} })
	rr := s.do(t, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp HealthResponse
	decode(t, rr, &resp)
	if resp.Status != "degraded" || resp.Database != "unavailable" {
		t.Errorf("health = %+v", resp)
	}
}

func TestRouter_AuthScope(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.APIToken = "s3cret" })

	if rr := s.do(t, http.MethodGet, "/batches", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /batches = %d, want 401", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/batches", nil, "Authorization", "Bearer s3cret"); rr.Code != http.StatusOK {
		t.Errorf("authenticated /batches = %d, want 200", rr.Code)
	}
	if rr := s.do(t, http.MethodGet, "/health", nil); rr.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200 without token", rr.Code)
	}
	rr := s.do(t, http.MethodPost, "/webhooks/primary", webhookBody("cid-unknown", "ok"))
	if rr.Code != http.StatusOK {
		t.Errorf("/webhooks = %d, want 200 without token", rr.Code)
	}
}

func TestSubmitAndGetBatch(t *testing.T) {
	s := newTestServer(t, nil)
	submitted := s.submit(t, 2)

	if submitted.Batch.Status != jobs.BatchStatusPending || len(submitted.Jobs) != 2 {
		t.Fatalf("submitted = %+v", submitted)
	}
	for _, j := range submitted.Jobs {
		if j.Status != jobs.StatusProcessing || j.CorrelationID != "cid-"+j.ID || j.Provider != "primary" {
			t.Errorf("job = %+v", j)
		}
	}

	rr := s.do(t, http.MethodGet, "/batches/"+submitted.Batch.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET batch status = %d", rr.Code)
	}
	var detail BatchDetailResponse
	decode(t, rr, &detail)
	if detail.Evaluation == nil || detail.Evaluation.Total != 2 || detail.Evaluation.Decided {
		t.Errorf("evaluation = %+v", detail.Evaluation)
	}

	rr = s.do(t, http.MethodGet, "/batches?limit=10", nil)
	var list BatchesResponse
	decode(t, rr, &list)
	if len(list.Batches) != 1 || list.Batches[0].ID != submitted.Batch.ID {
		t.Errorf("batches = %+v", list.Batches)
	}
}

func TestSubmit_Invalid(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"not json", "{"},
		{"no jobs", orchestrator.CreateBatchRequest{OwnerID: "agent-7"}},
		{"bad callback", map[string]any{"callback_url": "mailto:x", "jobs": []any{map[string]any{}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := s.do(t, http.MethodPost, "/batches", tt.body); rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}

	if rr := s.do(t, http.MethodGet, "/batches?limit=-3", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	for _, target := range []string{"/batches/missing", "/jobs/missing", "/renders", "/renders/r1"} {
		if rr := s.do(t, http.MethodGet, target, nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, rr.Code)
		}
	}
	if rr := s.do(t, http.MethodPost, "/webhooks/nobody", webhookBody("c", "ok")); rr.Code != http.StatusNotFound {
		t.Errorf("unknown provider webhook = %d, want 404", rr.Code)
	}
}

func TestWebhook_AppliesOnceAndFinalizes(t *testing.T) {
	s := newTestServer(t, nil)
	submitted := s.submit(t, 1)
	job := submitted.Jobs[0]

	var resp WebhookResponse
	rr := s.do(t, http.MethodPost, "/webhooks/primary", webhookBody(job.CorrelationID, "succeeded"))
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Outcome != string(webhook.OutcomeApplied) {
		t.Fatalf("first delivery = %d %+v", rr.Code, resp)
	}

	rr = s.do(t, http.MethodPost, "/webhooks/primary", webhookBody(job.CorrelationID, "succeeded"))
	decode(t, rr, &resp)
	if rr.Code != http.StatusOK || resp.Outcome != string(webhook.OutcomeDuplicate) {
		t.Errorf("redelivery = %d %+v", rr.Code, resp)
	}

	rr = s.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	var got JobResponse
	decode(t, rr, &got)
	if got.Status != jobs.StatusCompleted || got.OutputURL != "https://cdn.example.com/"+job.CorrelationID+".mp4" {
		t.Errorf("job = %+v", got)
	}

	b, err := s.store.GetBatch(context.Background(), submitted.Batch.ID)
	if err != nil || b.Status != jobs.BatchStatusCompleted {
		t.Errorf("batch = %+v, %v", b, err)
	}
}

func TestWebhook_HandledOutcomesAre200(t *testing.T) {
	s := newTestServer(t, nil)
	submitted := s.submit(t, 1)

	tests := []struct {
		name   string
		target string
		body   string
		want   webhook.Outcome
	}{
		{"unmatched", "/webhooks/primary", webhookBody("cid-nobody", "ok"), webhook.OutcomeUnmatched},
		{"intermediate", "/webhooks/primary", webhookBody(submitted.Jobs[0].CorrelationID, "processing"), webhook.OutcomeIgnored},
		{"unknown fallback", "/webhooks/primary?job_id=missing", `{"status":"ok","output":{"url":"https://x/v.mp4"}}`, webhook.OutcomeUnmatched},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, tt.target, tt.body)
			var resp WebhookResponse
			decode(t, rr, &resp)
			if rr.Code != http.StatusOK || resp.Outcome != string(tt.want) {
				t.Errorf("got %d %+v, want 200 %s", rr.Code, resp, tt.want)
			}
		})
	}
}

func TestWebhook_RouteProviderMustHoldJob(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Webhooks["replaced"] = WebhookSource{Format: webhook.FormatNative}
	})
	job := s.submit(t, 1).Jobs[0]

	tests := []struct {
		name string
		body string
	}{
		{"fallback id only", `{"status":"ok","output":{"url":"https://replaced.example.com/stale.mp4"}}`},
		{"current correlation id", webhookBody(job.CorrelationID, "ok")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/webhooks/replaced?job_id="+job.ID, tt.body)
			var resp WebhookResponse
			decode(t, rr, &resp)
			if rr.Code != http.StatusOK || resp.Outcome != string(webhook.OutcomeStale) {
				t.Errorf("got %d %+v, want 200 stale", rr.Code, resp)
			}
		})
	}

	got, _ := s.store.GetJob(context.Background(), job.ID)
	if got.IsTerminal() {
		t.Errorf("job = %s, want still in flight", got.Status)
	}
}

func TestWebhook_LocalOutputURLRejected(t *testing.T) {
	s := newTestServer(t, nil)
	job := s.submit(t, 1).Jobs[0]

	body := `{"correlation_id":"` + job.CorrelationID + `","status":"ok","output":"file:///var/lib/renderd/renderd.db"}`
	if rr := s.do(t, http.MethodPost, "/webhooks/primary", body); rr.Code != http.StatusBadRequest {
		t.Errorf("file output = %d, want 400", rr.Code)
	}
	got, _ := s.store.GetJob(context.Background(), job.ID)
	if got.IsTerminal() {
		t.Errorf("job = %s, want still in flight", got.Status)
	}
}

func TestWebhook_Errors(t *testing.T) {
	s := newTestServer(t, nil)
	if rr := s.do(t, http.MethodPost, "/webhooks/primary", "not json"); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed = %d, want 400", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/webhooks/primary", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("empty = %d, want 400", rr.Code)
	}

	down := newTestServer(t, func(cfg *ServerConfig) { cfg.Service = storeDownService{cfg.Service} })
	if rr := down.do(t, http.MethodPost, "/webhooks/primary", webhookBody("c1", "ok")); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("store outage = %d, want 503", rr.Code)
	}
}

func TestWebhook_Signature(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Webhooks["signed"] = WebhookSource{Format: webhook.FormatNative, Secret: "whsec"}
	})
	body := webhookBody("cid-nobody", "ok")
	now := time.Now().UTC().Format(time.RFC3339)
	good := hex.EncodeToString(Sign("whsec", now, []byte(body)))

	rr := s.do(t, http.MethodPost, "/webhooks/signed", body, HeaderWebhookTimestamp, now, HeaderWebhookSignature, "sha256="+good)
	if rr.Code != http.StatusOK {
		t.Errorf("valid signature = %d, body = %s", rr.Code, rr.Body.String())
	}
	rr = s.do(t, http.MethodPost, "/webhooks/signed", body)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unsigned = %d, want 401", rr.Code)
	}
	rr = s.do(t, http.MethodPost, "/webhooks/signed", strings.Replace(body, "ok", "error", 1),
		HeaderWebhookTimestamp, now, HeaderWebhookSignature, good)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("tampered body = %d, want 401", rr.Code)
	}
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"status":"ok"}`)
	sign := func(ts string) string { return hex.EncodeToString(Sign("k", ts, body)) }
	fresh := now.Add(-time.Minute).Format(time.RFC3339)
	old := now.Add(-10 * time.Minute).Format(time.RFC3339)

	tests := []struct {
		name      string
		timestamp string
		signature string
		wantErr   string
	}{
		{"valid", fresh, sign(fresh), ""},
		{"prefixed", fresh, "sha256=" + sign(fresh), ""},
		{"missing timestamp", "", sign(fresh), "missing " + HeaderWebhookTimestamp},
		{"unix timestamp", "1772366400", sign("1772366400"), "RFC 3339"},
		{"too old", old, sign(old), "too far"},
		{"missing signature", fresh, "", "missing " + HeaderWebhookSignature},
		{"not hex", fresh, "zz", "not hex"},
		{"wrong key", fresh, hex.EncodeToString(Sign("other", fresh, body)), "mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.timestamp != "" {
				h.Set(HeaderWebhookTimestamp, tt.timestamp)
			}
			if tt.signature != "" {
				h.Set(HeaderWebhookSignature, tt.signature)
			}
			err := verifySignature(h, body, "k", now)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestServer(t, nil)
	submitted := s.submit(t, 2)
	id := submitted.Jobs[0].ID

	rr := s.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil)
	var got JobResponse
	decode(t, rr, &got)
	if rr.Code != http.StatusOK || got.Status != jobs.StatusCanceled {
		t.Fatalf("cancel = %d %+v", rr.Code, got)
	}

	if rr := s.do(t, http.MethodPost, "/jobs/"+id+"/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/jobs/missing/cancel", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job cancel = %d, want 404", rr.Code)
	}
}

func TestFailBatch(t *testing.T) {
	s := newTestServer(t, nil)
	submitted := s.submit(t, 2)
	target := "/batches/" + submitted.Batch.ID + "/fail"

	rr := s.do(t, http.MethodPost, target, FailBatchRequest{Reason: "listing withdrawn"})
	var got BatchResponse
	decode(t, rr, &got)
	if rr.Code != http.StatusOK || got.Status != jobs.BatchStatusFailed || got.Reason != "listing withdrawn" {
		t.Fatalf("fail = %d %+v", rr.Code, got)
	}

	if rr := s.do(t, http.MethodPost, target, nil); rr.Code != http.StatusConflict {
		t.Errorf("second fail = %d, want 409", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, target, "{"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d, want 400", rr.Code)
	}
}

func TestRenders(t *testing.T) {
	queue := &fakeQueue{entries: map[string]renderqueue.Entry{}}
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.Renders = queue })
	submitted := s.submit(t, 1)
	job := submitted.Jobs[0]

	started := time.Now()
	queue.entries[job.CorrelationID] = renderqueue.Entry{
		ID:        job.CorrelationID,
		Status:    renderqueue.StatusInProgress,
		Progress:  40,
		Request:   renderqueue.Request{ID: job.CorrelationID, Labels: map[string]string{"job_id": job.ID, "batch_id": job.BatchID}},
		CreatedAt: started,
		StartedAt: &started,
	}
	queue.entries["orphan"] = renderqueue.Entry{ID: "orphan", Status: renderqueue.StatusQueued, CreatedAt: started}

	rr := s.do(t, http.MethodGet, "/renders", nil)
	var list RendersResponse
	decode(t, rr, &list)
	if len(list.Renders) != 2 {
		t.Errorf("renders = %+v", list.Renders)
	}

	rr = s.do(t, http.MethodGet, "/renders/"+job.CorrelationID, nil)
	var entry RenderResponse
	decode(t, rr, &entry)
	if entry.JobID != job.ID || entry.Progress != 40 || entry.StartedAt == "" {
		t.Errorf("render = %+v", entry)
	}

	rr = s.do(t, http.MethodDelete, "/renders/"+job.CorrelationID, nil)
	var canceled CancelRenderResponse
	decode(t, rr, &canceled)
	if rr.Code != http.StatusOK || !canceled.Canceled || canceled.JobID != job.ID {
		t.Errorf("cancel render = %d %+v", rr.Code, canceled)
	}
	current, _ := s.store.GetJob(context.Background(), job.ID)
	if current.Status != jobs.StatusCanceled {
		t.Errorf("job status = %s, want canceled", current.Status)
	}

	rr = s.do(t, http.MethodDelete, "/renders/orphan", nil)
	decode(t, rr, &canceled)
	if !canceled.Canceled || len(queue.canceled) != 1 || queue.canceled[0] != "orphan" {
		t.Errorf("orphan cancel = %+v, queue calls = %v", canceled, queue.canceled)
	}

	if rr := s.do(t, http.MethodDelete, "/renders/gone", nil); rr.Code != http.StatusNotFound {
		t.Errorf("unknown render = %d, want 404", rr.Code)
	}
}

func TestJobVideo(t *testing.T) {
	root := t.TempDir()
	player, err := playback.NewServer(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.Playback = player })
	submitted := s.submit(t, 3)
	local, remote, pending := submitted.Jobs[0], submitted.Jobs[1], submitted.Jobs[2]
	ctx := context.Background()

	localPath := filepath.Join(root, local.ID+".mp4")
	if err := os.WriteFile(localPath, []byte("mp4 bytes"), 0644); err != nil {
		t.Fatal(err)
	}
	complete := func(id, url string) {
		t.Helper()
		if _, err := s.store.UpdateJob(ctx, id, jobs.JobCondition{},
			jobs.JobUpdate{Status: jobs.Ptr(jobs.StatusCompleted), Output: &jobs.Output{URL: url}}); err != nil {
			t.Fatal(err)
		}
	}
	complete(local.ID, "file://"+localPath)
	complete(remote.ID, "https://cdn.example.com/v.mp4")

	rr := s.do(t, http.MethodGet, "/jobs/"+local.ID+"/video", nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "mp4 bytes" {
		t.Errorf("local video = %d %q", rr.Code, rr.Body.String())
	}

	rr = s.do(t, http.MethodGet, "/jobs/"+remote.ID+"/video", nil)
	if rr.Code != http.StatusFound || rr.Header().Get("Location") != "https://cdn.example.com/v.mp4" {
		t.Errorf("remote video = %d %q", rr.Code, rr.Header().Get("Location"))
	}

	if rr := s.do(t, http.MethodGet, "/jobs/"+pending.ID+"/video", nil); rr.Code != http.StatusConflict {
		t.Errorf("pending video = %d, want 409", rr.Code)
	}

	complete(pending.ID, "file:///etc/hostname")
	if rr := s.do(t, http.MethodGet, "/jobs/"+pending.ID+"/video", nil); rr.Code != http.StatusNotFound {
		t.Errorf("outside render dir = %d, want 404", rr.Code)
	}
}
