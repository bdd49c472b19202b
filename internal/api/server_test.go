package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/sceneforge/internal/bus"
	"github.com/dunamismax/sceneforge/internal/cache"
	"github.com/dunamismax/sceneforge/internal/continuity"
	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/gateway"
	"github.com/dunamismax/sceneforge/internal/generator"
	"github.com/dunamismax/sceneforge/internal/jobs"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/queue"
	"github.com/dunamismax/sceneforge/internal/ratelimit"
	"github.com/dunamismax/sceneforge/internal/store"
	"github.com/hibiken/asynq"
)

type stubEnqueuer struct{}

func (stubEnqueuer) EnqueueGenerate(_ context.Context, payload queue.GeneratePayload) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "sceneforge"}, nil
}

// denyingLimiter prices requests with the default policy and rejects every
// limited one.
type denyingLimiter struct {
	subjects []string
	costs    []int64
}

func (l *denyingLimiter) Check(_ context.Context, req ratelimit.Request) (ratelimit.Decision, error) {
	policy := ratelimit.DefaultPolicy()
	cost, limited := policy.Cost(req)
	if !limited {
		return ratelimit.Decision{Exempt: true, Allowed: true}, nil
	}
	l.subjects = append(l.subjects, policy.Subject(req))
	l.costs = append(l.costs, cost)
	return ratelimit.Decision{Allowed: false, Cost: cost, RetryAfter: 2 * time.Second}, nil
}

type testServer struct {
	handler http.Handler
	bus     *bus.MemoryBus
	hub     *gateway.Hub
}

func newTestServer(t *testing.T, configure func(*Options)) *testServer {
	t.Helper()
	log := logger.NewNop()
	progressBus := bus.NewMemoryBus()
	manager := jobs.NewManager(log, store.NewMemoryJobStore(), cache.NewMemoryCache(), progressBus, stubEnqueuer{})
	bibles := continuity.NewStore(log, store.NewMemoryBibleStore(), cache.NewMemoryCache())

	hub := gateway.NewHub(log)

	opts := Options{Logger: log, Jobs: manager, Bibles: bibles, Hub: hub}
	if configure != nil {
		configure(&opts)
	}
	return &testServer{handler: NewServer(opts).Handler(), bus: progressBus, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func (ts *testServer) createSegment(t *testing.T) domain.Job {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/scenes/S1/segments", domain.CreateSegmentRequest{
		SegmentID: "seg-1",
		Prompt:    "Maya walks into the flooded library",
		IsInitial: true,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Job domain.Job `json:"job"`
	}](t, rec)
	return resp.Job
}

func TestRouteLabel(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/v1/jobs/6f1c7a36-9a77-4a52-8ad4-2f2e1f0b8a11/progress", "/v1/jobs/{id}/progress"},
		{"/v1/jobs/events", "/v1/jobs/events"},
		{"/v1/jobs/events/0b5e2f4c-8a3d-4c1e-9f6a-7d2b1c3e4f50/jobs/6f1c7a36-9a77-4a52-8ad4-2f2e1f0b8a11", "/v1/jobs/events/{connId}/jobs/{id}"},
		{"/v1/scenes/S1/bible/versions/3", "/v1/scenes/{sceneId}/bible/versions/{version}"},
		{"/v1/scenes/S1/bible/characters", "/v1/scenes/{sceneId}/bible/characters"},
		{"/wp-admin/setup.php", "other"},
	}
	for _, tc := range cases {
		if got := routeLabel(tc.path); got != tc.want {
			t.Fatalf("routeLabel(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSegmentJobLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	job := ts.createSegment(t)
	if job.Status != domain.JobStatusQueued || job.SceneID != "S1" {
		t.Fatalf("expected queued job for S1, got %+v", job)
	}

	rec := ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/progress", map[string]any{"progress": 40, "stage": "rendering"})
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/v1/jobs/"+job.ID, nil)
	view := decode[domain.JobStatusView](t, rec)
	if view.Status != domain.JobStatusProcessing || view.Progress != 40 || view.Stage == nil || *view.Stage != "rendering" {
		t.Fatalf("unexpected status view: %+v", view)
	}

	rec = ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/complete", map[string]any{
		"result": domain.JobResult{Segment: &domain.SegmentResult{SegmentID: "seg-1", VideoURL: "https://cdn.example/seg-1.mp4"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"?view=full", nil)
	full := decode[domain.Job](t, rec)
	if full.Status != domain.JobStatusCompleted || full.Result == nil || full.Result.Segment.VideoURL == "" {
		t.Fatalf("expected completed job with result, got %+v", full)
	}

	channels := map[string]int{}
	for _, msg := range ts.bus.Published() {
		channels[msg.Channel]++
	}
	if channels[bus.ChannelJobProgress] != 1 || channels[bus.ChannelJobComplete] != 1 {
		t.Fatalf("unexpected published events: %+v", channels)
	}

	rec = ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("cancel completed job: expected 409, got %d", rec.Code)
	}
}

func TestJobErrorsMapToStatusCodes(t *testing.T) {
	ts := newTestServer(t, nil)

	if rec := ts.do(t, http.MethodGet, "/v1/jobs/not-a-uuid", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed id: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/jobs/6f1c7a36-9a77-4a52-8ad4-2f2e1f0b8a11", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: expected 404, got %d", rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/v1/scenes/S1/segments", domain.CreateSegmentRequest{SegmentID: "seg-1", Prompt: "short"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("short prompt: expected 400, got %d", rec.Code)
	}

	job := ts.createSegment(t)
	if rec := ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/progress", map[string]any{"progress": 140}); rec.Code != http.StatusBadRequest {
		t.Fatalf("progress out of range: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/progress", map[string]any{"stage": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing progress: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", nil); rec.Code != http.StatusConflict {
		t.Fatalf("retry queued job: expected 409, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/fail", map[string]string{"error": "model timeout"})
	view := decode[domain.JobStatusView](t, rec)
	if view.Status != domain.JobStatusFailed || view.Error == nil || *view.Error != "model timeout" || view.Attempts != 1 {
		t.Fatalf("unexpected failed view: %+v", view)
	}

	rec = ts.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/retry", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if view := decode[domain.JobStatusView](t, rec); view.Status != domain.JobStatusPending {
		t.Fatalf("expected pending after retry, got %s", view.Status)
	}
}

func TestBibleEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/v1/scenes/S1/bible", nil)
	if bible := decode[domain.SceneBible](t, rec); bible.Version != 0 {
		t.Fatalf("expected empty bible, got version %d", bible.Version)
	}

	rec = ts.do(t, http.MethodPost, "/v1/scenes/S1/bible/characters", domain.Character{
		ID:                  "c1",
		Name:                "Maya",
		PhysicalDescription: domain.PhysicalDescription{HairColor: "black"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add character: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if bible := decode[domain.SceneBible](t, rec); bible.Version != 1 || bible.Characters["c1"].Status != domain.CharacterAlive {
		t.Fatalf("unexpected bible after add: %+v", bible)
	}

	rec = ts.do(t, http.MethodPost, "/v1/scenes/S1/bible/timeline", domain.TimelineEvent{Description: "Maya finds the map"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add timeline event: expected 201, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodPatch, "/v1/scenes/S1/bible", map[string]any{
		"rules":           []domain.StoryRule{{ID: "r1", Rule: "No magic", Type: domain.RuleHard}},
		"expectedVersion": 1,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("stale patch: expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = ts.do(t, http.MethodPatch, "/v1/scenes/S1/bible", map[string]any{
		"rules":           []domain.StoryRule{{ID: "r1", Rule: "No magic", Type: domain.RuleHard}},
		"expectedVersion": 2,
	})
	if bible := decode[domain.SceneBible](t, rec); rec.Code != http.StatusOK || bible.Version != 3 || len(bible.Timeline) != 1 {
		t.Fatalf("patch: got %d %+v", rec.Code, bible)
	}

	if rec := ts.do(t, http.MethodPatch, "/v1/scenes/S1/bible", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/scenes/S1/bible/versions/3", nil); rec.Code != http.StatusOK {
		t.Fatalf("current version: expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/scenes/S1/bible/versions/abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad version: expected 400, got %d", rec.Code)
	}
}

func TestValidateScriptAppliesCorrections(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodPost, "/v1/scenes/S1/bible/characters", domain.Character{
		ID:                  "c1",
		Name:                "Maya",
		PhysicalDescription: domain.PhysicalDescription{HairColor: "black"},
	})

	rec := ts.do(t, http.MethodPost, "/v1/scenes/S1/bible/validate", map[string]any{
		"script":           "Maya brushes her red hair from her eyes.",
		"applyCorrections": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		BibleVersion    int                         `json:"bibleVersion"`
		Result          continuity.ValidationResult `json:"result"`
		CorrectedScript string                      `json:"correctedScript"`
	}](t, rec)
	if resp.Result.Valid || len(resp.Result.Violations) != 1 || resp.BibleVersion != 1 {
		t.Fatalf("expected one violation against version 1, got %+v", resp)
	}
	if resp.CorrectedScript != "Maya brushes her black hair from her eyes." {
		t.Fatalf("unexpected corrected script %q", resp.CorrectedScript)
	}
}

func TestCallbackSignatureRequired(t *testing.T) {
	const secret = "s3cret"
	ts := newTestServer(t, func(o *Options) { o.CallbackSecret = secret })
	job := ts.createSegment(t)
	path := "/v1/jobs/" + job.ID + "/progress"
	body := []byte(`{"progress":10}`)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned callback: expected 401, got %d", rec.Code)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req = httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(generator.HeaderTimestamp, timestamp)
	req.Header.Set(generator.HeaderSignature, generator.Sign(secret, timestamp, body))
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("signed callback: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitRejectsClientMutations(t *testing.T) {
	limiter := &denyingLimiter{}
	ts := newTestServer(t, func(o *Options) { o.RateLimiter = limiter })

	rec := ts.do(t, http.MethodPost, "/v1/scenes/S1/segments", domain.CreateSegmentRequest{
		SegmentID: "seg-1",
		Prompt:    "Maya walks into the flooded library",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Fatalf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if len(limiter.costs) != 1 || limiter.costs[0] != ratelimit.SegmentCost {
		t.Fatalf("expected one check at cost %d, got %v", ratelimit.SegmentCost, limiter.costs)
	}
	if limiter.subjects[0] != "anonymous:/v1/scenes/{sceneId}/segments" {
		t.Fatalf("unexpected subject %q", limiter.subjects[0])
	}

	if rec := ts.do(t, http.MethodGet, "/v1/scenes/S1/bible", nil); rec.Code != http.StatusOK {
		t.Fatalf("reads are not limited: got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
}

func TestJobEventsRequiresJobs(t *testing.T) {
	ts := newTestServer(t, nil)
	if rec := ts.do(t, http.MethodGet, "/v1/jobs/events", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without jobs, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/v1/jobs/events?job=nope", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed job id, got %d", rec.Code)
	}
}

func TestJobEventsStreamsThroughMiddleware(t *testing.T) {
	ts := newTestServer(t, nil)
	jobID := "6f1c7a36-9a77-4a52-8ad4-2f2e1f0b8a11"

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/events?job="+jobID, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		ts.handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after client went away")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q (%d %s)", ct, rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Body.String(), ": connected ") {
		t.Fatalf("expected connected comment, got %q", rec.Body.String())
	}
}

func TestEventStreamSubscriptionsChangeWhileOpen(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	first := "6f1c7a36-9a77-4a52-8ad4-2f2e1f0b8a11"
	second := "2d7e9b14-3c5a-4f8e-a1b2-c3d4e5f60718"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/jobs/events?job="+first, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	connID := resp.Header.Get("X-Connection-ID")
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != ": connected "+connID {
		t.Fatalf("expected connected frame for %q, got %q (%v)", connID, line, err)
	}

	subscribePath := "/v1/jobs/events/" + connID + "/jobs/" + second
	if rec := ts.do(t, http.MethodPost, subscribePath, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("subscribe: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if n := ts.hub.Subscribers(second); n != 1 {
		t.Fatalf("expected one subscriber for %s, got %d", second, n)
	}

	payload := `{"jobId":"` + second + `","progress":10,"status":"processing"}`
	ts.hub.Dispatch(bus.ChannelJobProgress, []byte(payload))
	for _, want := range []string{"", "event: " + bus.ChannelJobProgress, "data: " + payload} {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if want == "" {
			continue
		}
		if strings.TrimSpace(line) != want {
			t.Fatalf("expected %q, got %q", want, line)
		}
	}

	if rec := ts.do(t, http.MethodDelete, subscribePath, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("unsubscribe: expected 204, got %d", rec.Code)
	}
	if n := ts.hub.Subscribers(second); n != 0 {
		t.Fatalf("expected no subscribers for %s, got %d", second, n)
	}
	if n := ts.hub.Subscribers(first); n != 1 {
		t.Fatalf("expected %s to stay subscribed, got %d", first, n)
	}

	missing := "/v1/jobs/events/0b5e2f4c-8a3d-4c1e-9f6a-7d2b1c3e4f50/jobs/" + second
	if rec := ts.do(t, http.MethodPost, missing, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown stream: expected 404, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/v1/jobs/events/"+connID+"/jobs/nope", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad job id: expected 400, got %d", rec.Code)
	}
}
