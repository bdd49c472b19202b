package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/sceneforge/internal/continuity"
	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/gateway"
	"github.com/dunamismax/sceneforge/internal/generator"
	"github.com/dunamismax/sceneforge/internal/id"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const maxBodyBytes = 1 << 20

type JobService interface {
	CreateSegmentJob(ctx context.Context, sceneID string, req domain.CreateSegmentRequest) (domain.Job, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	GetStatus(ctx context.Context, jobID string) (domain.JobStatusView, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, stage *string) (domain.Job, error)
	Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error)
	Fail(ctx context.Context, jobID, reason string) (domain.Job, error)
	Retry(ctx context.Context, jobID string) (domain.Job, error)
	Cancel(ctx context.Context, jobID string) (domain.Job, error)
}

type BibleService interface {
	GetForScene(ctx context.Context, sceneID string) (domain.SceneBible, error)
	Update(ctx context.Context, sceneID string, patch domain.BiblePatch, expectedVersion *int) (domain.SceneBible, error)
	AddCharacter(ctx context.Context, sceneID string, character domain.Character) (domain.SceneBible, error)
	AddLocation(ctx context.Context, sceneID string, location domain.Location) (domain.SceneBible, error)
	AddObject(ctx context.Context, sceneID string, object domain.StoryObject) (domain.SceneBible, error)
	AddRule(ctx context.Context, sceneID string, rule domain.StoryRule) (domain.SceneBible, error)
	AddTimelineEvent(ctx context.Context, sceneID string, event domain.TimelineEvent) (domain.SceneBible, error)
	History(ctx context.Context, sceneID string, version int) (domain.SceneBible, error)
}

type Options struct {
	Logger                 *logger.Logger
	Jobs                   JobService
	Bibles                 BibleService
	Hub                    *gateway.Hub
	RateLimiter            RateLimiter
	RateLimitSubjectHeader string
	// CallbackSecret, when set, requires worker callbacks to carry a valid
	// generator signature.
	CallbackSecret string
}

type Server struct {
	logger                 *logger.Logger
	jobs                   JobService
	bibles                 BibleService
	validator              continuity.Validator
	hub                    *gateway.Hub
	rateLimiter            RateLimiter
	rateLimitSubjectHeader string
	callbackSecret         string
	mux                    *http.ServeMux
	metrics                *metrics
	tracer                 trace.Tracer
	now                    func() time.Time
}

func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = gateway.NewHub(log)
	}
	subjectHeader := strings.TrimSpace(opts.RateLimitSubjectHeader)
	if subjectHeader == "" {
		subjectHeader = "X-User-ID"
	}

	s := &Server{
		logger:                 log.With("component", "APIServer"),
		jobs:                   opts.Jobs,
		bibles:                 opts.Bibles,
		hub:                    hub,
		rateLimiter:            opts.RateLimiter,
		rateLimitSubjectHeader: subjectHeader,
		callbackSecret:         opts.CallbackSecret,
		mux:                    http.NewServeMux(),
		metrics:                newMetrics(),
		tracer:                 otel.Tracer("sceneforge/api"),
		now:                    time.Now,
	}
	s.routes()
	return s
}

// RegisterCollectors exposes collectors owned by other components on the
// API's /metrics endpoint.
func (s *Server) RegisterCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := s.metrics.registry.Register(c); err != nil {
			return fmt.Errorf("register collector: %w", err)
		}
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.withTracing(s.metrics.withHTTPMetrics(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())

	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/segments", s.handleCreateSegment)

	s.mux.HandleFunc("GET /v1/jobs/events", s.handleJobEvents)
	s.mux.HandleFunc("POST /v1/jobs/events/{connId}/jobs/{id}", s.handleEventsSubscribe)
	s.mux.HandleFunc("DELETE /v1/jobs/events/{connId}/jobs/{id}", s.handleEventsUnsubscribe)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.Handle("POST /v1/jobs/{id}/progress", s.withCallbackSignature(http.HandlerFunc(s.handleJobProgress)))
	s.mux.Handle("POST /v1/jobs/{id}/complete", s.withCallbackSignature(http.HandlerFunc(s.handleJobComplete)))
	s.mux.Handle("POST /v1/jobs/{id}/fail", s.withCallbackSignature(http.HandlerFunc(s.handleJobFail)))

	s.mux.HandleFunc("GET /v1/scenes/{sceneId}/bible", s.handleGetBible)
	s.mux.HandleFunc("PATCH /v1/scenes/{sceneId}/bible", s.handlePatchBible)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/characters", s.handleAddCharacter)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/locations", s.handleAddLocation)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/objects", s.handleAddObject)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/rules", s.handleAddRule)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/timeline", s.handleAddTimelineEvent)
	s.mux.HandleFunc("GET /v1/scenes/{sceneId}/bible/versions/{version}", s.handleGetBibleVersion)
	s.mux.HandleFunc("POST /v1/scenes/{sceneId}/bible/validate", s.handleValidateScript)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}

	var req domain.CreateSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.CreateSegmentJob(r.Context(), sceneID, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.jobsCreated.WithLabelValues(string(job.Type)).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job":        job,
		"status_url": "/v1/jobs/" + job.ID,
		"events_url": "/v1/jobs/events?job=" + job.ID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}

	if r.URL.Query().Get("view") == "full" {
		job, err := s.jobs.Get(r.Context(), jobID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}

	view, err := s.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.jobs.Retry)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.jobs.Cancel)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (domain.Job, error)) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}
	job, err := op(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

type progressRequest struct {
	Progress *int    `json:"progress"`
	Stage    *string `json:"stage"`
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Progress == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "progress is required"})
		return
	}

	job, err := s.jobs.UpdateProgress(r.Context(), jobID, *req.Progress, req.Stage)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

type completeRequest struct {
	Result domain.JobResult `json:"result"`
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}
	var req completeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Complete(r.Context(), jobID, req.Result)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Fail(r.Context(), jobID, strings.TrimSpace(req.Error))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.StatusView())
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobIDs := r.URL.Query()["job"]
	if len(jobIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one job query parameter is required"})
		return
	}
	for _, jobID := range jobIDs {
		if !id.Valid(jobID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id: " + jobID})
			return
		}
	}

	conn := s.hub.NewConnection()
	for _, jobID := range jobIDs {
		s.hub.Subscribe(conn, jobID)
	}
	s.metrics.sseConnections.Inc()
	defer func() {
		s.hub.Disconnect(conn)
		s.metrics.sseConnections.Dec()
	}()

	s.hub.ServeSSE(w, r, conn)
}

// handleEventsSubscribe adds a job to an open event stream, addressed by the
// connection id announced when the stream opened.
func (s *Server) handleEventsSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, jobID, ok := s.liveConnection(w, r)
	if !ok {
		return
	}
	if !s.hub.Subscribe(conn, jobID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream is closed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEventsUnsubscribe(w http.ResponseWriter, r *http.Request) {
	conn, jobID, ok := s.liveConnection(w, r)
	if !ok {
		return
	}
	s.hub.Unsubscribe(conn, jobID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) liveConnection(w http.ResponseWriter, r *http.Request) (*gateway.Connection, string, bool) {
	jobID, ok := pathJobID(w, r)
	if !ok {
		return nil, "", false
	}
	conn, found := s.hub.Lookup(r.PathValue("connId"))
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream not found"})
		return nil, "", false
	}
	return conn, jobID, true
}

func (s *Server) handleGetBible(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}
	bible, err := s.bibles.GetForScene(r.Context(), sceneID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bible)
}

type patchBibleRequest struct {
	domain.BiblePatch
	ExpectedVersion *int `json:"expectedVersion,omitempty"`
}

func (s *Server) handlePatchBible(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}
	var req patchBibleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	bible, err := s.bibles.Update(r.Context(), sceneID, req.BiblePatch, req.ExpectedVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bible)
}

func (s *Server) handleAddCharacter(w http.ResponseWriter, r *http.Request) {
	addEntity(s, w, r, s.bibles.AddCharacter)
}

func (s *Server) handleAddLocation(w http.ResponseWriter, r *http.Request) {
	addEntity(s, w, r, s.bibles.AddLocation)
}

func (s *Server) handleAddObject(w http.ResponseWriter, r *http.Request) {
	addEntity(s, w, r, s.bibles.AddObject)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	addEntity(s, w, r, s.bibles.AddRule)
}

func (s *Server) handleAddTimelineEvent(w http.ResponseWriter, r *http.Request) {
	addEntity(s, w, r, s.bibles.AddTimelineEvent)
}

func addEntity[T any](s *Server, w http.ResponseWriter, r *http.Request, add func(context.Context, string, T) (domain.SceneBible, error)) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}
	var entity T
	if err := decodeJSON(r, &entity); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	bible, err := add(r.Context(), sceneID, entity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bible)
}

func (s *Server) handleGetBibleVersion(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}
	version, err := strconv.Atoi(strings.TrimPrefix(r.PathValue("version"), "v"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "version must be an integer"})
		return
	}

	bible, err := s.bibles.History(r.Context(), sceneID, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bible)
}

type validateRequest struct {
	Script           string `json:"script"`
	ApplyCorrections bool   `json:"applyCorrections"`
}

func (s *Server) handleValidateScript(w http.ResponseWriter, r *http.Request) {
	sceneID, ok := pathSceneID(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "script is required"})
		return
	}

	bible, err := s.bibles.GetForScene(r.Context(), sceneID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	result := s.validator.Validate(req.Script, bible)
	response := map[string]any{
		"bibleVersion": bible.Version,
		"result":       result,
	}
	if req.ApplyCorrections {
		response["correctedScript"] = continuity.ApplyCorrections(req.Script, result.AutoCorrections)
	}
	writeJSON(w, http.StatusOK, response)
}

// withCallbackSignature verifies worker callbacks signed with the shared
// generator secret. It is a no-op when no secret is configured.
func (s *Server) withCallbackSignature(next http.Handler) http.Handler {
	if s.callbackSecret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}
		err = generator.Verify(
			s.callbackSecret,
			r.Header.Get(generator.HeaderTimestamp),
			r.Header.Get(generator.HeaderSignature),
			body,
			s.now(),
		)
		if err != nil {
			s.logger.Warn("rejected unsigned callback", "path", r.URL.Path, "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid callback signature"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidPayload):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func pathJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return "", false
	}
	return jobID, true
}

func pathSceneID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sceneID := strings.TrimSpace(r.PathValue("sceneId"))
	if sceneID == "" || len(sceneID) > 128 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid scene id"})
		return "", false
	}
	return sceneID, true
}

func decodeJSON(r *http.Request, into any) error {
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
