package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/audiencelab/segmentz/internal/core"
	"github.com/audiencelab/segmentz/internal/repository"
	"github.com/audiencelab/segmentz/internal/service"
)

const defaultMaxJSONBodyBytes = 1 << 20

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer exposes the segment store, the event recorder, and the
// performance analyzer over a JSON HTTP API.
type HTTPServer struct {
	service      Service
	events       EventRecorder
	analyzer     Analyzer
	maxBodyBytes int64
	onEvent      func(eventType string)
}

// HTTPOption configures optional HTTP server parameters.
type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize overrides the request body size limit in bytes.
func WithMaxJSONBodySize(limit int64) HTTPOption {
	return func(s *HTTPServer) {
		if limit > 0 {
			s.maxBodyBytes = limit
		}
	}
}

// WithOnEventRecorded registers a callback invoked for every persisted
// exposure or conversion event (e.g. to increment a Prometheus counter).
func WithOnEventRecorded(fn func(eventType string)) HTTPOption {
	return func(s *HTTPServer) { s.onEvent = fn }
}

type evaluateJSONRequest struct {
	Context core.UserContext `json:"context"`
}

type evaluateJSONResponse struct {
	SegmentIDs []string `json:"segment_ids"`
}

type membershipJSONResponse struct {
	SegmentID string `json:"segment_id"`
	Matched   bool   `json:"matched"`
}

type sizeJSONResponse struct {
	SegmentID string `json:"segment_id"`
	Size      int64  `json:"size"`
}

type overlapJSONRequest struct {
	SegmentIDs []string `json:"segment_ids"`
}

type overlapJSONResponse struct {
	Overlap map[string]int `json:"overlap"`
}

type testJSONRequest struct {
	Conditions []core.Condition `json:"conditions"`
	Limit      int              `json:"limit"`
}

type exposureJSONRequest struct {
	ExperimentID string           `json:"experiment_id"`
	VariantID    string           `json:"variant_id"`
	Context      core.UserContext `json:"context"`
}

type conversionJSONRequest struct {
	ExperimentID string           `json:"experiment_id"`
	VariantID    string           `json:"variant_id"`
	MetricID     string           `json:"metric_id"`
	Value        float64          `json:"value"`
	Context      core.UserContext `json:"context"`
}

// NewHTTPHandler builds the route table for the segmentz API.
func NewHTTPHandler(svc Service, events EventRecorder, analyzer Analyzer, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:      svc,
		events:       events,
		analyzer:     analyzer,
		maxBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/segments", server.handleCreateSegment)
	mux.HandleFunc("GET /v1/segments", server.handleListSegments)
	mux.HandleFunc("GET /v1/segments/{id}", server.handleGetSegment)
	mux.HandleFunc("PUT /v1/segments/{id}", server.handleUpdateSegment)
	mux.HandleFunc("DELETE /v1/segments/{id}", server.handleDeleteSegment)
	mux.HandleFunc("POST /v1/segments/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/segments/{id}/evaluate", server.handleEvaluateOne)
	mux.HandleFunc("GET /v1/segments/{id}/size", server.handleSegmentSize)
	mux.HandleFunc("POST /v1/segments/overlap", server.handleOverlap)
	mux.HandleFunc("POST /v1/segments/test", server.handleTestConditions)
	mux.HandleFunc("GET /v1/experiments/{id}/segments/{segmentId}/performance", server.handlePerformance)
	mux.HandleFunc("POST /v1/events/exposures", server.handleRecordExposure)
	mux.HandleFunc("POST /v1/events/conversions", server.handleRecordConversion)
	mux.HandleFunc("GET /healthz", server.handleHealthz)

	return mux
}

func (s *HTTPServer) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	var segment core.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	created, err := s.service.CreateSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	segment, err := s.service.GetSegment(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListSegments(r.Context()))
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var segment core.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	if strings.TrimSpace(segment.ID) != "" && segment.ID != id {
		writeJSONError(w, http.StatusBadRequest, "path id and body id must match")
		return
	}
	segment.ID = id

	updated, err := s.service.UpdateSegment(r.Context(), segment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.service.DeleteSegment(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	matched := s.service.EvaluateUserSegments(request.Context)
	writeJSON(w, http.StatusOK, evaluateJSONResponse{SegmentIDs: matched})
}

func (s *HTTPServer) handleEvaluateOne(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	var request evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, membershipJSONResponse{
		SegmentID: id,
		Matched:   s.service.IsInSegment(id, request.Context),
	})
}

func (s *HTTPServer) handleSegmentSize(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required")
		return
	}

	size, err := s.service.GetSegmentSize(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sizeJSONResponse{SegmentID: id, Size: size})
}

func (s *HTTPServer) handleOverlap(w http.ResponseWriter, r *http.Request) {
	var request overlapJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.SegmentIDs) < 2 {
		writeJSONError(w, http.StatusBadRequest, "at least two segment_ids are required")
		return
	}

	overlap, err := s.service.GetSegmentOverlap(r.Context(), request.SegmentIDs)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, overlapJSONResponse{Overlap: overlap})
}

func (s *HTTPServer) handleTestConditions(w http.ResponseWriter, r *http.Request) {
	var request testJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if len(request.Conditions) == 0 {
		writeJSONError(w, http.StatusBadRequest, "conditions are required")
		return
	}

	result, err := s.service.TestConditions(r.Context(), request.Conditions, request.Limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if s.analyzer == nil {
		writeJSONError(w, http.StatusNotImplemented, "performance analysis unavailable")
		return
	}

	experimentID := strings.TrimSpace(r.PathValue("id"))
	segmentID := strings.TrimSpace(r.PathValue("segmentId"))
	if experimentID == "" || segmentID == "" {
		writeJSONError(w, http.StatusBadRequest, "experiment id and segment id are required")
		return
	}

	results, err := s.analyzer.AnalyzeSegmentPerformance(r.Context(), experimentID, segmentID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (s *HTTPServer) handleRecordExposure(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, http.StatusNotImplemented, "event recording unavailable")
		return
	}

	var request exposureJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.ExperimentID) == "" || strings.TrimSpace(request.VariantID) == "" {
		writeJSONError(w, http.StatusBadRequest, "experiment_id and variant_id are required")
		return
	}

	tagged, err := s.taggedContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid context")
		return
	}

	created, err := s.events.InsertExposureEvent(r.Context(), repository.ExposureEvent{
		ExperimentID: request.ExperimentID,
		VariantID:    request.VariantID,
		Context:      tagged,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.onEvent != nil {
		s.onEvent("exposure")
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleRecordConversion(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSONError(w, http.StatusNotImplemented, "event recording unavailable")
		return
	}

	var request conversionJSONRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(request.ExperimentID) == "" || strings.TrimSpace(request.VariantID) == "" {
		writeJSONError(w, http.StatusBadRequest, "experiment_id and variant_id are required")
		return
	}
	if strings.TrimSpace(request.MetricID) == "" {
		writeJSONError(w, http.StatusBadRequest, "metric_id is required")
		return
	}

	tagged, err := s.taggedContext(request.Context)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid context")
		return
	}

	created, err := s.events.InsertConversionEvent(r.Context(), repository.ConversionEvent{
		ExperimentID: request.ExperimentID,
		VariantID:    request.VariantID,
		MetricID:     request.MetricID,
		Value:        request.Value,
		Context:      tagged,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if s.onEvent != nil {
		s.onEvent("conversion")
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// taggedContext serializes a user context with the current segment membership
// baked in under "segments". The tags are what the performance analyzer
// filters on later; they are never recomputed against historical events.
func (s *HTTPServer) taggedContext(userContext core.UserContext) (json.RawMessage, error) {
	serialized, err := json.Marshal(userContext)
	if err != nil {
		return nil, err
	}

	var fields map[string]any
	if err := json.Unmarshal(serialized, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["segments"] = s.service.EvaluateUserSegments(userContext)

	return json.Marshal(fields)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNameRequired),
		errors.Is(err, service.ErrInvalidConditions),
		errors.Is(err, service.ErrInvalidOperator):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrSegmentNotFound):
		writeJSONError(w, http.StatusNotFound, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled):
		writeJSONError(w, http.StatusRequestTimeout, serviceErrorMessage(err))
	default:
		writeJSONError(w, http.StatusInternalServerError, serviceErrorMessage(err))
	}
}

func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrNameRequired):
		return "segment name is required"
	case errors.Is(err, service.ErrInvalidConditions):
		return "invalid conditions"
	case errors.Is(err, service.ErrInvalidOperator):
		return "invalid operator"
	case errors.Is(err, service.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
