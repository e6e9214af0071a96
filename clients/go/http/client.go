// Package http provides an HTTP client for the segmentz segmentation service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	segmentz "github.com/audiencelab/segmentz/clients/go"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the segmentz server, e.g. "http://localhost:8080".
	BaseURL string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements segmentz.SegmentManager, segmentz.Evaluator,
// segmentz.EventRecorder, and segmentz.Analyzer over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the segmentz service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{cfg: cfg, httpClient: hc}
}

// -- wire types --------------------------------------------------------------

type wireSegment struct {
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name"`
	Conditions []wireCondition `json:"conditions,omitempty"`
	Operator   string          `json:"operator,omitempty"`
}

type wireCondition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type wireUserContext struct {
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Device     map[string]any `json:"device,omitempty"`
	Geo        map[string]any `json:"geo,omitempty"`
	UTM        map[string]any `json:"utm,omitempty"`
}

type wireEvaluateReq struct {
	Context wireUserContext `json:"context"`
}

type wireSampleSubscriber struct {
	UserID     string         `json:"user_id"`
	Attributes map[string]any `json:"attributes"`
}

type wireMetricResult struct {
	Value          float64 `json:"value"`
	Conversions    int     `json:"conversions"`
	ConversionRate float64 `json:"conversionRate"`
}

type wireVariantResult struct {
	VariantID   string                      `json:"variant_id"`
	VariantName string                      `json:"variant_name"`
	Exposures   int                         `json:"exposures"`
	Conversions map[string]int              `json:"conversions"`
	Metrics     map[string]wireMetricResult `json:"metrics"`
}

type wireSegmentResults struct {
	SegmentID   string              `json:"segment_id"`
	SegmentName string              `json:"segment_name"`
	Exposures   int                 `json:"exposures"`
	Variants    []wireVariantResult `json:"variants"`
}

// -- helpers -----------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("segmentz: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("segmentz: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segmentz: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

func decodeInto(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("segmentz: decode response: %w", err)
	}
	return nil
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("segmentz: HTTP %d: %s", e.StatusCode, e.Message)
}

func encodeSegment(s segmentz.Segment) wireSegment {
	ws := wireSegment{
		ID:       s.ID,
		Name:     s.Name,
		Operator: s.Operator,
	}
	if len(s.Conditions) > 0 {
		ws.Conditions = make([]wireCondition, len(s.Conditions))
		for i, cond := range s.Conditions {
			ws.Conditions[i] = wireCondition{Field: cond.Field, Operator: cond.Operator, Value: cond.Value}
		}
	}
	return ws
}

func decodeSegment(ws wireSegment) segmentz.Segment {
	s := segmentz.Segment{
		ID:       ws.ID,
		Name:     ws.Name,
		Operator: ws.Operator,
	}
	if len(ws.Conditions) > 0 {
		s.Conditions = make([]segmentz.Condition, len(ws.Conditions))
		for i, cond := range ws.Conditions {
			s.Conditions[i] = segmentz.Condition{Field: cond.Field, Operator: cond.Operator, Value: cond.Value}
		}
	}
	return s
}

func encodeUserContext(userCtx segmentz.UserContext) wireUserContext {
	return wireUserContext{
		UserID:     userCtx.UserID,
		SessionID:  userCtx.SessionID,
		Attributes: userCtx.Attributes,
		Device:     userCtx.Device,
		Geo:        userCtx.Geo,
		UTM:        userCtx.UTM,
	}
}

func segmentPath(id string) string {
	return "/v1/segments/" + url.PathEscape(id)
}

// -- SegmentManager ----------------------------------------------------------

func (c *Client) CreateSegment(ctx context.Context, segment segmentz.Segment) (segmentz.Segment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/segments", encodeSegment(segment))
	if err != nil {
		return segmentz.Segment{}, err
	}
	var out wireSegment
	if err := decodeInto(resp, &out); err != nil {
		return segmentz.Segment{}, err
	}
	return decodeSegment(out), nil
}

func (c *Client) GetSegment(ctx context.Context, id string) (segmentz.Segment, error) {
	resp, err := c.do(ctx, http.MethodGet, segmentPath(id), nil)
	if err != nil {
		return segmentz.Segment{}, err
	}
	var out wireSegment
	if err := decodeInto(resp, &out); err != nil {
		return segmentz.Segment{}, err
	}
	return decodeSegment(out), nil
}

func (c *Client) ListSegments(ctx context.Context) ([]segmentz.Segment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/segments", nil)
	if err != nil {
		return nil, err
	}
	var out []wireSegment
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	segments := make([]segmentz.Segment, len(out))
	for i, ws := range out {
		segments[i] = decodeSegment(ws)
	}
	return segments, nil
}

func (c *Client) UpdateSegment(ctx context.Context, segment segmentz.Segment) (segmentz.Segment, error) {
	resp, err := c.do(ctx, http.MethodPut, segmentPath(segment.ID), encodeSegment(segment))
	if err != nil {
		return segmentz.Segment{}, err
	}
	var out wireSegment
	if err := decodeInto(resp, &out); err != nil {
		return segmentz.Segment{}, err
	}
	return decodeSegment(out), nil
}

func (c *Client) DeleteSegment(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, segmentPath(id), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) EvaluateSegments(ctx context.Context, userCtx segmentz.UserContext) ([]string, error) {
	body := wireEvaluateReq{Context: encodeUserContext(userCtx)}
	resp, err := c.do(ctx, http.MethodPost, "/v1/segments/evaluate", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		SegmentIDs []string `json:"segment_ids"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return out.SegmentIDs, nil
}

func (c *Client) IsInSegment(ctx context.Context, segmentID string, userCtx segmentz.UserContext) (bool, error) {
	body := wireEvaluateReq{Context: encodeUserContext(userCtx)}
	resp, err := c.do(ctx, http.MethodPost, segmentPath(segmentID)+"/evaluate", body)
	if err != nil {
		return false, err
	}
	var out struct {
		Matched bool `json:"matched"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return false, err
	}
	return out.Matched, nil
}

func (c *Client) SegmentSize(ctx context.Context, segmentID string) (int64, error) {
	resp, err := c.do(ctx, http.MethodGet, segmentPath(segmentID)+"/size", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Size int64 `json:"size"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return 0, err
	}
	return out.Size, nil
}

// SegmentOverlap returns shared member counts keyed by "idA-idB" for each
// pair of the given ids.
func (c *Client) SegmentOverlap(ctx context.Context, segmentIDs []string) (map[string]int, error) {
	body := struct {
		SegmentIDs []string `json:"segment_ids"`
	}{SegmentIDs: segmentIDs}
	resp, err := c.do(ctx, http.MethodPost, "/v1/segments/overlap", body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Overlap map[string]int `json:"overlap"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return nil, err
	}
	return out.Overlap, nil
}

func (c *Client) TestConditions(ctx context.Context, conditions []segmentz.Condition, limit int) (segmentz.TestResult, error) {
	wireConditions := make([]wireCondition, len(conditions))
	for i, cond := range conditions {
		wireConditions[i] = wireCondition{Field: cond.Field, Operator: cond.Operator, Value: cond.Value}
	}
	body := struct {
		Conditions []wireCondition `json:"conditions"`
		Limit      int             `json:"limit"`
	}{Conditions: wireConditions, Limit: limit}

	resp, err := c.do(ctx, http.MethodPost, "/v1/segments/test", body)
	if err != nil {
		return segmentz.TestResult{}, err
	}
	var out struct {
		Total  int                    `json:"total"`
		Sample []wireSampleSubscriber `json:"sample"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return segmentz.TestResult{}, err
	}

	result := segmentz.TestResult{Total: out.Total}
	if len(out.Sample) > 0 {
		result.Sample = make([]segmentz.SampleSubscriber, len(out.Sample))
		for i, sub := range out.Sample {
			result.Sample[i] = segmentz.SampleSubscriber{UserID: sub.UserID, Attributes: sub.Attributes}
		}
	}
	return result, nil
}

// -- EventRecorder -----------------------------------------------------------

func (c *Client) RecordExposure(ctx context.Context, exposure segmentz.Exposure) (int64, error) {
	body := struct {
		ExperimentID string          `json:"experiment_id"`
		VariantID    string          `json:"variant_id"`
		Context      wireUserContext `json:"context"`
	}{
		ExperimentID: exposure.ExperimentID,
		VariantID:    exposure.VariantID,
		Context:      encodeUserContext(exposure.Context),
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/events/exposures", body)
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

func (c *Client) RecordConversion(ctx context.Context, conversion segmentz.Conversion) (int64, error) {
	body := struct {
		ExperimentID string          `json:"experiment_id"`
		VariantID    string          `json:"variant_id"`
		MetricID     string          `json:"metric_id"`
		Value        float64         `json:"value"`
		Context      wireUserContext `json:"context"`
	}{
		ExperimentID: conversion.ExperimentID,
		VariantID:    conversion.VariantID,
		MetricID:     conversion.MetricID,
		Value:        conversion.Value,
		Context:      encodeUserContext(conversion.Context),
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/events/conversions", body)
	if err != nil {
		return 0, err
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := decodeInto(resp, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// -- Analyzer ----------------------------------------------------------------

func (c *Client) SegmentPerformance(ctx context.Context, experimentID, segmentID string) (segmentz.SegmentResults, error) {
	path := "/v1/experiments/" + url.PathEscape(experimentID) + "/segments/" + url.PathEscape(segmentID) + "/performance"
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return segmentz.SegmentResults{}, err
	}
	var out wireSegmentResults
	if err := decodeInto(resp, &out); err != nil {
		return segmentz.SegmentResults{}, err
	}

	results := segmentz.SegmentResults{
		SegmentID:   out.SegmentID,
		SegmentName: out.SegmentName,
		Exposures:   out.Exposures,
	}
	if len(out.Variants) > 0 {
		results.Variants = make([]segmentz.VariantResult, len(out.Variants))
		for i, wv := range out.Variants {
			v := segmentz.VariantResult{
				VariantID:   wv.VariantID,
				VariantName: wv.VariantName,
				Exposures:   wv.Exposures,
				Conversions: wv.Conversions,
			}
			if len(wv.Metrics) > 0 {
				v.Metrics = make(map[string]segmentz.MetricResult, len(wv.Metrics))
				for metricID, wm := range wv.Metrics {
					v.Metrics[metricID] = segmentz.MetricResult{
						Value:          wm.Value,
						Conversions:    wm.Conversions,
						ConversionRate: wm.ConversionRate,
					}
				}
			}
			results.Variants[i] = v
		}
	}
	return results, nil
}
