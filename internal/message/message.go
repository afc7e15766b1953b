// Package message defines the wire types exchanged over the broker queues:
// the inbound test specification and the outbound metric and result payloads.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// TestSpec describes one load test to execute. It arrives on the intake
// queue and is immutable for the lifetime of the run.
type TestSpec struct {
	TestID            string            `json:"testId"`
	TargetURL         string            `json:"targetUrl"`
	Method            string            `json:"method"`
	ConcurrentUsers   int               `json:"concurrentUsers"`
	TotalRequests     int               `json:"totalRequests"`
	DurationSeconds   int               `json:"durationSeconds"`
	RequestsPerSecond int               `json:"requestsPerSecond"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              json.RawMessage   `json:"body,omitempty"`
}

// DecodeTestSpec parses and validates a raw spec payload.
func DecodeTestSpec(payload []byte) (*TestSpec, error) {
	var spec TestSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, fmt.Errorf("decode test spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec's semantic invariants. It must pass before any
// run state is created.
func (s *TestSpec) Validate() error {
	if s == nil {
		return errors.New("test spec is nil")
	}
	if strings.TrimSpace(s.TargetURL) == "" {
		return errors.New("targetUrl is required")
	}
	if s.ConcurrentUsers < 1 {
		return fmt.Errorf("concurrentUsers must be at least 1, got %d", s.ConcurrentUsers)
	}
	if s.TotalRequests < 0 {
		return fmt.Errorf("totalRequests must not be negative, got %d", s.TotalRequests)
	}
	if s.DurationSeconds < 0 {
		return fmt.Errorf("durationSeconds must not be negative, got %d", s.DurationSeconds)
	}
	if s.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond must not be negative, got %d", s.RequestsPerSecond)
	}
	return nil
}

// TimeSeriesPoint is one periodic sample of aggregate performance, ordered
// by capture time. Points are append-only and never mutated.
type TimeSeriesPoint struct {
	Timestamp       int64   `json:"timestamp"`
	RPS             float64 `json:"rps"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	ErrorRate       float64 `json:"errorRate"`
}

// Metric is a live progress sample published on the metrics queue while a
// test is running. Delivery is best-effort.
type Metric struct {
	TestID          string  `json:"testId"`
	Timestamp       string  `json:"timestamp"`
	RequestCount    int64   `json:"requestCount"`
	SuccessCount    int64   `json:"successCount"`
	ErrorCount      int64   `json:"errorCount"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	StatusCode      *int    `json:"statusCode"`
	ErrorMessage    *string `json:"errorMessage"`
	ActiveUsers     int     `json:"activeUsers"`
}

// TestResult is the final report produced once per completed run.
type TestResult struct {
	TestID                 string            `json:"testId"`
	TotalRequests          int64             `json:"totalRequests"`
	SuccessfulRequests     int64             `json:"successfulRequests"`
	FailedRequests         int64             `json:"failedRequests"`
	AverageResponseTime    float64           `json:"averageResponseTime"`
	MinResponseTime        float64           `json:"minResponseTime"`
	MaxResponseTime        float64           `json:"maxResponseTime"`
	P50ResponseTime        float64           `json:"p50ResponseTime"`
	P95ResponseTime        float64           `json:"p95ResponseTime"`
	P99ResponseTime        float64           `json:"p99ResponseTime"`
	RequestsPerSecond      float64           `json:"requestsPerSecond"`
	ErrorRate              float64           `json:"errorRate"`
	StatusCodeDistribution map[int]int64     `json:"statusCodeDistribution"`
	ErrorDistribution      map[string]int64  `json:"errorDistribution"`
	TimeSeriesData         []TimeSeriesPoint `json:"timeSeriesData"`
}
