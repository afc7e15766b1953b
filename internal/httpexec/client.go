// Package httpexec executes individual load-test requests over HTTP and
// classifies their outcomes.
package httpexec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/loadmaster/worker/internal/message"
)

// DefaultTimeout is the fixed per-call timeout applied to every request.
const DefaultTimeout = 30 * time.Second

// NewClient builds an HTTP client tuned for sustained concurrent load.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

// NormalizeMethod upper-cases the configured method and degrades anything
// unrecognized to GET instead of aborting the run.
func NormalizeMethod(method string) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if _, ok := knownMethods[m]; !ok {
		return http.MethodGet
	}
	return m
}

// Builder constructs the HTTP request issued for every dispatched unit of
// work in a run. It is immutable once created.
type Builder struct {
	method  string
	target  string
	headers http.Header
	body    []byte
}

// NewBuilder validates the spec's request shape and prepares a Builder.
func NewBuilder(spec *message.TestSpec) (*Builder, error) {
	if spec == nil {
		return nil, errors.New("test spec cannot be nil")
	}

	target := strings.TrimSpace(spec.TargetURL)
	if target == "" {
		return nil, errors.New("target URL is required")
	}

	headers := http.Header{}
	for key, value := range spec.Headers {
		trimmed := strings.TrimSpace(key)
		if trimmed == "" || strings.ContainsAny(trimmed, "\r\n") || strings.ContainsAny(value, "\r\n") {
			continue
		}
		headers.Set(http.CanonicalHeaderKey(trimmed), value)
	}

	var body []byte
	if len(spec.Body) > 0 {
		body = append([]byte(nil), spec.Body...)
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
	}

	return &Builder{
		method:  NormalizeMethod(spec.Method),
		target:  target,
		headers: headers,
		body:    body,
	}, nil
}

// Method returns the normalized HTTP method.
func (b *Builder) Method() string { return b.method }

// Build creates a fresh request bound to ctx.
func (b *Builder) Build(ctx context.Context) (*http.Request, error) {
	var reader io.Reader
	if len(b.body) > 0 {
		reader = bytes.NewReader(b.body)
	}

	req, err := http.NewRequestWithContext(ctx, b.method, b.target, reader)
	if err != nil {
		return nil, err
	}

	for key, values := range b.headers {
		for _, val := range values {
			req.Header.Add(key, val)
		}
	}

	if len(b.body) > 0 {
		req.ContentLength = int64(len(b.body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(b.body)), nil
		}
	}

	return req, nil
}
