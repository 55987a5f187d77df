package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/syncq/internal/model"
)

const maxResponseBody = 1 << 20

// BreakerConfig tunes the circuit breaker in front of the backend.
type BreakerConfig struct {
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval resets the failure counts while closed. Zero never resets.
	Interval time.Duration

	// Timeout is how long the breaker stays open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns the breaker settings used when none are
// configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// HTTPConfig configures an HTTPMutator.
type HTTPConfig struct {
	// BaseURL is the REST root; operations go to {BaseURL}/{table}[/{id}].
	BaseURL string

	// IDField names the payload field holding the record id for update and
	// delete. Defaults to "id".
	IDField string

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration

	// Headers are added to every request (for example Authorization).
	Headers map[string]string

	Breaker BreakerConfig

	// Client overrides the HTTP client.
	Client *http.Client
}

// HTTPMutator replays operations as REST calls:
//
//	create  POST   {base}/{table}
//	update  PATCH  {base}/{table}/{id}
//	delete  DELETE {base}/{table}/{id}
//
// Every request carries the operation id as Idempotency-Key so a replay
// after a lost response is safe.
type HTTPMutator struct {
	base    *url.URL
	idField string
	headers map[string]string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// NewHTTPMutator validates cfg and builds the mutator.
func NewHTTPMutator(cfg HTTPConfig, logger *slog.Logger) (*HTTPMutator, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("http mutator: base URL is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("http mutator: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("http mutator: base URL must be http or https, got %q", cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IDField == "" {
		cfg.IDField = "id"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	bc := cfg.Breaker
	def := DefaultBreakerConfig()
	if bc.MaxRequests == 0 {
		bc.MaxRequests = def.MaxRequests
	}
	if bc.Timeout <= 0 {
		bc.Timeout = def.Timeout
	}
	if bc.ConsecutiveFailures == 0 {
		bc.ConsecutiveFailures = def.ConsecutiveFailures
	}

	m := &HTTPMutator{
		base:    base,
		idField: cfg.IDField,
		headers: cfg.Headers,
		client:  client,
		logger:  logger,
	}
	m.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync-backend",
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Rejections and conflicts prove the backend is up.
		IsSuccessful: func(err error) bool {
			var ce *ConflictError
			return err == nil || errors.Is(err, ErrPermanent) || errors.As(err, &ce)
		},
	})
	return m, nil
}

// BreakerState reports the breaker state ("closed", "half-open", "open").
func (m *HTTPMutator) BreakerState() string {
	return m.cb.State().String()
}

// Apply sends req through the circuit breaker.
func (m *HTTPMutator) Apply(ctx context.Context, req Request) error {
	_, err := m.cb.Execute(func() (any, error) {
		return nil, m.send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (m *HTTPMutator) send(ctx context.Context, req Request) error {
	op := req.Operation
	method, target, err := m.route(op)
	if err != nil {
		return err
	}

	var body io.Reader
	if op.Operation != model.OperationDelete {
		body = bytes.NewReader(op.Data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", op.ID)
	httpReq.Header.Set("X-Sync-Data-Type", string(op.DataType))
	if req.Force {
		httpReq.Header.Set("X-Sync-Resolution", string(req.Strategy))
	}
	for k, v := range m.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, target, err)
	}

	m.logger.Debug("replayed operation",
		"id", op.ID,
		"method", method,
		"url", target,
		"status", resp.StatusCode,
	)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict:
		return &ConflictError{Server: serverValue(respBody)}
	case code == http.StatusNotFound && op.Operation == model.OperationDelete:
		// Already gone.
		return nil
	default:
		se := &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: code,
			Body:       strings.TrimSpace(string(respBody)),
		}
		if retryableStatus(code) {
			return se
		}
		return Permanent(se)
	}
}

func (m *HTTPMutator) route(op model.SyncOperation) (method, target string, err error) {
	switch op.Operation {
	case model.OperationCreate:
		return http.MethodPost, m.base.JoinPath(url.PathEscape(op.Table)).String(), nil
	case model.OperationUpdate, model.OperationDelete:
		id, err := recordID(op.Data, m.idField)
		if err != nil {
			return "", "", Permanent(fmt.Errorf("operation %s: %w", op.ID, err))
		}
		target := m.base.JoinPath(url.PathEscape(op.Table), url.PathEscape(id)).String()
		if op.Operation == model.OperationUpdate {
			return http.MethodPatch, target, nil
		}
		return http.MethodDelete, target, nil
	default:
		return "", "", Permanent(fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Operation))
	}
}

// recordID reads the record id out of a payload object.
func recordID(data json.RawMessage, field string) (string, error) {
	v, err := model.DecodeJSON(data)
	if err != nil {
		return "", err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", fmt.Errorf("payload is not an object, cannot read %q", field)
	}
	switch id := obj[field].(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("payload has no %q", field)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests
}

// serverValue keeps a JSON body as is and wraps anything else as a JSON
// string, so it can be stored as conflict data.
func serverValue(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(bytes.Clone(trimmed))
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
