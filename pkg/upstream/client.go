// Package upstream forwards validated generation requests to the Gemini
// generateContent endpoint and maps the outcome onto the relay error taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/gemini-relay/pkg/domain"
	"github.com/polisai/gemini-relay/pkg/telemetry"
)

const (
	apiVersion      = "v1beta"
	generateMethod  = "generateContent"
	keyParam        = "key"
	redactedKey     = "REDACTED"
	modelPathPrefix = "models/"

	// minBareRedactLen is the shortest key replaced wherever it appears. Shorter
	// keys are only replaced in their key= query form.
	minBareRedactLen = 8
)

// Target is everything the forwarder needs for one call. It is built from the
// configuration snapshot active when the request arrived.
type Target struct {
	BaseURL string
	Model   string
	Timeout time.Duration
	APIKey  string
}

// Observer receives the outcome of every upstream call.
type Observer interface {
	ObserveUpstreamCall(m telemetry.UpstreamMetrics)
}

// Client issues generateContent calls. It holds no per-request state and is
// safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	observers  []Observer
}

// Option customises a Client.
type Option func(*Client)

// WithObserver adds an observer called after each upstream call.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// NewClient creates a forwarder. A nil httpClient gets a client whose transport
// is instrumented with otelhttp so each call is a child span of the inbound request.
func NewClient(httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
					return "gemini " + generateMethod
				}),
			),
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{httpClient: httpClient, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate forwards req and returns the upstream body on HTTP 200. Every failure
// is a *domain.RelayError. A missing credential fails before any network activity.
func (c *Client) Generate(ctx context.Context, target Target, req *domain.GenerateRequest) ([]byte, error) {
	if target.APIKey == "" {
		return nil, domain.NewConfigurationError(domain.DetailAPIKeyMissing)
	}

	start := time.Now()
	body, status, err := c.do(ctx, target, req)
	duration := time.Since(start)

	outcome := outcomeOf(err)
	call := telemetry.UpstreamMetrics{
		Model:      target.Model,
		Outcome:    outcome,
		StatusCode: status,
		Duration:   duration,
	}
	telemetry.RecordUpstreamCall(ctx, call)
	for _, o := range c.observers {
		o.ObserveUpstreamCall(call)
	}

	logArgs := []any{
		"model", target.Model,
		"status", status,
		"outcome", string(outcome),
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		c.logger.WarnContext(ctx, "upstream call failed", append(logArgs, "error", err.Error())...)
		return nil, err
	}
	c.logger.DebugContext(ctx, "upstream call completed", logArgs...)
	return body, nil
}

func (c *Client) do(ctx context.Context, target Target, req *domain.GenerateRequest) ([]byte, int, error) {
	payload, err := req.Encode()
	if err != nil {
		return nil, 0, domain.NewUnexpectedError(err)
	}

	endpoint, err := Endpoint(target.BaseURL, target.Model, target.APIKey)
	if err != nil {
		return nil, 0, unexpected(err, target.APIKey)
	}

	if target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, unexpected(err, target.APIKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, unexpected(err, target.APIKey)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.LogAttrs(ctx, slog.LevelWarn, "failed to close upstream response body", slog.String("error", cerr.Error()))
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, unexpected(fmt.Errorf("read upstream response: %w", err), target.APIKey)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, domain.NewUpstreamError(resp.StatusCode, Redact(string(respBody), target.APIKey))
	}

	if !json.Valid(respBody) {
		return nil, resp.StatusCode, domain.NewUnexpectedError(errors.New("upstream returned a non-JSON body"))
	}

	return respBody, resp.StatusCode, nil
}

// Endpoint builds the generateContent URL with the credential as the key parameter.
func Endpoint(baseURL, model, apiKey string) (string, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid upstream base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("upstream base url %q is not absolute", baseURL)
	}

	model = strings.TrimPrefix(strings.TrimSpace(model), modelPathPrefix)
	if model == "" {
		return "", errors.New("upstream model is empty")
	}

	u := base.JoinPath(apiVersion, "models", model+":"+generateMethod)
	q := u.Query()
	q.Set(keyParam, apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Redact removes the credential from s. The key= query form, raw or escaped,
// is always replaced. A bare occurrence is replaced only for keys of at least
// minBareRedactLen bytes, so a short key does not mangle unrelated text.
func Redact(s, apiKey string) string {
	if apiKey == "" {
		return s
	}

	forms := []string{apiKey}
	if escaped := url.QueryEscape(apiKey); escaped != apiKey {
		forms = append(forms, escaped)
	}

	for _, form := range forms {
		s = strings.ReplaceAll(s, keyParam+"="+form, keyParam+"="+redactedKey)
	}
	if len(apiKey) < minBareRedactLen {
		return s
	}
	for _, form := range forms {
		s = strings.ReplaceAll(s, form, redactedKey)
	}
	return s
}

// unexpected wraps a transport failure, flags timeouts, and scrubs the credential
// from the text surfaced to the caller.
func unexpected(err error, apiKey string) *domain.RelayError {
	re := domain.NewUnexpectedError(err)
	re.Detail = Redact(re.Detail, apiKey)
	re.Timeout = isTimeout(err)
	return re
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcomeOf(err error) telemetry.Outcome {
	if err == nil {
		return telemetry.OutcomeSuccess
	}
	re := domain.AsRelayError(err)
	switch {
	case re.Kind == domain.KindUpstream:
		return telemetry.OutcomeUpstreamError
	case re.Timeout:
		return telemetry.OutcomeTimeout
	default:
		return telemetry.OutcomeError
	}
}
