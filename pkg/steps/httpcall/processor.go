// Package httpcall implements the API_CALL and WEBHOOK step processors.
package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukex/stepflow/pkg/models"
	"github.com/dukex/stepflow/pkg/protocol"
	"github.com/dukex/stepflow/pkg/template"
)

const maxResponseBodySize = 10 * 1024 * 1024

var (
	// ErrRequestFailed is returned when no response was received.
	ErrRequestFailed = errors.New("http request failed")
	// ErrInvalidResponse is returned when the response body is not JSON.
	ErrInvalidResponse = errors.New("response is not valid JSON")
)

// Processor issues the configured HTTP request. Any received response that
// parses as JSON completes the attempt; non-2xx statuses are reported through
// the result's success flag rather than as an error.
type Processor struct {
	client *http.Client
	logger *slog.Logger
}

func NewProcessor(client *http.Client, logger *slog.Logger) *Processor {
	return &Processor{
		client: client,
		logger: logger.With("module", "http_processor"),
	}
}

func (p *Processor) Process(ctx context.Context, config models.StepConfig, run *models.RunContext) (*protocol.StepResult, error) {
	cfg, ok := config.(*models.APICallConfig)
	if !ok {
		return nil, fmt.Errorf("%w: %T", protocol.ErrUnexpectedConfig, config)
	}

	req, err := p.buildRequest(ctx, cfg, run)
	if err != nil {
		return nil, err
	}

	p.logger.DebugContext(ctx, "Sending request", "method", req.Method, "url", req.URL.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrRequestFailed, err)
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("%w: status %d: %w", ErrInvalidResponse, resp.StatusCode, err)
	}

	ok = resp.StatusCode >= 200 && resp.StatusCode < 300

	return &protocol.StepResult{
		Success: ok,
		Result: map[string]any{
			"status": resp.StatusCode,
			"data":   data,
		},
		Logs: fmt.Sprintf("%s %s -> %d", req.Method, req.URL.String(), resp.StatusCode),
	}, nil
}

func (p *Processor) buildRequest(ctx context.Context, cfg *models.APICallConfig, run *models.RunContext) (*http.Request, error) {
	url, err := template.RenderString(cfg.URL, run)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	if err := models.ValidateURL(url); err != nil {
		return nil, err
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = models.DefaultHTTPMethod
	}

	var body io.Reader

	if cfg.Body != nil {
		rendered, err := renderBody(cfg.Body, run)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(rendered)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}

		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range cfg.Headers {
		rendered, err := template.RenderString(value, run)
		if err != nil {
			return nil, fmt.Errorf("failed to render header '%s': %w", key, err)
		}

		req.Header.Set(key, rendered)
	}

	return req, nil
}

// renderBody renders template actions inside string leaves of the body.
func renderBody(body any, run *models.RunContext) (any, error) {
	switch v := body.(type) {
	case string:
		if !template.NeedsTemplating(v) {
			return v, nil
		}

		return template.RenderWithContext(v, run)
	case map[string]any:
		out := make(map[string]any, len(v))

		for key, item := range v {
			rendered, err := renderBody(item, run)
			if err != nil {
				return nil, fmt.Errorf("failed to render body field '%s': %w", key, err)
			}

			out[key] = rendered
		}

		return out, nil
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderBody(item, run)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return v, nil
	}
}
