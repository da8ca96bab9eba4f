package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/weft-labs/weft/internal/interp"
	"github.com/weft-labs/weft/pkg/schema"
)

const webhookBodyLimit = 4 << 20

// execWebhook interpolates method/url/headers/body and issues the HTTP
// call. A non-2xx status is not a failure: the result carries the
// status code and a success flag for downstream conditional routing.
// Only transport errors fail the node.
func (r *run) execWebhook(ctx context.Context, cfg *schema.WebhookConfig, vars map[string]any) (*nodeResult, error) {
	method := strings.ToUpper(interp.Interpolate(cfg.Method, vars))
	if method == "" {
		method = http.MethodPost
	}
	url := interp.Interpolate(cfg.URL, vars)

	var bodyReader io.Reader
	if cfg.Body != nil {
		raw, err := json.Marshal(interp.InterpolateValue(cfg.Body, vars))
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "encode webhook body").WithCause(err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build webhook request for %q", url).WithCause(err)
	}
	if cfg.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range interp.InterpolateStringMap(cfg.Headers, vars) {
		req.Header.Set(k, v)
	}

	resp, err := r.e.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "webhook call to %q failed", url).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, webhookBodyLimit))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "read webhook response").WithCause(err)
	}

	var parsed any
	if len(raw) > 0 {
		if jsonErr := json.Unmarshal(raw, &parsed); jsonErr != nil {
			parsed = string(raw)
		}
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	return &nodeResult{
		vars: map[string]any{
			"status_code": resp.StatusCode,
			"success":     success,
			"response":    parsed,
		},
		apiCalls: 1,
	}, nil
}
