package action

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cpgflow/engine"
)

// HTTPHandler is the system-invocation ActionHandler: it issues an HTTP
// request and reports the response status/headers/body as the node's
// output. Request parameters are read from the invocation scope under the
// "http" key (method, url, headers, body), falling back to the action's
// HandlerRef as a literal URL (method GET) when no "http" scope entry is
// present, so a handlerRef of "https://api.example.com/orders" works with
// no further configuration.
type HTTPHandler struct {
	client *http.Client
}

// NewHTTPHandler constructs an HTTPHandler. The invocation's own per-action
// timeout (applied by the orchestrator via context.WithTimeout before
// Execute is called) governs request duration; the client itself carries
// no fixed timeout.
func NewHTTPHandler() *HTTPHandler {
	return &HTTPHandler{client: &http.Client{}}
}

func stringParam(m map[string]any, key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// Execute implements ActionHandler.
func (h *HTTPHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	params, _ := inv.Scope["http"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	urlStr, ok := stringParam(params, "url")
	if !ok || urlStr == "" {
		if inv.Action.HandlerRef == "" {
			return engine.ActionResult{Success: false, Retryable: false, ExceptionType: "ConfigurationError", Err: errNoURL}
		}
		urlStr = inv.Action.HandlerRef
	}

	method := "GET"
	if m, ok := stringParam(params, "method"); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := stringParam(params, "body"); ok && b != "" {
		body = bytes.NewBufferString(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return engine.ActionResult{Success: false, Retryable: false, ExceptionType: "RequestBuildError", Err: err}
	}
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			if vs, ok := v.(string); ok {
				req.Header.Set(k, vs)
			}
		}
	}

	startedAt := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return engine.ActionResult{Success: false, Retryable: true, ExceptionType: "NetworkError", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.ActionResult{Success: false, Retryable: true, ExceptionType: "NetworkError", Err: err}
	}

	respHeaders := map[string]any{}
	for k, vs := range resp.Header {
		if len(vs) == 1 {
			respHeaders[k] = vs[0]
		} else {
			respHeaders[k] = vs
		}
	}

	output := map[string]any{
		"statusCode": resp.StatusCode,
		"headers":    respHeaders,
		"body":       string(respBody),
		"durationMs": time.Since(startedAt).Milliseconds(),
	}

	if resp.StatusCode >= 500 {
		return engine.ActionResult{Success: false, Output: output, Retryable: true, ExceptionType: "ServerError"}
	}
	if resp.StatusCode >= 400 {
		return engine.ActionResult{Success: false, Output: output, Retryable: false, ExceptionType: "ClientError"}
	}
	return engine.ActionResult{Success: true, Output: output}
}

var errNoURL = httpConfigError("system-invocation action requires an \"http.url\" scope entry or a handlerRef URL")

type httpConfigError string

func (e httpConfigError) Error() string { return string(e) }
