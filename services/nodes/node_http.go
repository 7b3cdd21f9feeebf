package nodes

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dagflow/api/pkg/clients/httpcall"
)

// allowedMethods is the closed set the http_request handler accepts.
var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
	http.MethodHead:   true,
}

// HTTPHandler executes http_request nodes through the outbound HTTP
// client.
//
// Config:
//
//	url               string, required
//	method            string, default GET
//	headers, query    maps, optional
//	body              any, optional
//	timeout           seconds, default from platform config
//	follow_redirects  bool, default true
//	verify_ssl        bool, default true
type HTTPHandler struct {
	client   httpcall.Client
	defaults Defaults
}

// NewHTTPHandler creates the http_request handler.
func NewHTTPHandler(client httpcall.Client, defaults Defaults) *HTTPHandler {
	return &HTTPHandler{client: client, defaults: defaults}
}

func (h *HTTPHandler) Type() string { return TypeHTTPRequest }

func (h *HTTPHandler) ValidateConfig(config map[string]any) error {
	rawURL, ok := configString(config, "url")
	if !ok || strings.TrimSpace(rawURL) == "" {
		return &ConfigError{NodeType: h.Type(), Detail: "url is required"}
	}
	if parsed, err := url.Parse(rawURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		// Placeholders render before validation, so what remains must
		// already be a complete http(s) URL.
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("url %q is not a valid http(s) URL", rawURL)}
	}
	if method, ok := configString(config, "method"); ok {
		if !allowedMethods[strings.ToUpper(method)] {
			return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("unsupported method %q", method)}
		}
	}
	if timeout, ok := configFloat(config, "timeout"); ok && timeout <= 0 {
		return &ConfigError{NodeType: h.Type(), Detail: fmt.Sprintf("timeout must be positive, got %v", timeout)}
	}
	return nil
}

func (h *HTTPHandler) Execute(ctx context.Context, config map[string]any, input map[string]any) (map[string]any, error) {
	if h.client == nil {
		return nil, fmt.Errorf("http client is nil")
	}

	rawURL, _ := configString(config, "url")

	method := http.MethodGet
	if m, ok := configString(config, "method"); ok {
		method = strings.ToUpper(m)
	}

	timeout := time.Duration(h.defaults.HTTPTimeoutSeconds) * time.Second
	if t, ok := configFloat(config, "timeout"); ok {
		timeout = time.Duration(t * float64(time.Second))
	}

	followRedirects := true
	if v, ok := configBool(config, "follow_redirects"); ok {
		followRedirects = v
	}
	verifySSL := true
	if v, ok := configBool(config, "verify_ssl"); ok {
		verifySSL = v
	}

	headers, _ := configStringMap(config, "headers")
	query, _ := configStringMap(config, "query")

	resp, err := h.client.Do(ctx, httpcall.Request{
		Method:          method,
		URL:             rawURL,
		Headers:         headers,
		Query:           query,
		Body:            config["body"],
		Timeout:         timeout,
		FollowRedirects: followRedirects,
		VerifySSL:       verifySSL,
	})
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Headers,
		"body":        resp.Body,
		"url":         rawURL,
		"method":      method,
		"elapsed_ms":  resp.ElapsedMS,
		"status":      "success",
	}
	if resp.BodyEncoding == "base64" {
		output["body_encoding"] = "base64"
	}
	return output, nil
}
