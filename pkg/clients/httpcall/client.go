package httpcall

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"
)

// maxResponseBody caps how much of a response the platform will read.
// Node outputs are persisted per execution, so unbounded bodies would
// flow straight into the database.
const maxResponseBody = 4 << 20 // 4MB

// Request describes one outbound HTTP call.
type Request struct {
	Method          string
	URL             string
	Headers         map[string]string
	Query           map[string]string
	Body            any
	Timeout         time.Duration
	FollowRedirects bool
	VerifySSL       bool
}

// Response is the decoded result of a call. Body is a map or slice
// when the response declared JSON, a string for textual content, and
// a base64 string (with BodyEncoding "base64") for binary payloads.
type Response struct {
	StatusCode   int
	Headers      map[string]string
	Body         any
	BodyEncoding string
	ElapsedMS    int64
}

var (
	// ErrTimeout means the call exceeded its configured deadline.
	ErrTimeout = errors.New("httpcall: request timed out")

	// ErrTransport means the call never produced a response
	// (DNS failure, connection refused, TLS failure).
	ErrTransport = errors.New("httpcall: transport error")

	// ErrProtocol means a response arrived but could not be consumed.
	ErrProtocol = errors.New("httpcall: protocol error")
)

// Client performs HTTP calls on behalf of workflow nodes.
type Client interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// NetClient is the production Client backed by net/http. It builds a
// transport per call because redirect and TLS verification policies
// are request-scoped in node config.
type NetClient struct{}

// NewNetClient returns the production HTTP client.
func NewNetClient() *NetClient {
	return &NetClient{}
}

func (c *NetClient) Do(ctx context.Context, req Request) (*Response, error) {
	fullURL, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := encodeBody(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if bodyReader != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpClient := &http.Client{Timeout: req.Timeout}
	if !req.VerifySSL {
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	if !req.FollowRedirects {
		httpClient.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	slog.Debug("outbound HTTP call", "method", method, "url", fullURL, "timeout", req.Timeout)

	start := time.Now()
	resp, err := httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrProtocol, err)
	}

	body, encoding := decodeBody(resp.Header.Get("Content-Type"), raw)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Response{
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         body,
		BodyEncoding: encoding,
		ElapsedMS:    elapsed.Milliseconds(),
	}, nil
}

func buildURL(raw string, query map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func encodeBody(body any) ([]byte, error) {
	if s, ok := body.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(body)
}

// decodeBody converts a raw response body into its node-output form:
// parsed JSON when the content type says JSON, plain text for textual
// and valid-UTF-8 content, base64 otherwise.
func decodeBody(contentType string, raw []byte) (any, string) {
	if len(raw) == 0 {
		return "", ""
	}

	if strings.Contains(contentType, "json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return parsed, "json"
		}
		// Declared JSON but unparseable; fall through to text.
	}

	if strings.HasPrefix(contentType, "text/") || utf8.Valid(raw) {
		return string(raw), "text"
	}
	return base64.StdEncoding.EncodeToString(raw), "base64"
}

func classifyTransportError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
