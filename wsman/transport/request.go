package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

// Request is the transport-neutral HTTP request value the protocol core
// produces. The core never performs I/O itself; a driver hands Requests to
// whatever HTTP client it owns (this package's HTTPTransport, an async
// client, a WebSocket tunnel) and feeds the Responses back.
type Request struct {
	Method  string
	URL     string
	Headers []HeaderField
	Body    []byte
}

// HeaderField is one (name, value) pair. A list rather than a map: the auth
// engine depends on header order and on repeated names surviving verbatim.
type HeaderField struct {
	Name  string
	Value string
}

// Response is the transport-neutral HTTP response value fed back to the core.
type Response struct {
	StatusCode int
	Headers    []HeaderField
	Body       []byte
}

// Header returns the first value of the named header, case-insensitively,
// and whether it was present.
func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if equalFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// SetHeader replaces the named header on the request, or appends it.
func (r *Request) SetHeader(name, value string) {
	for i, h := range r.Headers {
		if equalFold(h.Name, name) {
			r.Headers[i].Value = value
			return
		}
	}
	r.Headers = append(r.Headers, HeaderField{Name: name, Value: value})
}

// GetHeader returns the first value of the named request header.
func (r *Request) GetHeader(name string) (string, bool) {
	for _, h := range r.Headers {
		if equalFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// ConnectionHint tells the driver how to schedule the request on its
// connection pool. SPNEGO handshakes must ride a single persistent
// connection; the hint lets drivers honor that without understanding auth.
type ConnectionHint int

const (
	// HintAny allows any pooled connection.
	HintAny ConnectionHint = iota
	// HintSameConnection pins the request to the connection that carried the
	// previous exchange (NTLM/Negotiate handshake in progress).
	HintSameConnection
)

// Do executes a transport-neutral Request on this HTTPTransport and converts
// the result back. Unlike Post, it performs no status-code policy: the caller
// (connector/auth engine) interprets 401s itself, per the collaborator
// contract that transports must not transparently retry on 401.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("transport: failed to create request: %w", err)
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := readAllPooled(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to read response: %w", err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: body}
	for name, values := range httpResp.Header {
		for _, v := range values {
			resp.Headers = append(resp.Headers, HeaderField{Name: name, Value: v})
		}
	}
	return resp, nil
}
