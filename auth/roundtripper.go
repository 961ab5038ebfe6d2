package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/smnsjas/go-psremoting/wsman/transport"
)

// HTTPTransport adapts the Engine to net/http for blocking drivers: it
// drives the token loop against 401 responses on a persistent connection and
// applies body encryption once the context is established. The engine's
// token state is serialized under a mutex; WinRM auth handshakes are
// connection-scoped, so one adapter serves one connection pool.
func (e *Engine) HTTPTransport(base http.RoundTripper) http.RoundTripper {
	return &engineRoundTripper{engine: e, base: base}
}

type engineRoundTripper struct {
	engine *Engine
	base   http.RoundTripper
	mu     sync.Mutex
}

func (rt *engineRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	isHTTPS := req.URL.Scheme == "https"
	ctx := context.WithValue(req.Context(), ContextKeyIsHTTPS, isHTTPS)

	var bodyBytes []byte
	if req.Body != nil && req.ContentLength != 0 {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	// Plain-HTTP endpoints with sealing: the context must establish before
	// the first real payload, because the AP-REP (mutual auth + session key)
	// arrives in the handshake response. Run the token loop with an empty
	// body first, then send the sealed payload.
	if rt.engine.EncryptsBodies() && !rt.engine.Established() && len(bodyBytes) > 0 {
		resp, err := rt.authLoop(ctx, req, nil)
		if err != nil {
			return nil, fmt.Errorf("auth handshake: %w", err)
		}
		if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		drain(resp)
		if !rt.engine.Established() {
			return nil, fatal("handshake finished without an established context", nil)
		}
	}

	if rt.engine.EncryptsBodies() && rt.engine.Established() && len(bodyBytes) > 0 {
		sealed, contentType, err := rt.engine.WrapBody(bodyBytes)
		if err != nil {
			return nil, err
		}
		sealedReq := cloneWithBody(req, ctx, sealed)
		sealedReq.Header.Set("Content-Type", contentType)
		resp, err := rt.base.RoundTrip(sealedReq)
		if err != nil {
			return nil, err
		}
		return rt.unsealResponse(resp)
	}

	resp, err := rt.authLoop(ctx, req, bodyBytes)
	if err != nil {
		return nil, err
	}
	return rt.unsealResponse(resp)
}

// authLoop performs the 401-driven token exchange, replaying body on each
// attempt.
func (rt *engineRoundTripper) authLoop(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	var challenge []byte
	for attempt := 0; attempt < maxTokenSteps; attempt++ {
		header := ""
		if !rt.engine.Established() || rt.engine.Scheme() == "Basic" {
			var err error
			header, _, err = rt.engine.Step(ctx, challenge)
			if err != nil {
				return nil, err
			}
		}

		attemptReq := cloneWithBody(req, ctx, body)
		if header != "" {
			attemptReq.Header.Set("Authorization", header)
		}

		httpResp, err := rt.base.RoundTrip(attemptReq)
		if err != nil {
			return nil, err
		}

		tResp := &transport.Response{StatusCode: httpResp.StatusCode}
		for name, values := range httpResp.Header {
			for _, v := range values {
				tResp.Headers = append(tResp.Headers, transport.HeaderField{Name: name, Value: v})
			}
		}

		next, retry, err := rt.engine.HandleResponse(ctx, tResp)
		if err != nil {
			drain(httpResp)
			return nil, err
		}
		if !retry {
			return httpResp, nil
		}
		drain(httpResp)
		challenge = next
	}
	return nil, fatal("authentication loop exhausted", nil)
}

// unsealResponse unwraps multipart/encrypted response bodies in place.
func (rt *engineRoundTripper) unsealResponse(resp *http.Response) (*http.Response, error) {
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/encrypted") {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read encrypted response: %w", err)
	}
	plain, err := rt.engine.UnwrapBody(body, contentType)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(plain))
	resp.ContentLength = int64(len(plain))
	resp.Header.Set("Content-Type", transport.ContentTypeSOAP)
	return resp, nil
}

func cloneWithBody(req *http.Request, ctx context.Context, body []byte) *http.Request {
	out := req.Clone(ctx)
	if body == nil {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return out
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return out
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
}
