package api

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"
)

// proxyRetryDelay is the pause before the single retry of a proxied request.
const proxyRetryDelay = 100 * time.Millisecond

// proxyRetryBufferLimit caps how much of a request body is buffered to make
// the retry possible. Larger bodies stream through without a retry.
const proxyRetryBufferLimit = 1 << 20

// hopHeaders are connection-scoped headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy forwards data-plane requests (ingress, egress, stats) to deployed
// pipeline processes. Payloads are never rewritten and responses stream:
// egress framing ({"text_data"}/{"json_data"} wrappers, chunked delta
// streams) passes through byte-for-byte.
type Proxy struct {
	pipelines PipelineStore
	client    *http.Client
}

// NewProxy creates a Proxy resolving pipelines through the given store.
func NewProxy(pipelines PipelineStore) *Proxy {
	return &Proxy{
		pipelines: pipelines,
		// No overall timeout: egress delta streams are long-lived. Cancellation
		// comes from the client request context.
		client: &http.Client{},
	}
}

// HandleProxy forwards the request to the pipeline process named in the URL.
// Requests for pipelines that are not deployed fail with 503; an unreachable
// process yields 502 after one retry.
func (s *Server) HandleProxy(w http.ResponseWriter, r *http.Request) {
	s.Proxy.ServeHTTP(w, r)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "pipelineID")
	if !ok {
		return
	}

	pl, err := p.pipelines.GetPipeline(r.Context(), tenantFromRequest(r), id)
	if err != nil {
		internalError(w, "internal error", err)
		return
	}
	if pl == nil {
		errorJSON(w, http.StatusNotFound, ErrorCodeUnknownPipeline, "unknown pipeline "+id.String())
		return
	}
	if !pl.Deployable() || pl.DeploymentLocation == nil {
		errorJSON(w, http.StatusServiceUnavailable, ErrorCodePipelineNotDeployed,
			"pipeline is not deployed")
		return
	}

	upstreamURL := "http://" + *pl.DeploymentLocation + upstreamPath(r, id.String())

	body, canRetry, err := replayableBody(r)
	if err != nil {
		errorJSON(w, http.StatusBadRequest, ErrorCodeInvalidArgument,
			"failed to read request body: "+err.Error())
		return
	}

	resp, err := p.forward(r, upstreamURL, body())
	if err != nil && canRetry {
		// One retry; the process may be mid-startup.
		time.Sleep(proxyRetryDelay)
		resp, err = p.forward(r, upstreamURL, body())
	}
	if err != nil {
		proxiedRequestsTotal.WithLabelValues("unreachable").Inc()
		errorJSON(w, http.StatusBadGateway, ErrorCodeUpstreamUnreachable,
			"pipeline process did not respond: "+err.Error())
		return
	}
	defer resp.Body.Close()

	proxiedRequestsTotal.WithLabelValues("forwarded").Inc()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Stream the body through, flushing as data arrives so chunked delta
	// streams reach the client promptly.
	flushingCopy(w, resp.Body)
}

// upstreamPath strips the /v0/pipelines/{id} prefix, leaving the data-plane
// path the pipeline process serves (e.g. /ingress/t1, /egress/v1, /stats).
func upstreamPath(r *http.Request, id string) string {
	prefix := "/v0/pipelines/" + id
	path := strings.TrimPrefix(r.URL.Path, prefix)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}

// replayableBody returns a factory producing the request body for each
// forward attempt. GET/HEAD carry no body; other requests are buffered up to
// proxyRetryBufferLimit so the retry can resend them. Bodies past the limit
// (or of unknown length) stream through once, without a retry.
func replayableBody(r *http.Request) (func() io.Reader, bool, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return func() io.Reader { return http.NoBody }, true, nil
	}
	if r.ContentLength < 0 || r.ContentLength > proxyRetryBufferLimit {
		return func() io.Reader { return r.Body }, false, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, proxyRetryBufferLimit+1))
	if err != nil {
		return nil, false, err
	}
	return func() io.Reader { return bytes.NewReader(buf) }, true, nil
}

func (p *Proxy) forward(r *http.Request, upstreamURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set(requestIDHeader, RequestIDFromContext(r.Context()))
	req.ContentLength = r.ContentLength
	return p.client.Do(req)
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopHeader(key string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, key) {
			return true
		}
	}
	return false
}

// flushingCopy copies src to w, flushing after every write when the writer
// supports it.
func flushingCopy(w http.ResponseWriter, src io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
