// Package proxy implements the forwarding engine: classify an incoming
// request, forward it with correct header discipline, intercept the response
// without altering the bytes the client sees, and persist the interaction.
package proxy

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
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-interceptor/internal/config"
	"github.com/tjfontaine/agent-interceptor/internal/domain"
	"github.com/tjfontaine/agent-interceptor/internal/providers"
	"github.com/tjfontaine/agent-interceptor/internal/redact"
	"github.com/tjfontaine/agent-interceptor/internal/server"
	"github.com/tjfontaine/agent-interceptor/internal/tokens"
)

// InteractionStore is the persistence surface the handler depends on.
type InteractionStore interface {
	InsertInteraction(ctx context.Context, in *domain.Interaction) error
	FinalizeInteraction(ctx context.Context, in *domain.Interaction) error
	AppendChunk(ctx context.Context, chunk *domain.StreamChunk) error
}

// Handler drives the per-request state machine: receive, classify, forward,
// intercept, finalize, store. One goroutine owns each request end to end.
type Handler struct {
	cfg       *config.Config
	store     InteractionStore
	upstreams *upstreamPool
	estimator *tokens.Estimator
	pricing   *tokens.Pricing
	logger    *slog.Logger

	// httpClient overrides the pooled upstream client when set
	httpClient *http.Client
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithHTTPClient overrides the pooled upstream client. Tests use this to
// replay recorded provider traffic.
func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handler) { h.httpClient = c }
}

// NewHandler builds the proxy handler.
func NewHandler(cfg *config.Config, store InteractionStore, logger *slog.Logger, opts ...HandlerOption) (*Handler, error) {
	pool, err := newUpstreamPool(cfg.Upstream.ConnectTimeout, cfg.Upstream.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream pool: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:       cfg,
		store:     store,
		upstreams: pool,
		estimator: tokens.NewEstimator(),
		pricing:   tokens.NewPricing(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Close releases cached upstream connections.
func (h *Handler) Close() {
	h.upstreams.closeAll()
}

// hopByHopHeaders are stripped before forwarding in either direction.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"proxy-connection":    {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// stripRequestHeaders are additionally removed from forwarded requests so
// the transport negotiates encoding itself.
var stripRequestHeaders = map[string]struct{}{
	"host":            {},
	"content-length":  {},
	"accept-encoding": {},
}

// stripResponseHeaders are stale after the transport decodes the body.
var stripResponseHeaders = map[string]struct{}{
	"content-encoding":  {},
	"content-length":    {},
	"transfer-encoding": {},
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		// Unreadable request: answer 400, record nothing
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sessionID, forwardPath := extractSession(r.URL.Path)
	provider := providers.Classify(forwardPath, r.Header)
	parser := providers.ForProvider(provider)

	server.AddLogField(r.Context(), "provider", string(provider))
	if sessionID != "" {
		server.AddLogField(r.Context(), "session_id", sessionID)
	}

	in := h.buildInteraction(r, start, sessionID, forwardPath, provider, parser, body)

	// The parent row exists before any chunk can reference it
	if err := h.store.InsertInteraction(context.Background(), in); err != nil {
		h.logger.Error("failed to insert interaction", slog.String("error", err.Error()))
	}

	base := h.cfg.UpstreamFor(string(provider))
	if base == "" {
		h.fail(w, in, start, domain.ErrUpstreamConnect,
			fmt.Errorf("no upstream configured for provider %s", provider))
		return
	}
	upstreamURL, err := url.Parse(base)
	if err != nil {
		h.fail(w, in, start, domain.ErrUpstreamConnect, fmt.Errorf("invalid upstream URL: %w", err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if limit := h.cfg.Upstream.MaxDuration; limit > 0 {
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	target := strings.TrimRight(base, "/") + forwardPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	outReq, err := http.NewRequestWithContext(ctx, r.Method, target, reqBody)
	if err != nil {
		h.fail(w, in, start, domain.ErrUpstreamConnect, err)
		return
	}
	copyRequestHeaders(outReq.Header, r.Header)
	outReq.Host = upstreamURL.Host

	client := h.httpClient
	if client == nil {
		client = h.upstreams.client(string(provider), upstreamURL)
	}
	resp, err := client.Do(outReq)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			// Client went away while we were forwarding
			in.Error = string(domain.ErrClientDisconnect)
			h.finalize(in, start)
		case isTimeout(err):
			h.fail(w, in, start, domain.ErrUpstreamTimeout, err)
		default:
			h.fail(w, in, start, domain.ErrUpstreamConnect, err)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	ttfb := msSince(start)
	in.Metrics.TTFBMs = &ttfb

	in.Response = &domain.InteractionResponse{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeader(resp.Header),
	}
	if in.Request.Model != "" {
		server.AddLogField(r.Context(), "model", in.Request.Model)
	}

	copyResponseHeaders(w.Header(), resp.Header)

	if isStreamingResponse(resp.Header.Get("Content-Type"), provider, in.Request.StreamRequested) {
		h.handleStreaming(w, in, start, cancel, resp, parser)
	} else {
		h.handleBuffered(w, in, start, resp, parser)
	}
}

// buildInteraction captures the request side of a new interaction.
func (h *Handler) buildInteraction(r *http.Request, start time.Time, sessionID, forwardPath string,
	provider domain.Provider, parser providers.Parser, body []byte) *domain.Interaction {

	in := &domain.Interaction{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		StartedAt:  start,
		Provider:   provider,
		Method:     r.Method,
		Path:       forwardPath,
		ClientAddr: r.RemoteAddr,
		Request:    &domain.InteractionRequest{},
	}

	if h.cfg.Capture.Redact {
		in.Request.Headers = redact.Headers(r.Header)
	} else {
		in.Request.Headers = flattenHeader(r.Header)
	}

	storedBody := body
	if h.cfg.Capture.Redact && h.cfg.Capture.RedactBody {
		storedBody = redact.Body(body)
	}
	in.Request.BodyRaw = storedBody

	if parser != nil && len(body) > 0 {
		info := parser.ParseRequest(body, r.Header)
		in.Request.Model = info.Model
		in.Request.SystemPrompt = info.SystemPrompt
		in.Request.Messages = info.Messages
		in.Request.Tools = info.Tools
		in.Request.ImageMetadata = info.ImageMetadata
		in.Request.StreamRequested = info.StreamRequested
	}

	return in
}

// handleBuffered relays a non-streaming response and decodes its body.
func (h *Handler) handleBuffered(w http.ResponseWriter, in *domain.Interaction, start time.Time,
	resp *http.Response, parser providers.Parser) {

	respBody, readErr := io.ReadAll(resp.Body)

	w.WriteHeader(resp.StatusCode)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}

	in.Response.BodyRaw = respBody
	if readErr != nil {
		in.Error = string(domain.ErrUpstreamProtocol)
	} else if parser != nil {
		asm := parser.ParseResponse(resp.StatusCode, resp.Header, respBody)
		h.applyAssembled(in, asm)
	}

	h.finalize(in, start)
}

// handleStreaming relays a streamed response through the tee while
// assembling the semantic model chunk by chunk.
func (h *Handler) handleStreaming(w http.ResponseWriter, in *domain.Interaction, start time.Time,
	cancel context.CancelFunc, resp *http.Response, parser providers.Parser) {

	w.WriteHeader(resp.StatusCode)

	var st providers.StreamState
	if parser != nil {
		st = parser.BeginStream()
	}
	rec := &chunkRecorder{
		store:         h.store,
		logger:        h.logger,
		interactionID: in.ID,
	}

	outcome := h.teeStream(cancel, w, resp.Body, parser, st, rec)

	if parser != nil {
		asm, trailing := parser.FinalizeStream(st)
		rec.record(time.Now(), trailing)
		h.applyAssembled(in, asm)
	}

	in.ChunkCount = rec.seq
	in.Response.BodyRaw = outcome.body
	if outcome.errKind != "" {
		in.Error = string(outcome.errKind)
	}
	if rec.firstDelta != nil {
		ttft := rec.firstDelta.Sub(start).Seconds() * 1000
		in.Metrics.TTFTMs = &ttft
	}

	h.finalize(in, start)

	// Headers are already sent, so an upstream failure cannot become a
	// status; abort the response so the client sees the connection close
	// instead of a clean end of stream.
	if outcome.errKind == domain.ErrUpstreamProtocol || outcome.errKind == domain.ErrUpstreamTimeout {
		panic(http.ErrAbortHandler)
	}
}

// applyAssembled copies the parser's assembled view onto the interaction
// and settles token accounting.
func (h *Handler) applyAssembled(in *domain.Interaction, asm *providers.Assembled) {
	in.Response.ReconstructedText = asm.Text
	in.Response.ToolCalls = asm.ToolCalls
	in.Response.FinishReason = asm.FinishReason
	if asm.Model != "" && in.Request.Model == "" {
		in.Request.Model = asm.Model
	}
	if asm.ErrorMessage != "" && in.Error == "" {
		in.Error = string(domain.ErrUpstreamProtocol) + ": " + asm.ErrorMessage
	}

	model := in.Request.Model
	if asm.Usage.HasCounts() {
		in.Metrics.PromptTokens = asm.Usage.InputTokens
		in.Metrics.CompletionTokens = asm.Usage.OutputTokens
		in.Metrics.TotalTokens = asm.Usage.TotalTokens
		if in.Metrics.TotalTokens == 0 {
			in.Metrics.TotalTokens = asm.Usage.InputTokens + asm.Usage.OutputTokens
		}
	} else {
		in.Metrics.PromptTokens = h.estimator.Estimate(model, requestText(in.Request))
		in.Metrics.CompletionTokens = h.estimator.Estimate(model, asm.Text)
		in.Metrics.TotalTokens = in.Metrics.PromptTokens + in.Metrics.CompletionTokens
		in.Metrics.TokensEstimated = true
	}
	in.Metrics.CostEstimate = h.pricing.Estimate(model, in.Metrics.PromptTokens, in.Metrics.CompletionTokens)
}

// requestText flattens the request's prompt side for heuristic counting.
func requestText(req *domain.InteractionRequest) string {
	var b strings.Builder
	b.WriteString(req.SystemPrompt)
	for _, msg := range req.Messages {
		b.WriteString("\n")
		b.WriteString(msg.Content)
	}
	return b.String()
}

// fail synthesizes an error status downstream and records the interaction.
func (h *Handler) fail(w http.ResponseWriter, in *domain.Interaction, start time.Time,
	kind domain.ErrorKind, err error) {

	status := domain.StatusFor(kind)
	writeError(w, status, err.Error())

	if in.Response == nil {
		in.Response = &domain.InteractionResponse{}
	}
	in.Response.StatusCode = status
	in.Error = string(kind)
	h.finalize(in, start)
}

// finalize stamps completion times and commits the interaction exactly once.
// Store failures are logged and never surfaced to the client.
func (h *Handler) finalize(in *domain.Interaction, start time.Time) {
	now := time.Now()
	in.CompletedAt = &now
	in.Metrics.TotalLatencyMs = msSince(start)

	if err := h.store.FinalizeInteraction(context.Background(), in); err != nil {
		h.logger.Error("failed to finalize interaction",
			slog.String("interaction_id", in.ID),
			slog.String("error", err.Error()))
	}
}

// isStreamingResponse detects streamed upstream replies. Ollama predates
// the x-ndjson content type and streams NDJSON under application/json when
// the request asked for it.
func isStreamingResponse(contentType string, provider domain.Provider, streamRequested bool) bool {
	switch {
	case strings.Contains(contentType, "text/event-stream"):
		return true
	case strings.Contains(contentType, "application/x-ndjson"):
		return true
	case provider == domain.ProviderOllama && strings.Contains(contentType, "application/json") && streamRequested:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}

func msSince(start time.Time) float64 {
	return time.Since(start).Seconds() * 1000
}

func copyRequestHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, drop := hopByHopHeaders[lower]; drop {
			continue
		}
		if _, drop := stripRequestHeaders[lower]; drop {
			continue
		}
		dst[name] = values
	}
	stripConnectionTokens(dst, src)
}

func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		lower := strings.ToLower(name)
		if _, drop := hopByHopHeaders[lower]; drop {
			continue
		}
		if _, drop := stripResponseHeaders[lower]; drop {
			continue
		}
		dst[name] = values
	}
	stripConnectionTokens(dst, src)
}

// stripConnectionTokens drops headers named by the Connection header, which
// are hop-by-hop regardless of their own names.
func stripConnectionTokens(dst, src http.Header) {
	for _, value := range src.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if token = strings.TrimSpace(token); token != "" {
				dst.Del(token)
			}
		}
	}
}

func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"message": msg, "type": "proxy_error"},
	})
}
