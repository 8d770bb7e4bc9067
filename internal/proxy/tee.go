package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
	"github.com/tjfontaine/agent-interceptor/internal/providers"
)

// teeBufferSize bounds each upstream read. Small enough to keep first-token
// latency low, large enough to amortize syscalls.
const teeBufferSize = 64 * 1024

// chunkRecorder assigns dense sequence numbers and persists stream chunks
// for one interaction. Persistence is async via the store queue; the
// recorder itself never blocks on disk.
type chunkRecorder struct {
	store         InteractionStore
	logger        *slog.Logger
	interactionID string

	seq        int
	firstDelta *time.Time
}

func (r *chunkRecorder) record(now time.Time, events []providers.StreamEvent) {
	for _, ev := range events {
		if ev.Delta != "" && r.firstDelta == nil {
			t := now
			r.firstDelta = &t
		}
		chunk := &domain.StreamChunk{
			ID:            uuid.New().String(),
			InteractionID: r.interactionID,
			Seq:           r.seq,
			ReceivedAt:    now,
			EventType:     ev.EventType,
			Raw:           ev.Raw,
			Decoded:       ev.Decoded,
		}
		r.seq++
		if err := r.store.AppendChunk(context.Background(), chunk); err != nil {
			r.logger.Warn("failed to enqueue chunk", slog.String("error", err.Error()))
		}
	}
}

// recordRaw records an unframed chunk for passthrough streams.
func (r *chunkRecorder) recordRaw(now time.Time, raw []byte) {
	r.record(now, []providers.StreamEvent{{
		EventType: "raw",
		Raw:       append([]byte(nil), raw...),
	}})
}

// teeOutcome summarizes one streamed exchange.
type teeOutcome struct {
	// body is every byte relayed downstream, in order
	body []byte

	// errKind is empty on clean EOF
	errKind domain.ErrorKind
}

// teeStream relays upstream bytes to the client with an immediate flush per
// read, feeding the same bytes to the parser and chunk recorder afterwards.
// The downstream flush never waits on parser or store I/O.
//
// On downstream write failure the upstream read is cancelled but assembly
// keeps whatever arrived. An idle gap longer than the configured timeout
// cancels the upstream request.
func (h *Handler) teeStream(
	cancel context.CancelFunc,
	w http.ResponseWriter,
	upstream io.Reader,
	parser providers.Parser,
	st providers.StreamState,
	rec *chunkRecorder,
) teeOutcome {
	flusher, canFlush := w.(http.Flusher)

	var timedOut atomic.Bool
	idle := h.cfg.Upstream.IdleTimeout
	var idleTimer *time.Timer
	if idle > 0 {
		idleTimer = time.AfterFunc(idle, func() {
			timedOut.Store(true)
			cancel()
		})
		defer idleTimer.Stop()
	}

	var body bytes.Buffer
	buf := make([]byte, teeBufferSize)

	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			if idleTimer != nil {
				idleTimer.Reset(idle)
			}
			now := time.Now()
			chunk := buf[:n]

			if _, writeErr := w.Write(chunk); writeErr != nil {
				// Client went away; stop pulling from upstream but keep
				// what we already assembled.
				cancel()
				h.logger.Debug("downstream write failed",
					slog.String("error", writeErr.Error()))
				h.feed(parser, st, rec, now, chunk)
				body.Write(chunk)
				return teeOutcome{body: body.Bytes(), errKind: domain.ErrClientDisconnect}
			}
			if canFlush {
				flusher.Flush()
			}

			body.Write(chunk)
			h.feed(parser, st, rec, now, chunk)
		}

		if readErr != nil {
			if readErr == io.EOF {
				return teeOutcome{body: body.Bytes()}
			}
			kind := domain.ErrUpstreamProtocol
			if timedOut.Load() || errors.Is(readErr, context.DeadlineExceeded) {
				kind = domain.ErrUpstreamTimeout
			} else if errorsIsCanceled(readErr) {
				kind = domain.ErrClientDisconnect
			}
			h.logger.Debug("upstream read failed",
				slog.String("error", readErr.Error()),
				slog.String("kind", string(kind)))
			return teeOutcome{body: body.Bytes(), errKind: kind}
		}
	}
}

// feed hands bytes to the parser (when one applies) and records the decoded
// frames, or a raw chunk for passthrough traffic.
func (h *Handler) feed(parser providers.Parser, st providers.StreamState, rec *chunkRecorder, now time.Time, chunk []byte) {
	if parser == nil {
		rec.recordRaw(now, chunk)
		return
	}
	rec.record(now, parser.FeedChunk(st, chunk))
}

func errorsIsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
