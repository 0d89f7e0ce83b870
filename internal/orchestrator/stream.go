package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/circuitbreaker"
	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
	"github.com/felipepmaragno/llm-orchestrator/internal/provider"
	"github.com/felipepmaragno/llm-orchestrator/internal/router"
)

// Stream delivers one streamed completion. Chunks is closed after the
// terminal Done chunk or on failure; Err then reports why it ended.
type Stream struct {
	Provider domain.ProviderID
	Model    string

	chunks chan domain.StreamChunk
	cancel context.CancelFunc
	err    error
}

func (s *Stream) Chunks() <-chan domain.StreamChunk {
	return s.chunks
}

// Err returns the error that ended the stream, or nil after a complete
// stream. Only valid once Chunks is closed.
func (s *Stream) Err() error {
	return s.err
}

// Close stops the stream and releases the upstream connection. Safe to call
// more than once and after the stream finished.
func (s *Stream) Close() {
	s.cancel()
}

// StreamRequest starts a streamed completion. Streams bypass the cache and
// are never retried; a failure mid-stream ends Chunks and is reported by Err.
func (o *Orchestrator) StreamRequest(ctx context.Context, req domain.Request, hint domain.ProviderID) (*Stream, error) {
	ctx, requestID := ensureRequestID(ctx)
	log := slog.With("request_id", requestID)

	clean := o.sanitizer.Request(req)
	clean.Stream = true
	if err := provider.Validate(clean); err != nil {
		log.Warn("stream request rejected", "error", err)
		return nil, err
	}

	a, err := o.router.Select(hint)
	if err != nil {
		log.Error("no adapter available", "hint", hint, "error", err)
		return nil, err
	}

	if err := o.throttle(ctx, a.ID()); err != nil {
		log.Warn("stream request throttled", "provider", a.ID(), "error", err)
		return nil, err
	}

	var cb *circuitbreaker.Breaker
	if o.breakers != nil {
		cb = o.breakers.Get(a.ID())
		if err := cb.Allow(); err != nil {
			return nil, domain.NewTransportError(a.ID(), err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	upChunks, upErrs := a.Stream(ctx, clean)

	model := clean.Model
	if model == "" {
		model = a.DefaultModel()
	}
	s := &Stream{
		Provider: a.ID(),
		Model:    model,
		chunks:   make(chan domain.StreamChunk),
		cancel:   cancel,
	}

	metrics.IncrementActiveStreams()
	log.Info("stream started", "provider", a.ID(), "model", model)

	go o.pump(ctx, s, a, cb, upChunks, upErrs, log)

	return s, nil
}

func (o *Orchestrator) pump(ctx context.Context, s *Stream, a router.Adapter, cb *circuitbreaker.Breaker, upChunks <-chan domain.StreamChunk, upErrs <-chan error, log *slog.Logger) {
	start := time.Now()
	chunkCount := 0

	defer func() {
		s.cancel()
		metrics.DecrementActiveStreams()

		status := "success"
		if s.err != nil {
			status = statusOf(s.err)
			log.Warn("stream ended with error", "provider", a.ID(), "chunks", chunkCount, "error", s.err)
		} else {
			log.Info("stream completed",
				"provider", a.ID(),
				"chunks", chunkCount,
				"latency_ms", time.Since(start).Milliseconds(),
			)
		}
		metrics.RecordRequest(string(a.ID()), s.Model, status, time.Since(start).Seconds())

		if cb != nil {
			switch {
			case s.err == nil:
				cb.Success()
			case domain.KindOf(s.err) == domain.KindTransport:
				cb.Failure()
			default:
				cb.Release()
			}
		}

		close(s.chunks)
	}()

	send := func(chunk domain.StreamChunk) bool {
		if err := ctx.Err(); err != nil {
			s.err = err
			return false
		}
		select {
		case s.chunks <- chunk:
			return true
		case <-ctx.Done():
			s.err = ctx.Err()
			return false
		}
	}

	for {
		select {
		case chunk, ok := <-upChunks:
			if !ok {
				if err := ctx.Err(); err != nil {
					s.err = err
					return
				}
				if upErrs != nil {
					if err, ok := <-upErrs; ok && err != nil {
						s.err = err
						return
					}
				}
				send(domain.StreamChunk{Done: true})
				return
			}

			chunkCount++
			metrics.RecordStreamChunk(string(a.ID()))
			log.Debug("stream chunk",
				"provider", a.ID(),
				"index", chunkCount,
				"bytes", len(chunk.Content),
				"done", chunk.Done,
			)

			if chunk.Done {
				if chunk.Content != "" {
					if !send(domain.StreamChunk{Content: chunk.Content}) {
						return
					}
				}
				send(domain.StreamChunk{Done: true})
				return
			}
			if chunk.Content == "" {
				continue
			}
			if !send(chunk) {
				return
			}

		case err, ok := <-upErrs:
			if !ok {
				upErrs = nil
				continue
			}
			if err != nil {
				s.err = err
				return
			}

		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}
