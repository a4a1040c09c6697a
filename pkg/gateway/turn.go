package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/avatarcore/internal/observability"
	"github.com/harun/avatarcore/internal/tracing"
	"github.com/harun/avatarcore/pkg/handlers"
	"github.com/harun/avatarcore/pkg/templates"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/api/iterator"
)

const (
	turnText  = "text"
	turnAudio = "audio"
)

type turnRequest struct {
	kind      string
	text      string
	audio     []byte
	streaming bool
	useSearch bool
}

// launch runs the turn on a session goroutine. The caller has already marked
// the session as processing.
func (c *Conn) launch(req turnRequest) {
	c.session.Go(func(ctx context.Context) {
		c.runTurn(ctx, req)
	})
}

// runTurn executes one reply turn. Session goroutines never call the manager:
// a transport failure drops the socket and the read loop removes the session.
func (c *Conn) runTurn(ctx context.Context, req turnRequest) {
	endProcessing := sync.OnceFunc(c.session.EndProcessing)
	defer endProcessing()

	ctx = tracing.NewTurnContext(tracing.NewContext(ctx, tracing.FromContext(c.ctx)))
	ctx, span := tracing.StartSpan(ctx, "avatarcore.gateway", "turn",
		attribute.String("kind", req.kind),
		attribute.Bool("streaming", req.streaming))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	start := time.Now()
	err := c.turn(ctx, req, endProcessing)
	observability.RecordTurn(req.kind, time.Since(start), err == nil)
	if err == nil {
		logger.Debug().Dur("duration", time.Since(start)).Msg("Turn completed")
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var transportErr *TransportError
	switch {
	case errors.As(err, &transportErr):
		logger.Warn().Err(err).Msg("Turn aborted by transport failure")
		c.abort()
	case ctx.Err() != nil:
		logger.Debug().Err(err).Msg("Turn cancelled")
	default:
		logger.Warn().Err(err).Msg("Turn failed")
		var initErr *handlers.InitError
		if errors.As(err, &initErr) {
			c.reportInitError(initErr)
			return
		}
		if sendErr := c.sendError(err.Error(), nil); sendErr != nil {
			c.abort()
		}
	}
}

func (c *Conn) turn(ctx context.Context, req turnRequest, endProcessing func()) error {
	sess := c.session
	settings := sess.Settings()

	text := req.text
	if req.kind == turnAudio {
		var err error
		if text, err = c.transcribe(ctx, req.audio); err != nil {
			return err
		}
		if err := c.writeJSON(OutTranscript, TranscriptFrame{Type: OutTranscript, Text: text}); err != nil {
			return err
		}
	}

	var results []handlers.SearchResult
	if req.useSearch && sess.Handlers.Has(handlers.RoleSearch) {
		var err error
		if results, err = c.search(ctx, text); err != nil {
			return err
		}
	}

	prompt, err := c.systemPrompt(settings.Template, results)
	if err != nil {
		return err
	}

	reply, err := sess.Handlers.Reply(ctx)
	if err != nil {
		return err
	}

	// The user message joins the stored history only with a complete reply.
	limit := c.server.cfg.Sessions.HistoryLimit
	history := append(sess.History(limit), handlers.Message{Role: "user", Text: text})
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	stream, err := reply.Generate(ctx, handlers.ReplyRequest{
		SystemPrompt: prompt,
		History:      history,
		Model:        settings.Model,
	})
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	defer stream.Close()

	if !req.streaming {
		c.startHolding()
	}
	first := c.pipeline.NextSequence()

	full, genErr := c.streamReply(ctx, stream, req.streaming, settings.Voice)

	// Everything dispatched is settled before the turn reports anything else.
	if err := c.pipeline.Drain(ctx); err != nil {
		_ = c.releaseHeld(false)
		return err
	}
	if genErr != nil {
		_ = c.releaseHeld(false)
		return genErr
	}

	sess.AppendExchange(text, full)
	if req.streaming {
		// All media is out; the client may start the next turn on stream_complete.
		endProcessing()
		return c.writeJSON(OutStreamComplete, StreamCompleteFrame{Type: OutStreamComplete, FullText: full})
	}
	segments := c.pipeline.NextSequence() - first
	if err := c.writeJSON(OutReply, ReplyFrame{Type: OutReply, FullText: full, Segments: segments}); err != nil {
		_ = c.releaseHeld(false)
		return err
	}
	return c.releaseHeld(true)
}

// streamReply consumes the fragment stream, forwarding text chunks when
// streaming and dispatching every complete unit to the pipeline. It returns
// the full reply text.
func (c *Conn) streamReply(ctx context.Context, stream handlers.FragmentStream, streaming bool, voice string) (string, error) {
	seg := c.server.segmenter
	var full strings.Builder
	buffer := ""

	for {
		fragment, err := stream.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("reply stream: %w", err)
		}
		if fragment == "" {
			continue
		}
		full.WriteString(fragment)

		if streaming {
			if err := c.writeJSON(OutTextChunk, TextChunkFrame{Type: OutTextChunk, Chunk: fragment}); err != nil {
				return full.String(), err
			}
		}

		residual, unit, ok := seg.Feed(buffer, fragment)
		for ok {
			if _, err := c.pipeline.Dispatch(ctx, unit, voice); err != nil {
				return full.String(), err
			}
			residual, unit, ok = seg.Feed(residual, "")
		}
		buffer = residual
	}

	if unit, ok := seg.Finalize(buffer); ok {
		if _, err := c.pipeline.Dispatch(ctx, unit, voice); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

func (c *Conn) transcribe(ctx context.Context, audio []byte) (string, error) {
	transcriber, err := c.session.Handlers.Transcriber(ctx)
	if err != nil {
		return "", err
	}
	text, err := transcriber.Transcribe(ctx, audio)
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("transcribe: %w", ErrEmptyUtterance)
	}
	return text, nil
}

// search reports progress around the lookup. A failed search only loses the
// context; the turn continues.
func (c *Conn) search(ctx context.Context, query string) ([]handlers.SearchResult, error) {
	if err := c.writeJSON(OutSearchProgress, SearchProgressFrame{
		Type: OutSearchProgress, Step: 1, Total: 2, Message: "searching",
	}); err != nil {
		return nil, err
	}

	var results []handlers.SearchResult
	message := "done"
	searcher, err := c.session.Handlers.Searcher(ctx)
	if err == nil {
		results, err = searcher.Search(ctx, query)
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Search failed, replying without results")
		message = "search unavailable"
		results = nil
	}

	if err := c.writeJSON(OutSearchProgress, SearchProgressFrame{
		Type: OutSearchProgress, Step: 2, Total: 2, Message: message,
	}); err != nil {
		return nil, err
	}
	return results, nil
}

// systemPrompt renders the session's template, falling back to the default
// when it has disappeared since it was selected.
func (c *Conn) systemPrompt(name string, results []handlers.SearchResult) (string, error) {
	data := templates.Data{Identity: c.Identity, Search: results}
	prompt, err := c.server.templates.Render(name, data)
	if errors.Is(err, templates.ErrUnknownTemplate) && name != "" {
		c.logger.Warn().Str("template", name).Msg("Template gone, using default")
		prompt, err = c.server.templates.Render("", data)
	}
	if err != nil {
		return "", fmt.Errorf("system prompt: %w", err)
	}
	return prompt, nil
}
