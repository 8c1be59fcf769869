// Package orchestrator implements the stream orchestrator (C5): it runs one
// conversational turn end to end -- rate limiting, prompt assembly, credential
// resolution, provider invocation, and commit -- and is the only component
// that talks to every other one.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/circuitbreaker"
	"github.com/eugener/chatgate/internal/credential"
	"github.com/eugener/chatgate/internal/provider"
	"github.com/eugener/chatgate/internal/ratelimit"
	"github.com/eugener/chatgate/internal/session"
	"github.com/eugener/chatgate/internal/tokencount"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// partialPersistTimeout bounds how long a cancelled turn's partial-output
// write is allowed to take once detached from the request context.
const partialPersistTimeout = 5 * time.Second

// ChunkSink is the transport-facing seam a turn streams through. Both the
// SSE handler and the WebSocket handler implement it, riding the same
// orchestrator output.
type ChunkSink interface {
	// Start announces a new turn before the first content chunk.
	Start(turnID string) error
	// Send forwards one piece of generated text, tagged with the turn and
	// its sequence number (0-based, monotonic within the turn).
	Send(turnID string, seq int, text string) error
	// Complete reports a clean end of stream with the final accumulated
	// text and usage.
	Complete(turnID, fullText, providerName, model string, usage *chatgateway.TokenUsage) error
	// Error reports a terminal failure. Any text already sent via Send is
	// not retracted; the caller should treat the turn as partially done.
	Error(turnID, message string) error
}

// TurnInput describes one request to run a conversational turn.
type TurnInput struct {
	UserID           string
	SessionID        string // empty creates a new session
	Provider         string
	Model            string
	Content          string
	InlineAPIKey     string
	MaxTokens        int
	ExtendedThinking bool
	RemoteAddr       string
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	TurnID    string
	SessionID string
	FullText  string
	Usage     *chatgateway.TokenUsage
	Provider  string
	Model     string
}

// RateLimitedError is returned when a turn is rejected by the rate limiter.
// Transports use RetryAfterSeconds to populate the Retry-After header.
type RateLimitedError struct {
	RetryAfterSeconds float64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %.1fs", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return chatgateway.ErrRateLimited }

// RetryAfter implements the retryAfterError interface transports use to
// populate a Retry-After header regardless of which layer rejected the call.
func (e *RateLimitedError) RetryAfter() float64 { return e.RetryAfterSeconds }

// Orchestrator runs turns (C5), wiring the session store, credential store,
// rate limiter, provider registry, and circuit breaker registry together.
type Orchestrator struct {
	sessions  *session.Manager
	turns     *turnQueue // orders per-session commits without locking across streaming
	creds     *credential.Store
	limiter   *ratelimit.Registry
	providers *provider.Registry
	breakers  *circuitbreaker.Registry
	tracer    trace.Tracer // nil disables tracing
}

// New builds an Orchestrator. Pass a nil tracer to disable tracing.
func New(sessions *session.Manager, creds *credential.Store, limiter *ratelimit.Registry, providers *provider.Registry, breakers *circuitbreaker.Registry, tracer trace.Tracer) *Orchestrator {
	return &Orchestrator{
		sessions:  sessions,
		turns:     newTurnQueue(),
		creds:     creds,
		limiter:   limiter,
		providers: providers,
		breakers:  breakers,
		tracer:    tracer,
	}
}

// RunTurn executes one conversational turn per the ten-step algorithm:
// admit against the rate limiter, load or create the session, append the
// user's message, assemble a context-window-bounded prompt, resolve
// credentials, invoke the provider, stream chunks to sink, and commit the
// assistant's reply (or a partial one, on error or cancellation).
func (o *Orchestrator) RunTurn(ctx context.Context, in TurnInput, sink ChunkSink) (*TurnResult, error) {
	// Step 2: rate limit, class "chat".
	res, err := o.limiter.Admit(ratelimit.Identity{UserID: in.UserID, RemoteAddr: in.RemoteAddr}, ratelimit.ClassChat)
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return nil, &RateLimitedError{RetryAfterSeconds: res.RetryAfterSeconds}
	}

	// Step 3: load or create the session, verifying ownership.
	sess, err := o.resolveSession(ctx, in)
	if err != nil {
		return nil, err
	}

	turnID := ulid.Make().String()

	result, runErr := o.runLocked(ctx, in, sess, turnID, sink)
	if runErr != nil {
		if sendErr := sink.Error(turnID, runErr.Error()); sendErr != nil {
			slog.WarnContext(ctx, "orchestrator: failed to deliver error to sink", "turn_id", turnID, "error", sendErr)
		}
		return nil, runErr
	}
	return result, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, in TurnInput) (*chatgateway.Session, error) {
	if in.SessionID == "" {
		return o.sessions.CreateSession(ctx, in.UserID, "")
	}
	return o.sessions.GetSession(ctx, in.SessionID, in.UserID)
}

func (o *Orchestrator) runLocked(ctx context.Context, in TurnInput, sess *chatgateway.Session, turnID string, sink ChunkSink) (*TurnResult, error) {
	// Step 4: append the incoming user message.
	if _, err := o.sessions.AppendMessage(ctx, sess.ID, in.UserID, "user", in.Content, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	// Claim this turn's place in the session's commit order the instant its
	// user message lands. No lock is held past this point for the rest of
	// the turn -- the provider call below can run for as long as it needs
	// without stalling unrelated reads of this session -- but the queue
	// still guarantees turns commit in the order their user messages were
	// appended, even if an earlier turn's provider call is slower.
	commitReady, releaseCommit := o.turns.join(sess.ID)
	defer releaseCommit()

	// Step 5: assemble the prompt, pruning oldest non-system messages first
	// until it fits the model's context window.
	history, err := o.sessions.ListMessages(ctx, sess.ID, in.UserID, "", 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	prompt := prunePrompt(history, provider.ContextWindowTokens(in.Model))

	p, err := o.providers.Get(in.Provider)
	if err != nil {
		return nil, err
	}

	// Step 6: resolve credentials per the inline > stored > default chain.
	apiKey, err := o.creds.Resolve(ctx, in.UserID, in.Provider, in.InlineAPIKey)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials: %w", err)
	}

	if err := sink.Start(turnID); err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}

	// Step 7: invoke the provider adapter, breaker-gated.
	if o.breakers != nil {
		if cb := o.breakers.Get(in.Provider); cb != nil && !cb.Allow() {
			return nil, fmt.Errorf("%w: circuit breaker open for %s", chatgateway.ErrProviderUnavailable, in.Provider)
		}
	}

	callCtx := ctx
	var span trace.Span
	if o.tracer != nil {
		callCtx, span = o.tracer.Start(ctx, "orchestrator.RunTurn",
			trace.WithAttributes(
				attribute.String("provider", in.Provider),
				attribute.String("model", in.Model),
			),
		)
		defer span.End()
	}

	opts := chatgateway.StreamOptions{MaxTokens: in.MaxTokens, ExtendedThinking: in.ExtendedThinking}
	chunks, err := p.Stream(callCtx, in.Model, prompt, opts, apiKey)
	if err != nil {
		o.recordBreakerError(in.Provider, err)
		return nil, fmt.Errorf("%w: %w", chatgateway.ErrProviderError, err)
	}

	// Steps 8-10: consume the stream, forwarding chunks and accumulating
	// text, then commit on a clean end or persist a partial on error.
	return o.drain(ctx, in, sess.ID, turnID, chunks, sink, commitReady)
}

func (o *Orchestrator) drain(ctx context.Context, in TurnInput, sessionID, turnID string, chunks <-chan chatgateway.Chunk, sink ChunkSink, commitReady <-chan struct{}) (*TurnResult, error) {
	var text string
	var usage *chatgateway.TokenUsage
	seq := 0

	for {
		select {
		case <-ctx.Done():
			o.persistPartial(sessionID, in.UserID, in.Provider, in.Model, text, ctx.Err())
			o.recordBreakerError(in.Provider, ctx.Err())
			return nil, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				// Adapter closed without an explicit end marker: treat
				// whatever was accumulated as a clean commit.
				return o.commit(ctx, in, sessionID, turnID, text, usage, sink, commitReady)
			}
			switch c.Kind {
			case chatgateway.ChunkContent:
				text += c.Text
				if err := sink.Send(turnID, seq, c.Text); err != nil {
					slog.WarnContext(ctx, "orchestrator: sink.Send failed, dropping client", "turn_id", turnID, "error", err)
				}
				seq++
			case chatgateway.ChunkUsage:
				usage = c.Usage
			case chatgateway.ChunkEnd:
				return o.commit(ctx, in, sessionID, turnID, text, usage, sink, commitReady)
			case chatgateway.ChunkError:
				o.recordBreakerError(in.Provider, c.Err)
				o.persistPartial(sessionID, in.UserID, in.Provider, in.Model, text, c.Err)
				return nil, fmt.Errorf("%w: %w", chatgateway.ErrProviderError, c.Err)
			}
		}
	}
}

// commit waits for this turn's place in the session's commit order, then
// appends the final assistant message and reports a clean complete. Turns
// that never reach here (error or cancellation, above) still release their
// place via runLocked's deferred releaseCommit, so a failed turn never
// blocks the ones queued behind it.
func (o *Orchestrator) commit(ctx context.Context, in TurnInput, sessionID, turnID, text string, usage *chatgateway.TokenUsage, sink ChunkSink, commitReady <-chan struct{}) (*TurnResult, error) {
	select {
	case <-commitReady:
	case <-ctx.Done():
		o.persistPartial(sessionID, in.UserID, in.Provider, in.Model, text, ctx.Err())
		return nil, ctx.Err()
	}

	o.recordBreakerSuccess(in.Provider)

	providerName, model := in.Provider, in.Model
	if _, err := o.sessions.AppendMessage(ctx, sessionID, in.UserID, "assistant", text, &providerName, &model, usage); err != nil {
		return nil, fmt.Errorf("append assistant message: %w", err)
	}
	if err := sink.Complete(turnID, text, in.Provider, in.Model, usage); err != nil {
		slog.WarnContext(ctx, "orchestrator: sink.Complete failed", "turn_id", turnID, "error", err)
	}
	return &TurnResult{TurnID: turnID, SessionID: sessionID, FullText: text, Usage: usage, Provider: in.Provider, Model: in.Model}, nil
}

// persistPartial saves whatever text accumulated before an error or
// cancellation, detaching from ctx so the write survives a cancelled
// request, bounded to partialPersistTimeout.
func (o *Orchestrator) persistPartial(sessionID, userID, providerName, model, text string, cause error) {
	if text == "" {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), partialPersistTimeout)
	defer cancel()
	if _, err := o.sessions.AppendMessage(writeCtx, sessionID, userID, "assistant", text, &providerName, &model, nil); err != nil {
		slog.Error("orchestrator: failed to persist partial assistant message", "session_id", sessionID, "cause", cause, "error", err)
	}
}

func (o *Orchestrator) recordBreakerSuccess(providerName string) {
	if o.breakers != nil {
		o.breakers.GetOrCreate(providerName).RecordSuccess()
	}
}

func (o *Orchestrator) recordBreakerError(providerName string, err error) {
	if o.breakers == nil || err == nil {
		return
	}
	if weight := circuitbreaker.ClassifyError(err); weight > 0 {
		o.breakers.GetOrCreate(providerName).RecordError(weight)
	}
}

// prunePrompt drops the oldest non-system messages until the estimated
// token count fits budget. System messages are never pruned.
func prunePrompt(messages []chatgateway.Message, budget int) []chatgateway.Message {
	counter := tokencount.NewCounter()
	if counter.EstimateMessages(messages) <= budget {
		return messages
	}

	pruned := make([]chatgateway.Message, len(messages))
	copy(pruned, messages)

	for counter.EstimateMessages(pruned) > budget {
		idx := -1
		for i, m := range pruned {
			if m.Role != "system" {
				idx = i
				break
			}
		}
		if idx == -1 {
			break // only system messages remain; can't prune further
		}
		pruned = append(pruned[:idx], pruned[idx+1:]...)
	}
	return pruned
}
