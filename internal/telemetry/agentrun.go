package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorMessageBytes = 512

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	anthropicTokenPattern  = regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_\-]{10,}`)
)

// AgentRunRequest defines telemetry metadata for one agent session.
type AgentRunRequest struct {
	Model  string
	Mode   string
	Resume bool
	Prompt string
}

// AgentRunOutcome is the terminal result reported by the agent runtime.
type AgentRunOutcome struct {
	Status    string
	CostUSD   *float64
	SessionID string
	NumTurns  int
}

// AgentRun tracks one agent.run span lifecycle.
type AgentRun struct {
	span      trace.Span
	startedAt time.Time

	mu         sync.Mutex
	toolCalls  int
	textBlocks int
	ended      bool
}

type agentRunContextKey struct{}

// StartAgentRun starts an agent.run span and returns a context carrying the tracker.
func StartAgentRun(ctx context.Context, req AgentRunRequest) (context.Context, *AgentRun) {
	if ctx == nil {
		ctx = context.Background()
	}

	promptTokens := EstimateTokenCount(req.Prompt)
	attrs := []attribute.KeyValue{
		attribute.String("model_name", normalizeOrUnknown(req.Model)),
		attribute.String("mode", normalizeOrUnknown(req.Mode)),
		attribute.Bool("resume", req.Resume),
		attribute.Int("prompt_tokens", promptTokens),
		attribute.String("prompt_hash", hashPrompt(req.Prompt)),
	}

	spanCtx, span := otel.Tracer("lilo/telemetry/agent").Start(
		ctx,
		"agent.run",
		trace.WithAttributes(attrs...),
	)

	run := &AgentRun{
		span:      span,
		startedAt: time.Now(),
	}
	return context.WithValue(spanCtx, agentRunContextKey{}, run), run
}

// AgentRunFromContext returns the agent run tracker if one exists on the context.
func AgentRunFromContext(ctx context.Context) *AgentRun {
	if ctx == nil {
		return nil
	}
	run, ok := ctx.Value(agentRunContextKey{}).(*AgentRun)
	if !ok {
		return nil
	}
	return run
}

// RecordToolUse adds a tool-use event to the active agent span.
func (r *AgentRun) RecordToolUse(toolName string) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.toolCalls++

	r.span.AddEvent(
		"agent.tool_use",
		trace.WithAttributes(
			attribute.String("tool_name", normalizeOrUnknown(toolName)),
			attribute.Int64("elapsed_ms", time.Since(r.startedAt).Milliseconds()),
		),
	)
}

// RecordText counts one assistant text block.
func (r *AgentRun) RecordText() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ended {
		r.textBlocks++
	}
}

// End finalizes the agent.run span with the outcome, counts and latency.
func (r *AgentRun) End(outcome AgentRunOutcome, err error) {
	if r == nil || r.span == nil {
		return
	}

	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	toolCalls := r.toolCalls
	textBlocks := r.textBlocks
	r.mu.Unlock()

	durationMS := time.Since(r.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}

	attrs := []attribute.KeyValue{
		attribute.Int64("latency_ms", durationMS),
		attribute.Int("tool_calls_count", toolCalls),
		attribute.Int("text_blocks_count", textBlocks),
		attribute.String("status", normalizeOrUnknown(outcome.Status)),
	}
	if outcome.CostUSD != nil {
		attrs = append(attrs, attribute.Float64("cost_usd", *outcome.CostUSD))
	}
	if sessionID := strings.TrimSpace(outcome.SessionID); sessionID != "" {
		attrs = append(attrs, attribute.String("session_id", sessionID))
	}
	if outcome.NumTurns > 0 {
		attrs = append(attrs, attribute.Int("num_turns", outcome.NumTurns))
	}
	r.span.SetAttributes(attrs...)

	switch {
	case err != nil:
		r.span.RecordError(errors.New(redactSecrets(err.Error())))
		r.span.SetStatus(codes.Error, redactSecrets(err.Error()))
	case outcome.Status == "error":
		r.span.SetStatus(codes.Error, "agent reported an error result")
	default:
		r.span.SetStatus(codes.Ok, "agent run completed")
	}
	r.span.End()
}

// EstimateTokenCount estimates token count using a deterministic words-to-tokens heuristic.
func EstimateTokenCount(text string) int {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return 0
	}
	estimated := (len(fields)*4 + 2) / 3
	if estimated < 1 {
		return 1
	}
	return estimated
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(redactSecrets(prompt)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = anthropicTokenPattern.ReplaceAllString(redacted, "<redacted>")
	if len(redacted) > maxErrorMessageBytes {
		return redacted[:maxErrorMessageBytes-len("...[truncated]")] + "...[truncated]"
	}
	return redacted
}

func normalizeOrUnknown(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
