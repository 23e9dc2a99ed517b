package telemetry

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartAgentRunAndEndRecordsCoreAttributes(t *testing.T) {
	recorder := installSpanRecorder(t)

	ctx, run := StartAgentRun(context.Background(), AgentRunRequest{
		Model:  "claude-sonnet-4-6",
		Mode:   "continue",
		Resume: true,
		Prompt: "rename the title, api_key=super-secret",
	})
	if run == nil {
		t.Fatal("expected agent run tracker")
	}
	if AgentRunFromContext(ctx) != run {
		t.Fatal("expected agent run tracker in context")
	}

	run.RecordText()
	run.RecordToolUse("Read")
	run.RecordToolUse("mcp__deploy_tools__deploy_to_github")
	cost := 0.42
	run.End(AgentRunOutcome{Status: "success", CostUSD: &cost, SessionID: "sess-1", NumTurns: 7}, nil)

	span := findSpanByName(t, recorder.Ended(), "agent.run")
	if span.Status().Code != codes.Ok {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Ok)
	}
	if got := getStringAttrByKey(span.Attributes(), "model_name"); got != "claude-sonnet-4-6" {
		t.Fatalf("model_name = %q", got)
	}
	if got := getStringAttrByKey(span.Attributes(), "mode"); got != "continue" {
		t.Fatalf("mode = %q, want continue", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "tool_calls_count"); got != 2 {
		t.Fatalf("tool_calls_count = %d, want 2", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "text_blocks_count"); got != 1 {
		t.Fatalf("text_blocks_count = %d, want 1", got)
	}
	if got := getFloatAttrByKey(span.Attributes(), "cost_usd"); got != 0.42 {
		t.Fatalf("cost_usd = %v, want 0.42", got)
	}
	if got := getStringAttrByKey(span.Attributes(), "session_id"); got != "sess-1" {
		t.Fatalf("session_id = %q, want sess-1", got)
	}
	if got := getIntAttrByKey(span.Attributes(), "prompt_tokens"); got <= 0 {
		t.Fatalf("prompt_tokens = %d, want > 0", got)
	}

	hashValue := getStringAttrByKey(span.Attributes(), "prompt_hash")
	if len(hashValue) != 64 {
		t.Fatalf("prompt_hash length = %d, want 64", len(hashValue))
	}

	toolEvents := 0
	for _, event := range span.Events() {
		if event.Name == "agent.tool_use" {
			toolEvents++
		}
	}
	if toolEvents != 2 {
		t.Fatalf("tool events = %d, want 2", toolEvents)
	}
}

func TestAgentRunErrorResultMarksSpanFailed(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, run := StartAgentRun(context.Background(), AgentRunRequest{Model: "m"})
	run.End(AgentRunOutcome{Status: "error"}, nil)

	span := findSpanByName(t, recorder.Ended(), "agent.run")
	if span.Status().Code != codes.Error {
		t.Fatalf("status = %v, want %v", span.Status().Code, codes.Error)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) == "cost_usd" {
			t.Fatal("cost_usd must be omitted when the runtime reports none")
		}
	}
}

func TestAgentRunEndRedactsErrors(t *testing.T) {
	recorder := installSpanRecorder(t)

	_, run := StartAgentRun(context.Background(), AgentRunRequest{Model: "m"})
	run.End(AgentRunOutcome{}, errors.New("runtime failed: authorization=bearer-private"))
	run.End(AgentRunOutcome{Status: "success"}, nil)
	run.RecordToolUse("late")

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Fatalf("status = %v, want error", status.Code)
	}
	if strings.Contains(status.Description, "bearer-private") {
		t.Fatalf("status leaked secret: %q", status.Description)
	}
}

func TestNilAgentRunIsSafe(t *testing.T) {
	var run *AgentRun
	run.RecordText()
	run.RecordToolUse("Read")
	run.End(AgentRunOutcome{}, nil)
	if AgentRunFromContext(context.Background()) != nil {
		t.Fatal("expected no tracker on a bare context")
	}
}

func TestEstimateTokenCount(t *testing.T) {
	if got := EstimateTokenCount("  "); got != 0 {
		t.Fatalf("empty estimate = %d, want 0", got)
	}
	if got := EstimateTokenCount("one two three"); got != 4 {
		t.Fatalf("estimate = %d, want 4", got)
	}
}

func installSpanRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)

	t.Cleanup(func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown tracer provider: %v", err)
		}
		otel.SetTracerProvider(previous)
	})

	return recorder
}

func findSpanByName(t *testing.T, spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	t.Fatalf("span %q not found in %d spans", name, len(spans))
	return nil
}

func getStringAttrByKey(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func getIntAttrByKey(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}

func getFloatAttrByKey(attrs []attribute.KeyValue, key string) float64 {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsFloat64()
		}
	}
	return 0
}
