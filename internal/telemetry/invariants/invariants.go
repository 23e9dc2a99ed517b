package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantEventTimeMonotonic requires emitted event times to never decrease within a run.
	InvariantEventTimeMonotonic = "event_time_monotonic"
	// InvariantSessionPersisted requires the result's session id to reach the session file.
	InvariantSessionPersisted = "session_persisted"
	// InvariantHistoryAdopted requires a deploy to build on the remote's history when the remote exists.
	InvariantHistoryAdopted = "history_adopted"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("lilo/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckEventTimeMonotonic validates the event_time_monotonic invariant.
func CheckEventTimeMonotonic(ctx context.Context, whereDetected string, previous, current float64) bool {
	if current >= previous {
		return true
	}
	InvariantViolation(ctx, InvariantEventTimeMonotonic, SeverityWarn, ViolationDetails{
		WhatInvariant: "event t values are non-decreasing within one run",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("t=%.1f after t=%.1f", current, previous),
		Additional: map[string]string{
			"previous_t": fmt.Sprintf("%.1f", previous),
			"current_t":  fmt.Sprintf("%.1f", current),
		},
	})
	return false
}

// CheckSessionPersisted validates the session_persisted invariant.
func CheckSessionPersisted(ctx context.Context, whereDetected string, sessionPath string, err error) bool {
	if err == nil {
		return true
	}
	InvariantViolation(ctx, InvariantSessionPersisted, SeverityWarn, ViolationDetails{
		WhatInvariant: "session id written to the session file after a result",
		WhereDetected: whereDetected,
		WhyViolated:   err.Error(),
		Additional: map[string]string{
			"session_path": sessionPath,
		},
	})
	return false
}

// CheckHistoryAdopted validates the history_adopted invariant. A fresh
// history is only suspicious when the clone failed because the remote could
// not be reached.
func CheckHistoryAdopted(ctx context.Context, whereDetected string, freshHistory bool, unreachable bool, reason string) bool {
	if !freshHistory || !unreachable {
		return true
	}
	InvariantViolation(ctx, InvariantHistoryAdopted, SeverityWarn, ViolationDetails{
		WhatInvariant: "deploy builds on the remote history when the remote exists",
		WhereDetected: whereDetected,
		WhyViolated:   firstNonEmpty(reason, "remote unreachable, started a fresh history"),
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
