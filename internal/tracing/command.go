package tracing

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName          = "lilo/tracing/command"
	maxOutputEventBytes = 1024
	redactedUser        = "xxxxx"
)

// Command describes one subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// Result is the captured outcome of a Command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Run executes cmd, capturing stdout and stderr separately, inside a
// command.exec span. Arguments are redacted before they reach the span.
func Run(ctx context.Context, cmd Command) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name := strings.TrimSpace(cmd.Name)
	dir := strings.TrimSpace(cmd.Dir)
	if name == "" {
		return Result{}, errors.New("command name must not be empty")
	}
	if dir == "" {
		return Result{}, errors.New("command dir must not be empty")
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", name),
		attribute.String("args_redacted", strings.Join(RedactArgs(cmd.Args), " ")),
		attribute.String("cwd", dir),
	}
	if strings.EqualFold(name, "git") && len(cmd.Args) > 0 {
		attrs = append(attrs, attribute.String("operation", gitOperation(cmd.Args)))
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "command.exec", trace.WithAttributes(attrs...))
	defer span.End()

	started := time.Now()
	proc := exec.CommandContext(ctx, name, cmd.Args...)
	proc.Dir = dir
	// Nobody answers a credential prompt; git must fail instead of blocking.
	proc.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	result := Result{
		ExitCode: resolveExitCode(ctx, proc, err),
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(started),
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
	)
	if result.Stdout != "" {
		span.AddEvent("command.stdout", trace.WithAttributes(
			attribute.String("output", truncateOutput(Redact(result.Stdout), maxOutputEventBytes)),
		))
	}
	if result.Stderr != "" {
		span.AddEvent("command.stderr", trace.WithAttributes(
			attribute.String("output", truncateOutput(Redact(result.Stderr), maxOutputEventBytes)),
		))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	span.SetStatus(codes.Ok, "command completed")
	return result, nil
}

// gitOperation skips leading global options such as -c key=value.
func gitOperation(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		switch {
		case arg == "-c" || arg == "-C":
			i++
		case strings.HasPrefix(arg, "-"):
		default:
			return arg
		}
	}
	return ""
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks credentials in URLs and in key=value or flag/value pairs.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		if strings.Contains(trimmed, "://") {
			redacted = append(redacted, redactURL(trimmed))
			continue
		}

		if key, _, ok := strings.Cut(trimmed, "="); ok && isSensitiveToken(strings.ToLower(key)) {
			redacted = append(redacted, key+"=<redacted>")
			continue
		}

		if strings.HasPrefix(trimmed, "-") && isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

// Redact masks URL credentials embedded in free text such as git stderr.
func Redact(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}
	out := text
	for _, field := range fields {
		candidate := strings.Trim(field, `'"`+"`.,;():")
		if !strings.Contains(candidate, "://") {
			continue
		}
		if masked := redactURL(candidate); masked != candidate {
			out = strings.ReplaceAll(out, candidate, masked)
		}
	}
	return out
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.User == nil {
		return raw
	}
	parsed.User = url.User(redactedUser)
	return parsed.String()
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"api_key",
		"auth",
		"bearer",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand renders a redacted, single-line preview of a command.
func FormatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, RedactArgs(args)...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
