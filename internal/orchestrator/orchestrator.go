// Package orchestrator runs one agent session end to end: it selects the user
// request, configures the runtime with the deploy tool, and streams progress
// records until the terminal result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lilo-dev/lilo/internal/agent"
	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/logging"
	"github.com/lilo-dev/lilo/internal/prompt"
	"github.com/lilo-dev/lilo/internal/session"
	"github.com/lilo-dev/lilo/internal/stream"
	"github.com/lilo-dev/lilo/internal/telemetry"
)

// ErrNoResult reports that the runtime exited without a terminal result.
var ErrNoResult = errors.New("agent stream ended without a result")

// Session is one running agent session.
type Session interface {
	stream.Source
	Close() error
}

// Runtime starts agent sessions.
type Runtime interface {
	Start(ctx context.Context, opts agent.Options, prompt string) (Session, error)
}

// RunOptions are the per-invocation switches of one run.
type RunOptions struct {
	// Resume continues the persisted session when no explicit id is configured.
	Resume bool
}

// Orchestrator wires configuration, prompt selection, the agent runtime and
// the event stream consumer.
type Orchestrator struct {
	cfg        config.Config
	runtime    Runtime
	out        io.Writer
	executable func() (string, error)
	logger     *log.Logger
}

// New creates an Orchestrator with required dependencies. executable resolves
// the binary the runtime launches as the deploy tool server.
func New(cfg *config.Config, runtime Runtime, out io.Writer, executable func() (string, error), logger *log.Logger) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if out == nil {
		return nil, errors.New("output writer is required")
	}
	if executable == nil {
		return nil, errors.New("executable resolver is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		cfg:        *cfg,
		runtime:    runtime,
		out:        out,
		executable: executable,
		logger:     logger,
	}, nil
}

// Run executes one session and returns how its stream ended. A non-zero
// runtime exit or a stream without a result is an error.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (stream.Summary, error) {
	if o == nil {
		return stream.Summary{}, errors.New("orchestrator is nil")
	}

	store := session.NewStore(o.cfg.SessionPath())
	cfg := o.cfg
	if opts.Resume {
		cfg.ResumeSessionID = o.resolveResume(store)
	}

	selection := prompt.Select(cfg.PromptPath(), cfg.UserPrompt, o.logger)
	query, err := prompt.Build(selection, agent.DeployToolID())
	if err != nil {
		return stream.Summary{}, fmt.Errorf("build task prompt: %w", err)
	}
	rules, err := prompt.SystemRules()
	if err != nil {
		return stream.Summary{}, fmt.Errorf("render system rules: %w", err)
	}
	o.logger.Info("task prepared",
		"mode", query.Mode,
		"source", selection.Source,
		"size", humanize.Bytes(uint64(len(query.Text))),
	)

	executable, err := o.executable()
	if err != nil {
		return stream.Summary{}, fmt.Errorf("resolve deploy server executable: %w", err)
	}
	agentOpts := agent.BuildOptions(&cfg, rules, agent.DeployServer(&cfg, executable))

	consumer, err := stream.NewConsumer(o.out, store, o.logger)
	if err != nil {
		return stream.Summary{}, err
	}

	ctx, run := telemetry.StartAgentRun(ctx, telemetry.AgentRunRequest{
		Model:  agentOpts.Model,
		Mode:   string(query.Mode),
		Resume: agentOpts.Resume != "",
		Prompt: query.Text,
	})

	consumer.Start()
	sess, err := o.runtime.Start(ctx, agentOpts, query.Text)
	if err != nil {
		err = fmt.Errorf("start agent session: %w", err)
		run.End(telemetry.AgentRunOutcome{Status: stream.StatusError}, err)
		return stream.Summary{}, err
	}

	summary, consumeErr := consumer.Consume(ctx, sess)
	closeErr := sess.Close()
	err = errors.Join(consumeErr, closeErr)
	if err == nil && summary.Result == nil {
		err = ErrNoResult
	}

	run.End(outcome(summary), err)
	if err != nil {
		return summary, err
	}
	o.logger.Info("run finished",
		"status", summary.Status,
		"records", summary.Records,
		"duration", summary.Duration.Round(100*time.Millisecond),
	)
	return summary, nil
}

// resolveResume returns the configured resume id, falling back to the
// persisted one. A missing or unreadable file starts a new session.
func (o *Orchestrator) resolveResume(store *session.Store) string {
	if id := strings.TrimSpace(o.cfg.ResumeSessionID); id != "" {
		o.logger.Info("resuming session", "session_id", id, "source", "env")
		return id
	}
	id, err := store.Load()
	switch {
	case err == nil:
		o.logger.Info("resuming session", "session_id", id, "source", "file")
		return id
	case errors.Is(err, session.ErrNoSession):
		o.logger.Warn("no session to resume, starting a new one", "path", store.Path())
	default:
		o.logger.Warn("failed to read session file, starting a new one", "path", store.Path(), "err", err)
	}
	return ""
}

func outcome(summary stream.Summary) telemetry.AgentRunOutcome {
	if summary.Result == nil {
		return telemetry.AgentRunOutcome{Status: stream.StatusError}
	}
	return telemetry.AgentRunOutcome{
		Status:    summary.Status,
		CostUSD:   summary.Result.TotalCostUSD,
		SessionID: summary.Result.SessionID,
		NumTurns:  summary.Result.NumTurns,
	}
}
