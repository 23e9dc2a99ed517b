// Package deploy publishes the agent's working tree to a git remote.
//
// A deploy adopts the remote's history when it can be cloned, otherwise it
// starts a fresh repository on the main branch. Everything in the tree is
// committed, including the agent's hidden state directory, except its debug
// subdirectory.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/logging"
	"github.com/lilo-dev/lilo/internal/telemetry/invariants"
	"github.com/lilo-dev/lilo/internal/tracing"
)

// Runner executes one subprocess in dir.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (tracing.Result, error)
}

type tracedRunner struct{}

func (tracedRunner) Run(ctx context.Context, dir string, name string, args ...string) (tracing.Result, error) {
	return tracing.Run(ctx, tracing.Command{Name: name, Args: args, Dir: dir})
}

// Options are the deploy settings derived from config.Config.
type Options struct {
	WorkDir        string
	PushURL        string
	Remote         string
	Branch         string
	CommitterName  string
	CommitterEmail string
	CommitMessage  string
	AgentDir       string
	DebugDir       string
	SessionFile    string
	StrictHistory  bool
}

// OptionsFromConfig maps the runtime configuration onto deploy options.
func OptionsFromConfig(cfg *config.Config) Options {
	if cfg == nil {
		return Options{}
	}
	return Options{
		WorkDir:        cfg.WorkDir,
		PushURL:        cfg.Git.PushURL,
		Remote:         cfg.Git.Remote,
		Branch:         cfg.Git.Branch,
		CommitterName:  cfg.Git.CommitterName,
		CommitterEmail: cfg.Git.CommitterEmail,
		CommitMessage:  cfg.Git.CommitMessage,
		AgentDir:       cfg.Git.AgentDir,
		DebugDir:       cfg.Git.DebugDir,
		SessionFile:    cfg.SessionFile,
		StrictHistory:  cfg.Git.StrictHistory,
	}
}

// Result is the tagged deploy outcome handed back to the agent.
type Result struct {
	Success bool
	Elapsed time.Duration
	Err     error
}

// Text renders the result as the tool's text payload.
func (r Result) Text() string {
	if r.Success {
		return fmt.Sprintf("Deployment successful! (%.1fs)", r.Elapsed.Seconds())
	}
	message := "unknown error"
	if r.Err != nil {
		message = r.Err.Error()
	}
	return "Deployment Failed: " + message
}

// Publisher runs the deploy procedure against one working directory.
type Publisher struct {
	opts   Options
	runner Runner
	logger *log.Logger
	now    func() time.Time

	// adoptHistory replaces dst (the local .git) with src (the cloned .git).
	adoptHistory func(src, dst string) error
	scratchDir   func() (string, error)
}

// NewPublisher returns a publisher that shells out to git with tracing.
func NewPublisher(opts Options, logger *log.Logger) (*Publisher, error) {
	return newPublisher(opts, tracedRunner{}, logger)
}

func newPublisher(opts Options, runner Runner, logger *log.Logger) (*Publisher, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	opts.WorkDir = strings.TrimSpace(opts.WorkDir)
	if opts.WorkDir == "" {
		return nil, errors.New("workdir is required")
	}
	opts.Remote = lo.Ternary(strings.TrimSpace(opts.Remote) == "", "origin", opts.Remote)
	opts.Branch = lo.Ternary(strings.TrimSpace(opts.Branch) == "", "main", opts.Branch)
	opts.AgentDir = lo.Ternary(strings.TrimSpace(opts.AgentDir) == "", ".claude", opts.AgentDir)
	opts.DebugDir = lo.Ternary(strings.TrimSpace(opts.DebugDir) == "", "debug", opts.DebugDir)
	if logger == nil {
		logger = logging.Discard()
	}

	return &Publisher{
		opts:         opts,
		runner:       runner,
		logger:       logger,
		now:          time.Now,
		adoptHistory: replaceGitDir,
		scratchDir: func() (string, error) {
			return os.MkdirTemp("", "lilo-remote-*")
		},
	}, nil
}

// Deploy runs the whole procedure. Failures are reported in the Result, never
// returned, because the caller is an agent that needs a structured signal.
func (p *Publisher) Deploy(ctx context.Context) Result {
	ctx, span := otel.Tracer("lilo/deploy").Start(ctx, "deploy.run", trace.WithAttributes(
		attribute.String("branch", p.opts.Branch),
		attribute.Bool("strict_history", p.opts.StrictHistory),
	))
	defer span.End()

	started := p.now()
	err := p.deploy(ctx)
	elapsed := p.now().Sub(started)
	span.SetAttributes(attribute.Int64("elapsed_ms", elapsed.Milliseconds()), attribute.Bool("success", err == nil))
	if err != nil {
		p.logger.Error("deploy failed", "err", err)
		span.SetStatus(codes.Error, tracing.Redact(err.Error()))
		return Result{Success: false, Elapsed: elapsed, Err: err}
	}
	p.logger.Info("push succeeded", "elapsed", fmt.Sprintf("%.1fs", elapsed.Seconds()))
	span.SetStatus(codes.Ok, "deployed")
	return Result{Success: true, Elapsed: elapsed}
}

func (p *Publisher) deploy(ctx context.Context) error {
	if strings.TrimSpace(p.opts.PushURL) == "" {
		return config.ErrNoPushURL
	}

	if err := p.adoptOrInit(ctx); err != nil {
		return err
	}

	p.reportAgentDir()
	if err := p.stage(ctx); err != nil {
		return err
	}
	if _, err := p.git(ctx, "commit", "-m", p.opts.CommitMessage, "--allow-empty"); err != nil {
		return err
	}
	if _, err := p.git(ctx, "push", p.opts.Remote, "HEAD:"+p.opts.Branch); err != nil {
		return err
	}
	return nil
}

// adoptOrInit clones the remote to take over its history. A clone failure is
// the expected new-repository case unless it looks like an auth or network
// problem and strict history is enabled.
func (p *Publisher) adoptOrInit(ctx context.Context) error {
	p.logger.Info("checking whether the remote already has history")

	scratch, err := p.scratchDir()
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if removeErr := os.RemoveAll(scratch); removeErr != nil {
			p.logger.Warn("remove scratch directory", "path", scratch, "err", removeErr)
		}
	}()

	cloneDir := filepath.Join(scratch, "repo")
	_, cloneErr := p.git(ctx, "clone", p.opts.PushURL, cloneDir)
	if cloneErr == nil {
		src := filepath.Join(cloneDir, ".git")
		dst := filepath.Join(p.opts.WorkDir, ".git")
		if err := p.adoptHistory(src, dst); err != nil {
			return fmt.Errorf("adopt remote history: %w", err)
		}
		p.logger.Info("adopted history from existing remote", "size", humanize.Bytes(dirSize(dst)))
		return nil
	}

	unreachable := IsUnreachableRemote(cloneErr)
	if p.opts.StrictHistory && unreachable {
		return fmt.Errorf("remote unreachable, refusing to start a fresh history: %w", cloneErr)
	}

	reason := firstLine(cloneErr.Error())
	if !invariants.CheckHistoryAdopted(ctx, "deploy.Publisher.adoptOrInit", true, unreachable, reason) {
		p.logger.Warn("remote looks unreachable, starting a fresh history anyway", "reason", reason)
	}
	p.logger.Info("initializing new repository", "reason", reason)
	if _, err := p.git(ctx, "init"); err != nil {
		return err
	}
	if _, err := p.git(ctx, "checkout", "-b", p.opts.Branch); err != nil {
		return err
	}
	if _, err := p.git(ctx, "remote", "add", p.opts.Remote, p.opts.PushURL); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) reportAgentDir() {
	agentDir := filepath.Join(p.opts.WorkDir, p.opts.AgentDir)
	if info, err := os.Stat(agentDir); err == nil && info.IsDir() {
		p.logger.Info("agent state directory present, pushing it with the code", "dir", p.opts.AgentDir)
		return
	}
	p.logger.Warn("agent state directory not found", "dir", p.opts.AgentDir)
}

// stage adds all changes, then force-adds the agent directory and session
// file that ignore rules may hide, then unstages the debug directory. An
// exclude pathspec on the plain add fails when the agent directory is ignored,
// so the debug directory is only excluded from the forced add.
func (p *Publisher) stage(ctx context.Context) error {
	if _, err := p.git(ctx, "add", "-A"); err != nil {
		return err
	}

	candidates := lo.Map([]string{p.opts.AgentDir, p.opts.SessionFile}, func(name string, _ int) string {
		return p.relative(name)
	})
	forced := lo.Filter(candidates, func(name string, _ int) bool {
		if name == "" {
			return false
		}
		_, err := os.Stat(filepath.Join(p.opts.WorkDir, name))
		return err == nil
	})
	if len(forced) == 0 {
		p.logger.Debug("nothing to force-add")
	} else {
		args := append([]string{"add", "-f", "--"}, forced...)
		args = append(args, ":(exclude)"+p.debugDir())
		if _, err := p.git(ctx, args...); err != nil {
			return err
		}
	}

	_, err := p.git(ctx, "rm", "-r", "--cached", "--ignore-unmatch", "-q", "--", p.debugDir())
	return err
}

// relative maps an absolute path inside the workdir to a workdir-relative
// pathspec; paths outside the workdir are dropped.
func (p *Publisher) relative(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || !filepath.IsAbs(name) {
		return name
	}
	rel, err := filepath.Rel(p.opts.WorkDir, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return rel
}

func (p *Publisher) debugDir() string {
	return filepath.ToSlash(filepath.Join(p.opts.AgentDir, p.opts.DebugDir))
}

// git runs one git command with the fixed committer identity applied.
func (p *Publisher) git(ctx context.Context, args ...string) (tracing.Result, error) {
	full := append(p.identityArgs(), args...)
	p.logger.Debug("executing", "cmd", tracing.FormatCommand("git", args))
	result, err := p.runner.Run(ctx, p.opts.WorkDir, "git", full...)
	if err != nil {
		return result, newGitError(args, result, err)
	}
	return result, nil
}

func (p *Publisher) identityArgs() []string {
	args := make([]string, 0, 4)
	if name := strings.TrimSpace(p.opts.CommitterName); name != "" {
		args = append(args, "-c", "user.name="+name)
	}
	if email := strings.TrimSpace(p.opts.CommitterEmail); email != "" {
		args = append(args, "-c", "user.email="+email)
	}
	return args
}

func replaceGitDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("remove local git dir: %w", err)
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		return fmt.Errorf("copy git dir: %w", err)
	}
	return nil
}

func dirSize(root string) uint64 {
	var total uint64
	_ = filepath.WalkDir(root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if info, infoErr := entry.Info(); infoErr == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return line
}
