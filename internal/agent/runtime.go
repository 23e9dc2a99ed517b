package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/samber/lo"

	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/logging"
	"github.com/lilo-dev/lilo/internal/tracing"
)

// ProcessSpec describes one runtime process launch.
type ProcessSpec struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Process is a started runtime process.
type Process interface {
	Stdout() io.Reader
	Wait() error
}

// Starter launches runtime processes.
type Starter interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

type execStarter struct {
	stderr io.Writer
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (s execStarter) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	// #nosec G204 -- the binary and arguments come from trusted configuration.
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stderr = s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", tracing.FormatCommand(spec.Name, spec.Args), err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

// RuntimeConfig configures how the runtime process is launched.
type RuntimeConfig struct {
	Binary string
	// BaseEnv is the environment the runtime inherits before overrides.
	BaseEnv []string
	// Overrides are applied on top of BaseEnv.
	Overrides map[string]string
	// Stderr receives the runtime's own diagnostics.
	Stderr io.Writer
}

// RuntimeConfigFromConfig derives the process settings. When IsolateHome is
// set, HOME points at the working directory so the runtime's session state
// is written to WorkDir/.claude.
func RuntimeConfigFromConfig(cfg *config.Config, baseEnv []string, stderr io.Writer) RuntimeConfig {
	overrides := map[string]string{
		"LA_API_URL":      cfg.APIURL,
		"LA_FRONTEND_URL": cfg.FrontendURL,
		"LILO_WORKDIR":    cfg.WorkDir,
	}
	if cfg.IsolateHome {
		overrides["HOME"] = cfg.WorkDir
	}
	for key, value := range map[string]string{
		"LIVINGAPPS_API_KEY": cfg.APIKey,
		"REPO_NAME":          cfg.RepoName,
		"GIT_PUSH_URL":       cfg.Git.PushURL,
	} {
		if strings.TrimSpace(value) != "" {
			overrides[key] = value
		}
	}
	return RuntimeConfig{
		Binary:    cfg.ClaudeBinary,
		BaseEnv:   baseEnv,
		Overrides: overrides,
		Stderr:    stderr,
	}
}

// Runtime starts agent sessions against the runtime CLI.
type Runtime struct {
	cfg     RuntimeConfig
	starter Starter
	logger  *log.Logger

	writeConfig func(data []byte) (string, error)
}

// NewRuntime constructs a runtime that launches real processes.
func NewRuntime(cfg RuntimeConfig, logger *log.Logger) (*Runtime, error) {
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	return NewRuntimeWithStarter(execStarter{stderr: stderr}, cfg, logger)
}

// NewRuntimeWithStarter constructs a runtime with an injectable process starter.
func NewRuntimeWithStarter(starter Starter, cfg RuntimeConfig, logger *log.Logger) (*Runtime, error) {
	if starter == nil {
		return nil, errors.New("starter is required")
	}
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		return nil, errors.New("runtime binary is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runtime{
		cfg:         cfg,
		starter:     starter,
		logger:      logger,
		writeConfig: writeTempConfig,
	}, nil
}

// Query submits prompt to a new runtime session and returns its event stream.
// The caller must Close the stream.
func (r *Runtime) Query(ctx context.Context, opts Options, prompt string) (*Stream, error) {
	if r == nil {
		return nil, errors.New("runtime is nil")
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	workdir := strings.TrimSpace(opts.WorkDir)
	if workdir == "" {
		return nil, errors.New("workdir is required")
	}

	mcpConfig, err := opts.MCPConfig()
	if err != nil {
		return nil, err
	}
	configPath, err := r.writeConfig(mcpConfig)
	if err != nil {
		return nil, fmt.Errorf("write mcp config: %w", err)
	}

	spec := ProcessSpec{
		Name:  r.cfg.Binary,
		Args:  opts.Args(configPath),
		Dir:   workdir,
		Env:   mergeEnv(r.cfg.BaseEnv, r.cfg.Overrides),
		Stdin: strings.NewReader(prompt),
	}
	r.logger.Debug("starting agent runtime", "cmd", tracing.FormatCommand(spec.Name, spec.Args), "cwd", spec.Dir)

	process, err := r.starter.Start(ctx, spec)
	if err != nil {
		removeConfig(configPath, r.logger)
		return nil, err
	}

	return &Stream{
		Decoder:    NewDecoder(process.Stdout(), r.logger),
		process:    process,
		configPath: configPath,
		logger:     r.logger,
	}, nil
}

// Stream is the blocking iterator over one session's messages.
type Stream struct {
	*Decoder

	process    Process
	configPath string
	logger     *log.Logger

	closeOnce sync.Once
	closeErr  error
}

// Close drains unread output, waits for the runtime to exit and removes the
// session's temporary files.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		if stdout := s.process.Stdout(); stdout != nil {
			_, _ = io.Copy(io.Discard, stdout)
		}
		if err := s.process.Wait(); err != nil {
			s.closeErr = fmt.Errorf("agent runtime exited: %w", err)
		}
		removeConfig(s.configPath, s.logger)
	})
	return s.closeErr
}

func writeTempConfig(data []byte) (string, error) {
	file, err := os.CreateTemp("", "lilo-mcp-*.json")
	if err != nil {
		return "", err
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(file.Name())
		return "", err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

func removeConfig(path string, logger *log.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove mcp config", "path", path, "err", err)
	}
}

// mergeEnv applies overrides to base, dropping base entries with the same key.
// Override keys are appended in sorted order.
func mergeEnv(base []string, overrides map[string]string) []string {
	merged := lo.Filter(base, func(entry string, _ int) bool {
		key, _, _ := strings.Cut(entry, "=")
		_, overridden := overrides[key]
		return !overridden
	})
	keys := lo.Keys(overrides)
	sort.Strings(keys)
	for _, key := range keys {
		merged = append(merged, key+"="+overrides[key])
	}
	return merged
}
