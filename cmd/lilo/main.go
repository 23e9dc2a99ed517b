package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lilo-dev/lilo/internal/agent"
	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/deploy"
	"github.com/lilo-dev/lilo/internal/logging"
	"github.com/lilo-dev/lilo/internal/orchestrator"
	"github.com/lilo-dev/lilo/internal/session"
	"github.com/lilo-dev/lilo/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(config.OSSource())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg, stderr: os.Stderr, environ: os.Environ, executable: os.Executable}
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// app carries the process-wide state the subcommands share. The logger and
// telemetry are set up once the flags are parsed.
type app struct {
	cfg        *config.Config
	stderr     io.Writer
	environ    func() []string
	executable func() (string, error)

	runtimeLogger     *logging.RuntimeLogger
	shutdownTelemetry func()
}

type rootFlags struct {
	workdir  string
	logLevel string
}

func newRootCommand(a *app) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "lilo",
		Short:         "Build and deploy dashboards with a coding agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().StringVar(&flags.workdir, "workdir", "", "project working directory (overrides LILO_WORKDIR)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "diagnostic log level: debug, info, warn, error")

	root.AddCommand(
		newRunCommand(a),
		newDeployServerCommand(a),
		newDeployCommand(a),
		newSessionCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a == nil || a.cfg == nil {
			return errors.New("config is required")
		}
		applyRootFlags(a.cfg, flags)
		return a.setup(cmd.Context(), cmd.Name())
	}
	return root
}

func applyRootFlags(cfg *config.Config, flags *rootFlags) {
	if value := strings.TrimSpace(flags.workdir); value != "" {
		cfg.WorkDir = value
	}
	if value := strings.TrimSpace(flags.logLevel); value != "" {
		cfg.LogLevel = value
	}
}

func (a *app) setup(ctx context.Context, command string) error {
	runtimeLogger, err := logging.New(
		logging.WithWriter(a.stderr),
		logging.WithLevel(a.cfg.LogLevel),
		logging.WithLogFile(a.cfg.LogFile),
		logging.WithFormat(a.cfg.LogFormat),
		logging.WithRunID(a.cfg.RunID),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.runtimeLogger = runtimeLogger
	// Child processes such as the deploy server inherit this id.
	a.cfg.RunID = runtimeLogger.RunID()

	settings := telemetry.SettingsFromConfig(a.cfg)
	settings.Fallback = a.stderr
	shutdown, err := telemetry.Init(ctx, settings)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdownTelemetry = shutdown

	runtimeLogger.Logger.With("command", command).Debug("command invocation", "workdir", a.cfg.WorkDir)
	return nil
}

func (a *app) logger(tag string) *log.Logger {
	if a.runtimeLogger == nil {
		return logging.Discard()
	}
	return a.runtimeLogger.Tagged(tag)
}

func (a *app) close() {
	if a.shutdownTelemetry != nil {
		a.shutdownTelemetry()
	}
	if err := a.runtimeLogger.Close(); err != nil {
		fmt.Fprintf(a.stderr, "failed to close logger: %v\n", err)
	}
}

func newRunCommand(a *app) *cobra.Command {
	var (
		resume bool
		model  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent on the working directory and stream progress records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if value := strings.TrimSpace(model); value != "" {
				a.cfg.Model = value
			}
			logger := a.logger(logging.TagRun)

			runtime, err := agent.NewRuntime(agent.RuntimeConfigFromConfig(a.cfg, a.environ(), a.stderr), logger)
			if err != nil {
				return err
			}
			adapter, err := orchestrator.NewAgentRuntime(runtime)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(a.cfg, adapter, cmd.OutOrStdout(), a.executable, logger)
			if err != nil {
				return err
			}
			_, err = orch.Run(cmd.Context(), orchestrator.RunOptions{Resume: resume})
			return err
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume the persisted session when RESUME_SESSION_ID is not set")
	cmd.Flags().StringVar(&model, "model", "", "agent model (overrides LILO_MODEL)")
	return cmd
}

func newDeployServerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:    agent.DeployServerSubcommand,
		Short:  "Serve the deploy tool over MCP on stdio",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := a.logger(logging.TagDeploy)
			publisher, err := deploy.NewPublisher(deploy.OptionsFromConfig(a.cfg), logger)
			if err != nil {
				return err
			}
			logger.Debug("deploy tool server listening", "tool", deploy.ToolName)
			return deploy.Serve(cmd.Context(), publisher)
		},
	}
}

func newDeployCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Commit the working directory and push it once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			publisher, err := deploy.NewPublisher(deploy.OptionsFromConfig(a.cfg), a.logger(logging.TagDeploy))
			if err != nil {
				return err
			}
			result := publisher.Deploy(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), result.Text())
			if !result.Success {
				return errors.New("deploy failed")
			}
			return nil
		},
	}
}

func newSessionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the persisted session id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store := session.NewStore(a.cfg.SessionPath())
			id, err := store.Load()
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					return fmt.Errorf("%w in %s", err, store.Path())
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}
