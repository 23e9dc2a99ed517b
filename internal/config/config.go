package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultWorkDir        = "/home/user/app"
	defaultModel          = "claude-sonnet-4-6"
	defaultAPIURL         = "https://my.living-apps.de/rest"
	defaultFrontendURL    = "https://my.living-apps.de"
	defaultClaudeBinary   = "claude"
	defaultCommitterName  = "Lilo"
	defaultCommitterEmail = "lilo@livinglogic.de"
	defaultCommitMessage  = "Lilo Auto-Deploy"
	defaultBranch         = "main"
	defaultRemote         = "origin"
	defaultPromptFile     = ".user_prompt"
	defaultSessionFile    = ".claude_session_id"
	defaultAgentDir       = ".claude"
	defaultDebugDir       = "debug"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// ErrNoPushURL is returned when a deploy is requested without a remote.
var ErrNoPushURL = errors.New("git push url is not configured (GIT_PUSH_URL)")

// Config is the immutable runtime configuration built once at startup.
type Config struct {
	WorkDir      string
	Model        string
	ClaudeBinary string
	// IsolateHome points the agent's HOME at WorkDir so its session state
	// lands in WorkDir/.claude and is deployed with the code.
	IsolateHome bool

	APIURL      string
	FrontendURL string
	APIKey      string
	RepoName    string

	ResumeSessionID string
	UserPrompt      string
	PromptFile      string
	SessionFile     string

	Git GitConfig

	LogLevel        string
	LogFile         string
	OTLPEndpoint    string
	OTLPCertificate string
	Environment     string

	// LogFormat selects the diagnostic formatter: text or json.
	LogFormat string
	// RunID correlates diagnostics of one run across the processes it spawns.
	RunID string
}

// GitConfig holds deploy-tool settings.
type GitConfig struct {
	PushURL        string
	Remote         string
	Branch         string
	CommitterName  string
	CommitterEmail string
	CommitMessage  string
	AgentDir       string
	DebugDir       string
	// StrictHistory makes clone failures that look like auth or network
	// errors abort the deploy instead of initializing a fresh repository.
	StrictHistory bool
}

type fileConfig struct {
	WorkDir      *string        `toml:"workdir"`
	Model        *string        `toml:"model"`
	ClaudeBinary *string        `toml:"claude_binary"`
	IsolateHome  *bool          `toml:"isolate_home"`
	APIURL       *string        `toml:"api_url"`
	FrontendURL  *string        `toml:"frontend_url"`
	PromptFile   *string        `toml:"prompt_file"`
	SessionFile  *string        `toml:"session_file"`
	LogLevel     *string        `toml:"log_level"`
	LogFormat    *string        `toml:"log_format"`
	LogFile      *string        `toml:"log_file"`
	Environment  *string        `toml:"environment"`
	OTEL         *otelConfig    `toml:"otel"`
	Git          *gitFileConfig `toml:"git"`
}

type otelConfig struct {
	Endpoint    *string `toml:"endpoint"`
	Certificate *string `toml:"certificate"`
}

type gitFileConfig struct {
	Remote         *string `toml:"remote"`
	Branch         *string `toml:"branch"`
	CommitterName  *string `toml:"committer_name"`
	CommitterEmail *string `toml:"committer_email"`
	CommitMessage  *string `toml:"commit_message"`
	StrictHistory  *bool   `toml:"strict_history"`
}

// Source abstracts process inputs so Load stays testable.
type Source struct {
	LookupEnv func(key string) (string, bool)
	HomeDir   func() (string, error)
}

// OSSource reads from the real process environment.
func OSSource() Source {
	return Source{
		LookupEnv: os.LookupEnv,
		HomeDir:   os.UserHomeDir,
	}
}

// Load builds the configuration: defaults, then ~/.lilo/config.toml, then
// <workdir>/.lilo/config.toml, then environment variables.
func Load(src Source) (*Config, error) {
	if src.LookupEnv == nil {
		src.LookupEnv = func(string) (string, bool) { return "", false }
	}
	cfg := defaults()

	// The workdir decides where the project overlay lives, so resolve it first.
	if value, ok := lookup(src, "LILO_WORKDIR"); ok {
		cfg.WorkDir = value
	}

	paths := make([]string, 0, 2)
	if src.HomeDir != nil {
		if home, err := src.HomeDir(); err == nil && strings.TrimSpace(home) != "" {
			paths = append(paths, filepath.Join(home, ".lilo", "config.toml"))
		}
	}
	paths = append(paths, filepath.Join(cfg.WorkDir, ".lilo", "config.toml"))
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg, src)
	return &cfg, nil
}

func defaults() Config {
	return Config{
		WorkDir:      defaultWorkDir,
		Model:        defaultModel,
		ClaudeBinary: defaultClaudeBinary,
		IsolateHome:  true,
		APIURL:       defaultAPIURL,
		FrontendURL:  defaultFrontendURL,
		PromptFile:   defaultPromptFile,
		SessionFile:  defaultSessionFile,
		LogLevel:     defaultLogLevel,
		LogFormat:    defaultLogFormat,
		Environment:  "dev",
		Git: GitConfig{
			Remote:         defaultRemote,
			Branch:         defaultBranch,
			CommitterName:  defaultCommitterName,
			CommitterEmail: defaultCommitterEmail,
			CommitMessage:  defaultCommitMessage,
			AgentDir:       defaultAgentDir,
			DebugDir:       defaultDebugDir,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	setString(&cfg.WorkDir, decoded.WorkDir)
	setString(&cfg.Model, decoded.Model)
	setString(&cfg.ClaudeBinary, decoded.ClaudeBinary)
	setString(&cfg.APIURL, decoded.APIURL)
	setString(&cfg.FrontendURL, decoded.FrontendURL)
	setString(&cfg.PromptFile, decoded.PromptFile)
	setString(&cfg.SessionFile, decoded.SessionFile)
	setString(&cfg.LogLevel, decoded.LogLevel)
	setString(&cfg.LogFormat, decoded.LogFormat)
	setString(&cfg.LogFile, decoded.LogFile)
	setString(&cfg.Environment, decoded.Environment)
	if decoded.IsolateHome != nil {
		cfg.IsolateHome = *decoded.IsolateHome
	}
	if decoded.OTEL != nil {
		setString(&cfg.OTLPEndpoint, decoded.OTEL.Endpoint)
		setString(&cfg.OTLPCertificate, decoded.OTEL.Certificate)
	}
	if git := decoded.Git; git != nil {
		setString(&cfg.Git.Remote, git.Remote)
		setString(&cfg.Git.Branch, git.Branch)
		setString(&cfg.Git.CommitterName, git.CommitterName)
		setString(&cfg.Git.CommitterEmail, git.CommitterEmail)
		setString(&cfg.Git.CommitMessage, git.CommitMessage)
		if git.StrictHistory != nil {
			cfg.Git.StrictHistory = *git.StrictHistory
		}
	}
	return nil
}

func applyEnv(cfg *Config, src Source) {
	envStrings := map[string]*string{
		"LA_API_URL":                     &cfg.APIURL,
		"LA_FRONTEND_URL":                &cfg.FrontendURL,
		"GIT_PUSH_URL":                   &cfg.Git.PushURL,
		"REPO_NAME":                      &cfg.RepoName,
		"LIVINGAPPS_API_KEY":             &cfg.APIKey,
		"RESUME_SESSION_ID":              &cfg.ResumeSessionID,
		"LILO_MODEL":                     &cfg.Model,
		"LILO_CLAUDE_BINARY":             &cfg.ClaudeBinary,
		"LILO_LOG_LEVEL":                 &cfg.LogLevel,
		"LILO_LOG_FORMAT":                &cfg.LogFormat,
		"LILO_RUN_ID":                    &cfg.RunID,
		"OTEL_EXPORTER_OTLP_ENDPOINT":    &cfg.OTLPEndpoint,
		"OTEL_EXPORTER_OTLP_CERTIFICATE": &cfg.OTLPCertificate,
		"LILO_ENV":                       &cfg.Environment,
	}
	for key, target := range envStrings {
		if value, ok := lookup(src, key); ok {
			*target = value
		}
	}

	// The raw prompt is kept verbatim; trimming happens during selection.
	if value, ok := src.LookupEnv("USER_PROMPT"); ok {
		cfg.UserPrompt = value
	}
}

// Validate checks the settings the deploy tool cannot run without.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("workdir must not be empty")
	}
	if strings.TrimSpace(c.Git.PushURL) == "" {
		return ErrNoPushURL
	}
	return nil
}

// PromptPath returns the absolute path of the prompt override file.
func (c *Config) PromptPath() string {
	return c.resolve(c.PromptFile)
}

// SessionPath returns the absolute path of the persisted session-id file.
func (c *Config) SessionPath() string {
	return c.resolve(c.SessionFile)
}

func (c *Config) resolve(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.WorkDir, name)
}

func lookup(src Source, key string) (string, bool) {
	value, ok := src.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

func setString(target *string, value *string) {
	if value == nil {
		return
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return
	}
	*target = trimmed
}
