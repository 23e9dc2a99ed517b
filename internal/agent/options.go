// Package agent configures and drives the external coding-agent runtime.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/lilo-dev/lilo/internal/config"
	"github.com/lilo-dev/lilo/internal/deploy"
)

const (
	// SystemPromptPreset is the runtime's built-in coding system prompt.
	SystemPromptPreset = "claude_code"
	// PermissionMode lets the agent edit files without interactive approval.
	PermissionMode = "acceptEdits"
	// DeployServerKey is the MCP server name the deploy tool is registered under.
	DeployServerKey = "deploy_tools"
	// DeployServerSubcommand starts this binary as the deploy MCP server.
	DeployServerSubcommand = "deploy-server"
)

var builtinTools = []string{"Bash", "Write", "Read", "Edit", "Glob", "Grep", "Task"}

// MCPServer is one stdio MCP server entry of the runtime's --mcp-config.
type MCPServer struct {
	Type    string            `json:"type"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options are the invocation parameters of one agent session.
type Options struct {
	Model              string
	WorkDir            string
	SystemPromptPreset string
	AppendSystemPrompt string
	SettingSources     []string
	MCPServers         map[string]MCPServer
	PermissionMode     string
	AllowedTools       []string
	Resume             string
}

// DeployToolID is the fully qualified name the runtime exposes the deploy tool as.
func DeployToolID() string {
	return "mcp__" + DeployServerKey + "__" + deploy.ToolName
}

// DeployServer describes how the runtime launches the deploy tool server.
// Only the settings the server process needs are forwarded to it.
func DeployServer(cfg *config.Config, executable string) MCPServer {
	env := map[string]string{
		"LILO_WORKDIR":   cfg.WorkDir,
		"LILO_LOG_LEVEL": cfg.LogLevel,
	}
	// The server logs under the same run id so both processes' records join up.
	optional := map[string]string{
		"GIT_PUSH_URL":                cfg.Git.PushURL,
		"REPO_NAME":                   cfg.RepoName,
		"OTEL_EXPORTER_OTLP_ENDPOINT": cfg.OTLPEndpoint,
		"LILO_ENV":                    cfg.Environment,
		"LILO_LOG_FORMAT":             cfg.LogFormat,
		"LILO_RUN_ID":                 cfg.RunID,
	}
	for key, value := range optional {
		if strings.TrimSpace(value) != "" {
			env[key] = value
		}
	}
	return MCPServer{
		Type:    "stdio",
		Command: executable,
		Args:    []string{DeployServerSubcommand},
		Env:     env,
	}
}

// BuildOptions assembles the session options from configuration. rules is
// appended to the preset system prompt.
func BuildOptions(cfg *config.Config, rules string, deployServer MCPServer) Options {
	return Options{
		Model:              cfg.Model,
		WorkDir:            cfg.WorkDir,
		SystemPromptPreset: SystemPromptPreset,
		AppendSystemPrompt: strings.TrimSpace(rules),
		// project loads CLAUDE.md and .claude/skills/ from the working directory.
		SettingSources: []string{"project"},
		MCPServers:     map[string]MCPServer{DeployServerKey: deployServer},
		PermissionMode: PermissionMode,
		AllowedTools:   lo.Uniq(append(append([]string(nil), builtinTools...), DeployToolID())),
		Resume:         strings.TrimSpace(cfg.ResumeSessionID),
	}
}

// MCPConfig renders the --mcp-config document.
func (o Options) MCPConfig() ([]byte, error) {
	doc := struct {
		MCPServers map[string]MCPServer `json:"mcpServers"`
	}{MCPServers: o.MCPServers}
	if doc.MCPServers == nil {
		doc.MCPServers = map[string]MCPServer{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode mcp config: %w", err)
	}
	return data, nil
}

// Args renders the runtime command line in print mode with stream-json output.
// The prompt itself is written to stdin, not passed as an argument.
func (o Options) Args(mcpConfigPath string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if model := strings.TrimSpace(o.Model); model != "" {
		args = append(args, "--model", model)
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if len(o.SettingSources) > 0 {
		args = append(args, "--setting-sources", strings.Join(o.SettingSources, ","))
	}
	if o.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.AppendSystemPrompt)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if mcpConfigPath = strings.TrimSpace(mcpConfigPath); mcpConfigPath != "" {
		args = append(args, "--mcp-config", mcpConfigPath)
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
	}
	return args
}
