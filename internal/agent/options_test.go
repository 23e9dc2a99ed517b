package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilo-dev/lilo/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkDir:      "/home/user/app",
		Model:        "claude-sonnet-4-6",
		ClaudeBinary: "claude",
		IsolateHome:  true,
		APIURL:       "https://my.living-apps.de/rest",
		FrontendURL:  "https://my.living-apps.de",
		APIKey:       "la-key",
		RepoName:     "app-123",
		LogLevel:     "info",
		Environment:  "dev",
		Git: config.GitConfig{
			PushURL: "https://token@git.example.com/org/app.git",
		},
	}
}

func TestBuildOptions(t *testing.T) {
	cfg := testConfig()
	server := DeployServer(cfg, "/usr/local/bin/lilo")

	opts := BuildOptions(cfg, "  MANDATORY RULES\n- rule one\n", server)

	assert.Equal(t, "claude-sonnet-4-6", opts.Model)
	assert.Equal(t, "/home/user/app", opts.WorkDir)
	assert.Equal(t, "claude_code", opts.SystemPromptPreset)
	assert.Equal(t, "MANDATORY RULES\n- rule one", opts.AppendSystemPrompt)
	assert.Equal(t, []string{"project"}, opts.SettingSources)
	assert.Equal(t, "acceptEdits", opts.PermissionMode)
	assert.Equal(t, []string{
		"Bash", "Write", "Read", "Edit", "Glob", "Grep", "Task",
		"mcp__deploy_tools__deploy_to_github",
	}, opts.AllowedTools)
	assert.Empty(t, opts.Resume)
	require.Contains(t, opts.MCPServers, "deploy_tools")
	assert.Equal(t, []string{"deploy-server"}, opts.MCPServers["deploy_tools"].Args)
}

func TestBuildOptionsSetsResumeWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeSessionID = " sess-42 "

	opts := BuildOptions(cfg, "", MCPServer{})

	assert.Equal(t, "sess-42", opts.Resume)
	assert.Contains(t, opts.Args(""), "--resume")
}

func TestDeployServerForwardsOnlyDeploySettings(t *testing.T) {
	cfg := testConfig()

	server := DeployServer(cfg, "/usr/local/bin/lilo")

	assert.Equal(t, "stdio", server.Type)
	assert.Equal(t, "/usr/local/bin/lilo", server.Command)
	assert.Equal(t, "/home/user/app", server.Env["LILO_WORKDIR"])
	assert.Equal(t, cfg.Git.PushURL, server.Env["GIT_PUSH_URL"])
	assert.Equal(t, "app-123", server.Env["REPO_NAME"])
	assert.NotContains(t, server.Env, "LIVINGAPPS_API_KEY")
	assert.NotContains(t, server.Env, "OTEL_EXPORTER_OTLP_ENDPOINT", "empty values are not forwarded")
	assert.NotContains(t, server.Env, "LILO_RUN_ID")
}

func TestDeployServerSharesRunIDAndLogFormat(t *testing.T) {
	cfg := testConfig()
	cfg.RunID = "run-7"
	cfg.LogFormat = "json"

	server := DeployServer(cfg, "/usr/local/bin/lilo")

	assert.Equal(t, "run-7", server.Env["LILO_RUN_ID"])
	assert.Equal(t, "json", server.Env["LILO_LOG_FORMAT"])
}

func TestOptionsArgs(t *testing.T) {
	opts := Options{
		Model:              "claude-sonnet-4-6",
		AppendSystemPrompt: "RULES",
		SettingSources:     []string{"project"},
		PermissionMode:     "acceptEdits",
		AllowedTools:       []string{"Read", "mcp__deploy_tools__deploy_to_github"},
		Resume:             "sess-1",
	}

	assert.Equal(t, []string{
		"-p", "--output-format", "stream-json", "--verbose",
		"--model", "claude-sonnet-4-6",
		"--permission-mode", "acceptEdits",
		"--setting-sources", "project",
		"--append-system-prompt", "RULES",
		"--allowedTools", "Read,mcp__deploy_tools__deploy_to_github",
		"--mcp-config", "/tmp/mcp.json",
		"--resume", "sess-1",
	}, opts.Args("/tmp/mcp.json"))
}

func TestOptionsMCPConfig(t *testing.T) {
	opts := Options{MCPServers: map[string]MCPServer{
		"deploy_tools": {Type: "stdio", Command: "/bin/lilo", Args: []string{"deploy-server"}},
	}}

	data, err := opts.MCPConfig()
	require.NoError(t, err)

	var decoded map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	server := decoded["mcpServers"]["deploy_tools"]
	assert.Equal(t, "stdio", server["type"])
	assert.Equal(t, "/bin/lilo", server["command"])
	assert.Equal(t, []any{"deploy-server"}, server["args"])
}

func TestOptionsMCPConfigWithoutServers(t *testing.T) {
	data, err := Options{}.MCPConfig()
	require.NoError(t, err)
	assert.JSONEq(t, `{"mcpServers":{}}`, string(data))
}
