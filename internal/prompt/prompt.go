// Package prompt selects the user request and renders the task handed to the agent.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lilo-dev/lilo/internal/logging"
)

//go:embed prompts/*.tmpl
var promptTemplatesFS embed.FS

var promptTemplates = template.Must(template.ParseFS(promptTemplatesFS, "prompts/*.tmpl"))

// Source records where the user request came from.
type Source string

const (
	// SourceNone means no user request was supplied.
	SourceNone Source = "none"
	// SourceFile means the request was read from the prompt file.
	SourceFile Source = "file"
	// SourceEnv means the request came from the USER_PROMPT value.
	SourceEnv Source = "env"
)

// Mode is the task template the agent receives.
type Mode string

const (
	// ModeBuild scaffolds a new dashboard from the project metadata.
	ModeBuild Mode = "build"
	// ModeContinue applies one user request to an existing dashboard.
	ModeContinue Mode = "continue"
)

// Selection is the chosen user request, immutable for one run.
type Selection struct {
	Request string
	Source  Source
}

// Query is the rendered task text plus the mode that produced it.
type Query struct {
	Mode Mode
	Text string
}

// Select picks the user request. A non-empty prompt file wins over the
// environment value; a file that cannot be read is logged and skipped.
func Select(path string, envValue string, logger *log.Logger) Selection {
	if logger == nil {
		logger = logging.Discard()
	}

	if path = strings.TrimSpace(path); path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if request := strings.TrimSpace(string(content)); request != "" {
				logger.Info("prompt read from file", "path", path, "size", humanize.Bytes(uint64(len(request))))
				return Selection{Request: request, Source: SourceFile}
			}
		case os.IsNotExist(err):
		default:
			logger.Warn("failed to read prompt file", "path", path, "err", err)
		}
	}

	if request := strings.TrimSpace(envValue); request != "" {
		logger.Info("prompt read from environment")
		return Selection{Request: request, Source: SourceEnv}
	}
	return Selection{Source: SourceNone}
}

// HasRequest reports whether a user request was supplied.
func (s Selection) HasRequest() bool {
	return s.Source != SourceNone && strings.TrimSpace(s.Request) != ""
}

// Build renders the task for the selection: continue mode when a user request
// exists, build mode otherwise.
func Build(selection Selection, deployTool string) (Query, error) {
	deployTool = strings.TrimSpace(deployTool)
	if deployTool == "" {
		return Query{}, fmt.Errorf("deploy tool name is required for the task prompt")
	}

	if selection.HasRequest() {
		text, err := renderTemplate("continue.tmpl", struct {
			Request    string
			DeployTool string
		}{Request: selection.Request, DeployTool: deployTool})
		if err != nil {
			return Query{}, err
		}
		return Query{Mode: ModeContinue, Text: text}, nil
	}

	text, err := renderTemplate("build.tmpl", struct {
		DeployTool string
	}{DeployTool: deployTool})
	if err != nil {
		return Query{}, err
	}
	return Query{Mode: ModeBuild, Text: text}, nil
}

// SystemRules returns the mandatory rules appended to the agent's system prompt.
func SystemRules() (string, error) {
	return renderTemplate("rules.tmpl", nil)
}

func renderTemplate(name string, data any) (string, error) {
	var rendered bytes.Buffer
	if err := promptTemplates.ExecuteTemplate(&rendered, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(rendered.String()), nil
}
