package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lilo-dev/lilo/internal/tracing"
)

// GitError is a failed git invocation with its captured stderr.
type GitError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *GitError) Error() string {
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf("Git Error (%s): %s", e.Command, detail)
}

func (e *GitError) Unwrap() error {
	return e.Err
}

func newGitError(args []string, result tracing.Result, err error) *GitError {
	return &GitError{
		Command:  tracing.FormatCommand("git", args),
		ExitCode: result.ExitCode,
		Stderr:   tracing.Redact(result.Stderr),
		Err:      err,
	}
}

// Lowercased stderr fragments that mean the remote could not be reached or
// refused our credentials, as opposed to simply having no history.
var unreachableRemoteMarkers = []string{
	"authentication failed",
	"could not read username",
	"could not read password",
	"permission denied",
	"host key verification failed",
	"could not resolve host",
	"could not resolve hostname",
	"failed to connect",
	"connection refused",
	"connection reset",
	"connection timed out",
	"operation timed out",
	"network is unreachable",
	"ssl certificate problem",
	"the requested url returned error: 401",
	"the requested url returned error: 403",
	"the requested url returned error: 5",
}

// IsUnreachableRemote reports whether a clone failure indicates an auth or
// connectivity problem rather than a remote without history.
func IsUnreachableRemote(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	text := err.Error()
	var gitErr *GitError
	if errors.As(err, &gitErr) {
		if gitErr.ExitCode < 0 {
			return true
		}
		text = gitErr.Stderr
	}
	text = strings.ToLower(text)
	for _, marker := range unreachableRemoteMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
