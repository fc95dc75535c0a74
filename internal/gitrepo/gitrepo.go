package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrPushRejected means the remote refused our ref update, usually
// because someone else pushed first. The run must be restarted from
// the top; there is no rebase-and-retry here.
var ErrPushRejected = errors.New("push rejected by remote")

// ErrAuth covers clone/push credential failures.
var ErrAuth = errors.New("git authentication failed")

// Env vars git subprocesses may inherit from the OS. Everything else
// is dropped so CI credentials don't leak into unrelated tooling.
var allowedEnvVars = []string{
	"HOME", "PATH", "SSH_AUTH_SOCK",
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY",
	"GIT_SSH_COMMAND", "GIT_ASKPASS", "GIT_TERMINAL_PROMPT",
}

// Repo is a checked-out working copy.
type Repo struct {
	Dir string
}

// Clone makes a shallow single-branch clone of url at branch into dir.
func Clone(ctx context.Context, url, branch, dir string) (*Repo, error) {
	args := []string{"clone", "--depth", "1", "--single-branch"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, dir)
	if err := execGit(ctx, "", args...); err != nil {
		return nil, classify(err)
	}
	return &Repo{Dir: dir}, nil
}

// Config sets the commit author identity for the working copy.
func (r *Repo) Config(ctx context.Context, name, email string) error {
	for k, v := range map[string]string{"user.name": name, "user.email": email} {
		if err := execGit(ctx, r.Dir, "config", k, v); err != nil {
			return fmt.Errorf("setting git config %s: %w", k, err)
		}
	}
	return nil
}

func (r *Repo) Add(ctx context.Context, path string) error {
	return execGit(ctx, r.Dir, "add", "--", path)
}

// HasStagedChanges reports whether the index differs from HEAD.
func (r *Repo) HasStagedChanges(ctx context.Context) (bool, error) {
	err := execGit(ctx, r.Dir, "diff-index", "--quiet", "--cached", "HEAD")
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

func (r *Repo) Commit(ctx context.Context, message string) error {
	return execGit(ctx, r.Dir, "commit", "-m", message)
}

func (r *Repo) Push(ctx context.Context, branch string) error {
	if err := execGit(ctx, r.Dir, "push", "origin", branch); err != nil {
		return classify(err)
	}
	return nil
}

// Cleanup removes the working copy. Best effort: cleanup failures are
// logged, never fatal.
func (r *Repo) Cleanup() {
	if err := os.RemoveAll(r.Dir); err != nil {
		logrus.Warnf("failed to remove git working copy %s: %v", r.Dir, err)
	}
}

func execGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = scrubbedEnv()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("git %s: %w", args[0], err)
		}
		return fmt.Errorf("git %s: %w: %s", args[0], err, msg)
	}
	return nil
}

func scrubbedEnv() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Authentication failed"),
		strings.Contains(msg, "could not read Username"),
		strings.Contains(msg, "Permission denied"),
		strings.Contains(msg, "403"):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case strings.Contains(msg, "[rejected]"),
		strings.Contains(msg, "non-fast-forward"),
		strings.Contains(msg, "fetch first"):
		return fmt.Errorf("%w: %v", ErrPushRejected, err)
	}
	return err
}
