package checkpoint

import (
	"context"
	"os/exec"
	"strings"
)

// GitState is a read-only snapshot of the repository position.
type GitState struct {
	Branch      string `json:"branch"`
	Commit      string `json:"commit"`
	Uncommitted int    `json:"uncommitted"`
}

// GitReader captures repository state. The exec-backed implementation
// only ever runs read-only git commands; tests inject fixed states.
type GitReader interface {
	Snapshot(ctx context.Context) (GitState, error)
}

// ExecGitReader shells out to the git binary in a working directory.
type ExecGitReader struct {
	Dir string
}

func (g ExecGitReader) Snapshot(ctx context.Context) (GitState, error) {
	var st GitState

	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		// Not a repository: an empty state is still a valid snapshot.
		return st, nil
	}
	st.Branch = branch

	if commit, err := g.run(ctx, "rev-parse", "HEAD"); err == nil {
		st.Commit = commit
	}
	if status, err := g.run(ctx, "status", "--porcelain"); err == nil && status != "" {
		st.Uncommitted = len(strings.Split(status, "\n"))
	}
	return st, nil
}

func (g ExecGitReader) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
