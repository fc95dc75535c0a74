package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"k8s-bluegreen/internal/gitrepo"
)

// ErrFieldNotFound means a substitution matched zero lines. The old
// pipeline silently succeeded here, which made a broken field matcher
// indistinguishable from an already-up-to-date manifest; we refuse to.
var ErrFieldNotFound = errors.New("manifest field not found")

// FieldSub is a line-level substitution: every line of the form
// "<indent><key>: <anything>" gets its value replaced, preserving
// indentation and list markers. The manifest repository owns the file
// layout, so we never rewrite it structurally.
type FieldSub struct {
	Key   string
	Value string
}

// Updater applies field substitutions to one file in a manifest
// repository and commits the result, but only when the bytes actually
// changed. A no-op diff is not an error.
type Updater struct {
	RepoURL     string
	Branch      string
	Path        string // file path inside the repository
	AuthorName  string
	AuthorEmail string

	// clone is swappable for tests.
	clone func(ctx context.Context, url, branch, dir string) (*gitrepo.Repo, error)
}

func NewUpdater(repoURL, branch, path, authorName, authorEmail string) *Updater {
	return &Updater{
		RepoURL:     repoURL,
		Branch:      branch,
		Path:        path,
		AuthorName:  authorName,
		AuthorEmail: authorEmail,
		clone:       gitrepo.Clone,
	}
}

// Update fetches the latest copy, substitutes the fields, and pushes a
// commit embedding buildID when the content changed. Returns whether a
// commit was made.
func (u *Updater) Update(ctx context.Context, buildID string, subs []FieldSub) (bool, error) {
	dir, err := os.MkdirTemp("", "manifest-update-")
	if err != nil {
		return false, fmt.Errorf("creating workspace: %w", err)
	}
	repo, err := u.clone(ctx, u.RepoURL, u.Branch, filepath.Join(dir, "repo"))
	if err != nil {
		os.RemoveAll(dir)
		return false, fmt.Errorf("cloning manifest repo: %w", err)
	}
	defer func() {
		repo.Cleanup()
		if err := os.RemoveAll(dir); err != nil {
			logrus.Warnf("failed to remove workspace %s: %v", dir, err)
		}
	}()

	filePath := filepath.Join(repo.Dir, u.Path)
	original, err := os.ReadFile(filePath)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", u.Path, err)
	}

	updated, err := Apply(original, subs)
	if err != nil {
		return false, err
	}

	if bytes.Equal(original, updated) {
		logrus.Infof("manifest %s already up to date for build %s", u.Path, buildID)
		return false, nil
	}

	if err := os.WriteFile(filePath, updated, 0644); err != nil {
		return false, fmt.Errorf("writing %s: %w", u.Path, err)
	}
	if err := repo.Config(ctx, u.AuthorName, u.AuthorEmail); err != nil {
		return false, err
	}
	if err := repo.Add(ctx, u.Path); err != nil {
		return false, fmt.Errorf("staging %s: %w", u.Path, err)
	}
	staged, err := repo.HasStagedChanges(ctx)
	if err != nil {
		return false, err
	}
	if !staged {
		return false, nil
	}
	message := fmt.Sprintf("Update %s for build %s", u.Path, buildID)
	if err := repo.Commit(ctx, message); err != nil {
		return false, fmt.Errorf("committing: %w", err)
	}
	if err := repo.Push(ctx, u.Branch); err != nil {
		return false, fmt.Errorf("pushing: %w", err)
	}

	logrus.Infof("committed %q to %s", message, u.RepoURL)
	return true, nil
}

// Apply runs the substitutions over doc. Each substitution must match
// at least one line, and the result must still parse as YAML.
func Apply(doc []byte, subs []FieldSub) ([]byte, error) {
	lines := strings.Split(string(doc), "\n")
	for _, sub := range subs {
		re, err := regexp.Compile(`^(\s*(?:- )?` + regexp.QuoteMeta(sub.Key) + `:\s*)\S.*$`)
		if err != nil {
			return nil, fmt.Errorf("field matcher for %q: %w", sub.Key, err)
		}
		matched := 0
		for i, line := range lines {
			if m := re.FindStringSubmatch(line); m != nil {
				lines[i] = m[1] + sub.Value
				matched++
			}
		}
		if matched == 0 {
			return nil, fmt.Errorf("%w: %q in manifest", ErrFieldNotFound, sub.Key)
		}
	}

	out := []byte(strings.Join(lines, "\n"))

	// The file is owned by another repository; never push something
	// its tooling can't parse back.
	dec := yaml.NewDecoder(bytes.NewReader(out))
	for {
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("substitution broke YAML syntax: %w", err)
		}
	}
	return out, nil
}
