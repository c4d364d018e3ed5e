// Package checkout keeps one local git working copy per package.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spindex/spindex/pkg/pipeline"
	"github.com/spindex/spindex/pkg/shell"
)

var staleLocks = []string{".git/HEAD.lock", ".git/index.lock"}

// Manager clones and refreshes checkouts under Dir.
type Manager struct {
	Dir  string
	Exec shell.Executor
	Log  pipeline.Logger
	// Now is used to mark checkouts as fresh for Trim.
	Now func() time.Time
}

func (m *Manager) log() pipeline.Logger { return pipeline.OrNop(m.Log) }

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Name derives the checkout directory name "<host>-<owner>-<repo>" from a
// package URL.
func Name(packageURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(packageURL))
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	segments := strings.FieldsFunc(strings.TrimSuffix(strings.TrimRight(u.Path, "/"), ".git"), func(r rune) bool { return r == '/' })
	if host == "" || len(segments) == 0 {
		return "", fmt.Errorf("no host or path in %q", packageURL)
	}
	parts := append([]string{host}, segments...)
	for _, p := range parts {
		if p == "." || p == ".." {
			return "", fmt.Errorf("invalid path segment in %q", packageURL)
		}
	}
	return strings.ToLower(strings.Join(parts, "-")), nil
}

// Path returns where the checkout of the package lives.
func (m *Manager) Path(packageID, packageURL string) (string, error) {
	if strings.TrimSpace(m.Dir) == "" {
		return "", pipeline.NewError(pipeline.KindInvalidCachePath, packageID, errors.New("checkouts directory not configured"))
	}
	name, err := Name(packageURL)
	if err != nil {
		return "", pipeline.NewError(pipeline.KindInvalidCachePath, packageID, err)
	}
	return filepath.Join(m.Dir, name), nil
}

// Refresh makes sure the checkout reflects origin/branch. An existing
// checkout is cleaned and fetched; if any step fails it is removed and cloned
// again. An empty branch keeps whatever the clone checked out.
func (m *Manager) Refresh(ctx context.Context, packageID, packageURL, branch string) (string, error) {
	path, err := m.Path(packageID, packageURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return "", pipeline.NewError(pipeline.KindCacheDirectoryDoesNotExist, packageID, err)
	}

	if st, err := os.Stat(path); err == nil && st.IsDir() {
		ferr := m.fetch(ctx, path, branch)
		if ferr == nil {
			m.touch(path)
			return path, nil
		}
		if ctx.Err() != nil {
			return "", pipeline.NewError(pipeline.KindShellCommandFailed, packageID, ctx.Err())
		}
		m.log().Warnf("Fetch of %s failed, recloning: %v", packageURL, ferr)
		if err := os.RemoveAll(path); err != nil {
			return "", pipeline.NewError(pipeline.KindInvalidCachePath, packageID, err)
		}
	}

	if err := m.clone(ctx, packageURL, path, branch); err != nil {
		_ = os.RemoveAll(path)
		return "", pipeline.NewError(pipeline.KindShellCommandFailed, packageID, err)
	}
	m.touch(path)
	return path, nil
}

func (m *Manager) fetch(ctx context.Context, path, branch string) error {
	for _, lock := range staleLocks {
		if err := os.Remove(filepath.Join(path, lock)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	steps := []shell.Command{shell.GitReset(), shell.GitClean(), shell.GitFetch()}
	if branch != "" {
		steps = append(steps, shell.GitCheckout(branch), shell.GitResetTo(branch))
	}
	for _, cmd := range steps {
		if _, err := m.Exec.Run(ctx, cmd, path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) clone(ctx context.Context, packageURL, path, branch string) error {
	m.log().Infof("Cloning %s", packageURL)
	if _, err := m.Exec.Run(ctx, shell.GitClone(packageURL, path), m.Dir); err != nil {
		return err
	}
	if branch == "" {
		return nil
	}
	_, err := m.Exec.Run(ctx, shell.GitCheckout(branch), path)
	return err
}

func (m *Manager) touch(path string) {
	now := m.now()
	if err := os.Chtimes(path, now, now); err != nil {
		m.log().Debugf("Could not touch %s: %v", path, err)
	}
}

// Trim removes checkouts that were not refreshed since cutoff and returns
// how many were removed.
func (m *Manager) Trim(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(m.Dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(m.Dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log().Warnf("Could not trim checkout %s: %v", path, err)
			continue
		}
		removed++
	}
	return removed, nil
}
