// Package workspace manages the directory each build is checked out into.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/perfci/perfci/internal/common/perferrors"
)

// Manager hands out one directory per build under a common root.
type Manager struct {
	fs   afero.Fs
	root string
}

// NewManager returns a Manager rooted at root. An empty root uses the system temp directory.
func NewManager(fs afero.Fs, root string) *Manager {
	if root == "" {
		root = os.TempDir()
	}
	return &Manager{fs: fs, root: root}
}

func (m *Manager) Root() string {
	return m.root
}

// Path returns the directory of buildId without touching the filesystem.
func (m *Manager) Path(buildId string) string {
	return filepath.Join(m.root, buildId)
}

// SourcePath returns where the source of buildId is placed, e.g. <root>/<buildId>/owner/repo.
// Names that would resolve outside the build's workspace are rejected.
func (m *Manager) SourcePath(buildId string, name string) (string, error) {
	if err := validateBuildId(buildId); err != nil {
		return "", err
	}
	if err := ValidateSourceName(name); err != nil {
		return "", err
	}
	return filepath.Join(m.Path(buildId), filepath.FromSlash(name)), nil
}

// ValidateSourceName checks that name, a slash separated path such as owner/repo, is relative and has no ".." element.
func ValidateSourceName(name string) error {
	invalid := strings.HasPrefix(name, "/") || strings.Contains(name, `\`) || filepath.IsAbs(filepath.FromSlash(name))
	for _, element := range strings.Split(name, "/") {
		if element == ".." {
			invalid = true
		}
	}
	if invalid {
		return errors.WithStack(&perferrors.ErrInvalidArgument{
			Name:    "repositoryFullName",
			Value:   name,
			Message: "must be a relative path without .. elements",
		})
	}
	return nil
}

// Prepare removes anything left over from a previous run of buildId and creates a fresh, empty directory for it.
func (m *Manager) Prepare(buildId string) (string, error) {
	if err := validateBuildId(buildId); err != nil {
		return "", err
	}
	path := m.Path(buildId)
	if err := m.fs.RemoveAll(path); err != nil {
		return "", errors.Wrapf(err, "removing stale workspace %s", path)
	}
	if err := m.fs.MkdirAll(path, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating workspace %s", path)
	}
	log.WithField("buildId", buildId).Debugf("prepared workspace %s", path)
	return path, nil
}

// Teardown removes the directory of buildId. Removing a workspace that doesn't exist is not an error.
func (m *Manager) Teardown(buildId string) error {
	if err := validateBuildId(buildId); err != nil {
		return err
	}
	path := m.Path(buildId)
	if err := m.fs.RemoveAll(path); err != nil {
		return errors.Wrapf(err, "removing workspace %s", path)
	}
	return nil
}

func validateBuildId(buildId string) error {
	if buildId == "" || buildId == "." || buildId == ".." || strings.ContainsAny(buildId, `/\`) {
		return errors.WithStack(&perferrors.ErrInvalidArgument{
			Name:    "buildId",
			Value:   buildId,
			Message: "must be a single path element",
		})
	}
	return nil
}
