package workspace

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfci/perfci/internal/common/perferrors"
)

const root = "/var/perfci"

func TestPrepare_CreatesEmptyDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs, root)

	path, err := m.Prepare("b1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "b1"), path)

	exists, err := afero.DirExists(fs, path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPrepare_RemovesStaleContent(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs, root)
	stale := filepath.Join(root, "b1", "owner", "repo", "Dockerfile")
	require.NoError(t, afero.WriteFile(fs, stale, []byte("FROM scratch"), 0o644))

	path, err := m.Prepare("b1")
	require.NoError(t, err)

	exists, err := afero.Exists(fs, stale)
	require.NoError(t, err)
	assert.False(t, exists)
	empty, err := afero.IsEmpty(fs, path)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestTeardown_Twice(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs, root)
	path, err := m.Prepare("b1")
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, filepath.Join(path, "file"), []byte("x"), 0o644))

	require.NoError(t, m.Teardown("b1"))
	require.NoError(t, m.Teardown("b1"))

	exists, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTeardown_LeavesOtherBuilds(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs, root)
	_, err := m.Prepare("b1")
	require.NoError(t, err)
	other, err := m.Prepare("b2")
	require.NoError(t, err)

	require.NoError(t, m.Teardown("b1"))

	exists, err := afero.DirExists(fs, other)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSourcePath(t *testing.T) {
	m := NewManager(afero.NewMemMapFs(), root)
	path, err := m.SourcePath("b1", "owner/repo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "b1", "owner", "repo"), path)
}

func TestSourcePath_RejectsEscapingNames(t *testing.T) {
	m := NewManager(afero.NewMemMapFs(), root)
	tests := map[string]string{
		"parent":          "../../x",
		"embedded parent": "owner/../../x",
		"absolute":        "/etc/x",
		"backslash":       `owner\..\x`,
	}
	for name, sourceName := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.SourcePath("b1", sourceName)
			var invalid *perferrors.ErrInvalidArgument
			assert.True(t, errors.As(err, &invalid))
		})
	}
}

func TestInvalidBuildId(t *testing.T) {
	m := NewManager(afero.NewMemMapFs(), root)
	for _, id := range []string{"", ".", "..", "../etc", "a/b"} {
		_, err := m.Prepare(id)
		var invalid *perferrors.ErrInvalidArgument
		assert.True(t, errors.As(err, &invalid), "expected invalid argument for %q", id)
		assert.Error(t, m.Teardown(id))
	}
}

func TestNewManager_DefaultsRoot(t *testing.T) {
	m := NewManager(afero.NewMemMapFs(), "")
	assert.NotEmpty(t, m.Root())
}
