// Package source fetches the code of a build into its workspace.
package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

type Provider interface {
	// DirName is the directory, relative to the build's workspace, the source of repository is placed in.
	DirName(repository string) string
	// Describe is the progress message reported while fetching into dest.
	Describe(dest string) string
	Fetch(ctx context.Context, url string, dest string) error
}

// NewProvider returns a provider copying localWorkspace if it is set, and cloning the build's url otherwise.
func NewProvider(fs afero.Fs, localWorkspace string) Provider {
	if localWorkspace != "" {
		return NewLocalCopyProvider(fs, localWorkspace)
	}
	return NewGitProvider()
}

type GitProvider struct{}

func NewGitProvider() *GitProvider {
	return &GitProvider{}
}

func (p *GitProvider) DirName(repository string) string {
	return repository
}

func (p *GitProvider) Describe(string) string {
	return "Cloning Repo"
}

func (p *GitProvider) Fetch(ctx context.Context, url string, dest string) error {
	progress := log.WithField("repository", url).WriterLevel(log.DebugLevel)
	defer progress.Close()

	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:      url,
		Progress: progress,
	})
	if err != nil {
		return errors.Wrapf(err, "cloning %s", url)
	}
	return nil
}

// LocalCopyProvider ignores the build's url and copies a local directory instead, which is handy when developing
// the service under test.
type LocalCopyProvider struct {
	fs     afero.Fs
	source string
}

func NewLocalCopyProvider(fs afero.Fs, source string) *LocalCopyProvider {
	return &LocalCopyProvider{fs: fs, source: filepath.Clean(source)}
}

func (p *LocalCopyProvider) DirName(string) string {
	return path.Base(filepath.ToSlash(p.source))
}

func (p *LocalCopyProvider) Describe(dest string) string {
	return fmt.Sprintf("cp -R %s %s", p.source, dest)
}

func (p *LocalCopyProvider) Fetch(ctx context.Context, _ string, dest string) error {
	err := afero.Walk(p.fs, p.source, func(src string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(p.source, src)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		switch {
		case info.IsDir():
			return p.fs.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return p.copyFile(src, target, info.Mode().Perm())
		default:
			log.Debugf("not copying %s with mode %s", src, info.Mode())
			return nil
		}
	})
	if err != nil {
		return errors.Wrapf(err, "copying %s to %s", p.source, dest)
	}
	return nil
}

func (p *LocalCopyProvider) copyFile(src string, dest string, perm os.FileMode) error {
	in, err := p.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.fs.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// RepositoryFullName returns owner/name for urls such as https://github.com/owner/name.git or
// git@github.com:owner/name.git, which is how builds created from a url alone are laid out.
func RepositoryFullName(url string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	trimmed = strings.ReplaceAll(trimmed, ":", "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 2 {
		return trimmed
	}
	return parts[len(parts)-2] + "/" + parts[len(parts)-1]
}
