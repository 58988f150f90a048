package source

import (
	"context"
	"fmt"

	"github.com/trenchcoat-sh/deploypulse/internal/gitsource"
)

const defaultRemote = "origin"

// GitProvider derives the repository from the origin remote of a working copy
type GitProvider struct {
	dir string
	run gitsource.Runner
}

// NewGitProvider creates a provider for dir. A nil runner uses the git binary.
func NewGitProvider(dir string, run gitsource.Runner) *GitProvider {
	if run == nil {
		run = gitsource.ExecRunner
	}
	return &GitProvider{dir: dir, run: run}
}

func (p *GitProvider) Name() Kind {
	return KindGit
}

func (p *GitProvider) Detect(ctx context.Context) bool {
	_, err := p.remoteURL(ctx)
	return err == nil
}

func (p *GitProvider) Resolve(ctx context.Context) (*Info, error) {
	remote, err := p.remoteURL(ctx)
	if err != nil {
		return nil, err
	}

	host, id, ok := ParseRemoteURL(remote)
	if !ok {
		return nil, fmt.Errorf("cannot derive a repository name from remote %q", remote)
	}
	return &Info{ID: id, Host: host, Kind: KindGit}, nil
}

func (p *GitProvider) remoteURL(ctx context.Context) (string, error) {
	out, err := p.run(ctx, p.dir, "remote", "get-url", defaultRemote)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
