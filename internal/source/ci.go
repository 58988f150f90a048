package source

import (
	"context"
	"os"
	"strings"
)

// ciVariable names an environment variable holding "owner/name" and the host
// its CI system serves
type ciVariable struct {
	name    string
	hostVar string
	host    string
}

var ciVariables = []ciVariable{
	{name: "GITHUB_REPOSITORY", hostVar: "GITHUB_SERVER_URL", host: "github.com"},
	{name: "CI_PROJECT_PATH", hostVar: "CI_SERVER_HOST", host: "gitlab.com"},
	{name: "BITBUCKET_REPO_FULL_NAME", host: "bitbucket.org"},
}

// CIProvider reads the repository from well-known CI environment variables
type CIProvider struct {
	getenv func(string) string
}

// NewCIProvider creates a provider reading variables through getenv, or
// os.Getenv when nil
func NewCIProvider(getenv func(string) string) *CIProvider {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &CIProvider{getenv: getenv}
}

func (p *CIProvider) Name() Kind {
	return KindCI
}

func (p *CIProvider) Detect(_ context.Context) bool {
	_, ok := p.lookup()
	return ok
}

func (p *CIProvider) Resolve(_ context.Context) (*Info, error) {
	v, ok := p.lookup()
	if !ok {
		return nil, ErrNoProviderDetected
	}

	host := v.host
	if v.hostVar != "" {
		if h := p.getenv(v.hostVar); h != "" {
			host = strings.TrimPrefix(strings.TrimPrefix(h, "https://"), "http://")
		}
	}

	return &Info{
		ID:   strings.Trim(p.getenv(v.name), "/"),
		Host: host,
		Kind: KindCI,
	}, nil
}

func (p *CIProvider) lookup() (ciVariable, bool) {
	for _, v := range ciVariables {
		if strings.Contains(p.getenv(v.name), "/") {
			return v, true
		}
	}
	return ciVariable{}, false
}
