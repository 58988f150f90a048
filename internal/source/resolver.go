// Package source works out which repository the processed commits belong to,
// so notifications and Pub/Sub ordering keys can name it.
package source

import (
	"context"
	"errors"
	"strings"
)

// Kind identifies where the repository identity came from
type Kind string

const (
	KindUnknown Kind = "unknown"
	KindCI      Kind = "ci"
	KindGit     Kind = "git"
)

// Info identifies a repository
type Info struct {
	// ID is "owner/name" where the host uses that layout
	ID   string
	Host string
	Kind Kind
}

// ErrNoProviderDetected is returned when no provider recognizes the environment
var ErrNoProviderDetected = errors.New("no repository source detected")

// Provider resolves the repository identity from one kind of environment
type Provider interface {
	Name() Kind
	// Detect reports whether the provider can resolve in this environment
	Detect(ctx context.Context) bool
	Resolve(ctx context.Context) (*Info, error)
}

// Resolver tries providers in order, CI variables first
type Resolver struct {
	providers []Provider
}

// NewResolver creates a resolver for the working copy at dir
func NewResolver(dir string) *Resolver {
	return &Resolver{
		providers: []Provider{
			NewCIProvider(nil),
			NewGitProvider(dir, nil),
		},
	}
}

// Resolve returns the identity from the first provider that detects its
// environment
func (r *Resolver) Resolve(ctx context.Context) (*Info, error) {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Resolve(ctx)
		}
	}
	return nil, ErrNoProviderDetected
}

// DetectProvider returns the provider that would resolve, without resolving
func (r *Resolver) DetectProvider(ctx context.Context) Kind {
	for _, provider := range r.providers {
		if provider.Detect(ctx) {
			return provider.Name()
		}
	}
	return KindUnknown
}

// ParseRemoteURL extracts host and "owner/name" from a git remote URL in
// scp-like (git@host:owner/name.git) or URL form (https://host/owner/name)
func ParseRemoteURL(remote string) (host, id string, ok bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return "", "", false
	}

	var path string
	if i := strings.Index(remote, "://"); i >= 0 {
		rest := remote[i+3:]
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return "", "", false
		}
		host, path = rest[:slash], rest[slash+1:]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		if colon := strings.Index(host, ":"); colon >= 0 {
			host = host[:colon]
		}
	} else {
		colon := strings.Index(remote, ":")
		if colon < 0 {
			return "", "", false
		}
		host, path = remote[:colon], remote[colon+1:]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	if host == "" || !strings.Contains(path, "/") {
		return "", "", false
	}
	return host, path, true
}
