package gitops

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
)

// PullRequest is the subset of hosting-provider PR state the automator
// consumes.
type PullRequest struct {
	Number int
	URL    string
	Head   string
	Base   string
}

// PullRequests is the hosting-provider interface for completion automation.
// ListOpen exists so PR creation can be made idempotent: a duplicate open PR
// for the head branch is adopted, not recreated.
type PullRequests interface {
	Create(ctx context.Context, owner, repo, head, base, title, body string) (*PullRequest, error)
	ListOpen(ctx context.Context, owner, repo, head string) ([]PullRequest, error)
}

// GitHubClient implements PullRequests against the GitHub REST API.
type GitHubClient struct {
	client *github.Client
}

// NewGitHubClient builds a client. An empty token uses unauthenticated
// access, which is only useful in tests.
func NewGitHubClient(ctx context.Context, token string) *GitHubClient {
	var gh *github.Client
	if token == "" {
		gh = github.NewClient(nil)
	} else {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		gh = github.NewClient(oauth2.NewClient(ctx, ts))
	}
	return &GitHubClient{client: gh}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func (c *GitHubClient) WithBaseURL(baseURL string) (*GitHubClient, error) {
	client, err := c.client.WithEnterpriseURLs(baseURL, baseURL)
	if err != nil {
		return nil, err
	}
	return &GitHubClient{client: client}, nil
}

// Create implements PullRequests.
func (c *GitHubClient) Create(ctx context.Context, owner, repo, head, base, title, body string) (*PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request %s -> %s: %w", head, base, err)
	}
	return &PullRequest{
		Number: pr.GetNumber(),
		URL:    pr.GetHTMLURL(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}, nil
}

// ListOpen implements PullRequests.
func (c *GitHubClient) ListOpen(ctx context.Context, owner, repo, head string) ([]PullRequest, error) {
	prs, _, err := c.client.PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + head,
	})
	if err != nil {
		return nil, fmt.Errorf("list open pull requests for %s: %w", head, err)
	}
	out := make([]PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, PullRequest{
			Number: pr.GetNumber(),
			URL:    pr.GetHTMLURL(),
			Head:   pr.GetHead().GetRef(),
			Base:   pr.GetBase().GetRef(),
		})
	}
	return out, nil
}

// ParseRepoURL extracts owner and repository name from an HTTPS or SSH
// GitHub remote URL.
func ParseRepoURL(url string) (owner, repo string, err error) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(url), ".git")

	switch {
	case strings.HasPrefix(trimmed, "git@"):
		// git@github.com:owner/repo
		_, after, found := strings.Cut(trimmed, ":")
		if !found {
			return "", "", fmt.Errorf("unrecognized repository url: %s", url)
		}
		trimmed = after
	case strings.Contains(trimmed, "://"):
		// https://github.com/owner/repo
		_, after, _ := strings.Cut(trimmed, "://")
		parts := strings.SplitN(after, "/", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("unrecognized repository url: %s", url)
		}
		trimmed = parts[1]
	}

	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("unrecognized repository url: %s", url)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}
