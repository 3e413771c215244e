package source

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/go-github/v56/github"
	"golang.org/x/oauth2"

	"github.com/kalambet/resolv/internal/keywords"
)

// GitHubSource searches closed issues of a set of repositories. Resolved
// issues often carry the fix for a recurring incident.
type GitHubSource struct {
	client *github.Client
	repos  []string
}

// NewGitHubSource creates a source authenticated with token. An empty token
// uses unauthenticated access, which GitHub rate-limits heavily.
func NewGitHubSource(token string, repos []string) *GitHubSource {
	var client *github.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		client = github.NewClient(oauth2.NewClient(context.Background(), ts))
	} else {
		client = github.NewClient(nil)
	}
	return &GitHubSource{client: client, repos: repos}
}

// WithBaseURL points the client at a GitHub Enterprise or test server.
func (g *GitHubSource) WithBaseURL(raw string) (*GitHubSource, error) {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing github base url: %w", err)
	}
	g.client.BaseURL = u
	return g, nil
}

func (g *GitHubSource) System() System { return GitHub }

// Search queries the issue search API. Raw scores decay with rank from 0.9
// for the first hit to 0.5 for the last.
func (g *GitHubSource) Search(ctx context.Context, q Query, limit int) ([]Candidate, error) {
	terms := keywords.GenerateSearchQuery(q.Keywords)
	if terms == "" || limit <= 0 {
		return nil, nil
	}

	var b strings.Builder
	b.WriteString(terms)
	b.WriteString(" is:issue is:closed")
	for _, r := range g.repos {
		b.WriteString(" repo:")
		b.WriteString(r)
	}

	perPage := limit
	if perPage > 100 {
		perPage = 100
	}
	res, _, err := g.client.Search.Issues(ctx, b.String(), &github.SearchOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, fmt.Errorf("searching github issues: %w", err)
	}

	issues := res.Issues
	if len(issues) > limit {
		issues = issues[:limit]
	}
	words := keywords.Words(q.Keywords)
	out := make([]Candidate, 0, len(issues))
	for i, is := range issues {
		score := 0.9
		if len(issues) > 1 {
			score = 0.9 - 0.4*float64(i)/float64(len(issues)-1)
		}
		out = append(out, Candidate{
			System:     GitHub,
			ExternalID: strconv.FormatInt(is.GetID(), 10),
			Title:      is.GetTitle(),
			Snippet:    excerpt(is.GetBody(), words, snippetLen),
			URL:        is.GetHTMLURL(),
			CreatedAt:  is.GetCreatedAt().Time,
			RawScore:   score,
		})
	}
	return out, nil
}
