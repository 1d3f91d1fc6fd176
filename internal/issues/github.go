// Package issues creates tracker issues for persona operations.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v66/github"
)

// Request describes an issue to open.
type Request struct {
	Label        string
	Org          string
	Repo         string
	Input        string
	ParentNumber int64
}

// Issue is a created issue.
type Issue struct {
	Number  int64  `json:"number"`
	HTMLURL string `json:"htmlUrl"`
	Org     string `json:"org"`
	Repo    string `json:"repo"`
}

// Tracker opens issues.
type Tracker interface {
	CreateIssue(ctx context.Context, req Request) (*Issue, error)
}

// GitHubTracker opens issues through the GitHub REST API.
type GitHubTracker struct {
	client *github.Client
	logger *slog.Logger
}

// NewGitHubTracker creates a tracker. apiURL selects a GitHub Enterprise
// server; empty means api.github.com. httpClient may be nil.
func NewGitHubTracker(token, apiURL string, httpClient *http.Client, logger *slog.Logger) (*GitHubTracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := github.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if apiURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("invalid GitHub API URL %q: %w", apiURL, err)
		}
	}
	return &GitHubTracker{client: client, logger: logger}, nil
}

// CreateIssue implements Tracker. The issue is labeled with req.Label and with
// a Parent.<n> label linking it to its parent issue.
func (t *GitHubTracker) CreateIssue(ctx context.Context, req Request) (*Issue, error) {
	if req.Org == "" || req.Repo == "" {
		return nil, errors.New("org and repo are required")
	}

	labels := []string{req.Label}
	if req.ParentNumber > 0 {
		labels = append(labels, fmt.Sprintf("Parent.%d", req.ParentNumber))
	}
	body := req.Input
	if strings.TrimSpace(body) == "" {
		body = "_No description provided._"
	}
	issueReq := &github.IssueRequest{
		Title:  github.String(title(req)),
		Body:   github.String(body),
		Labels: &labels,
	}

	created, _, err := t.client.Issues.Create(ctx, req.Org, req.Repo, issueReq)
	if err != nil {
		t.logger.Error("Failed to create issue",
			"org", req.Org,
			"repo", req.Repo,
			"label", req.Label,
			"parent_number", req.ParentNumber,
			"error", err)
		return nil, fmt.Errorf("create issue in %s/%s: %w", req.Org, req.Repo, err)
	}

	issue := &Issue{
		Number:  int64(created.GetNumber()),
		HTMLURL: created.GetHTMLURL(),
		Org:     req.Org,
		Repo:    req.Repo,
	}
	t.logger.Info("Issue created",
		"org", req.Org,
		"repo", req.Repo,
		"number", issue.Number,
		"label", req.Label)
	return issue, nil
}

func title(req Request) string {
	if req.ParentNumber > 0 {
		return fmt.Sprintf("%s chain for #%d", req.Label, req.ParentNumber)
	}
	return req.Label + " chain"
}

// Ensure GitHubTracker implements Tracker.
var _ Tracker = (*GitHubTracker)(nil)
