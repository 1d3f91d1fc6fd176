package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Variable names set by ContextBuilder.
const (
	VarInput      = "input"
	VarWafContext = "wafContext"

	snippetsPreamble = "Consider the following contextual snippets:"
)

// Searcher finds snippets similar to a query.
type Searcher interface {
	Search(ctx context.Context, collection, query string, k int) ([]Match, error)
}

// ContextOptions configures a ContextBuilder.
type ContextOptions struct {
	Enabled bool
	TopK    int
	Timeout time.Duration
	Logger  *slog.Logger
}

// ContextBuilder assembles generation variables.
type ContextBuilder struct {
	searcher Searcher
	opts     ContextOptions
	logger   *slog.Logger
}

// NewContextBuilder creates a ContextBuilder. A nil searcher disables retrieval.
func NewContextBuilder(searcher Searcher, opts ContextOptions) *ContextBuilder {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &ContextBuilder{searcher: searcher, opts: opts, logger: opts.Logger}
}

// Enabled reports whether memory retrieval runs.
func (b *ContextBuilder) Enabled() bool {
	return b != nil && b.opts.Enabled && b.searcher != nil
}

// Build returns the variables for ask. Retrieval failures leave out wafContext.
func (b *ContextBuilder) Build(ctx context.Context, collection, ask string) map[string]string {
	vars := map[string]string{VarInput: ask}
	if !b.Enabled() {
		return vars
	}

	lctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()
	matches, err := b.searcher.Search(lctx, collection, ask, b.opts.TopK)
	if err != nil {
		b.logger.Warn("Memory lookup failed, continuing without context",
			"collection", collection, "error", err)
		return vars
	}
	if len(matches) == 0 {
		b.logger.Debug("Memory lookup returned no snippets", "collection", collection)
		return vars
	}

	var sb strings.Builder
	sb.WriteString(snippetsPreamble)
	for _, m := range matches {
		sb.WriteString("\n ")
		sb.WriteString(m.Text)
	}
	vars[VarWafContext] = sb.String()
	return vars
}
