// Package app wires CLI invocations to a workspace: config loading and
// active-graph resolution shared by every mf subcommand.
package app

import (
	"context"
	"fmt"

	"matflow/internal/config"
	"matflow/internal/repo"
)

// ResolveGraph picks the active graph for a command. An explicit override
// wins; otherwise a workspace holding exactly one graph selects it, and
// anything else asks the user to disambiguate.
func ResolveGraph(ctx context.Context, graphOverride string, r repo.Repo) (string, error) {
	if graphOverride != "" {
		if _, err := r.GetGraph(ctx, graphOverride); err != nil {
			return "", fmt.Errorf("graph %s: %w", graphOverride, err)
		}
		return graphOverride, nil
	}
	graphs, err := r.ListGraphs(ctx, repo.GraphFilters{})
	if err != nil {
		return "", err
	}
	switch len(graphs) {
	case 0:
		return "", fmt.Errorf("no graphs in workspace; create one with mf graph create")
	case 1:
		return graphs[0].ID, nil
	default:
		return "", fmt.Errorf("multiple graphs in workspace; pick one with --graph")
	}
}

// LoadConfig returns workspace config, falling back to defaults when no
// matflow.yml exists.
func LoadConfig(workspace string) (*config.Config, error) {
	return config.LoadOptional(workspace)
}
