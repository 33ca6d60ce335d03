package agent

import (
	"context"

	"github.com/nugget/mcp-agent/internal/tools"
)

// ToolSource discovers the tools available for one step. The returned
// release function must be called once the step is done with the
// registry. *mcp.Bridge implements ToolSource.
type ToolSource interface {
	OpenTools(ctx context.Context) (*tools.Registry, func(), error)
}

// StaticTools serves the same registry to every step. It suits
// in-process tools and tests.
type StaticTools struct {
	Registry *tools.Registry
}

// OpenTools returns the fixed registry.
func (s StaticTools) OpenTools(context.Context) (*tools.Registry, func(), error) {
	r := s.Registry
	if r == nil {
		r = tools.NewRegistry()
	}
	return r, func() {}, nil
}
