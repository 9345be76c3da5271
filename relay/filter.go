package relay

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by queue name using glob patterns
type GlobFilter struct {
	queueGlobs []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(queuePatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		queueGlobs: make([]glob.Glob, 0, len(queuePatterns)),
	}

	for _, pattern := range queuePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid queue pattern %q: %w", pattern, err)
		}
		filter.queueGlobs = append(filter.queueGlobs, g)
	}

	return filter, nil
}

// Match returns true if the queue matches any configured pattern
func (f *GlobFilter) Match(queue string) bool {
	if len(f.queueGlobs) == 0 {
		return true
	}
	for _, g := range f.queueGlobs {
		if g.Match(queue) {
			return true
		}
	}
	return false
}
