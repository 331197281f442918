package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter gates local fanout with glob allow-lists over subscription
// fields and derived topics. Empty patterns match everything.
type GlobFilter struct {
	fieldGlobs []glob.Glob
	topicGlobs []glob.Glob
}

// NewGlobFilter compiles the given patterns into a filter.
func NewGlobFilter(fieldPatterns, topicPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		fieldGlobs: make([]glob.Glob, 0, len(fieldPatterns)),
		topicGlobs: make([]glob.Glob, 0, len(topicPatterns)),
	}

	for _, pattern := range fieldPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid field pattern %q: %w", pattern, err)
		}
		filter.fieldGlobs = append(filter.fieldGlobs, g)
	}

	for _, pattern := range topicPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid topic pattern %q: %w", pattern, err)
		}
		filter.topicGlobs = append(filter.topicGlobs, g)
	}

	return filter, nil
}

// Match returns true if both the field and the topic pass their allow-lists.
func (f *GlobFilter) Match(field, topic string) bool {
	fieldMatch := len(f.fieldGlobs) == 0
	if !fieldMatch {
		for _, g := range f.fieldGlobs {
			if g.Match(field) {
				fieldMatch = true
				break
			}
		}
	}

	// If the field is not allowed, the topic never matters
	if !fieldMatch {
		return false
	}

	topicMatch := len(f.topicGlobs) == 0
	if !topicMatch {
		for _, g := range f.topicGlobs {
			if g.Match(topic) {
				topicMatch = true
				break
			}
		}
	}

	return topicMatch
}
