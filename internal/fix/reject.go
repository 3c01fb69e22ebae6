package fix

import (
	"fmt"
	"strings"

	"fix_provider/internal/domain"
)

// RejectPattern maps a fragment of broker reject text to a class.
type RejectPattern struct {
	Class domain.RejectClass
	Text  string
}

// DefaultRejectPatterns are the broker reject texts known to be recoverable.
func DefaultRejectPatterns() []RejectPattern {
	return []RejectPattern{
		{Class: domain.RejectOrderGone, Text: "No such order"},
		{Class: domain.RejectOrderGone, Text: "already filled or canceled"},
		{Class: domain.RejectResync, Text: "Order Server Offline"},
		{Class: domain.RejectRetry, Text: "rate limit"},
		{Class: domain.RejectRetry, Text: "try again"},
	}
}

// RejectClassifier is the single place broker reject text is interpreted.
type RejectClassifier struct {
	patterns []RejectPattern
}

// NewRejectClassifier builds a classifier from "class:text" entries. An empty
// list selects DefaultRejectPatterns.
func NewRejectClassifier(entries []string) (*RejectClassifier, error) {
	if len(entries) == 0 {
		return &RejectClassifier{patterns: DefaultRejectPatterns()}, nil
	}
	patterns := make([]RejectPattern, 0, len(entries))
	for _, entry := range entries {
		name, text, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("reject pattern %q: want class:text", entry)
		}
		class, err := parseRejectClass(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, RejectPattern{Class: class, Text: strings.TrimSpace(text)})
	}
	return &RejectClassifier{patterns: patterns}, nil
}

// Classify returns the class of the first pattern contained in text
// (case-insensitive), or RejectUnknown.
func (c *RejectClassifier) Classify(text string) domain.RejectClass {
	lower := strings.ToLower(text)
	for _, p := range c.patterns {
		if strings.Contains(lower, strings.ToLower(p.Text)) {
			return p.Class
		}
	}
	return domain.RejectUnknown
}

func parseRejectClass(name string) (domain.RejectClass, error) {
	for _, c := range []domain.RejectClass{domain.RejectOrderGone, domain.RejectRetry, domain.RejectResync} {
		if c.String() == name {
			return c, nil
		}
	}
	return domain.RejectUnknown, fmt.Errorf("unknown reject class %q", name)
}
