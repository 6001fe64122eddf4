// Package prompt composes system prompts from prioritized, conditionally
// included fragments.
package prompt

import (
	"context"
	"sort"
	"strings"
)

// Fragment is one candidate piece of the composed prompt. Lower priority
// renders earlier; Predicate nil means always included.
type Fragment struct {
	Name      string
	Priority  int
	Predicate func(ctx context.Context) bool
	Render    func(ctx context.Context) string
}

// Composer holds an ordered fragment set.
type Composer struct {
	fragments []Fragment
}

// NewComposer creates a composer over the given fragments.
func NewComposer(fragments ...Fragment) *Composer {
	return &Composer{fragments: fragments}
}

// Add appends fragments to the set.
func (c *Composer) Add(fragments ...Fragment) {
	c.fragments = append(c.fragments, fragments...)
}

// Compose filters by predicate, orders by priority (stable, so equal
// priorities keep registration order), and joins rendered parts with blank
// lines. Fragments rendering to blank are dropped.
func (c *Composer) Compose(ctx context.Context) string {
	included := make([]Fragment, 0, len(c.fragments))
	for _, f := range c.fragments {
		if f.Predicate == nil || f.Predicate(ctx) {
			included = append(included, f)
		}
	}
	sort.SliceStable(included, func(i, j int) bool {
		return included[i].Priority < included[j].Priority
	})

	parts := make([]string, 0, len(included))
	for _, f := range included {
		if f.Render == nil {
			continue
		}
		if rendered := strings.TrimSpace(f.Render(ctx)); rendered != "" {
			parts = append(parts, rendered)
		}
	}
	return strings.Join(parts, "\n\n")
}

// Static returns a fragment that always renders the given text.
func Static(name string, priority int, text string) Fragment {
	return Fragment{
		Name:     name,
		Priority: priority,
		Render:   func(context.Context) string { return text },
	}
}
