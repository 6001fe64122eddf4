package prompt

import (
	"context"
	"testing"
)

func TestComposeOrdersByPriority(t *testing.T) {
	c := NewComposer(
		Static("closing", 100, "Closing."),
		Static("intro", 0, "Intro."),
		Static("middle", 50, "Middle."),
	)

	got := c.Compose(context.Background())
	want := "Intro.\n\nMiddle.\n\nClosing."
	if got != want {
		t.Fatalf("composed = %q, want %q", got, want)
	}
}

func TestComposeFiltersByPredicate(t *testing.T) {
	included := false
	c := NewComposer(
		Static("base", 0, "Base."),
		Fragment{
			Name:      "conditional",
			Priority:  10,
			Predicate: func(context.Context) bool { return included },
			Render:    func(context.Context) string { return "Extra." },
		},
	)

	if got := c.Compose(context.Background()); got != "Base." {
		t.Fatalf("composed = %q, want predicate to exclude", got)
	}
	included = true
	if got := c.Compose(context.Background()); got != "Base.\n\nExtra." {
		t.Fatalf("composed = %q", got)
	}
}

func TestComposeIsStableForEqualPriorities(t *testing.T) {
	c := NewComposer(
		Static("first", 5, "one"),
		Static("second", 5, "two"),
		Static("third", 5, "three"),
	)
	if got := c.Compose(context.Background()); got != "one\n\ntwo\n\nthree" {
		t.Fatalf("composed = %q, want registration order preserved", got)
	}
}

func TestComposeDropsBlankFragments(t *testing.T) {
	c := NewComposer(
		Static("blank", 0, "   "),
		Static("real", 1, "content"),
		Fragment{Name: "nil-render", Priority: 2},
	)
	if got := c.Compose(context.Background()); got != "content" {
		t.Fatalf("composed = %q", got)
	}
}
