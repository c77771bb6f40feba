package ui

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "add retries", 20, "add retries"},
		{"exact", "abcde", 5, "abcde"},
		{"long", "harden the merge pipeline", 10, "harden ..."},
		{"multiline folded", "one\ntwo\n\tthree", 40, "one two three"},
		{"tiny limit", "abcdef", 2, "..."},
		{"runes", "héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.max))
		})
	}
}

func TestWrap(t *testing.T) {
	got := Wrap("the quick brown fox jumps\nover", 10)
	assert.Equal(t, "the quick\nbrown fox\njumps\nover", got)

	for _, line := range strings.Split(Wrap(strings.Repeat("word ", 50), 24), "\n") {
		assert.LessOrEqual(t, len(line), 24)
	}
	assert.Equal(t, "", Wrap("", 10))
}

func TestRenderStateMarksOutcome(t *testing.T) {
	assert.Contains(t, RenderState("merged"), IconPass)
	assert.Contains(t, RenderState("blocked"), IconFail)
	assert.Contains(t, RenderState("awaiting_approval"), IconWarn)
	assert.Contains(t, RenderState("pending"), "pending")
}

func TestShouldUseColorHonorsNoColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	t.Setenv("CLICOLOR_FORCE", "1")
	assert.False(t, ShouldUseColor())
}

func TestShouldUseColorForce(t *testing.T) {
	t.Setenv("CLICOLOR_FORCE", "1")
	// t.Setenv cannot unset; NO_COLOR must be absent for this case.
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		t.Skip("NO_COLOR set in environment")
	}
	assert.True(t, ShouldUseColor())
}

func TestWidthFallsBackOffTerminal(t *testing.T) {
	if IsTerminal() {
		t.Skip("stdout is a terminal")
	}
	assert.Equal(t, DefaultWidth, Width())
}
