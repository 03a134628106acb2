package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractModifiedFiles(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "bullet section",
			text: "All fixed.\n\nModified files:\n- `src/pages/about.tsx`\n* styles/main.css\n• README.md\n\nThanks",
			want: []string{"README.md", "src/pages/about.tsx", "styles/main.css"},
		},
		{
			name: "inline paths",
			text: "I updated ./components/Button.tsx and next.config.js, see https://example.com/x.js",
			want: []string{"./components/Button.tsx", "next.config.js"},
		},
		{
			name: "longest extension wins",
			text: "touched package.json and main.cpp",
			want: []string{"main.cpp", "package.json"},
		},
		{
			name: "bullet with prose is dropped but inline path kept",
			text: "Changed files:\n- src/app.ts (added header)\n",
			want: []string{"src/app.ts"},
		},
		{
			name: "nothing",
			text: "No changes were necessary.",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractModifiedFiles(tt.text))
		})
	}
}

func TestLooksLikeFilepath(t *testing.T) {
	assert.True(t, looksLikeFilepath("a.go"))
	assert.True(t, looksLikeFilepath(`my\ file.ts`))
	assert.False(t, looksLikeFilepath("ab"))
	assert.False(t, looksLikeFilepath("Makefile"))
	assert.False(t, looksLikeFilepath("two words.ts"))
	assert.False(t, looksLikeFilepath("https://x.io/a.js"))
}
