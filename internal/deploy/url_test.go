package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectURL(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "prefix tier wins over bare url",
			output: "Website: https://foo.vercel.app\nOther text https://bar.com",
			want:   "https://foo.vercel.app",
		},
		{
			name:   "prefix on a later line beats provider on an earlier line",
			output: "building https://app-123.vercel.app\nPreview: https://preview.example.com/x",
			want:   "https://preview.example.com/x",
		},
		{
			name:   "prefix is case insensitive",
			output: "deployed to: https://site.example.org",
			want:   "https://site.example.org",
		},
		{
			name:   "provider domain",
			output: "Uploading...\nDone! https://my-app.netlify.app (took 3s)",
			want:   "https://my-app.netlify.app",
		},
		{
			name:   "netlify branch subdomain",
			output: "ready at https://fix-abc--site.netlify.app",
			want:   "https://fix-abc--site.netlify.app",
		},
		{
			name:   "bare url",
			output: "done\n  https://staging.example.com/app.  \n",
			want:   "https://staging.example.com/app",
		},
		{
			name:   "bare url on very long line ignored",
			output: longLine("https://too-long.example.com"),
			want:   "",
		},
		{
			name:   "trailing punctuation trimmed",
			output: `URL: https://ok.example.com");`,
			want:   "https://ok.example.com",
		},
		{
			name:   "ansi escapes stripped",
			output: "\x1b[32mPreview:\x1b[0m https://color.example.com",
			want:   "https://color.example.com",
		},
		{
			name:   "http not accepted",
			output: "URL: http://insecure.example.com",
			want:   "",
		},
		{
			name:   "empty",
			output: "   ",
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectURL(tt.output))
		})
	}
}

func longLine(url string) string {
	b := make([]byte, 0, 260)
	for len(b) < 220 {
		b = append(b, '=')
	}
	return string(b) + " " + url
}
