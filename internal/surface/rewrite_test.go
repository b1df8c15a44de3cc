package surface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewriteRelativeRefs(t *testing.T) {
	rw := NewRewriter(func(ref string) string {
		return "appdeck-resource://assets/" + ref
	})

	in := `<html><head><link rel="stylesheet" href="style.css"></head>` +
		`<body><img src="img/logo.png"><script src="main.js"></script></body></html>`

	out, err := rw.Rewrite(in)
	require.NoError(t, err)

	assert.Contains(t, out, `href="appdeck-resource://assets/style.css"`)
	assert.Contains(t, out, `src="appdeck-resource://assets/img/logo.png"`)
	assert.Contains(t, out, `src="appdeck-resource://assets/main.js"`)
}

func TestRewriteLeavesAbsoluteRefs(t *testing.T) {
	rw := NewRewriter(func(ref string) string { return "REWRITTEN" })

	in := `<body>` +
		`<img src="https://example.com/a.png">` +
		`<img src="//cdn.example.com/b.png">` +
		`<img src="data:image/png;base64,xyz">` +
		`</body>`

	out, err := rw.Rewrite(in)
	require.NoError(t, err)
	assert.NotContains(t, out, "REWRITTEN")
}

func TestRewriteInjectsShim(t *testing.T) {
	rw := NewRewriter(nil)

	out, err := rw.Rewrite("<p>plain</p>")
	require.NoError(t, err)
	assert.Contains(t, out, "window.appdeck")
	assert.Contains(t, out, "<script>")
}

func TestIsRelativeRef(t *testing.T) {
	cases := map[string]bool{
		"style.css":              true,
		"img/logo.png":           true,
		"/abs/path.js":           true,
		"./x.js":                 true,
		"https://example.com/x":  false,
		"data:image/png;base64,": false,
		"//cdn.example.com/x":    false,
		"#anchor":                false,
		"vscode-resource://x":    false,
	}
	for ref, want := range cases {
		assert.Equal(t, want, isRelativeRef(ref), "ref %q", ref)
	}
}
