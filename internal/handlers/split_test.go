package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText(t *testing.T) {
	items, err := SplitFile("doc.txt", "abcdefghij", "text")
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, 1, items[0].ChunkIndex)
}

func TestSplitMarkdownByHeaders(t *testing.T) {
	content := "# Intro\nhello\n\n## Details\nworld\n"
	items, err := SplitFile("doc.md", content, "markdown")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Intro", items[0].Summary)
	assert.Equal(t, "Details", items[1].Summary)
	assert.Equal(t, 1, items[0].ChunkIndex)
	assert.Equal(t, 2, items[1].ChunkIndex)
}

func TestSplitMarkdownNoHeaders(t *testing.T) {
	items, err := SplitFile("doc.md", "just plain text, no headers", "markdown")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "", items[0].Summary)
}

func TestSplitToken(t *testing.T) {
	content := ""
	for i := 0; i < 850; i++ {
		content += "word "
	}
	items, err := SplitFile("doc.txt", content, "token")
	require.NoError(t, err)
	assert.True(t, len(items) >= 2)
}

func TestSplitCode(t *testing.T) {
	content := "func A() {}\n\nfunc B() {}\n"
	items, err := SplitFile("main.go", content, "code")
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestSplitUnknownStrategy(t *testing.T) {
	_, err := SplitFile("doc.txt", "x", "bogus")
	assert.Error(t, err)
}

func TestExtractMarkdownTOC(t *testing.T) {
	content := "# A\ntext\n## B\ntext\n### C\n"
	toc := ExtractMarkdownTOC(content)
	require.Len(t, toc, 3)
	assert.Equal(t, 1, toc[0].Level)
	assert.Equal(t, "A", toc[0].Title)
	assert.Equal(t, 3, toc[2].Level)
}
