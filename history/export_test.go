// ABOUTME: Tests for the Markdown, HTML, and YAML transcript renderers.
// ABOUTME: Checks headings, optional translation lines, and HTML conversion.
package history

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdownIncludesDaysAndSegments(t *testing.T) {
	days := dayOne()
	days[0].Segments[0].Dialogue[0].DialogueTranslation = "Ohayou"

	md := Markdown(days, ExportOptions{Title: "Seiyo", WithTranslations: true})
	assert.True(t, strings.HasPrefix(md, "# Seiyo\n"))
	assert.Contains(t, md, "## Day 1")
	assert.Contains(t, md, "### Morning")
	assert.Contains(t, md, "- **Aoi**: Good morning")
	assert.Contains(t, md, "_Ohayou_")

	plain := Markdown(days, ExportOptions{})
	assert.NotContains(t, plain, "Ohayou")
	assert.Contains(t, plain, "# Story History")
}

func TestHTMLRendersHeadings(t *testing.T) {
	html, err := HTML(dayOne(), ExportOptions{})
	require.NoError(t, err)
	assert.Contains(t, html, "<h2>Day 1</h2>")
	assert.Contains(t, html, "<strong>Aoi</strong>")
}

func TestYAMLExport(t *testing.T) {
	out, err := YAML(dayOne(), ExportOptions{Title: "Seiyo"})
	require.NoError(t, err)
	assert.Contains(t, out, "title: Seiyo")
	assert.Contains(t, out, "day: 1")
	assert.Contains(t, out, "name: Evening")
	assert.NotContains(t, out, "translation:")
}
