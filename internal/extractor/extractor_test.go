package extractor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fetchedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestExtractFullPage(t *testing.T) {
	t.Parallel()

	markup := `<!doctype html>
<html>
<head><title>  Example Domain  </title></head>
<body>
  <h1> Welcome </h1>
  <p>First paragraph.</p>
  <h2>Section A</h2>
  <h3>Detail</h3>
  <p>   </p>
  <h2>Section B</h2>
  <ul><li> one </li><li>two</li></ul>
  <ol><li>first</li></ol>
  <a href="https://x.com/about">About</a>
  <a href="/about">Relative</a>
  <a href="http://plain.test/">Plain</a>
  <a href="mailto:me@x.com">Mail</a>
  <a>No href</a>
</body>
</html>`

	rec, err := New().Extract("https://x.com/", []byte(markup), fetchedAt)
	require.NoError(t, err)

	assert.Equal(t, "https://x.com/", rec.URL)
	assert.Equal(t, fetchedAt, rec.FetchedAt)
	assert.Equal(t, "Example Domain", rec.Title)
	assert.True(t, rec.TitlePresent)
	assert.Equal(t, []string{"Welcome"}, rec.Headings.H1)
	assert.Equal(t, []string{"Section A", "Section B"}, rec.Headings.H2)
	assert.Equal(t, []string{"Detail"}, rec.Headings.H3)
	assert.Equal(t, []string{"First paragraph.", ""}, rec.Paragraphs)
	assert.Equal(t, [][]string{{"one", "two"}}, rec.Lists.Unordered)
	assert.Equal(t, [][]string{{"first"}}, rec.Lists.Ordered)
	assert.Equal(t, []string{"https://x.com/about", "http://plain.test/"}, rec.Links)
}

func TestExtractMissingTitle(t *testing.T) {
	t.Parallel()

	rec, err := New().Extract("https://x.com/", []byte(`<html><body><p>hi</p></body></html>`), fetchedAt)
	require.NoError(t, err)
	assert.Empty(t, rec.Title)
	assert.False(t, rec.TitlePresent)
	assert.Equal(t, []string{"hi"}, rec.Paragraphs)
}

func TestExtractEmptyTitleIsPresent(t *testing.T) {
	t.Parallel()

	rec, err := New().Extract("https://x.com/", []byte(`<html><head><title></title></head></html>`), fetchedAt)
	require.NoError(t, err)
	assert.Empty(t, rec.Title)
	assert.True(t, rec.TitlePresent)
}

func TestExtractEmptyMarkup(t *testing.T) {
	t.Parallel()

	rec, err := New().Extract("https://x.com/", nil, fetchedAt)
	require.NoError(t, err)
	assert.NotNil(t, rec.Links)
	assert.NotNil(t, rec.Paragraphs)
	assert.NotNil(t, rec.Headings.H1)
	assert.NotNil(t, rec.Lists.Unordered)
	assert.Empty(t, rec.Links)
}

func TestExtractNestedLists(t *testing.T) {
	t.Parallel()

	markup := `<ul><li>outer<ul><li>inner</li></ul></li><li>second</li></ul>`
	rec, err := New().Extract("https://x.com/", []byte(markup), fetchedAt)
	require.NoError(t, err)
	require.Len(t, rec.Lists.Unordered, 2)
	assert.Equal(t, []string{"outerinner", "second"}, rec.Lists.Unordered[0])
	assert.Equal(t, []string{"inner"}, rec.Lists.Unordered[1])
}

func TestExtractKeepsDuplicateLinks(t *testing.T) {
	t.Parallel()

	markup := `<a href="https://x.com/a">1</a><a href="https://x.com/a">2</a>`
	rec, err := New().Extract("https://x.com/", []byte(markup), fetchedAt)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x.com/a", "https://x.com/a"}, rec.Links)
}

func TestIsAbsoluteLink(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		href     string
		expected bool
	}{
		{"https://x.com/about", true},
		{"http://x.com", true},
		{"/about", false},
		{"about", false},
		{"HTTPS://x.com", false},
		{"ftp://x.com", false},
		{"", false},
		{"//cdn.x.com/lib.js", false},
	}

	for _, tc := range testCases {
		t.Run(tc.href, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, IsAbsoluteLink(tc.href))
		})
	}
}
