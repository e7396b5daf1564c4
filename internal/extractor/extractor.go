// Package extractor turns fetched HTML into crawler.PageRecord values using
// goquery selectors.
package extractor

import (
	"bytes"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/siteground/internal/crawler"
)

// HTML extracts title, h1-h3 headings, paragraphs, lists and absolute links.
// It is stateless and safe for concurrent use.
type HTML struct{}

// New returns an HTML extractor.
func New() *HTML {
	return &HTML{}
}

var _ crawler.Extractor = (*HTML)(nil)

// Extract parses markup. Unreadable input yields an empty record together with
// a *crawler.ParseError.
func (e *HTML) Extract(url string, markup []byte, fetchedAt time.Time) (crawler.PageRecord, error) {
	rec := crawler.NewPageRecord(url, fetchedAt)

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return rec, &crawler.ParseError{URL: url, Err: err}
	}

	if title := doc.Find("title").First(); title.Length() > 0 {
		rec.Title = strings.TrimSpace(title.Text())
		rec.TitlePresent = true
	}

	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		rec.Headings.Append(crawler.HeadingLevel(goquery.NodeName(s)), strings.TrimSpace(s.Text()))
	})

	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		rec.Paragraphs = append(rec.Paragraphs, strings.TrimSpace(s.Text()))
	})

	rec.Lists.Unordered = listItems(doc, "ul")
	rec.Lists.Ordered = listItems(doc, "ol")

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if IsAbsoluteLink(href) {
			rec.Links = append(rec.Links, href)
		}
	})

	return rec, nil
}

// listItems returns, for each list element matching tag, the trimmed text of
// its direct li children. Nested lists appear as their own entries.
func listItems(doc *goquery.Document, tag string) [][]string {
	lists := [][]string{}
	doc.Find(tag).Each(func(_ int, list *goquery.Selection) {
		items := []string{}
		list.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
			items = append(items, strings.TrimSpace(li.Text()))
		})
		lists = append(lists, items)
	})
	return lists
}

// IsAbsoluteLink reports whether href is kept as a crawl candidate. Only
// hrefs starting with "http://" or "https://" (case-sensitive) qualify.
func IsAbsoluteLink(href string) bool {
	return strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://")
}
