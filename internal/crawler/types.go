package crawler

import (
	"time"
)

// HeadingLevel names one of the extracted heading levels.
type HeadingLevel string

// Heading levels captured by the extractor.
const (
	HeadingH1 HeadingLevel = "h1"
	HeadingH2 HeadingLevel = "h2"
	HeadingH3 HeadingLevel = "h3"
)

// HeadingLevels lists the captured levels in rank order.
var HeadingLevels = []HeadingLevel{HeadingH1, HeadingH2, HeadingH3}

// Headings groups heading texts by level, in document order.
type Headings struct {
	H1 []string `json:"h1"`
	H2 []string `json:"h2"`
	H3 []string `json:"h3"`
}

// NewHeadings returns Headings with every level initialised to an empty slice.
func NewHeadings() Headings {
	return Headings{H1: []string{}, H2: []string{}, H3: []string{}}
}

// Level returns the texts recorded for level.
func (h Headings) Level(level HeadingLevel) []string {
	switch level {
	case HeadingH1:
		return h.H1
	case HeadingH2:
		return h.H2
	case HeadingH3:
		return h.H3
	default:
		return nil
	}
}

// Append adds text under level. Unknown levels are ignored.
func (h *Headings) Append(level HeadingLevel, text string) {
	switch level {
	case HeadingH1:
		h.H1 = append(h.H1, text)
	case HeadingH2:
		h.H2 = append(h.H2, text)
	case HeadingH3:
		h.H3 = append(h.H3, text)
	}
}

// Lists holds flattened list items. Each entry is one list element's direct items.
type Lists struct {
	Unordered [][]string `json:"unordered"`
	Ordered   [][]string `json:"ordered"`
}

// NewLists returns Lists with both kinds initialised to empty slices.
func NewLists() Lists {
	return Lists{Unordered: [][]string{}, Ordered: [][]string{}}
}

// PageRecord is the structured content of one crawled page. It is immutable
// once produced by the extractor.
type PageRecord struct {
	URL          string    `json:"url"`
	FetchedAt    time.Time `json:"timestamp"`
	Title        string    `json:"title"`
	TitlePresent bool      `json:"title_present"`
	Headings     Headings  `json:"headings"`
	Paragraphs   []string  `json:"paragraphs"`
	Lists        Lists     `json:"lists"`
	Links        []string  `json:"links"`
}

// NewPageRecord returns an empty record for url with all collections non-nil.
func NewPageRecord(url string, fetchedAt time.Time) PageRecord {
	return PageRecord{
		URL:        url,
		FetchedAt:  fetchedAt,
		Headings:   NewHeadings(),
		Paragraphs: []string{},
		Lists:      NewLists(),
		Links:      []string{},
	}
}

// UnitKind tags the origin of an embedded text fragment.
type UnitKind string

// Unit kinds persisted in the "type" field.
const (
	UnitTitle     UnitKind = "title"
	UnitHeading   UnitKind = "heading"
	UnitParagraph UnitKind = "paragraph"
)

// EmbeddedUnit is one retrievable text fragment with its embedding.
type EmbeddedUnit struct {
	Text      string    `json:"text"`
	Vector    []float32 `json:"embedding"`
	Kind      UnitKind  `json:"type"`
	Level     string    `json:"level,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// CrawlSummary reports the outcome of one crawl run.
type CrawlSummary struct {
	RunID        string        `json:"run_id"`
	SeedURL      string        `json:"seed_url"`
	MaxDepth     int           `json:"max_depth"`
	PagesScraped int           `json:"pages_scraped"`
	UnitsIndexed int           `json:"units_indexed"`
	Indexed      bool          `json:"indexed"`
	Duration     time.Duration `json:"duration"`
}
