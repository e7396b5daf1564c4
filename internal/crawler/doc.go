// Package crawler holds the page and embedded-unit model, the error taxonomy,
// and the level-synchronous breadth-first Crawler that drives a Fetcher and an
// Extractor across one domain.
package crawler
