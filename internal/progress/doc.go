// Package progress carries crawl progress events from the crawler and the
// pipeline to sinks. The Hub batches events on a background goroutine so
// emitters never block on logging or metrics.
package progress
