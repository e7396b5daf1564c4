package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteground/internal/pipeline"
)

// newCrawlCmd creates the 'crawl' subcommand. Flags left unset fall back to
// default_url, max_depth and index_on_crawl from the configuration.
func newCrawlCmd() *cobra.Command {
	var (
		url      string
		maxDepth int
		index    bool
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site and save the page snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := pipeline.CrawlRequest{URL: url}
			if cmd.Flags().Changed("max-depth") {
				req.MaxDepth = &maxDepth
			}
			if cmd.Flags().Changed("index") {
				req.Index = &index
			}
			summary, err := a.Pipeline.Crawl(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "seed URL (default from config)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", pipeline.DefaultMaxDepth, "number of levels to crawl")
	cmd.Flags().BoolVar(&index, "index", false, "embed the crawled pages after saving them")
	return cmd
}
