// Package cmd defines the CLI commands for the siteground executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteground/internal/app"
	"github.com/JakeFAU/siteground/internal/config"
	"github.com/JakeFAU/siteground/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It is a variable so tests can build the
// App from an in-memory configuration.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger, app.Options{})
}

// newRootCmd creates the root command and its subcommands. The returned
// cleanup closes the App built for the executed command, if any, and must run
// even when the command fails.
func newRootCmd() (*cobra.Command, func() error) {
	var (
		cfgFile     string
		appInstance *app.App
	)
	cmd := &cobra.Command{
		Use:   "siteground",
		Short: "Crawl one site and answer questions grounded in its content.",
		Long: `siteground crawls a website breadth-first, stores the extracted pages,
embeds their text, and answers questions using the most similar passages as
context. It runs as an HTTP service (serve) or one command at a time.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			appInstance = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newCrawlCmd(),
		newIndexCmd(),
		newQueryCmd(),
		newPagesCmd(),
		newRunsCmd(),
	)
	cleanup := func() error {
		if appInstance == nil {
			return nil
		}
		closeErr := appInstance.Close()
		return errors.Join(closeErr, logging.Sync(appInstance.Logger))
	}
	return cmd, cleanup
}

// Execute runs the root command and releases the services it built.
func Execute(ctx context.Context) error {
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	return errors.Join(err, cleanup())
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
