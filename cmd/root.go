// Package cmd implements the turnstile-solver command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/turnstile-solver/internal/config"
	"github.com/JakeFAU/turnstile-solver/internal/server"
)

// App is the part of the built application the command drives.
type App interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can swap in a
// fake that records the loaded configuration.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "turnstile-solver",
		Short: "HTTP service that solves Cloudflare Turnstile challenges with a browser pool.",
		Long: `turnstile-solver accepts challenge submissions over HTTP, renders each one
in a pooled browser and stores the resulting token for clients to poll.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			app, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, optional)")
	flags.Bool("headless", true, "run the browser in headless mode")
	flags.String("useragent", "", "custom User-Agent string")
	flags.Bool("debug", false, "enable debug logging")
	flags.String("browser-type", "chromium", "browser engine: chromium, firefox or webkit")
	flags.Int("thread", 1, "number of browser workers")
	flags.Bool("proxy", false, "pick a proxy from proxy.file for each task")
	flags.String("host", "127.0.0.1", "IP address to bind")
	flags.Int("port", 5000, "port to listen on")

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
