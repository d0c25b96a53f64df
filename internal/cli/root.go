package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/config"
	"github.com/roach88/pump/internal/engine"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/pusher"
	"github.com/roach88/pump/internal/subscriber"
	"github.com/roach88/pump/internal/transport"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	EnvFile string

	// Fetcher, Channel and IDs override the HTTP fetcher, the Pusher
	// provider and the engine id generator (for testing).
	Fetcher transport.Fetcher
	Channel subscriber.ChannelProvider
	IDs     engine.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pump CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pump",
		Short: "pump - live draft content sync",
		Long: `Fetch content queries once, or keep them live.

In draft mode (BASEHUB_DRAFT=true) queries are bootstrapped through the
pump endpoint and refetched whenever the push channel reports a content
change. Otherwise they are resolved once against the GraphQL API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			setupLogging(cmd.ErrOrStderr(), opts.Verbose)
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "load environment from this file instead of ./.env")

	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// setupLogging installs a text slog handler on w as the default logger.
func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid environment", err)
	}
	return cfg, nil
}

func (o *RootOptions) fetcher(cfg *config.Config) transport.Fetcher {
	if o.Fetcher != nil {
		return o.Fetcher
	}
	return transport.NewHTTPFetcher(transport.WithBackoff(cfg.Backoff()))
}

func (o *RootOptions) channel() subscriber.ChannelProvider {
	if o.Channel != nil {
		return o.Channel
	}
	return pusher.NewProvider()
}

// coordinator wires a bootstrap coordinator from the environment.
func (o *RootOptions) coordinator(cfg *config.Config) *bootstrap.Coordinator {
	f := o.fetcher(cfg)
	return bootstrap.New(bootstrap.Settings{
		Endpoint:   cfg.PumpEndpoint(),
		AdminToken: cfg.Token,
		APIVersion: cfg.APIVersionOrDefault(),
		Window:     cfg.DedupeWindow,
	}, f, bootstrap.NewGraphQLSource(f, cfg.APIURL, cfg.Token))
}

func loadQueries(path string) ([]ir.QueryDescriptor, error) {
	queries, err := config.LoadQueries(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load queries", err)
	}
	return queries, nil
}

// bootstrapFailure maps a coordinator error to an exit error.
func bootstrapFailure(err error) error {
	if bootstrap.IsInitError(err) {
		return WrapExitError(ExitFailure, "live bootstrap failed", err)
	}
	return WrapExitError(ExitFailure, "fetch failed", err)
}
