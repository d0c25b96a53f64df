package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pump/internal/bootstrap"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/reconcile"
)

// FetchResult is the output of pump fetch.
type FetchResult struct {
	Live    bool                `json:"live"`
	SpaceID string              `json:"space_id,omitempty"`
	Data    []json.RawMessage   `json:"data"`
	Errors  [][]ir.GraphQLError `json:"errors,omitempty"`
	Hashes  []string            `json:"response_hashes,omitempty"`
}

// String renders the result for text output: one line per query.
func (r FetchResult) String() string {
	var b strings.Builder
	mode := "static"
	if r.Live {
		mode = "live"
	}
	fmt.Fprintf(&b, "mode: %s", mode)
	if r.SpaceID != "" {
		fmt.Fprintf(&b, " space: %s", r.SpaceID)
	}
	for i, d := range r.Data {
		data := string(d)
		if d == nil {
			data = "null"
		}
		fmt.Fprintf(&b, "\n[%d] %s", i, data)
		if i < len(r.Hashes) && r.Hashes[i] != "" {
			fmt.Fprintf(&b, " (hash %s)", r.Hashes[i])
		}
		if i < len(r.Errors) {
			for _, e := range r.Errors[i] {
				fmt.Fprintf(&b, "\n    error: %s", e.Message)
				if p := e.PathString(); p != "" {
					fmt.Fprintf(&b, " at %s", p)
				}
			}
		}
	}
	return b.String()
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <queries-file>",
		Short: "Resolve queries once and print the data",
		Long: `Resolve every query of a YAML or CUE query file once.

In draft mode the pump endpoint is used and the response hashes are shown;
otherwise the GraphQL API is queried directly.

Example:
  pump fetch ./queries.yaml
  BASEHUB_DRAFT=true pump fetch ./queries --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(rootOpts, args[0], cmd)
		},
	}
}

func runFetch(opts *RootOptions, path string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	queries, err := loadQueries(path)
	if err != nil {
		return err
	}

	bundle, err := opts.coordinator(cfg).Run(cmd.Context(), bootstrap.Request{
		Queries: queries,
		Live:    cfg.Live(),
		Render:  reconcile.Static[any](nil),
	})
	if err != nil {
		return bootstrapFailure(err)
	}

	s := bundle.InitialState
	result := FetchResult{Live: bundle.Live, SpaceID: s.SpaceID, Data: s.Data}
	if bundle.Live {
		result.Errors = s.Errors
		result.Hashes = s.ResponseHashes
	}
	return opts.formatter(cmd).Success(result)
}
