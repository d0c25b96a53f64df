package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Engine   string
	Reasons  []string
	Outcome  string
	SinceSeq int64
	Updated  bool
}

func (o *HistoryOptions) filter() store.CycleFilter {
	return store.CycleFilter{
		Reasons:     o.Reasons,
		Outcome:     o.Outcome,
		SinceSeq:    o.SinceSeq,
		UpdatedOnly: o.Updated,
	}
}

// EngineHistory is the recorded cycle log of one engine.
type EngineHistory struct {
	Engine   string           `json:"engine"`
	Cycles   []ir.CycleRecord `json:"cycles"`
	Outcomes map[string]int   `json:"outcomes"`
}

// HistoryResult is the output of pump history.
type HistoryResult struct {
	Engines []EngineHistory `json:"engines"`
}

// String renders the history for text output.
func (r HistoryResult) String() string {
	if len(r.Engines) == 0 {
		return "no cycles recorded"
	}
	var b strings.Builder
	for i, h := range r.Engines {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "engine %s: %d cycles", h.Engine, len(h.Cycles))
		for _, c := range h.Cycles {
			status := "unchanged"
			if c.Updated {
				status = "updated"
			}
			fmt.Fprintf(&b, "\n  #%d %-6s %-9s changed=%d unchanged=%d skipped=%d failed=%d",
				c.Seq, c.Reason, status,
				c.Count(ir.OutcomeChanged),
				c.Count(ir.OutcomeUnchanged),
				c.Count(ir.OutcomeSkipped),
				c.Count(ir.OutcomeFailed),
			)
			for _, q := range c.Queries {
				fmt.Fprintf(&b, "\n    [%d] %s %s", q.Index, shortKey(q.Key), q.Outcome)
				if q.Hash != "" {
					fmt.Fprintf(&b, " hash=%s", q.Hash)
				}
				if q.Shared {
					b.WriteString(" shared")
				}
				if q.Err != "" {
					fmt.Fprintf(&b, " error=%q", q.Err)
				}
			}
		}
	}
	return b.String()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print recorded refetch cycles",
		Long: `Print the refetch cycles recorded by pump watch --db.

Cycles are listed per engine in start order (seq), each with the outcome of
every query. Filters narrow the listed cycles; outcome totals then count
only the listed cycles.

Example:
  pump history --db ./cycles.db
  pump history --db ./cycles.db --engine 0190a1b2-... --format json
  pump history --db ./cycles.db --reason poke --outcome failed --since-seq 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Engine, "engine", "", "only show this engine")
	cmd.Flags().StringSliceVar(&opts.Reasons, "reason", nil, "only show cycles started for these reasons (mount, poke, manual)")
	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "only show cycles with a query of this outcome")
	cmd.Flags().Int64Var(&opts.SinceSeq, "since-seq", 0, "only show cycles after this seq")
	cmd.Flags().BoolVar(&opts.Updated, "updated", false, "only show cycles that published new state")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	filter := opts.filter()
	if err := filter.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	// Opening would create an empty database; a missing file is a mistake.
	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	engines := []string{opts.Engine}
	if opts.Engine == "" {
		engines, err = st.Engines(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list engines", err)
		}
	}

	result := HistoryResult{Engines: []EngineHistory{}}
	for _, id := range engines {
		if opts.Engine != "" {
			last, err := st.LastSeq(ctx, id)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read cycles", err)
			}
			if last == 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("no cycles recorded for engine %q", id))
			}
		}
		cycles, err := st.FindCycles(ctx, id, filter)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read cycles", err)
		}
		counts := countOutcomes(cycles)
		if filter.IsZero() {
			if counts, err = st.OutcomeCounts(ctx, id); err != nil {
				return WrapExitError(ExitFailure, "failed to count outcomes", err)
			}
		}
		result.Engines = append(result.Engines, EngineHistory{Engine: id, Cycles: cycles, Outcomes: counts})
	}

	return opts.formatter(cmd).Success(result)
}

// countOutcomes totals query outcomes over the listed cycles.
func countOutcomes(cycles []ir.CycleRecord) map[string]int {
	counts := make(map[string]int)
	for _, c := range cycles {
		for _, q := range c.Queries {
			counts[q.Outcome]++
		}
	}
	return counts
}

// shortKey truncates a stored key digest for display.
func shortKey(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
