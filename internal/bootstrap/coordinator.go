package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/pump/internal/dedup"
	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/metrics"
	"github.com/roach88/pump/internal/reconcile"
	"github.com/roach88/pump/internal/transport"
)

// Settings describe where and how live bootstrap requests are sent.
type Settings struct {
	// Endpoint is the pump endpoint URL.
	Endpoint string

	// AdminToken authenticates bootstrap requests (x-basehub-token).
	AdminToken string

	// APIVersion is handed to the engine for its refetches.
	APIVersion string

	// Window overrides the dedup window. Zero means dedup.DefaultWindow.
	Window time.Duration

	// Clock overrides the dedup clock (tests).
	Clock dedup.Clock
}

// Request is one bootstrap: the queries in positional order, the mode and
// the render step.
type Request struct {
	Queries []ir.QueryDescriptor
	Live    bool
	Render  reconcile.Render[any]
}

// Bundle is the handoff from the coordinator to the live sync engine. In
// static mode only Queries, InitialState and Rendered are set.
type Bundle struct {
	Queries      []ir.QueryDescriptor
	InitialState *ir.SyncState
	Token        string
	Endpoint     string
	APIVersion   string
	Rendered     any
	Live         bool
}

// Coordinator runs bootstraps. One coordinator is shared by every bootstrap
// of a process so identical concurrent bootstraps collapse in its cache.
//
// Thread-safety: Run is safe for concurrent use.
type Coordinator struct {
	settings Settings
	fetcher  transport.Fetcher
	source   DataSource
	cache    *dedup.Cache[ir.ResponseEnvelope]
	logger   *slog.Logger
}

// New creates a coordinator. fetcher serves live mode, source serves static
// mode; either may be nil if that mode is never requested.
func New(settings Settings, fetcher transport.Fetcher, source DataSource) *Coordinator {
	if settings.APIVersion == "" {
		settings.APIVersion = ir.DefaultAPIVersion
	}
	return &Coordinator{
		settings: settings,
		fetcher:  fetcher,
		source:   source,
		cache:    dedup.New[ir.ResponseEnvelope](dedup.WithWindow(settings.Window), dedup.WithClock(settings.Clock)),
		logger:   slog.Default().With("component", "bootstrap"),
	}
}

// Run resolves req. In live mode any failure is an *InitError.
func (c *Coordinator) Run(ctx context.Context, req Request) (*Bundle, error) {
	queries := append([]ir.QueryDescriptor(nil), req.Queries...)
	if !req.Live {
		return c.runStatic(ctx, queries, req.Render)
	}
	return c.runLive(ctx, queries, req.Render)
}

func (c *Coordinator) runStatic(ctx context.Context, queries []ir.QueryDescriptor, render reconcile.Render[any]) (*Bundle, error) {
	if c.source == nil && len(queries) > 0 {
		return nil, fmt.Errorf("bootstrap: static mode requires a data source")
	}

	data := make([]json.RawMessage, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			d, err := c.source.Query(gctx, q)
			if err != nil {
				return fmt.Errorf("query %d: %w", i, err)
			}
			data[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	state := &ir.SyncState{
		Data:           data,
		Errors:         make([][]ir.GraphQLError, len(queries)),
		ResponseHashes: make([]string, len(queries)),
	}
	rendered, err := render.Eval(ctx, data)
	if err != nil {
		metrics.RenderFailuresTotal.WithLabelValues("static").Inc()
		return nil, fmt.Errorf("render: %w", err)
	}

	c.logger.Debug("static bootstrap complete", "queries", len(queries))
	return &Bundle{Queries: queries, InitialState: state, Rendered: rendered}, nil
}

func (c *Coordinator) runLive(ctx context.Context, queries []ir.QueryDescriptor, render reconcile.Render[any]) (*Bundle, error) {
	if c.fetcher == nil {
		return nil, &InitError{Index: -1, Err: fmt.Errorf("live mode requires a fetcher")}
	}

	issued := queries
	if len(issued) == 0 {
		issued = []ir.QueryDescriptor{ir.FallbackQuery}
	}

	envs := make([]ir.ResponseEnvelope, len(issued))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range issued {
		g.Go(func() error {
			env, err := c.fetchShared(gctx, q)
			if err != nil {
				return &InitError{Index: i, Err: err}
			}
			envs[i] = env
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Later responses win; empty values never replace known ones.
	var token, spaceID string
	var channel *ir.ChannelDescriptor
	for _, env := range envs {
		if env.NewToken != "" {
			token = env.NewToken
		}
		if env.SpaceID != "" {
			spaceID = env.SpaceID
		}
		if env.Channel.Valid() {
			channel = env.Channel
		}
	}

	var missing []string
	if token == "" {
		missing = append(missing, "token")
	}
	if spaceID == "" {
		missing = append(missing, "spaceID")
	}
	if channel == nil {
		missing = append(missing, "pusherData")
	}
	if len(missing) > 0 {
		c.logger.Error("pump did not return the necessary data",
			"endpoint", c.settings.Endpoint,
			"results", len(envs),
			"missing", missing,
			"errors", collectErrors(envs),
		)
		return nil, &InitError{Missing: missing, Index: -1, Err: ErrBootstrapIncomplete}
	}

	n := len(queries)
	ch := *channel
	state := &ir.SyncState{
		Data:           make([]json.RawMessage, n),
		Errors:         make([][]ir.GraphQLError, n),
		ResponseHashes: make([]string, n),
		Channel:        &ch,
		SpaceID:        spaceID,
	}
	for i := 0; i < n; i++ {
		state.Data[i] = envs[i].NormalizedData()
		state.Errors[i] = envs[i].Errors
		state.ResponseHashes[i] = envs[i].ResponseHash
	}

	rendered, err := render.Eval(ctx, state.Data)
	if err != nil {
		// Live mode defers error surfacing to the engine's notifications.
		metrics.RenderFailuresTotal.WithLabelValues("bootstrap").Inc()
		c.logger.Error("render failed during live bootstrap", "error", err)
		rendered = nil
	}

	c.logger.Info("live bootstrap complete",
		"queries", n,
		"space", spaceID,
		"channel", ch.ChannelKey,
	)
	return &Bundle{
		Queries:      queries,
		InitialState: state,
		Token:        token,
		Endpoint:     c.settings.Endpoint,
		APIVersion:   c.settings.APIVersion,
		Rendered:     rendered,
		Live:         true,
	}, nil
}

func (c *Coordinator) fetchShared(ctx context.Context, q ir.QueryDescriptor) (ir.ResponseEnvelope, error) {
	key, err := q.Key()
	if err != nil {
		return ir.ResponseEnvelope{}, err
	}
	env, _, err := c.cache.GetOrFetch(ctx, key, func(ctx context.Context) (ir.ResponseEnvelope, error) {
		return c.fetcher.Fetch(ctx, ir.FetchRequest{
			Endpoint:   c.settings.Endpoint,
			Query:      q,
			AdminToken: c.settings.AdminToken,
		})
	})
	return env, err
}

func collectErrors(envs []ir.ResponseEnvelope) []string {
	var out []string
	for _, env := range envs {
		for _, e := range env.Errors {
			out = append(out, e.Message)
		}
	}
	return out
}
