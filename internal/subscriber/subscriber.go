package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/pump/internal/ir"
	"github.com/roach88/pump/internal/metrics"
)

// DefaultTrackedTag is the entry type whose mutation triggers refetches.
const DefaultTrackedTag = "block"

// PokeEvent is the push-channel event name carrying invalidations.
const PokeEvent = "poke"

// ChannelProvider opens push-channel subscriptions.
// Implemented by pusher.Provider (production) and
// testutil.FakeChannelProvider (tests).
//
// Subscribe connects, subscribes to desc.ChannelKey and binds handler to
// event. handler receives the decoded event payload. The returned func
// closes the subscription.
type ChannelProvider interface {
	Subscribe(ctx context.Context, desc ir.ChannelDescriptor, event string, handler func([]byte)) (func() error, error)
}

// Subscriber owns the single push-channel connection of a runtime.
//
// Thread-safety: all methods are safe for concurrent use.
type Subscriber struct {
	provider ChannelProvider
	tag      string
	registry *Registry
	latch    Latch
	logger   *slog.Logger

	mu      sync.Mutex
	closeFn func() error
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithTrackedTag overrides DefaultTrackedTag.
func WithTrackedTag(tag string) Option {
	return func(s *Subscriber) {
		if tag != "" {
			s.tag = tag
		}
	}
}

// WithLogger overrides slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a subscriber that connects through provider on first Ensure.
func New(provider ChannelProvider, opts ...Option) *Subscriber {
	s := &Subscriber{
		provider: provider,
		tag:      DefaultTrackedTag,
		registry: NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackedTag returns the entry type that triggers fan-out.
func (s *Subscriber) TrackedTag() string {
	return s.tag
}

// Register adds cb to the fan-out set.
func (s *Subscriber) Register(cb Callback) (unregister func()) {
	unreg := s.registry.Register(cb)
	metrics.MountedEngines.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			unreg()
			metrics.MountedEngines.Dec()
		})
	}
}

// Registered returns the number of registered callbacks.
func (s *Subscriber) Registered() int {
	return s.registry.Len()
}

// Ensure opens the push channel unless it is already open. Only the first
// successful call connects; a failed attempt leaves the latch armed so a
// later caller can retry.
func (s *Subscriber) Ensure(ctx context.Context, desc ir.ChannelDescriptor) error {
	if !desc.Valid() {
		return fmt.Errorf("push channel descriptor incomplete: %+v", desc)
	}
	ran, err := s.latch.Do(func() error {
		closeFn, err := s.provider.Subscribe(ctx, desc, PokeEvent, s.HandlePoke)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.closeFn = closeFn
		s.mu.Unlock()
		return nil
	})
	if !ran {
		return nil
	}
	if err != nil {
		metrics.ChannelConnectsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("subscribe to push channel %q: %w", desc.ChannelKey, err)
	}
	metrics.ChannelConnectsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("push channel subscribed", "channel", desc.ChannelKey, "cluster", desc.Cluster)
	return nil
}

// Connected reports whether the push channel is open.
func (s *Subscriber) Connected() bool {
	return s.latch.Done()
}

// HandlePoke decodes a poke payload and fans it out when it names the
// tracked tag. Undecodable payloads are logged and dropped.
func (s *Subscriber) HandlePoke(payload []byte) {
	var p Poke
	if err := json.Unmarshal(payload, &p); err != nil {
		s.logger.Warn("dropping undecodable poke", "error", err)
		metrics.PokesTotal.WithLabelValues("invalid").Inc()
		return
	}
	s.Dispatch(p)
}

// Dispatch publishes p if it names the tracked tag and returns the number of
// callbacks invoked.
func (s *Subscriber) Dispatch(p Poke) int {
	if !p.Has(s.tag) {
		s.logger.Debug("ignoring poke", "types", p.MutatedEntryTypes)
		metrics.PokesTotal.WithLabelValues("ignored").Inc()
		return 0
	}
	n := s.registry.Publish(p)
	metrics.PokesTotal.WithLabelValues("fanned_out").Inc()
	s.logger.Debug("poke fanned out", "engines", n)
	return n
}

// Close tears the push channel down. Registered callbacks stay registered;
// a later Ensure reconnects.
func (s *Subscriber) Close() error {
	return s.latch.Reset(func() error {
		s.mu.Lock()
		closeFn := s.closeFn
		s.closeFn = nil
		s.mu.Unlock()
		if closeFn == nil {
			return nil
		}
		return closeFn()
	})
}
