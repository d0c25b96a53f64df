package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/roach88/pump/internal/ir"
)

// FakeChannelProvider is an in-memory push channel.
//
// It satisfies subscriber.ChannelProvider. Emit and Poke deliver events
// synchronously to every bound handler, the way a websocket read loop would.
type FakeChannelProvider struct {
	mu       sync.Mutex
	connects int
	closes   int
	failNext error
	last     ir.ChannelDescriptor
	handlers map[string][]func([]byte)
}

// NewFakeChannelProvider creates a provider with no subscriptions.
func NewFakeChannelProvider() *FakeChannelProvider {
	return &FakeChannelProvider{handlers: make(map[string][]func([]byte))}
}

// Subscribe records the connection and binds handler to event.
func (p *FakeChannelProvider) Subscribe(ctx context.Context, desc ir.ChannelDescriptor, event string, handler func([]byte)) (func() error, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if err := p.failNext; err != nil {
		p.failNext = nil
		return nil, err
	}
	p.last = desc
	p.handlers[event] = append(p.handlers[event], handler)
	idx := len(p.handlers[event]) - 1

	var once sync.Once
	return func() error {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.closes++
			p.handlers[event][idx] = nil
		})
		return nil
	}, nil
}

// FailNext makes the next Subscribe call return err.
func (p *FakeChannelProvider) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Emit delivers payload (JSON-encoded) to handlers of event.
func (p *FakeChannelProvider) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	hs := slices.Clone(p.handlers[event])
	p.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(data)
		}
	}
}

// Poke emits a poke event naming the given entry types.
func (p *FakeChannelProvider) Poke(types ...string) {
	if types == nil {
		types = []string{}
	}
	p.Emit("poke", map[string]any{"mutatedEntryTypes": types})
}

// Connects returns the number of Subscribe calls.
func (p *FakeChannelProvider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Closes returns the number of unsubscribe calls.
func (p *FakeChannelProvider) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

// LastDescriptor returns the descriptor of the latest successful Subscribe.
func (p *FakeChannelProvider) LastDescriptor() ir.ChannelDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
