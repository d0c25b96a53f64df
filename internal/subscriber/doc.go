// Package subscriber fans push-channel invalidations out to live engines.
//
// One Subscriber exists per runtime. However many engines are mounted, it
// holds a single push-channel connection, opened by the first engine that
// needs it through a one-shot Latch. Engines register callbacks in a
// Registry; a poke naming the tracked entry type invokes every registered
// callback once, synchronously, in registration order.
//
// The subscriber does not coordinate engines. Each invoked engine starts
// its own refetch cycle and duplicate requests across engines are collapsed
// by the dedup cache.
package subscriber
