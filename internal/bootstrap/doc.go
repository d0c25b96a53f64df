// Package bootstrap performs the initial resolution of a query set and
// produces the handoff bundle for the live sync engine.
//
// Static mode resolves each query against a DataSource and returns; no
// tokens, no dedup cache, no engine. Live mode sends every query to the pump
// endpoint through the dedup cache, concurrently, and extracts the session
// token, space id, push channel descriptor and per-query response hashes.
// A live bootstrap that cannot produce all three of token, space id and
// channel is fatal: the engine cannot exist without them.
package bootstrap
