package engine

import "sync"

// hashHistory is the runtime-wide map from canonical query key to the most
// recent response hash seen for it.
//
// Thread-safety: safe for concurrent use via internal mutex.
type hashHistory struct {
	mu     sync.Mutex
	hashes map[string]string
}

func newHashHistory() *hashHistory {
	return &hashHistory{hashes: make(map[string]string)}
}

// Get returns the last hash for key, or "".
func (h *hashHistory) Get(key string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hashes[key]
}

// Set records hash for key, including the empty hash.
func (h *hashHistory) Set(key, hash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hashes[key] = hash
}

// Len returns the number of keys with a recorded hash.
func (h *hashHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.hashes)
}
