package ir

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainQuery = "pump/query/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00}) // Null separator prevents domain/data boundary ambiguity
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// KeyDigest returns a fixed-length digest of a canonical query key.
// Keys can be arbitrarily long GraphQL documents; the digest is what gets
// logged and written to the cycle log.
func KeyDigest(key string) string {
	return hashWithDomain(DomainQuery, []byte(key))
}

// ShortDigest returns the first 12 hex characters of KeyDigest, for logs.
func ShortDigest(key string) string {
	return KeyDigest(key)[:12]
}
