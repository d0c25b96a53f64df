package ir

// Version constants for the client and wire protocol.
const (
	// ClientVersion is the pump client version, reported to the push channel.
	ClientVersion = "0.1.0"

	// DefaultAPIVersion is the draft API version sent with live requests.
	DefaultAPIVersion = "3"
)
