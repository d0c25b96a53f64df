package pusher

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Protocol events.
const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	eventError                 = "pusher:error"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
)

// ProtocolVersion is the Pusher websocket protocol spoken by Provider.
const ProtocolVersion = 7

// message is one frame of the Pusher protocol.
//
// Data is a JSON string holding encoded JSON for server events and a JSON
// object for client events; decodeData handles both.
type message struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type subscribeData struct {
	Channel string `json:"channel"`
}

// ProtocolError is a pusher:error frame, or a close frame carrying a
// Pusher code.
//
// Codes 4000-4099 mean the connection must not be retried, 4100-4199 retry
// after a pause, 4200-4299 retry immediately.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pusher error %d: %s", e.Code, e.Message)
}

// Fatal reports whether the server asked the client not to reconnect.
func (e *ProtocolError) Fatal() bool {
	return e.Code >= 4000 && e.Code <= 4099
}

// Immediate reports whether the server asked for an immediate reconnect.
func (e *ProtocolError) Immediate() bool {
	return e.Code >= 4200 && e.Code <= 4299
}

// decodeData unwraps a frame's data field. String-encoded payloads are
// unquoted; anything else is returned as is.
func decodeData(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode frame data: %w", err)
	}
	return []byte(s), nil
}

func decodeError(raw json.RawMessage) *ProtocolError {
	data, err := decodeData(raw)
	pe := &ProtocolError{}
	if err != nil || json.Unmarshal(data, pe) != nil {
		return &ProtocolError{Message: string(raw)}
	}
	return pe
}

// closeFrameError maps a websocket close frame with a Pusher code
// (4000-4299) to a ProtocolError so it is classified like a pusher:error
// frame. Any other error is returned unchanged.
func closeFrameError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= 4000 && ce.Code <= 4299 {
		return &ProtocolError{Code: ce.Code, Message: ce.Text}
	}
	return err
}
