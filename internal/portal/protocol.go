// Package portal implements the relay's control channel to the portal: a
// Phoenix-channel-style WebSocket connection the relay joins on startup to
// receive its activation signal, built on github.com/coder/websocket with
// reconnect-with-backoff.
package portal

import "encoding/json"

// Topic is the single channel topic the relay joins.
const Topic = "relay"

// eventJoin, eventReply, eventHeartbeat, and eventClose are the Phoenix
// channel protocol's reserved event names; everything else on Topic is an
// application event.
const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventHeartbeat = "heartbeat"
	eventClose     = "phx_close"

	heartbeatTopic = "phoenix"

	replyStatusOK    = "ok"
	replyStatusError = "error"
)

// frame is the wire envelope for every message exchanged on the channel,
// modeled on the Phoenix channel protocol (event/topic/ref/payload).
type frame struct {
	Event   string          `json:"event"`
	Topic   string          `json:"topic"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

type errorResponse struct {
	Reason string `json:"reason"`
}

// JoinMessage is the payload of the relay's phx_join frame: the shared
// auth_secret, so the portal can authorize requests for STUN credentials
// signed with the same secret.
type JoinMessage struct {
	StampSecret string `json:"stamp_secret"`
}

// inboundMessageKind enumerates the portal's push payload types. Init is the
// only variant today; the discriminator keeps the wire format extensible
// without breaking existing deployments.
const inboundMessageKind = "init"

// InboundPortalMessage is a payload pushed or requested by the portal,
// identified by the frame's event name rather than anything in its payload
// (Init carries an empty payload).
type InboundPortalMessage struct {
	Kind string
}

// IsInit reports whether msg is the Init activation signal.
func (m InboundPortalMessage) IsInit() bool { return m.Kind == inboundMessageKind }
