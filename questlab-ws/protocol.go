package questlabws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Actions understood on the $default route, and the actions the gateway replies with.
const (
	ActionPing           = "ping"
	ActionPong           = "pong"
	ActionTokenRefresh   = "token-refresh"
	ActionTokenRefreshed = "token-refreshed"
	ActionError          = "error"
)

// State is the per-connection protocol state. It is never held in memory
// between events: a connection is authenticated exactly while its registry
// record exists.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

// ErrMalformedMessage is returned for bodies that are not a JSON object with an action.
var ErrMalformedMessage = errors.New("malformed message")

// Message is an inbound or outbound gateway message. Inbound messages may name
// the action "event" instead; ParseMessage normalizes both into Action.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type inboundMessage struct {
	Action string          `json:"action"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// TokenRefreshRequest is the data of a token-refresh message.
type TokenRefreshRequest struct {
	Token string `json:"token"`
}

// ParseMessage parses an inbound message, accepting either "action" or "event"
// as the discriminator. "action" wins when both are present.
func ParseMessage(body string) (*Message, error) {
	var in inboundMessage
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	action := in.Action
	if action == "" {
		action = in.Event
	}
	if action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedMessage)
	}

	return &Message{Action: action, Data: in.Data}, nil
}

func encode(action string, data interface{}) []byte {
	raw, _ := json.Marshal(data)
	b, _ := json.Marshal(Message{Action: action, Data: raw})
	return b
}

// PongMessage returns a pong carrying the server time in epoch milliseconds.
func PongMessage(now time.Time) []byte {
	return encode(ActionPong, map[string]int64{"timestamp": now.UnixMilli()})
}

// TokenRefreshedMessage returns the reply to a successful token-refresh.
func TokenRefreshedMessage(token string) []byte {
	return encode(ActionTokenRefreshed, map[string]string{"token": token})
}

// ErrorMessage returns an error reply.
func ErrorMessage(message string) []byte {
	return encode(ActionError, map[string]string{"message": message})
}
