package leadership

import (
	"encoding/json"
	"fmt"

	"github.com/iter-org/drawbridge/pkg/acme"
	"github.com/iter-org/drawbridge/pkg/certstore"
)

// MessageKind discriminates the application payloads carried in congress
// Custom messages.
type MessageKind string

const (
	// MessageRequestState asks the current leader to replicate its state.
	MessageRequestState MessageKind = "request_state"

	// MessageApplyChallenge replicates one http-01 challenge.
	MessageApplyChallenge MessageKind = "apply_challenge"

	// MessageApplyCerts replicates the full certificate map.
	MessageApplyCerts MessageKind = "apply_certs"
)

// Message is the ingress-level payload exchanged between replicas over
// the congress mesh.
type Message struct {
	Kind      MessageKind                 `json:"kind"`
	Challenge *acme.Http01Challenge       `json:"challenge,omitempty"`
	Certs     map[string]*certstore.Entry `json:"certs,omitempty"`
}

func encodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("leadership: encode message: %w", err)
	}
	return payload, nil
}

func decodeMessage(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, fmt.Errorf("leadership: decode message: %w", err)
	}
	return msg, nil
}
