package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type messageType string

const (
	messageTypeOffer           messageType = "offer"
	messageTypeAnswer          messageType = "answer"
	messageTypeNewICECandidate messageType = "newIceCandidate"
	messageTypeDeviceMetadata  messageType = "deviceMetadata"
)

// Message is the tagged envelope relayed between client and device.
//
// SessionDescription and Candidate stay json.RawMessage so the relay forwards
// them byte-identical; the broker attaches SourceAddress, ICEServers and
// IdentityToken to offers in flight and never interprets the payloads.
type Message struct {
	Type messageType `json:"type"`

	SessionDescription json.RawMessage `json:"sessionDescription,omitempty"`
	Candidate          json.RawMessage `json:"candidate,omitempty"`

	// Broker-attached offer fields.
	SourceAddress string             `json:"sourceAddress,omitempty"`
	ICEServers    []webrtc.ICEServer `json:"iceServers,omitempty"`
	IdentityToken string             `json:"identityToken,omitempty"`

	// Device-reported version, carried by deviceMetadata.
	Version string `json:"version,omitempty"`
}

// parseMessage decodes and validates one signaling frame. Unknown fields are
// tolerated: payloads are relayed verbatim, so strictness here would only
// break newer peers.
func parseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if err := msg.validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case messageTypeOffer:
		if len(m.SessionDescription) == 0 {
			return fmt.Errorf("offer message missing sessionDescription")
		}
	case messageTypeAnswer:
		if len(m.SessionDescription) == 0 {
			return fmt.Errorf("answer message missing sessionDescription")
		}
	case messageTypeNewICECandidate:
		if len(m.Candidate) == 0 {
			return fmt.Errorf("newIceCandidate message missing candidate")
		}
	case messageTypeDeviceMetadata:
		// version is optional; nothing to check.
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
