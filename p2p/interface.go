package p2p

import "encoding/json"

// Message is the generic structure for any data sent between nodes. Command
// names a gossip/request/reply kind from the wire protocol; Payload carries
// that command's type-specific body, deferred-decoded so the frame layer
// never needs to know the domain schema.
type Message struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// Broadcaster defines any component that can broadcast messages to the network.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// MessageHandler defines any component that can process a raw message from the network.
type MessageHandler interface {
	HandleMessage(from *Peer, msg *Message) error
}
