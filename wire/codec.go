package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ProtocolVersion markers for the two outpoint wire layouts this module
// must stay compatible with.
const (
	ProtocolVersionLegacyOutpoint uint32 = 70208
	ProtocolVersionBareOutpoint   uint32 = 70209
)

// legacyOutpointWire is the 70208 layout: the outpoint wrapped in a
// dummy transaction-input envelope (empty scriptSig, max sequence),
// matching the historical TxIn-shaped encoding.
type legacyOutpointWire struct {
	Hash      string `json:"hash"`
	Index     uint32 `json:"index"`
	ScriptSig string `json:"scriptSig"`
	Sequence  uint32 `json:"sequence"`
}

// bareOutpointWire is the >=70209 layout: just the outpoint.
type bareOutpointWire struct {
	Hash  string `json:"hash"`
	Index uint32 `json:"index"`
}

// EncodeOutpoint serializes o using the wire layout the peer's negotiated
// send_version expects.
func EncodeOutpoint(o Outpoint, sendVersion uint32) ([]byte, error) {
	if sendVersion != 0 && sendVersion < ProtocolVersionBareOutpoint {
		return json.Marshal(legacyOutpointWire{
			Hash:      hex.EncodeToString(o.Hash[:]),
			Index:     o.Index,
			ScriptSig: "",
			Sequence:  0xffffffff,
		})
	}
	return json.Marshal(bareOutpointWire{Hash: hex.EncodeToString(o.Hash[:]), Index: o.Index})
}

// DecodeOutpoint parses either wire layout, tolerating whichever one the
// sender actually used regardless of the locally negotiated send_version:
// the dummy scriptSig/sequence fields are simply ignored if present.
func DecodeOutpoint(data []byte) (Outpoint, error) {
	var wire bareOutpointWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Outpoint{}, fmt.Errorf("wire: decode outpoint: %w", err)
	}
	raw, err := hex.DecodeString(wire.Hash)
	if err != nil || len(raw) != 32 {
		return Outpoint{}, fmt.Errorf("wire: invalid outpoint hash")
	}
	var out Outpoint
	copy(out.Hash[:], raw)
	out.Index = wire.Index
	return out, nil
}

// PaymentSyncRequest is the `fnpaymentsync` request payload. At protocol
// 70208 it carries a trailing count hint; at >=70209 the field is dropped
// entirely.
type PaymentSyncRequest struct {
	Count *uint32 `json:"count,omitempty"`
}

// NewPaymentSyncRequest builds the request payload for the given
// send_version, omitting Count when the peer is on the current protocol.
func NewPaymentSyncRequest(count uint32, sendVersion uint32) PaymentSyncRequest {
	if sendVersion != 0 && sendVersion < ProtocolVersionBareOutpoint {
		c := count
		return PaymentSyncRequest{Count: &c}
	}
	return PaymentSyncRequest{}
}

// DsegRequest is the `dsegfn` request payload: a null outpoint requests
// the sender's entire registry view.
type DsegRequest struct {
	Outpoint *Outpoint `json:"outpoint,omitempty"`
}

// IsFullRequest reports whether this is a "send me everything" DSEG.
func (r DsegRequest) IsFullRequest() bool { return r.Outpoint == nil }

// SyncStatusCount is the `syncstatuscountfn` reply payload.
type SyncStatusCount struct {
	ItemID int32 `json:"itemId"`
	Count  int32 `json:"count"`
}

// InvKind enumerates the inventory-vector kinds carried by `inv`/`getdata`
// messages.
type InvKind int32

const (
	InvAnnounce InvKind = iota + 1
	InvPing
	InvPaymentVote
	InvPaymentBlock
	InvVerify
)

func (k InvKind) String() string {
	switch k {
	case InvAnnounce:
		return "MSG_FUNDAMENTALNODE_ANNOUNCE"
	case InvPing:
		return "MSG_FUNDAMENTALNODE_PING"
	case InvPaymentVote:
		return "MSG_FUNDAMENTALNODE_PAYMENT_VOTE"
	case InvPaymentBlock:
		return "MSG_FUNDAMENTALNODE_PAYMENT_BLOCK"
	case InvVerify:
		return "MSG_FUNDAMENTALNODE_VERIFY"
	default:
		return "MSG_UNKNOWN"
	}
}

// InvVector names one gossiped item by kind and hash.
type InvVector struct {
	Kind InvKind
	Hash [32]byte
}

type invVectorWire struct {
	Kind InvKind `json:"kind"`
	Hash string  `json:"hash"`
}

func (v InvVector) MarshalJSON() ([]byte, error) {
	return json.Marshal(invVectorWire{Kind: v.Kind, Hash: hex.EncodeToString(v.Hash[:])})
}

func (v *InvVector) UnmarshalJSON(data []byte) error {
	var w invVectorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	raw, err := hex.DecodeString(w.Hash)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("wire: invalid inventory hash")
	}
	v.Kind = w.Kind
	copy(v.Hash[:], raw)
	return nil
}

// InvPayload is the `inv` and `getdata` message payload: a batch of
// inventory vectors.
type InvPayload struct {
	Items []InvVector `json:"items"`
}
