package p2p

import (
	"encoding/json"
	"time"

	"nhbchain/wire"
)

// Command names the gossip/request/reply message kinds exchanged between
// service nodes, per the wire protocol table.
const (
	CmdAnnounce        = "mnannounce"
	CmdPing            = "mnping"
	CmdDsegRequest     = "dsegfn"
	CmdVerify          = "mnverify"
	CmdPaymentSync     = "fnpaymentsync"
	CmdPaymentVote     = "fnpaymentvote"
	CmdSyncStatusCount = "syncstatuscountfn"
	CmdInv             = "inv"
	CmdGetData         = "getdata"
	CmdKeepAlive       = "ping"
	CmdKeepAliveAck    = "pong"
	CmdGetSporks       = "getsporks"
)

// KeepAlivePayload is exchanged as a lightweight connection-level liveness
// check, distinct from the domain-level service-node Ping.
type KeepAlivePayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// NewKeepAliveMessage builds a connection keepalive using the provided nonce and timestamp.
func NewKeepAliveMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(KeepAlivePayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdKeepAlive, Payload: payload}, nil
}

// NewKeepAliveAckMessage builds a keepalive acknowledgement echoing the supplied nonce.
func NewKeepAliveAckMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(KeepAlivePayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdKeepAliveAck, Payload: payload}, nil
}

// NewAnnounceMessage builds an mnannounce gossip message, serialized for the
// recipient's negotiated send_version.
func NewAnnounceMessage(a *wire.Announce, sendVersion uint32) (*Message, error) {
	payload, err := wire.EncodeAnnounce(a, sendVersion)
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdAnnounce, Payload: payload}, nil
}

// NewPingMessage builds an mnping gossip message.
func NewPingMessage(p *wire.Ping, sendVersion uint32) (*Message, error) {
	payload, err := wire.EncodePing(p, sendVersion)
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdPing, Payload: payload}, nil
}

// NewPaymentVoteMessage builds an fnpaymentvote gossip message.
func NewPaymentVoteMessage(v *wire.PaymentVote, sendVersion uint32) (*Message, error) {
	payload, err := wire.EncodeVote(v, sendVersion)
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdPaymentVote, Payload: payload}, nil
}

// NewVerifyMessage builds an mnverify request/reply/broadcast message.
func NewVerifyMessage(m *wire.VerifyMessage, sendVersion uint32) (*Message, error) {
	payload, err := wire.EncodeVerifyMessage(m, sendVersion)
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdVerify, Payload: payload}, nil
}

// NewDsegRequestMessage builds a dsegfn request. A nil outpoint requests the
// peer's entire registry view.
func NewDsegRequestMessage(outpoint *wire.Outpoint) (*Message, error) {
	payload, err := json.Marshal(wire.DsegRequest{Outpoint: outpoint})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdDsegRequest, Payload: payload}, nil
}

// NewPaymentSyncMessage builds an fnpaymentsync request, carrying the legacy
// trailing count only when the recipient negotiated protocol 70208.
func NewPaymentSyncMessage(count uint32, sendVersion uint32) (*Message, error) {
	payload, err := json.Marshal(wire.NewPaymentSyncRequest(count, sendVersion))
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdPaymentSync, Payload: payload}, nil
}

// NewSyncStatusCountMessage builds a syncstatuscountfn reply.
func NewSyncStatusCountMessage(itemID, count int32) (*Message, error) {
	payload, err := json.Marshal(wire.SyncStatusCount{ItemID: itemID, Count: count})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdSyncStatusCount, Payload: payload}, nil
}

// NewInvMessage builds an inv announcement of locally known items.
func NewInvMessage(items []wire.InvVector) (*Message, error) {
	payload, err := json.Marshal(wire.InvPayload{Items: items})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdInv, Payload: payload}, nil
}

// NewGetSporksMessage builds a fire-and-forget request for the peer's
// active spork/feature-flag set. The sync driver issues this once per
// peer and does not block waiting on a reply.
func NewGetSporksMessage() (*Message, error) {
	return &Message{Command: CmdGetSporks, Payload: json.RawMessage("{}")}, nil
}

// NewGetDataMessage builds a getdata request for the listed items.
func NewGetDataMessage(items []wire.InvVector) (*Message, error) {
	payload, err := json.Marshal(wire.InvPayload{Items: items})
	if err != nil {
		return nil, err
	}
	return &Message{Command: CmdGetData, Payload: payload}, nil
}
