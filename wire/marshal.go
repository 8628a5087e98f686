package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
)

type netAddrWire struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

func encodeNetAddr(a NetAddress) netAddrWire {
	return netAddrWire{IP: a.IP.String(), Port: a.Port}
}

func decodeNetAddr(w netAddrWire) NetAddress {
	return NetAddress{IP: net.ParseIP(w.IP), Port: w.Port}
}

type announceWire struct {
	Outpoint         json.RawMessage `json:"outpoint"`
	NetAddr          netAddrWire     `json:"netAddr"`
	PubKeyCollateral string          `json:"pubKeyCollateral"`
	PubKeyOperator   string          `json:"pubKeyOperator"`
	SigTime          int64           `json:"sigTime"`
	ProtocolVersion  uint32          `json:"protocolVersion"`
	Signature        string          `json:"signature"`
	Ping             *pingWire       `json:"ping,omitempty"`
}

type pingWire struct {
	Outpoint          json.RawMessage `json:"outpoint"`
	BlockHash         string          `json:"blockHash"`
	SigTime           int64           `json:"sigTime"`
	SentinelIsCurrent bool            `json:"sentinelIsCurrent"`
	SentinelVersion   uint32          `json:"sentinelVersion"`
	DaemonVersion     uint32          `json:"daemonVersion"`
	Signature         string          `json:"signature"`
}

// EncodeAnnounce serializes a for the peer's negotiated send_version,
// applying the 70208/70209 outpoint layout quirk to both the top-level
// outpoint and the embedded ping's outpoint.
func EncodeAnnounce(a *Announce, sendVersion uint32) ([]byte, error) {
	outpointRaw, err := EncodeOutpoint(a.Outpoint, sendVersion)
	if err != nil {
		return nil, err
	}
	wire := announceWire{
		Outpoint:         outpointRaw,
		NetAddr:          encodeNetAddr(a.NetAddr),
		PubKeyCollateral: hex.EncodeToString(a.PubKeyCollateral),
		PubKeyOperator:   hex.EncodeToString(a.PubKeyOperator),
		SigTime:          a.SigTime,
		ProtocolVersion:  a.ProtocolVersion,
		Signature:        hex.EncodeToString(a.Signature),
	}
	if a.Ping != nil {
		pingWireVal, err := encodePingWire(a.Ping, sendVersion)
		if err != nil {
			return nil, err
		}
		wire.Ping = pingWireVal
	}
	return json.Marshal(wire)
}

// DecodeAnnounce parses an Announce payload regardless of which outpoint
// layout the sender used.
func DecodeAnnounce(data []byte) (*Announce, error) {
	var wire announceWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("wire: decode announce: %w", err)
	}
	outpoint, err := DecodeOutpoint(wire.Outpoint)
	if err != nil {
		return nil, err
	}
	pubKeyCollateral, err := hex.DecodeString(wire.PubKeyCollateral)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid collateral pubkey: %w", err)
	}
	pubKeyOperator, err := hex.DecodeString(wire.PubKeyOperator)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid operator pubkey: %w", err)
	}
	signature, err := hex.DecodeString(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid signature: %w", err)
	}
	announce := &Announce{
		Outpoint:         outpoint,
		NetAddr:          decodeNetAddr(wire.NetAddr),
		PubKeyCollateral: pubKeyCollateral,
		PubKeyOperator:   pubKeyOperator,
		SigTime:          wire.SigTime,
		ProtocolVersion:  wire.ProtocolVersion,
		Signature:        signature,
	}
	if wire.Ping != nil {
		ping, err := decodePingWire(*wire.Ping)
		if err != nil {
			return nil, err
		}
		announce.Ping = ping
	}
	return announce, nil
}

func encodePingWire(p *Ping, sendVersion uint32) (*pingWire, error) {
	outpointRaw, err := EncodeOutpoint(p.Outpoint, sendVersion)
	if err != nil {
		return nil, err
	}
	return &pingWire{
		Outpoint:          outpointRaw,
		BlockHash:         hex.EncodeToString(p.BlockHash[:]),
		SigTime:           p.SigTime,
		SentinelIsCurrent: p.SentinelIsCurrent,
		SentinelVersion:   p.SentinelVersion,
		DaemonVersion:     p.DaemonVersion,
		Signature:         hex.EncodeToString(p.Signature),
	}, nil
}

func decodePingWire(w pingWire) (*Ping, error) {
	outpoint, err := DecodeOutpoint(w.Outpoint)
	if err != nil {
		return nil, err
	}
	blockHashRaw, err := hex.DecodeString(w.BlockHash)
	if err != nil || len(blockHashRaw) != 32 {
		return nil, fmt.Errorf("wire: invalid ping block hash")
	}
	signature, err := hex.DecodeString(w.Signature)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid ping signature: %w", err)
	}
	ping := &Ping{
		Outpoint:          outpoint,
		SigTime:           w.SigTime,
		SentinelIsCurrent: w.SentinelIsCurrent,
		SentinelVersion:   w.SentinelVersion,
		DaemonVersion:     w.DaemonVersion,
		Signature:         signature,
	}
	copy(ping.BlockHash[:], blockHashRaw)
	return ping, nil
}

// EncodePing serializes p for the peer's negotiated send_version.
func EncodePing(p *Ping, sendVersion uint32) ([]byte, error) {
	wire, err := encodePingWire(p, sendVersion)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

// DecodePing parses a Ping payload regardless of outpoint layout.
func DecodePing(data []byte) (*Ping, error) {
	var wire pingWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("wire: decode ping: %w", err)
	}
	return decodePingWire(wire)
}

type voteWire struct {
	VoterOutpoint json.RawMessage `json:"voterOutpoint"`
	TargetHeight  uint64          `json:"targetHeight"`
	PayeeScript   string          `json:"payeeScript"`
	Signature     string          `json:"signature"`
}

// EncodeVote serializes v for the peer's negotiated send_version.
func EncodeVote(v *PaymentVote, sendVersion uint32) ([]byte, error) {
	outpointRaw, err := EncodeOutpoint(v.VoterOutpoint, sendVersion)
	if err != nil {
		return nil, err
	}
	return json.Marshal(voteWire{
		VoterOutpoint: outpointRaw,
		TargetHeight:  v.TargetHeight,
		PayeeScript:   hex.EncodeToString(v.PayeeScript),
		Signature:     hex.EncodeToString(v.Signature),
	})
}

// DecodeVote parses a PaymentVote payload regardless of outpoint layout.
func DecodeVote(data []byte) (*PaymentVote, error) {
	var wire voteWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("wire: decode vote: %w", err)
	}
	outpoint, err := DecodeOutpoint(wire.VoterOutpoint)
	if err != nil {
		return nil, err
	}
	payeeScript, err := hex.DecodeString(wire.PayeeScript)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid payee script: %w", err)
	}
	signature, err := hex.DecodeString(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid vote signature: %w", err)
	}
	return &PaymentVote{
		VoterOutpoint: outpoint,
		TargetHeight:  wire.TargetHeight,
		PayeeScript:   payeeScript,
		Signature:     signature,
	}, nil
}

type verifyMessageWire struct {
	OutpointA   json.RawMessage `json:"outpointA"`
	OutpointB   json.RawMessage `json:"outpointB"`
	Addr        netAddrWire     `json:"addr"`
	Nonce       uint64          `json:"nonce"`
	BlockHeight uint64          `json:"blockHeight"`
	Sig1        string          `json:"sig1,omitempty"`
	Sig2        string          `json:"sig2,omitempty"`
}

// EncodeVerifyMessage serializes m for the peer's negotiated send_version.
func EncodeVerifyMessage(m *VerifyMessage, sendVersion uint32) ([]byte, error) {
	aRaw, err := EncodeOutpoint(m.OutpointA, sendVersion)
	if err != nil {
		return nil, err
	}
	bRaw, err := EncodeOutpoint(m.OutpointB, sendVersion)
	if err != nil {
		return nil, err
	}
	return json.Marshal(verifyMessageWire{
		OutpointA:   aRaw,
		OutpointB:   bRaw,
		Addr:        encodeNetAddr(m.Addr),
		Nonce:       m.Nonce,
		BlockHeight: m.BlockHeight,
		Sig1:        hex.EncodeToString(m.Sig1),
		Sig2:        hex.EncodeToString(m.Sig2),
	})
}

// DecodeVerifyMessage parses a VerifyMessage payload regardless of
// outpoint layout.
func DecodeVerifyMessage(data []byte) (*VerifyMessage, error) {
	var wire verifyMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("wire: decode verify message: %w", err)
	}
	a, err := DecodeOutpoint(wire.OutpointA)
	if err != nil {
		return nil, err
	}
	b, err := DecodeOutpoint(wire.OutpointB)
	if err != nil {
		return nil, err
	}
	sig1, err := hex.DecodeString(wire.Sig1)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid sig1: %w", err)
	}
	sig2, err := hex.DecodeString(wire.Sig2)
	if err != nil {
		return nil, fmt.Errorf("wire: invalid sig2: %w", err)
	}
	return &VerifyMessage{
		OutpointA:   a,
		OutpointB:   b,
		Addr:        decodeNetAddr(wire.Addr),
		Nonce:       wire.Nonce,
		BlockHeight: wire.BlockHeight,
		Sig1:        sig1,
		Sig2:        sig2,
	}, nil
}
