// Package wire defines the on-the-wire message types exchanged between
// service nodes and the canonical byte layouts their signatures cover.
package wire

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Outpoint is the stable identity of a service node's collateral: the
// transaction hash and output index of the UTXO that backs it.
type Outpoint struct {
	Hash  [32]byte
	Index uint32
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%x:%d", o.Hash, o.Index)
}

// ParseOutpoint parses the "<64 hex chars>:<index>" form used in
// configuration files and CLI flags.
func ParseOutpoint(s string) (Outpoint, error) {
	var out Outpoint
	hashPart, indexPart, found := strings.Cut(s, ":")
	if !found {
		return out, fmt.Errorf("wire: outpoint %q missing ':index'", s)
	}
	raw, err := hex.DecodeString(hashPart)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("wire: outpoint %q has malformed hash", s)
	}
	copy(out.Hash[:], raw)
	index, err := strconv.ParseUint(indexPart, 10, 32)
	if err != nil {
		return out, fmt.Errorf("wire: outpoint %q has malformed index: %w", s, err)
	}
	out.Index = uint32(index)
	return out, nil
}

// Less gives outpoints a total order, used to tie-break ranking and to
// keep registry iteration order deterministic in tests.
func (o Outpoint) Less(other Outpoint) bool {
	for i := range o.Hash {
		if o.Hash[i] != other.Hash[i] {
			return o.Hash[i] < other.Hash[i]
		}
	}
	return o.Index < other.Index
}

// NetAddress is an IPv4 endpoint. IPv6 and onion addresses are rejected
// outside of the test network.
type NetAddress struct {
	IP   net.IP
	Port uint16
}

func (a NetAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
}

// Valid reports whether a is a routable IPv4 endpoint, or any endpoint at
// all when testnet relaxes the IPv4-only rule.
func (a NetAddress) Valid(allowNonIPv4 bool) bool {
	if a.Port == 0 {
		return false
	}
	if allowNonIPv4 {
		return len(a.IP) > 0
	}
	return a.IP.To4() != nil
}

// Equal reports whether a and b name the same endpoint. NetAddress embeds
// a net.IP slice and so cannot use the == operator directly.
func (a NetAddress) Equal(b NetAddress) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// ServiceNodeState is the closed enumeration of states a registry entry
// can occupy.
type ServiceNodeState int

const (
	StatePreEnabled ServiceNodeState = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateSentinelPingExpired
	StateNewStartRequired
	StatePoSeBanned
)

func (s ServiceNodeState) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateSentinelPingExpired:
		return "SENTINEL_PING_EXPIRED"
	case StateNewStartRequired:
		return "NEW_START_REQUIRED"
	case StatePoSeBanned:
		return "POSE_BANNED"
	default:
		return "UNKNOWN"
	}
}

// Relayable reports whether a node in this state should have its gossip
// messages relayed onward.
func (s ServiceNodeState) Relayable() bool {
	switch s {
	case StateEnabled, StateExpired, StateSentinelPingExpired:
		return true
	default:
		return false
	}
}

// Announce is a service node's signed self-introduction, carrying its
// collateral outpoint, network address, both public keys, and an embedded
// liveness ping.
type Announce struct {
	Outpoint         Outpoint
	NetAddr          NetAddress
	PubKeyCollateral []byte
	PubKeyOperator   []byte
	SigTime          int64
	ProtocolVersion  uint32
	Signature        []byte
	Ping             *Ping
}

// Hash identifies an Announce uniquely by (outpoint, pubkey_collateral,
// sig_time), independent of signature scheme.
func (a *Announce) Hash() [32]byte {
	return AnnounceIdentityHash(a)
}

// Ping is a periodic liveness proof signed by the operator key, anchored
// to a recent block hash to prevent cross-chain or stale replay.
type Ping struct {
	Outpoint          Outpoint
	BlockHash         [32]byte
	SigTime           int64
	SentinelIsCurrent bool
	SentinelVersion   uint32
	DaemonVersion     uint32
	Signature         []byte
}

// PaymentVote is a signed opinion that a specific service node should
// receive the payout at a target block height.
type PaymentVote struct {
	VoterOutpoint Outpoint
	TargetHeight  uint64
	PayeeScript   []byte
	Signature     []byte
}

// Hash identifies a PaymentVote uniquely by (payee_script,
// target_block_height, voter_outpoint).
func (v *PaymentVote) Hash() [32]byte {
	return VoteIdentityHash(v)
}

// VerifyMessage is the mutual-challenge PoSe message, used in three
// roles distinguished by which signatures are populated: challenge (both
// empty), reply (Sig1 only), broadcast (both).
type VerifyMessage struct {
	OutpointA   Outpoint
	OutpointB   Outpoint
	Addr        NetAddress
	Nonce       uint64
	BlockHeight uint64
	Sig1        []byte
	Sig2        []byte
}

// IsChallenge reports whether m carries no signatures yet.
func (m *VerifyMessage) IsChallenge() bool { return len(m.Sig1) == 0 && len(m.Sig2) == 0 }

// IsReply reports whether m carries only the responder's signature.
func (m *VerifyMessage) IsReply() bool { return len(m.Sig1) != 0 && len(m.Sig2) == 0 }

// IsBroadcast reports whether m carries both signatures.
func (m *VerifyMessage) IsBroadcast() bool { return len(m.Sig1) != 0 && len(m.Sig2) != 0 }
