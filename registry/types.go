// Package registry implements the service-node registry: the in-memory,
// concurrency-safe map of currently-live service nodes, their liveness
// state machine, ranking, payment-queue selection, and the PoSe mutual
// verification protocol.
package registry

import (
	"time"

	"nhbchain/wire"
)

// LastPing records the most recently accepted liveness proof for a node.
type LastPing struct {
	SigTime           int64
	BlockHash         [32]byte
	SentinelIsCurrent bool
	SentinelVersion   uint32
	DaemonVersion     uint32
}

// ServiceNode is a single registry entry: everything known about one
// registered collateral outpoint.
type ServiceNode struct {
	Outpoint         wire.Outpoint
	NetAddr          wire.NetAddress
	PubKeyCollateral []byte
	PubKeyOperator   []byte
	ProtocolVersion  uint32
	State            wire.ServiceNodeState

	// SigTime is the sig_time of the most recently applied Announce.
	SigTime int64

	LastPing LastPing

	// CollateralMinConfBlockHash is the hash of the block at which the
	// collateral UTXO first reached the required confirmation depth,
	// the anchor ranking scores are computed against.
	CollateralMinConfBlockHash [32]byte

	LastPaidBlock uint64
	LastPaidTime  time.Time

	PoSeBanScore       int
	PoSeBanUntilHeight uint64

	GovernanceVoteRefs []wire.Outpoint
	AllowMixing        bool

	// poseVerified is set once this run when the node has completed a
	// successful mutual PoSe verification, consulted by CheckSameAddr.
	poseVerified bool

	// lastCheck is the wall-clock time Check last ran for this node,
	// enforcing the 5s-unless-forced rate limit.
	lastCheck time.Time

	// self marks the entry that corresponds to this process's own
	// outpoint, exempted from a couple of update ordering rules.
	self bool

	// lastRelay is not written by any code path; it stays at its zero
	// value.
	lastRelay time.Time
}

// RankedNode pairs a registry entry with its computed ranking score for a
// given seed, kept together so sorts don't need to recompute the hash.
type RankedNode struct {
	Node  *ServiceNode
	Score [32]byte
}
