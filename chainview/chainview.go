// Package chainview defines the narrow read-only view of chain state the
// registry and ledger need, and a fake implementation for tests.
package chainview

import (
	"errors"
	"time"

	"nhbchain/wire"
)

// ErrUnknownHeight is returned by HashAt when the adapter has no hash on
// record for the requested height.
var ErrUnknownHeight = errors.New("chainview: unknown height")

// ErrUnknownOutpoint is returned by UTXO when no coin is on record for the
// given outpoint.
var ErrUnknownOutpoint = errors.New("chainview: unknown outpoint")

// Coin is the subset of a UTXO the registry needs to validate collateral:
// the value it carries, the locking script, and the height it confirmed at.
type Coin struct {
	Script []byte
	Value  uint64
	Height uint64
}

// Adapter is the seam between this module and a real node's chain state.
// Every method is a cheap query from the core's point of view; an Adapter
// implementation is responsible for any caching it needs internally.
type Adapter interface {
	TipHeight() uint64
	HashAt(height uint64) ([32]byte, error)
	BlockTime(height uint64) (time.Time, error)
	UTXO(o wire.Outpoint) (Coin, error)
	IsOutpointSpent(o wire.Outpoint) bool
	Confirmations(o wire.Outpoint) uint64
	AdjustedTime() time.Time
	RandBelow(n uint64) uint64
}
