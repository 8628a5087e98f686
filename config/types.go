package config

import "time"

// LivenessWindows bounds the ping/expiration lifecycle a registry entry
// moves through, per the liveness protocol's numeric constants.
type LivenessWindows struct {
	MinPingInterval    time.Duration
	SentinelPingMax    time.Duration
	Expiration         time.Duration
	NewStartRequired   time.Duration
	DsegUpdateInterval time.Duration
}

// PoSeLimits bounds the Proof-of-Service mutual-verification protocol.
type PoSeLimits struct {
	BanMaxScore            int
	MaxRank                int
	MaxConnections         int
	MaxBlocks              int
	RecoveryQuorumTotal    int
	RecoveryQuorumRequired int
	RecoveryWait           time.Duration
	RecoveryRetry          time.Duration
}

// PaymentQuorum bounds the election and vote-storage window used by the
// payment ledger.
type PaymentQuorum struct {
	VotesRequired           int
	VotesTotal              int
	LastPaidScanBlocks      int
	MagicCollateralFraction float64
	// MagicCollateralAmount is the exact collateral UTXO value, in the
	// chain's smallest unit, that marks a UTXO eligible as service-node
	// collateral. It is MagicCollateralFraction of MaxMoneySupply,
	// computed once at startup rather than re-derived from the total
	// supply on every Check call.
	MagicCollateralAmount uint64
}

// MaxMoneySupply is the fixed total-supply constant MagicCollateralAmount
// is derived from. The subsystem has no block-reward or supply-schedule
// component of its own, so this is carried
// here purely to give MagicCollateralFraction a concrete amount to scale.
const MaxMoneySupply uint64 = 21_000_000 * 1_0000_0000

// Pauses toggles optional subsystems an operator may disable without a
// binary restart.
type Pauses struct {
	PaymentVoting    bool
	PoSeVerification bool
	Sync             bool
}

// SyncParams bounds the sync driver's tick cadence, per-asset timeout, and
// the two global fault-recovery windows.
type SyncParams struct {
	TickInterval    time.Duration
	AssetTimeout    time.Duration
	StallResetAfter time.Duration
	FailedCooldown  time.Duration
	// MaxPeersPerAsset is how many distinct peers a single List/Votes
	// asset will ask before it stops issuing fresh requests.
	MaxPeersPerAsset int
	// MinAttemptsToAdvance is the number of distinct peer attempts the
	// Votes asset requires before is_enough_data is even consulted.
	MinAttemptsToAdvance int
}

// ServiceNodeParams bundles every numeric constant the registry, ledger,
// and sync driver enforce, letting an operator tune them without a
// rebuild while keeping a single validated source of truth.
type ServiceNodeParams struct {
	Liveness LivenessWindows
	PoSe     PoSeLimits
	Payment  PaymentQuorum
	Pauses   Pauses
	Sync     SyncParams
	// NewSignatureScheme activates the current (blake3-based canonical)
	// signing convention for messages this node originates. Legacy
	// signatures are always accepted on input regardless of this flag.
	NewSignatureScheme bool
}
