package config

import "time"

// DefaultServiceNodeParams returns the numeric constants a fresh
// configuration file is seeded with.
func DefaultServiceNodeParams() ServiceNodeParams {
	return ServiceNodeParams{
		Liveness: LivenessWindows{
			MinPingInterval:    600 * time.Second,
			SentinelPingMax:    3600 * time.Second,
			Expiration:         7200 * time.Second,
			NewStartRequired:   10800 * time.Second,
			DsegUpdateInterval: 10800 * time.Second,
		},
		PoSe: PoSeLimits{
			BanMaxScore:            5,
			MaxRank:                10,
			MaxConnections:         10,
			MaxBlocks:              10,
			RecoveryQuorumTotal:    10,
			RecoveryQuorumRequired: 6,
			RecoveryWait:           60 * time.Second,
			RecoveryRetry:          10800 * time.Second,
		},
		Payment: PaymentQuorum{
			VotesRequired:           6,
			VotesTotal:              10,
			LastPaidScanBlocks:      100,
			MagicCollateralFraction: 0.1234,
			MagicCollateralAmount:   uint64(0.1234 * float64(MaxMoneySupply)),
		},
		Sync: SyncParams{
			TickInterval:         6 * time.Second,
			AssetTimeout:         30 * time.Second,
			StallResetAfter:      60 * time.Minute,
			FailedCooldown:       60 * time.Second,
			MaxPeersPerAsset:     3,
			MinAttemptsToAdvance: 2,
		},
		NewSignatureScheme: true,
	}
}
