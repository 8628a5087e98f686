package config

import "fmt"

// ValidateServiceNodeParams rejects parameter combinations the registry and
// ledger cannot operate under: inverted liveness windows, a quorum that can
// never be reached, or non-positive PoSe, scan and collateral settings.
func ValidateServiceNodeParams(p ServiceNodeParams) error {
	l := p.Liveness
	if l.MinPingInterval <= 0 {
		return fmt.Errorf("liveness: min_ping_interval must be positive")
	}
	if l.SentinelPingMax <= l.MinPingInterval {
		return fmt.Errorf("liveness: sentinel_ping_max must exceed min_ping_interval")
	}
	if l.Expiration <= l.SentinelPingMax {
		return fmt.Errorf("liveness: expiration must exceed sentinel_ping_max")
	}
	if l.NewStartRequired <= l.Expiration {
		return fmt.Errorf("liveness: new_start_required must exceed expiration")
	}

	pose := p.PoSe
	if pose.BanMaxScore <= 0 {
		return fmt.Errorf("pose: ban_max_score must be positive")
	}
	if pose.RecoveryQuorumRequired <= 0 || pose.RecoveryQuorumRequired > pose.RecoveryQuorumTotal {
		return fmt.Errorf("pose: recovery_quorum_required must be in (0, recovery_quorum_total]")
	}
	if pose.RecoveryWait <= 0 || pose.RecoveryRetry <= pose.RecoveryWait {
		return fmt.Errorf("pose: recovery_retry must exceed recovery_wait")
	}

	pay := p.Payment
	if pay.VotesRequired <= 0 || pay.VotesRequired > pay.VotesTotal {
		return fmt.Errorf("payment: votes_required must be in (0, votes_total]")
	}
	if pay.LastPaidScanBlocks <= 0 {
		return fmt.Errorf("payment: last_paid_scan_blocks must be positive")
	}
	if pay.MagicCollateralFraction <= 0 || pay.MagicCollateralFraction >= 1 {
		return fmt.Errorf("payment: magic_collateral_fraction must be in (0, 1)")
	}
	if pay.MagicCollateralAmount == 0 {
		return fmt.Errorf("payment: magic_collateral_amount must be positive")
	}

	return nil
}
