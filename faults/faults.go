// Package faults defines the typed error/score pairs every ingress path
// into the registry and ledger returns, so PeerBus can turn them into a
// single reputation adjustment without string-matching error text.
package faults

import "fmt"

// Kind enumerates the error kinds the core can surface from an ingress
// path, per the propagation policy: every ingress path returns a score
// value to PeerBus, and score 0 is logged only.
type Kind string

const (
	KindMalformed                Kind = "malformed"
	KindInvalidSignature         Kind = "invalid_signature"
	KindSigFromFuture            Kind = "sig_from_future"
	KindUnknownOutpoint          Kind = "unknown_outpoint"
	KindUnknownHeight            Kind = "unknown_height"
	KindCollateralMissing        Kind = "collateral_missing"
	KindCollateralSizeWrong      Kind = "collateral_size_wrong"
	KindCollateralPubkeyMismatch Kind = "collateral_pubkey_mismatch"
	KindCollateralTooNew         Kind = "collateral_too_new"
	KindRankOutOfBounds          Kind = "rank_out_of_bounds"
	KindRateLimited              Kind = "rate_limited"
	KindDuplicateVote            Kind = "duplicate_vote"
	KindStale                    Kind = "stale"
)

// Fault is the value every registry/ledger ingress method returns instead
// of a bare error, carrying the DoS score PeerBus should apply to the
// originating peer alongside the underlying cause.
type Fault struct {
	Kind  Kind
	Score int
	Err   error
}

func (f *Fault) Error() string {
	if f == nil {
		return ""
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

// New builds a Fault wrapping err under kind with the given DoS score.
func New(kind Kind, score int, err error) *Fault {
	return &Fault{Kind: kind, Score: score, Err: err}
}

// Malformed reports a structurally invalid message; DoS score 100.
func Malformed(err error) *Fault { return New(KindMalformed, 100, err) }

// InvalidSignature reports a signature that failed verification.
func InvalidSignature(err error) *Fault { return New(KindInvalidSignature, 100, err) }

// SigFromFuture reports a sig_time further in the future than tolerated.
func SigFromFuture(err error) *Fault { return New(KindSigFromFuture, 1, err) }

// UnknownOutpoint reports a reference to an outpoint the registry has no
// entry for; not itself a DoS signal, it is the trigger for an AskFor.
func UnknownOutpoint(err error) *Fault { return New(KindUnknownOutpoint, 0, err) }

// UnknownHeight reports a height ChainAdapter has no hash for.
func UnknownHeight(err error) *Fault { return New(KindUnknownHeight, 0, err) }

// CollateralMissing reports a collateral UTXO that cannot be found.
func CollateralMissing(err error) *Fault { return New(KindCollateralMissing, 33, err) }

// CollateralSizeWrong reports a collateral value that doesn't match the
// magic amount.
func CollateralSizeWrong(err error) *Fault { return New(KindCollateralSizeWrong, 33, err) }

// CollateralPubkeyMismatch reports an Announce update whose collateral
// public key differs from the one on record.
func CollateralPubkeyMismatch(err error) *Fault {
	return New(KindCollateralPubkeyMismatch, 33, err)
}

// CollateralTooNew defers judgment on a collateral UTXO that hasn't
// reached the confirmation depth yet; not a DoS signal.
func CollateralTooNew(err error) *Fault { return New(KindCollateralTooNew, 0, err) }

// RankOutOfBounds reports a payment vote from a voter ranked far outside
// the eligible window; score 20 only when the vote targets a future
// block, otherwise 0.
func RankOutOfBounds(future bool, err error) *Fault {
	score := 0
	if future {
		score = 20
	}
	return New(KindRankOutOfBounds, score, err)
}

// RateLimited reports abusive repetition of a sync request.
func RateLimited(err error) *Fault { return New(KindRateLimited, 20, err) }

// DuplicateVote reports a vote that was already recorded; not a DoS
// signal, simply ignored.
func DuplicateVote(err error) *Fault { return New(KindDuplicateVote, 0, err) }

// Stale reports data outside the retention window, to be purged.
func Stale(err error) *Fault { return New(KindStale, 0, err) }
