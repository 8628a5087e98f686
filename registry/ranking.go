package registry

import (
	"fmt"
	"math"
	"sort"
	"time"

	"nhbchain/faults"
	"nhbchain/observability/metrics"
	"nhbchain/wire"
)

// ComputeRanking returns every node with protocol_version >= minProtocol,
// sorted descending by ranking score against the seed at targetHeight,
// tie-broken by ascending outpoint.
func (r *Registry) ComputeRanking(targetHeight uint64, minProtocol uint32) ([]RankedNode, *faults.Fault) {
	start := time.Now()
	seed, err := r.chain.HashAt(targetHeight)
	if err != nil {
		return nil, faults.UnknownHeight(err)
	}

	nodes := r.Snapshot()
	ranked := make([]RankedNode, 0, len(nodes))
	for _, n := range nodes {
		if n.ProtocolVersion < minProtocol {
			continue
		}
		score := wire.RankScore(n.Outpoint, n.CollateralMinConfBlockHash, seed)
		ranked = append(ranked, RankedNode{Node: n, Score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		si, sj := uintScore(ranked[i].Score), uintScore(ranked[j].Score)
		if si.Eq(sj) {
			return ranked[i].Node.Outpoint.Less(ranked[j].Node.Outpoint)
		}
		return si.Gt(sj)
	})

	metrics.Registry().ObserveRankComputeSeconds(time.Since(start).Seconds())
	return ranked, nil
}

// RankOf returns the 1-based rank of outpoint within ranked, or 0 if
// outpoint isn't present.
func RankOf(ranked []RankedNode, outpoint wire.Outpoint) int {
	for i, rn := range ranked {
		if rn.Node.Outpoint == outpoint {
			return i + 1
		}
	}
	return 0
}

func (r *Registry) validForPayment(n *ServiceNode) bool {
	switch n.State {
	case wire.StateEnabled, wire.StateExpired, wire.StateSentinelPingExpired:
		return true
	default:
		return false
	}
}

// NextPayee selects the next service node to be paid at targetHeight, per
// filterSigTime additionally excludes
// recently-announced nodes; on a thin registry this filter is relaxed
// once and retried, to avoid starving payouts during a network upgrade.
func (r *Registry) NextPayee(targetHeight uint64, filterSigTime bool) (*ServiceNode, *faults.Fault) {
	registrySize := r.Len()
	anchorHeight := targetHeight - 101
	anchorHash, err := r.chain.HashAt(anchorHeight)
	if err != nil {
		return nil, faults.UnknownHeight(err)
	}

	candidates := r.eligibleCandidates(targetHeight, filterSigTime, registrySize)
	if filterSigTime && len(candidates) < registrySize/3 {
		candidates = r.eligibleCandidates(targetHeight, false, registrySize)
	}
	if len(candidates) == 0 {
		return nil, faults.UnknownOutpoint(fmt.Errorf("no eligible payees at height %d", targetHeight))
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastPaidBlock < candidates[j].LastPaidBlock })

	tenth := int(math.Ceil(float64(len(candidates)) / 10.0))
	if tenth < 1 {
		tenth = 1
	}
	if tenth > len(candidates) {
		tenth = len(candidates)
	}
	slice := candidates[:tenth]

	var winner *ServiceNode
	var winnerScore = uintScore([32]byte{})
	for _, n := range slice {
		score := uintScore(wire.RankScore(n.Outpoint, n.CollateralMinConfBlockHash, anchorHash))
		if winner == nil || score.Gt(winnerScore) {
			winner = n
			winnerScore = score
		}
	}

	metrics.Registry().ObservePaymentWinnerSelected()
	return winner, nil
}

func (r *Registry) eligibleCandidates(targetHeight uint64, filterSigTime bool, registrySize int) []*ServiceNode {
	now := r.chain.AdjustedTime()
	minAge := time.Duration(float64(registrySize)*2.6) * time.Minute

	var out []*ServiceNode
	for _, n := range r.Snapshot() {
		if !r.validForPayment(n) {
			continue
		}
		if n.ProtocolVersion < MinPaymentProtocol {
			continue
		}
		if n.LastPaidBlock >= targetHeight && n.LastPaidBlock <= targetHeight+8 {
			continue
		}
		if r.chain.Confirmations(n.Outpoint) < uint64(registrySize) {
			continue
		}
		if filterSigTime && now.Sub(time.Unix(n.SigTime, 0)) < minAge {
			continue
		}
		out = append(out, n)
	}
	return out
}
