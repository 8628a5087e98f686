package ledger

import (
	"fmt"
	"time"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/registry"
	"nhbchain/wire"
)

// voteLookahead is how far past the current tip a self-originated vote
// targets, giving the election a head start before the block is mined.
const voteLookahead = 10

// payeeScriptFor derives the destination script a winning node's payout
// must be addressed to: the operator address for its operator public key.
func payeeScriptFor(n *registry.ServiceNode) ([]byte, error) {
	pub, err := crypto.UnmarshalPubkey(n.PubKeyOperator)
	if err != nil {
		return nil, fmt.Errorf("decode operator key: %w", err)
	}
	return pub.AddressWithPrefix(crypto.OperatorPrefix).Bytes(), nil
}

// OriginateVote builds, signs, and submits this node's vote for the payee
// it believes should win at tip+voteLookahead, provided self is still
// ranked within the eligible voting window at that height.
func OriginateVote(tip uint64, self wire.Outpoint, reg *registry.Registry, chain chainview.Adapter, ledger *Ledger, signer *crypto.SignerKit, operatorKey *crypto.PrivateKey, params config.ServiceNodeParams) (*wire.PaymentVote, *faults.Fault) {
	targetHeight := tip + voteLookahead
	if targetHeight < AnchorDepth {
		return nil, faults.Stale(fmt.Errorf("target height %d too low to anchor a vote", targetHeight))
	}

	ranked, fault := reg.ComputeRanking(targetHeight-AnchorDepth, registry.MinPaymentProtocol)
	if fault != nil {
		return nil, fault
	}
	if rank := registry.RankOf(ranked, self); rank == 0 || rank > params.Payment.VotesTotal {
		return nil, faults.RankOutOfBounds(false, fmt.Errorf("self rank %d outside voting window", rank))
	}

	winner, fault := reg.NextPayee(targetHeight, true)
	if fault != nil {
		return nil, fault
	}
	script, err := payeeScriptFor(winner)
	if err != nil {
		return nil, faults.Malformed(err)
	}

	v := &wire.PaymentVote{
		VoterOutpoint: self,
		TargetHeight:  targetHeight,
		PayeeScript:   script,
	}
	digest := wire.VoteDigest(signer.ActiveScheme(), v)
	sig, err := signer.Sign(operatorKey, digest)
	if err != nil {
		return nil, faults.Malformed(err)
	}
	v.Signature = sig

	if fault := ledger.AddOrUpdatePaymentVote(v, reg, chain, params, false, nil); fault != nil {
		return nil, fault
	}
	return v, nil
}

// UpdateLastPaid scans back quorum.LastPaidScanBlocks heights from tip for
// a candidate that reached the vote quorum, and records the highest such
// height against that candidate's registry entry, mirroring the original's
// backward rescan for a node's last-paid height. Heights already reflected
// in a node's LastPaidBlock are left alone.
func (l *Ledger) UpdateLastPaid(reg *registry.Registry, tip uint64, quorum config.PaymentQuorum, now time.Time) {
	scanBlocks := quorum.LastPaidScanBlocks
	if scanBlocks <= 0 {
		return
	}
	lower := uint64(0)
	if tip > uint64(scanBlocks) {
		lower = tip - uint64(scanBlocks)
	}

	byScript := make(map[string]*registry.ServiceNode)
	for _, n := range reg.Snapshot() {
		script, err := payeeScriptFor(n)
		if err != nil {
			continue
		}
		byScript[string(script)] = n
	}

	for h := lower; h <= tip; h++ {
		script, votes := l.MaxVotes(h)
		if votes < quorum.VotesRequired || script == nil {
			continue
		}
		node, ok := byScript[string(script)]
		if !ok {
			continue
		}
		reg.SetLastPaid(node.Outpoint, h, now)
	}
}
