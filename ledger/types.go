// Package ledger implements the PaymentLedger: the per-block payee-vote
// accumulator, vote validation, winner resolution, and coinbase-payout
// validation that back the service-node payment election.
package ledger

import "nhbchain/wire"

// voterHeightKey identifies the single vote slot a voter occupies at a
// given target height; a re-vote overwrites whatever occupies this slot.
type voterHeightKey struct {
	Voter  wire.Outpoint
	Height uint64
}

// candidateTally tracks every distinct vote hash cast for one payee script
// at one block height, so a re-vote from the same voter can be removed from
// its old candidate's tally without double counting.
type candidateTally struct {
	payeeScript []byte
	voteHashes  map[[32]byte]struct{}
}

// BlockPayees is the vector of (payee_script, [vote_hashes]) recorded for a
// single target block height.
type BlockPayees struct {
	Height     uint64
	candidates map[string]*candidateTally
}

// Tally reports, for every candidate at this height, its payee script and
// the number of distinct votes it has received.
func (b *BlockPayees) Tally() map[string]int {
	out := make(map[string]int, len(b.candidates))
	for script, c := range b.candidates {
		out[script] = len(c.voteHashes)
	}
	return out
}

// CoinbaseOutput is the subset of a coinbase transaction output the ledger
// needs to validate a block's service-node payout: the destination script
// and the value it carries.
type CoinbaseOutput struct {
	Script []byte
	Value  uint64
}
