package ledger

import "nhbchain/wire"

// VoteByHash returns the stored vote with the given identity hash, the
// payload a GetData(InvPaymentVote) request serves.
func (l *Ledger) VoteByHash(hash [32]byte) (*wire.PaymentVote, bool) {
	l.votesMu.RLock()
	defer l.votesMu.RUnlock()
	v, ok := l.votes[hash]
	return v, ok
}

// VotesAtHeight returns every vote recorded for height, the payload a
// GetData(InvPaymentBlock) request serves. Always acquires blocksMu before
// votesMu, per the ledger's lock-order rule.
func (l *Ledger) VotesAtHeight(height uint64) []*wire.PaymentVote {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	bp, ok := l.blocks[height]
	if !ok {
		return nil
	}
	l.votesMu.RLock()
	defer l.votesMu.RUnlock()
	out := make([]*wire.PaymentVote, 0, len(bp.candidates))
	for _, c := range bp.candidates {
		for h := range c.voteHashes {
			if v, ok := l.votes[h]; ok {
				out = append(out, v)
			}
		}
	}
	return out
}
