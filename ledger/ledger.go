package ledger

import (
	"fmt"
	"sync"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/observability/metrics"
	"nhbchain/registry"
	"nhbchain/wire"
)

// MinStorageLimit is the floor the storage window never drops below,
// regardless of how small the registry is.
const MinStorageLimit = 6000

// AnchorDepth is the number of blocks back from a vote's target height the
// anti-replay anchor hash is read at.
const AnchorDepth = 101

// Ledger is the PaymentLedger: a per-block payee-vote accumulator guarded by
// two RWMutexes (votesMu, blocksMu). Every method that needs both always
// acquires blocksMu before votesMu, never the reverse, via
// withLocks/withRLocks, so the acquisition order is structurally
// impossible to violate at a new call site.
type Ledger struct {
	votesMu  sync.RWMutex
	blocksMu sync.RWMutex

	votes    map[[32]byte]*wire.PaymentVote
	voteSlot map[voterHeightKey][32]byte
	blocks   map[uint64]*BlockPayees

	signer *crypto.SignerKit
}

// New builds an empty Ledger.
func New(signer *crypto.SignerKit) *Ledger {
	return &Ledger{
		votes:    make(map[[32]byte]*wire.PaymentVote),
		voteSlot: make(map[voterHeightKey][32]byte),
		blocks:   make(map[uint64]*BlockPayees),
		signer:   signer,
	}
}

// withLocks acquires both locks in the mandated order (blocks, then votes)
// for the duration of fn.
func (l *Ledger) withLocks(fn func()) {
	l.blocksMu.Lock()
	defer l.blocksMu.Unlock()
	l.votesMu.Lock()
	defer l.votesMu.Unlock()
	fn()
}

func (l *Ledger) withRLocks(fn func()) {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	l.votesMu.RLock()
	defer l.votesMu.RUnlock()
	fn()
}

// StorageLimit returns max(registrySize * 1.25, 6000), the sliding window
// of block heights votes and their BlockPayees rows are retained for.
func StorageLimit(registrySize int) uint64 {
	scaled := uint64(float64(registrySize) * 1.25)
	if scaled < MinStorageLimit {
		return MinStorageLimit
	}
	return scaled
}

// VoteCount reports how many distinct votes are currently stored.
func (l *Ledger) VoteCount() int {
	l.votesMu.RLock()
	defer l.votesMu.RUnlock()
	return len(l.votes)
}

// BlockPayeesAt returns a copy of the candidate tally recorded for height,
// if any.
func (l *Ledger) BlockPayeesAt(height uint64) (map[string]int, bool) {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	bp, ok := l.blocks[height]
	if !ok {
		return nil, false
	}
	return bp.Tally(), true
}

// AddOrUpdatePaymentVote validates and stores an inbound PaymentVote per
// the vote acceptance and validation rules below. askFor is invoked
// with the voter's outpoint when the voter is unknown to reg, so the caller
// can request the missing Announce. The voter's minimum protocol version
// gate, and flagging a severely out-of-rank vote as ban-worthy, apply only
// when isFutureVote is true.
func (l *Ledger) AddOrUpdatePaymentVote(v *wire.PaymentVote, reg *registry.Registry, chain chainview.Adapter, params config.ServiceNodeParams, isFutureVote bool, askFor func(wire.Outpoint)) *faults.Fault {
	if v.TargetHeight < AnchorDepth {
		return faults.Malformed(fmt.Errorf("target height %d too low for anti-replay anchor", v.TargetHeight))
	}
	tip := chain.TipHeight()
	limit := StorageLimit(reg.Len())
	lower := uint64(0)
	if tip > limit {
		lower = tip - limit
	}
	if v.TargetHeight < lower || v.TargetHeight > tip+20 {
		return faults.Stale(fmt.Errorf("vote height %d outside retention window [%d, %d]", v.TargetHeight, lower, tip+20))
	}
	if _, err := chain.HashAt(v.TargetHeight - AnchorDepth); err != nil {
		return faults.UnknownHeight(err)
	}

	hash := wire.VoteIdentityHash(v)
	l.votesMu.RLock()
	_, already := l.votes[hash]
	l.votesMu.RUnlock()
	if already {
		return nil
	}

	if fault := l.validateVote(v, reg, chain, params, isFutureVote, askFor); fault != nil {
		return fault
	}

	l.withLocks(func() {
		l.storeVoteLocked(v, hash)
	})
	metrics.Registry().ObserveVoteAccepted()
	return nil
}

// storeVoteLocked enforces "one vote per (voter, height)": if the voter
// already occupies a different vote hash at this height, that prior vote
// is removed from both the vote map and its candidate's tally before the
// new one is recorded. Caller must hold both locks.
func (l *Ledger) storeVoteLocked(v *wire.PaymentVote, hash [32]byte) {
	slot := voterHeightKey{Voter: v.VoterOutpoint, Height: v.TargetHeight}
	if oldHash, ok := l.voteSlot[slot]; ok && oldHash != hash {
		if old, ok := l.votes[oldHash]; ok {
			l.removeFromTallyLocked(old)
		}
		delete(l.votes, oldHash)
	}

	l.votes[hash] = v
	l.voteSlot[slot] = hash

	bp, ok := l.blocks[v.TargetHeight]
	if !ok {
		bp = &BlockPayees{Height: v.TargetHeight, candidates: make(map[string]*candidateTally)}
		l.blocks[v.TargetHeight] = bp
	}
	key := string(v.PayeeScript)
	tally, ok := bp.candidates[key]
	if !ok {
		tally = &candidateTally{payeeScript: v.PayeeScript, voteHashes: make(map[[32]byte]struct{})}
		bp.candidates[key] = tally
	}
	tally.voteHashes[hash] = struct{}{}
}

func (l *Ledger) removeFromTallyLocked(v *wire.PaymentVote) {
	bp, ok := l.blocks[v.TargetHeight]
	if !ok {
		return
	}
	key := string(v.PayeeScript)
	tally, ok := bp.candidates[key]
	if !ok {
		return
	}
	delete(tally.voteHashes, wire.VoteIdentityHash(v))
	if len(tally.voteHashes) == 0 {
		delete(bp.candidates, key)
	}
	if len(bp.candidates) == 0 {
		delete(l.blocks, v.TargetHeight)
	}
}

// validateVote checks that an inbound vote comes from a known, eligible
// voter and carries a genuine signature.
func (l *Ledger) validateVote(v *wire.PaymentVote, reg *registry.Registry, chain chainview.Adapter, params config.ServiceNodeParams, isFutureVote bool, askFor func(wire.Outpoint)) *faults.Fault {
	voter, known := reg.Get(v.VoterOutpoint)
	if !known {
		if askFor != nil {
			askFor(v.VoterOutpoint)
		}
		return faults.UnknownOutpoint(fmt.Errorf("vote from unregistered outpoint %s", v.VoterOutpoint))
	}

	if isFutureVote && voter.ProtocolVersion < registry.MinPaymentProtocol {
		return faults.Stale(fmt.Errorf("voter protocol version %d below minimum", voter.ProtocolVersion))
	}

	ranked, fault := reg.ComputeRanking(v.TargetHeight-AnchorDepth, registry.MinPaymentProtocol)
	if fault != nil {
		return fault
	}
	rank := registry.RankOf(ranked, v.VoterOutpoint)
	if rank == 0 || rank > params.Payment.VotesTotal {
		severelyOut := rank == 0 || rank > 2*params.Payment.VotesTotal
		return faults.RankOutOfBounds(severelyOut && isFutureVote, fmt.Errorf("voter rank %d exceeds votes_total %d", rank, params.Payment.VotesTotal))
	}

	pub, err := crypto.UnmarshalPubkey(voter.PubKeyOperator)
	if err != nil {
		return faults.Malformed(err)
	}
	legacy := wire.VoteDigest(crypto.SchemeLegacy, v)
	current := wire.VoteDigest(crypto.SchemeCurrent, v)
	if !l.signer.Verify(pub, current, v.Signature) && !l.signer.Verify(pub, legacy, v.Signature) {
		return faults.InvalidSignature(fmt.Errorf("payment vote signature invalid"))
	}
	return nil
}

// CheckAndRemove purges votes and BlockPayees rows outside the sliding
// retention window [tip - storage_limit, tip + 20].
func (l *Ledger) CheckAndRemove(tip uint64, registrySize int) {
	limit := StorageLimit(registrySize)
	lower := uint64(0)
	if tip > limit {
		lower = tip - limit
	}
	upper := tip + 20

	l.withLocks(func() {
		for height, bp := range l.blocks {
			if height >= lower && height <= upper {
				continue
			}
			for _, tally := range bp.candidates {
				for hash := range tally.voteHashes {
					if vote, ok := l.votes[hash]; ok {
						delete(l.voteSlot, voterHeightKey{Voter: vote.VoterOutpoint, Height: vote.TargetHeight})
					}
					delete(l.votes, hash)
				}
			}
			delete(l.blocks, height)
		}
	})
}

// IsEnoughData reports whether the ledger holds a usable quorum of votes
// across the near-future window [tip, tip+19], the signal SyncDriver's
// Votes stage uses to decide it can stop asking for more PaymentSync data.
// A height "has enough data" once some candidate there has reached
// votesRequired votes; the window overall is ready once at least half of
// its heights clear that bar.
func (l *Ledger) IsEnoughData(tip uint64, votesRequired int) bool {
	ready := 0
	const window = 20
	l.blocksMu.RLock()
	for h := tip; h < tip+window; h++ {
		bp, ok := l.blocks[h]
		if !ok {
			continue
		}
		for _, tally := range bp.candidates {
			if len(tally.voteHashes) >= votesRequired {
				ready++
				break
			}
		}
	}
	l.blocksMu.RUnlock()
	return ready*2 >= window
}

// MaxVotes returns the highest vote count any single candidate has at
// height, and that candidate's payee script.
func (l *Ledger) MaxVotes(height uint64) (script []byte, votes int) {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	bp, ok := l.blocks[height]
	if !ok {
		return nil, 0
	}
	for _, tally := range bp.candidates {
		if n := len(tally.voteHashes); n > votes {
			votes = n
			script = tally.payeeScript
		}
	}
	return script, votes
}

// IsTransactionValid checks a block's coinbase payout against the votes
// recorded for its height: with
// fewer than votesRequired votes on any candidate there is insufficient
// data to decide and any coinbase is accepted; otherwise the coinbase must
// pay paymentAmount to a candidate that cleared votesRequired votes.
func (l *Ledger) IsTransactionValid(height uint64, outputs []CoinbaseOutput, paymentAmount uint64, votesRequired int) bool {
	l.blocksMu.RLock()
	bp, ok := l.blocks[height]
	var qualifying map[string]struct{}
	if ok {
		qualifying = make(map[string]struct{})
		maxVotes := 0
		for script, tally := range bp.candidates {
			if n := len(tally.voteHashes); n > maxVotes {
				maxVotes = n
			}
			if len(tally.voteHashes) >= votesRequired {
				qualifying[script] = struct{}{}
			}
		}
		if maxVotes < votesRequired {
			l.blocksMu.RUnlock()
			return true
		}
	}
	l.blocksMu.RUnlock()
	if !ok {
		return true
	}

	for _, out := range outputs {
		if out.Value != paymentAmount {
			continue
		}
		if _, ok := qualifying[string(out.Script)]; ok {
			return true
		}
	}
	return false
}

// BlockValueValid checks a block's reward against the budget rules in
// effect at its height. Before the
// superblock activation height, reward excesses inside the deprecated
// budget window are accepted unconditionally; after activation a triggered
// superblock delegates to the caller-supplied governance check, otherwise
// the plain reward bound applies.
func BlockValueValid(height, superblockActivationHeight uint64, insideDeprecatedBudgetWindow bool, expectedReward, actualReward uint64, superblockTriggered bool, superblockValid func() bool) bool {
	if height < superblockActivationHeight {
		if insideDeprecatedBudgetWindow {
			return true
		}
		return actualReward <= expectedReward
	}
	if superblockTriggered {
		return superblockValid()
	}
	return actualReward <= expectedReward
}

// LowDataHeights lists the heights in [tip, tip+19] whose strongest
// candidate has not yet reached votesRequired votes, the set SyncDriver's
// Votes stage asks peers to backfill by height rather than waiting on
// ordinary gossip relay.
func (l *Ledger) LowDataHeights(tip uint64, votesRequired int) []uint64 {
	l.blocksMu.RLock()
	defer l.blocksMu.RUnlock()
	var out []uint64
	for h := tip; h < tip+20; h++ {
		bp, ok := l.blocks[h]
		if !ok {
			out = append(out, h)
			continue
		}
		best := 0
		for _, tally := range bp.candidates {
			if n := len(tally.voteHashes); n > best {
				best = n
			}
		}
		if best < votesRequired {
			out = append(out, h)
		}
	}
	return out
}

// InvForSync lists the inventory vectors for every verified vote targeting
// [tip, tip+19], the payload a PaymentSync responder gossips
// back to a requesting peer.
func (l *Ledger) InvForSync(tip uint64) []wire.InvVector {
	l.votesMu.RLock()
	defer l.votesMu.RUnlock()
	var out []wire.InvVector
	for hash, v := range l.votes {
		if v.TargetHeight >= tip && v.TargetHeight <= tip+19 {
			out = append(out, wire.InvVector{Kind: wire.InvPaymentVote, Hash: hash})
		}
	}
	return out
}
