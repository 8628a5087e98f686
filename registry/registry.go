package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/observability/metrics"
	"nhbchain/p2p"
	"nhbchain/wire"
)

// MinConfirmations is the confirmation depth a collateral UTXO must reach
// before an Announce referencing it is accepted.
const MinConfirmations = 15

// MinPaymentProtocol is the lowest protocol_version eligible to vote or be
// voted for in the payment queue.
const MinPaymentProtocol = wire.ProtocolVersionBareOutpoint

// recoveryCandidate is one peer's report of the newest announce it holds
// for an outpoint the local registry is trying to recover.
type recoveryCandidate struct {
	peerID   string
	identity [32]byte
	announce *wire.Announce
	seenAt   time.Time
}

// Registry is the in-memory, concurrency-safe map of live service nodes,
// guarded by a single sync.RWMutex (an earlier design flagged
// recursive cross-module locking as a hazard to avoid).
type Registry struct {
	mu    sync.RWMutex
	nodes map[wire.Outpoint]*ServiceNode

	params config.ServiceNodeParams
	chain  chainview.Adapter
	signer *crypto.SignerKit
	bus    p2p.Broadcaster
	log    *slog.Logger
	now    func() time.Time

	testnet      bool
	expectedPort uint16

	self *wire.Outpoint

	seenAnnounce map[[32]byte]time.Time
	seenPing     map[[32]byte]time.Time

	recovering map[wire.Outpoint][]recoveryCandidate

	sameAddrVerified map[string]bool

	// lastSentinelActivity is the process-wide timestamp of the most
	// recent ping carrying sentinel_is_current, consulted by the PoSe
	// SentinelPingExpired state check.
	lastSentinelActivity time.Time

	pending    map[uint64]pendingChallenge
	seenVerify map[[32]byte]time.Time
	selfOpKey  *crypto.PrivateKey
}

// New builds an empty Registry. bus may be nil for tests that don't need
// relay; chain must not be nil.
func New(params config.ServiceNodeParams, chain chainview.Adapter, signer *crypto.SignerKit, bus p2p.Broadcaster, log *slog.Logger, testnet bool, expectedPort uint16) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		nodes:            make(map[wire.Outpoint]*ServiceNode),
		params:           params,
		chain:            chain,
		signer:           signer,
		bus:              bus,
		log:              log,
		now:              time.Now,
		testnet:          testnet,
		expectedPort:     expectedPort,
		seenAnnounce:     make(map[[32]byte]time.Time),
		seenPing:         make(map[[32]byte]time.Time),
		recovering:       make(map[wire.Outpoint][]recoveryCandidate),
		sameAddrVerified: make(map[string]bool),
	}
}

// SetSelf marks outpoint as this process's own registry entry, exempting
// a couple of update ordering rules.
func (r *Registry) SetSelf(outpoint wire.Outpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = &outpoint
	if n, ok := r.nodes[outpoint]; ok {
		n.self = true
	}
}

// SetLastPaid records that outpoint's entry won the payment election at
// height, driven by the ledger's periodic backward rescan over recently
// decided heights. Returns false if outpoint is unknown or height is not
// newer than what is already recorded.
func (r *Registry) SetLastPaid(outpoint wire.Outpoint, height uint64, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[outpoint]
	if !ok || height <= n.LastPaidBlock {
		return false
	}
	n.LastPaidBlock = height
	n.LastPaidTime = at
	return true
}

// Get returns a copy of the node at outpoint, if present.
func (r *Registry) Get(outpoint wire.Outpoint) (ServiceNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[outpoint]
	if !ok {
		return ServiceNode{}, false
	}
	return *n, true
}

// Len returns the number of entries currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// Snapshot returns a copy of every entry, sorted by outpoint, for callers
// that need to iterate without holding the registry lock (ranking,
// payment-queue selection, persistence).
func (r *Registry) Snapshot() []*ServiceNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outpoint.Less(out[j].Outpoint) })
	return out
}

func (r *Registry) relayAnnounce(a *wire.Announce) {
	if r.bus == nil {
		return
	}
	msg, err := p2p.NewAnnounceMessage(a, wire.ProtocolVersionBareOutpoint)
	if err != nil {
		return
	}
	_ = r.bus.Broadcast(msg)
}

func (r *Registry) relayPing(p *wire.Ping) {
	if r.bus == nil {
		return
	}
	msg, err := p2p.NewPingMessage(p, wire.ProtocolVersionBareOutpoint)
	if err != nil {
		return
	}
	_ = r.bus.Broadcast(msg)
}

// verifySignature tries the current-scheme digest first and falls back to
// the legacy digest once, for backward compatibility with signatures made
// under the older scheme.
func verifySignature(signer *crypto.SignerKit, pub *crypto.PublicKey, sig []byte, legacyDigest, currentDigest [32]byte) bool {
	if signer.Verify(pub, currentDigest, sig) {
		return true
	}
	return signer.Verify(pub, legacyDigest, sig)
}

// SimpleCheck validates the structural invariants of an Announce that
// don't require chain state: address validity, sig_time bound, embedded
// ping shape, and public key sizing.
func (r *Registry) SimpleCheck(a *wire.Announce) *faults.Fault {
	if a == nil {
		return faults.Malformed(fmt.Errorf("nil announce"))
	}
	if !a.NetAddr.Valid(r.testnet) {
		return faults.Malformed(fmt.Errorf("invalid net address"))
	}
	if !r.testnet && a.NetAddr.Port != r.expectedPort {
		return faults.Malformed(fmt.Errorf("unexpected port %d", a.NetAddr.Port))
	}
	now := r.chain.AdjustedTime()
	if a.SigTime > now.Add(time.Hour).Unix() {
		return faults.SigFromFuture(fmt.Errorf("sig_time %d too far in the future", a.SigTime))
	}
	// The original P2PKH-script size check (25 bytes) doesn't apply to a
	// raw secp256k1 point; a compressed (33) or uncompressed (65) point
	// is the equivalent malformation signal here.
	if !validPubKeyLen(a.PubKeyCollateral) || !validPubKeyLen(a.PubKeyOperator) {
		return faults.Malformed(fmt.Errorf("public key has invalid length"))
	}
	if a.Ping == nil {
		return faults.Malformed(fmt.Errorf("announce missing embedded ping"))
	}
	if a.Ping.Outpoint != a.Outpoint {
		return faults.Malformed(fmt.Errorf("embedded ping outpoint mismatch"))
	}
	if a.Ping.SigTime > now.Add(time.Hour).Unix() {
		return faults.SigFromFuture(fmt.Errorf("embedded ping sig_time too far in the future"))
	}
	return nil
}

func validPubKeyLen(b []byte) bool {
	return len(b) == 33 || len(b) == 65
}

// CheckOutpoint resolves a new outpoint's collateral UTXO and validates it
// meets the magic amount and confirmation-depth rules, returning the
// anchor block hash ranking scores will key off of.
func (r *Registry) CheckOutpoint(a *wire.Announce) ([32]byte, *faults.Fault) {
	coin, err := r.chain.UTXO(a.Outpoint)
	if err != nil {
		return [32]byte{}, faults.CollateralMissing(err)
	}
	if coin.Value != r.params.Payment.MagicCollateralAmount {
		return [32]byte{}, faults.CollateralSizeWrong(fmt.Errorf("collateral value %d != magic %d", coin.Value, r.params.Payment.MagicCollateralAmount))
	}
	confs := r.chain.Confirmations(a.Outpoint)
	if confs < MinConfirmations {
		return [32]byte{}, faults.CollateralTooNew(fmt.Errorf("collateral has %d confirmations, need %d", confs, MinConfirmations))
	}
	confDepthHeight := coin.Height + MinConfirmations - 1
	blockTime, err := r.chain.BlockTime(confDepthHeight)
	if err != nil {
		return [32]byte{}, faults.CollateralTooNew(err)
	}
	if a.SigTime < blockTime.Unix() {
		return [32]byte{}, faults.Malformed(fmt.Errorf("sig_time predates confirmation-depth block"))
	}
	hash, err := r.chain.HashAt(confDepthHeight)
	if err != nil {
		return [32]byte{}, faults.UnknownHeight(err)
	}
	return hash, nil
}

// AddOrUpdateAnnounce processes an inbound Announce through the steps
// steps 1-5.
func (r *Registry) AddOrUpdateAnnounce(a *wire.Announce, fromPeerID string, recoveryReply bool) *faults.Fault {
	identity := wire.AnnounceIdentityHash(a)

	r.mu.Lock()
	if seenAt, ok := r.seenAnnounce[identity]; ok {
		if recoveryReply {
			r.recordRecoveryLocked(a.Outpoint, fromPeerID, identity, a)
			if winner := r.resolveRecoveryLocked(a.Outpoint); winner != nil {
				r.mu.Unlock()
				return r.applyAnnounceLocked(winner, true)
			}
		}
		_ = seenAt
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if fault := r.SimpleCheck(a); fault != nil {
		return fault
	}

	r.mu.RLock()
	existing, known := r.nodes[a.Outpoint]
	r.mu.RUnlock()

	if known {
		if fault := r.validateUpdate(existing, a, recoveryReply); fault != nil {
			return fault
		}
	} else {
		anchor, fault := r.CheckOutpoint(a)
		if fault != nil {
			return fault
		}
		a = cloneAnnounce(a)
		return r.insertNewLocked(a, anchor, identity)
	}

	return r.applyAnnounceLocked(a, recoveryReply)
}

func cloneAnnounce(a *wire.Announce) *wire.Announce {
	cp := *a
	return &cp
}

func (r *Registry) validateUpdate(existing *ServiceNode, a *wire.Announce, recoveryReply bool) *faults.Fault {
	if !recoveryReply && existing.SigTime >= a.SigTime {
		return faults.Stale(fmt.Errorf("sig_time did not increase"))
	}
	if existing.State == wire.StatePoSeBanned {
		return faults.Stale(fmt.Errorf("node is pose-banned"))
	}
	if string(existing.PubKeyCollateral) != string(a.PubKeyCollateral) {
		return faults.CollateralPubkeyMismatch(fmt.Errorf("collateral pubkey changed"))
	}
	pub, err := pubKeyFromUncompressed(a.PubKeyCollateral)
	if err != nil {
		return faults.Malformed(err)
	}
	legacy := wire.AnnounceDigest(crypto.SchemeLegacy, a)
	current := wire.AnnounceDigest(crypto.SchemeCurrent, a)
	if !verifySignature(r.signer, pub, a.Signature, legacy, current) {
		return faults.InvalidSignature(fmt.Errorf("announce signature invalid"))
	}
	return nil
}

// applyAnnounceLocked overwrites an existing entry's mutable fields from a
// newer Announce iff the stored announce is older than the minimum update
// interval (5 min) or this is our own node, then relays.
func (r *Registry) applyAnnounceLocked(a *wire.Announce, recoveryReply bool) *faults.Fault {
	identity := wire.AnnounceIdentityHash(a)

	r.mu.Lock()
	existing, ok := r.nodes[a.Outpoint]
	if !ok {
		r.mu.Unlock()
		return faults.UnknownOutpoint(fmt.Errorf("node vanished during validation"))
	}

	age := r.now().Sub(time.Unix(existing.SigTime, 0))
	if age < 5*time.Minute && !existing.self && !recoveryReply {
		r.markSeenLocked(identity)
		r.mu.Unlock()
		return nil
	}

	existing.NetAddr = a.NetAddr
	existing.PubKeyOperator = a.PubKeyOperator
	existing.ProtocolVersion = a.ProtocolVersion
	existing.SigTime = a.SigTime
	if a.Ping != nil {
		existing.LastPing = LastPing{
			SigTime:           a.Ping.SigTime,
			BlockHash:         a.Ping.BlockHash,
			SentinelIsCurrent: a.Ping.SentinelIsCurrent,
			SentinelVersion:   a.Ping.SentinelVersion,
			DaemonVersion:     a.Ping.DaemonVersion,
		}
	}
	r.markSeenLocked(identity)
	r.mu.Unlock()

	metrics.Registry().ObserveAnnounceAccepted()
	r.relayAnnounce(a)
	return nil
}

func (r *Registry) insertNewLocked(a *wire.Announce, anchorHash [32]byte, identity [32]byte) *faults.Fault {
	r.mu.Lock()
	if _, exists := r.nodes[a.Outpoint]; exists {
		r.mu.Unlock()
		return faults.DuplicateVote(fmt.Errorf("outpoint registered concurrently"))
	}
	node := &ServiceNode{
		Outpoint:                   a.Outpoint,
		NetAddr:                    a.NetAddr,
		PubKeyCollateral:           a.PubKeyCollateral,
		PubKeyOperator:             a.PubKeyOperator,
		ProtocolVersion:            a.ProtocolVersion,
		State:                      wire.StatePreEnabled,
		SigTime:                    a.SigTime,
		CollateralMinConfBlockHash: anchorHash,
		self:                       r.self != nil && *r.self == a.Outpoint,
	}
	if a.Ping != nil {
		node.LastPing = LastPing{
			SigTime:           a.Ping.SigTime,
			BlockHash:         a.Ping.BlockHash,
			SentinelIsCurrent: a.Ping.SentinelIsCurrent,
			SentinelVersion:   a.Ping.SentinelVersion,
			DaemonVersion:     a.Ping.DaemonVersion,
		}
	}
	r.nodes[a.Outpoint] = node
	r.markSeenLocked(identity)
	r.mu.Unlock()

	metrics.Registry().ObserveAnnounceAccepted()
	metrics.Registry().ObserveStateTransition(node.State.String())
	r.relayAnnounce(a)
	return nil
}

func (r *Registry) markSeenLocked(identity [32]byte) {
	r.seenAnnounce[identity] = r.now()
}

func (r *Registry) recordRecoveryLocked(o wire.Outpoint, peerID string, identity [32]byte, a *wire.Announce) {
	r.recovering[o] = append(r.recovering[o], recoveryCandidate{
		peerID:   peerID,
		identity: identity,
		announce: a,
		seenAt:   r.now(),
	})
}

// resolveRecoveryLocked checks whether a majority of recovery replies for
// o agree on the same announce identity, returning the winning announce
// if so. Caller must hold r.mu.
func (r *Registry) resolveRecoveryLocked(o wire.Outpoint) *wire.Announce {
	candidates := r.recovering[o]
	if len(candidates) < r.params.PoSe.RecoveryQuorumRequired {
		return nil
	}
	tally := make(map[[32]byte]int)
	latest := make(map[[32]byte]*wire.Announce)
	for _, c := range candidates {
		tally[c.identity]++
		if existing, ok := latest[c.identity]; !ok || c.announce.SigTime > existing.SigTime {
			latest[c.identity] = c.announce
		}
	}
	for identity, count := range tally {
		if count >= r.params.PoSe.RecoveryQuorumRequired {
			delete(r.recovering, o)
			return latest[identity]
		}
	}
	return nil
}

// pubKeyFromUncompressed decodes a stored registry public key back into a
// crypto.PublicKey for signature verification; registry entries keep raw
// secp256k1 point bytes rather than a crypto.PublicKey so they stay a
// plain serializable value type.
func pubKeyFromUncompressed(b []byte) (*crypto.PublicKey, error) {
	return crypto.UnmarshalPubkey(b)
}

// uintScore interprets a 32-byte big-endian digest as a 256-bit unsigned
// integer for ranking comparisons.
func uintScore(b [32]byte) *uint256.Int {
	return new(uint256.Int).SetBytes(b[:])
}
