package registry

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/reqcache"
	"nhbchain/wire"
)

// pendingChallenge records an outstanding PoSe challenge this node issued,
// so ProcessVerifyReply can confirm a reply matches it.
type pendingChallenge struct {
	addr        wire.NetAddress
	blockHeight uint64
	issuedAt    time.Time
}

// PoSeTick evaluates whether self is eligible to issue new PoSe challenges
// this round and, if so, returns the challenges to send. The caller is
// responsible for opening the connection and
// delivering each challenge; replies arrive later via ProcessVerifyReply.
func (r *Registry) PoSeTick(self wire.Outpoint) []wire.VerifyMessage {
	tip := r.chain.TipHeight()
	if tip == 0 {
		return nil
	}
	ranked, fault := r.ComputeRanking(tip-1, MinPaymentProtocol)
	if fault != nil {
		return nil
	}
	selfRank := RankOf(ranked, self)
	if selfRank == 0 || selfRank > r.params.PoSe.MaxRank {
		return nil
	}

	offset := r.params.PoSe.MaxRank + selfRank - 1
	step := r.params.PoSe.MaxConnections

	var out []wire.VerifyMessage
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := offset; i < len(ranked) && len(out) < r.params.PoSe.MaxConnections; i += step {
		target := ranked[i].Node
		if target.Outpoint == self {
			continue
		}
		if target.poseVerified || target.State == wire.StatePoSeBanned {
			continue
		}
		nonce := rand.Uint64()
		challenge := wire.VerifyMessage{
			OutpointA:   self,
			Addr:        target.NetAddr,
			Nonce:       nonce,
			BlockHeight: tip - 1,
		}
		if r.pending == nil {
			r.pending = make(map[uint64]pendingChallenge)
		}
		r.pending[nonce] = pendingChallenge{addr: target.NetAddr, blockHeight: tip - 1, issuedAt: r.now()}
		out = append(out, challenge)
	}
	return out
}

// SendVerifyReply is the responder side of the PoSe protocol: sign
// (addr, nonce, block_hash_at_height) with the operator key, rate-limited
// per peer via FulfilledRequestCache.
func (r *Registry) SendVerifyReply(challenge *wire.VerifyMessage, peerAddr string, operatorKey *crypto.PrivateKey, cache *reqcache.Cache) (*wire.VerifyMessage, *faults.Fault) {
	if cache != nil && cache.Has(peerAddr, reqcache.KindVerify) {
		return nil, faults.RateLimited(fmt.Errorf("verify reply already served recently"))
	}
	blockHash, err := r.chain.HashAt(challenge.BlockHeight)
	if err != nil {
		return nil, faults.UnknownHeight(err)
	}
	digest := wire.VerifyChallengeDigest(challenge.Addr, challenge.Nonce, blockHash)
	sig, serr := r.signer.Sign(operatorKey, digest)
	if serr != nil {
		return nil, faults.Malformed(serr)
	}
	if cache != nil {
		cache.Add(peerAddr, reqcache.KindVerify)
	}
	reply := *challenge
	reply.Sig1 = sig
	return &reply, nil
}

// ProcessVerifyReply is the initiator side: confirm the reply matches an
// outstanding challenge, identify which registered node at that address
// actually holds the signing key, decrement its PoSe score, and build the
// broadcast VerifyMessage for gossip.
func (r *Registry) ProcessVerifyReply(self wire.Outpoint, reply *wire.VerifyMessage) (*wire.VerifyMessage, *faults.Fault) {
	r.mu.Lock()
	pending, ok := r.pending[reply.Nonce]
	if !ok || pending.blockHeight != reply.BlockHeight {
		r.mu.Unlock()
		return nil, faults.Malformed(fmt.Errorf("reply does not match an outstanding challenge"))
	}
	delete(r.pending, reply.Nonce)

	var sameAddr []*ServiceNode
	for _, n := range r.nodes {
		if n.NetAddr.Equal(pending.addr) {
			sameAddr = append(sameAddr, n)
		}
	}
	r.mu.Unlock()

	blockHash, err := r.chain.HashAt(reply.BlockHeight)
	if err != nil {
		return nil, faults.UnknownHeight(err)
	}
	digest := wire.VerifyChallengeDigest(pending.addr, reply.Nonce, blockHash)

	var real *ServiceNode
	for _, n := range sameAddr {
		pub, perr := pubKeyFromUncompressed(n.PubKeyOperator)
		if perr != nil {
			continue
		}
		if r.signer.Verify(pub, digest, reply.Sig1) {
			real = n
			break
		}
	}
	if real == nil {
		return nil, faults.InvalidSignature(fmt.Errorf("no registry entry at address verifies the reply"))
	}

	r.mu.Lock()
	real.PoSeBanScore--
	if real.PoSeBanScore < 0 {
		real.PoSeBanScore = 0
	}
	for _, n := range sameAddr {
		if n.Outpoint != real.Outpoint {
			n.PoSeBanScore++
		}
	}
	r.mu.Unlock()

	broadcastDigest := wire.VerifyBroadcastDigest(pending.addr, reply.Nonce, blockHash, real.Outpoint, self)
	selfPriv, _ := r.selfOperatorKey()
	if selfPriv == nil {
		return nil, faults.Malformed(fmt.Errorf("no operator key configured to sign broadcast"))
	}
	sig2, serr := r.signer.Sign(selfPriv, broadcastDigest)
	if serr != nil {
		return nil, faults.Malformed(serr)
	}

	broadcast := &wire.VerifyMessage{
		OutpointA:   real.Outpoint,
		OutpointB:   self,
		Addr:        pending.addr,
		Nonce:       reply.Nonce,
		BlockHeight: reply.BlockHeight,
		Sig1:        reply.Sig1,
		Sig2:        sig2,
	}
	return broadcast, nil
}

// selfOperatorKey is overridden in tests/wiring via SetSelfOperatorKey;
// the registry itself never originates key material.
func (r *Registry) selfOperatorKey() (*crypto.PrivateKey, error) {
	if r.selfOpKey == nil {
		return nil, fmt.Errorf("no operator key configured")
	}
	return r.selfOpKey, nil
}

// SetSelfOperatorKey installs the operator private key this process signs
// PoSe broadcasts with.
func (r *Registry) SetSelfOperatorKey(key *crypto.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfOpKey = key
}

// ProcessVerifyBroadcast handles a completed VerifyMessage relayed by
// another peer, completing the mutual-verification handshake.
func (r *Registry) ProcessVerifyBroadcast(m *wire.VerifyMessage) *faults.Fault {
	identity := verifyBroadcastIdentity(m)
	r.mu.Lock()
	if r.seenVerify == nil {
		r.seenVerify = make(map[[32]byte]time.Time)
	}
	if _, seen := r.seenVerify[identity]; seen {
		r.mu.Unlock()
		return nil
	}
	r.seenVerify[identity] = r.now()
	r.mu.Unlock()

	if m.OutpointA == m.OutpointB {
		return faults.Malformed(fmt.Errorf("broadcast claims a node verified itself"))
	}
	tip := r.chain.TipHeight()
	if m.BlockHeight+10 < tip {
		return faults.Stale(fmt.Errorf("broadcast block height too old"))
	}

	ranked, fault := r.ComputeRanking(tip-1, MinPaymentProtocol)
	if fault != nil {
		return fault
	}
	if rank := RankOf(ranked, m.OutpointB); rank == 0 || rank > r.params.PoSe.MaxRank {
		return faults.RankOutOfBounds(true, fmt.Errorf("verifying outpoint not in top rank"))
	}

	r.mu.RLock()
	nodeA, okA := r.nodes[m.OutpointA]
	nodeB, okB := r.nodes[m.OutpointB]
	r.mu.RUnlock()
	if !okA || !okB {
		return faults.UnknownOutpoint(fmt.Errorf("broadcast references unknown outpoint"))
	}

	blockHash, err := r.chain.HashAt(m.BlockHeight)
	if err != nil {
		return faults.UnknownHeight(err)
	}
	challengeDigest := wire.VerifyChallengeDigest(m.Addr, m.Nonce, blockHash)
	pubA, perr := pubKeyFromUncompressed(nodeA.PubKeyOperator)
	if perr != nil {
		return faults.Malformed(perr)
	}
	if !r.signer.Verify(pubA, challengeDigest, m.Sig1) {
		return faults.InvalidSignature(fmt.Errorf("sig1 does not verify against outpoint_a"))
	}
	broadcastDigest := wire.VerifyBroadcastDigest(m.Addr, m.Nonce, blockHash, m.OutpointA, m.OutpointB)
	pubB, perr := pubKeyFromUncompressed(nodeB.PubKeyOperator)
	if perr != nil {
		return faults.Malformed(perr)
	}
	if !r.signer.Verify(pubB, broadcastDigest, m.Sig2) {
		return faults.InvalidSignature(fmt.Errorf("sig2 does not verify against outpoint_b"))
	}

	r.mu.Lock()
	nodeA.PoSeBanScore--
	if nodeA.PoSeBanScore < 0 {
		nodeA.PoSeBanScore = 0
	}
	nodeA.poseVerified = true
	for _, n := range r.nodes {
		if n.NetAddr.Equal(nodeA.NetAddr) && n.Outpoint != nodeA.Outpoint {
			n.PoSeBanScore++
		}
	}
	r.mu.Unlock()
	return nil
}

func verifyBroadcastIdentity(m *wire.VerifyMessage) [32]byte {
	return wire.RankScore(m.OutpointA, m.OutpointB.Hash, [32]byte{byte(m.Nonce)})
}

// CheckSameAddr is the periodic same-address sweep: within a run of
// registry entries sharing a network address, if one has completed PoSe
// verification, every other entry in the run is score-bumped.
func (r *Registry) CheckSameAddr() {
	nodes := r.Snapshot()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NetAddr.String() < nodes[j].NetAddr.String() })

	r.mu.Lock()
	defer r.mu.Unlock()
	i := 0
	for i < len(nodes) {
		j := i + 1
		for j < len(nodes) && nodes[j].NetAddr.Equal(nodes[i].NetAddr) {
			j++
		}
		if j-i > 1 {
			verifiedIdx := -1
			for k := i; k < j; k++ {
				if real, ok := r.nodes[nodes[k].Outpoint]; ok && real.poseVerified {
					verifiedIdx = k
					break
				}
			}
			if verifiedIdx >= 0 {
				for k := i; k < j; k++ {
					if k == verifiedIdx {
						continue
					}
					if real, ok := r.nodes[nodes[k].Outpoint]; ok {
						real.PoSeBanScore++
					}
				}
			}
		}
		i = j
	}
}
