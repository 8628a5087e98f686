package registry

import (
	"fmt"
	"time"

	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/observability/metrics"
	"nhbchain/wire"
)

// AcceptPing processes an inbound liveness Ping.
// askFor is called with the ping's outpoint when the node is unknown, so
// the caller can request the missing announce from the sending peer.
func (r *Registry) AcceptPing(p *wire.Ping, askFor func(wire.Outpoint)) *faults.Fault {
	identity := wire.PingIdentityHash(p)

	r.mu.RLock()
	if _, seen := r.seenPing[identity]; seen {
		r.mu.RUnlock()
		return nil
	}
	node, known := r.nodes[p.Outpoint]
	r.mu.RUnlock()

	if !known {
		if askFor != nil {
			askFor(p.Outpoint)
		}
		return faults.UnknownOutpoint(fmt.Errorf("ping for unregistered outpoint %s", p.Outpoint))
	}

	tip := r.chain.TipHeight()
	blockHeight, err := r.heightForHash(p.BlockHash, tip)
	if err != nil || tip-blockHeight > 24 {
		return faults.Malformed(fmt.Errorf("ping block_hash not within 24 blocks of tip"))
	}

	minInterval := r.params.Liveness.MinPingInterval
	sinceLast := time.Unix(p.SigTime, 0).Sub(time.Unix(node.LastPing.SigTime, 0))
	if node.LastPing.SigTime > 0 && sinceLast < minInterval-60*time.Second {
		return faults.Stale(fmt.Errorf("ping received too soon since last accepted ping"))
	}

	pub, perr := pubKeyFromUncompressed(node.PubKeyOperator)
	if perr != nil {
		return faults.Malformed(perr)
	}
	legacy := wire.PingDigest(crypto.SchemeLegacy, p)
	current := wire.PingDigest(crypto.SchemeCurrent, p)
	if !verifySignature(r.signer, pub, p.Signature, legacy, current) {
		return faults.InvalidSignature(fmt.Errorf("ping signature invalid"))
	}

	r.mu.Lock()
	node.LastPing = LastPing{
		SigTime:           p.SigTime,
		BlockHash:         p.BlockHash,
		SentinelIsCurrent: p.SentinelIsCurrent,
		SentinelVersion:   p.SentinelVersion,
		DaemonVersion:     p.DaemonVersion,
	}
	if p.SentinelIsCurrent {
		r.lastSentinelActivity = r.now()
	}
	r.seenPing[identity] = r.now()
	r.mu.Unlock()

	metrics.Registry().ObservePingAccepted()
	r.Check(p.Outpoint, false)

	r.mu.RLock()
	relayable := node.State.Relayable()
	r.mu.RUnlock()
	if relayable {
		r.relayPing(p)
	}
	return nil
}

// heightForHash is a best-effort linear scan over recent heights looking
// for a matching block hash; ChainAdapter exposes hash-by-height only, so
// the reverse lookup is bounded to a small recent window.
func (r *Registry) heightForHash(hash [32]byte, tip uint64) (uint64, error) {
	const window = 32
	start := uint64(0)
	if tip > window {
		start = tip - window
	}
	for h := tip; h >= start; h-- {
		candidate, err := r.chain.HashAt(h)
		if err == nil && candidate == hash {
			return h, nil
		}
		if h == 0 {
			break
		}
	}
	return 0, fmt.Errorf("block hash not found in recent window")
}
