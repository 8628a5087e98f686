package registry

import (
	"time"

	"nhbchain/observability/metrics"
	"nhbchain/wire"
)

// Check runs the state-check cascade for outpoint, rate-limited to once
// every 5 seconds per node unless forced.
func (r *Registry) Check(outpoint wire.Outpoint, forced bool) {
	r.mu.Lock()
	node, ok := r.nodes[outpoint]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	if !forced && now.Sub(node.lastCheck) < 5*time.Second {
		r.mu.Unlock()
		return
	}
	node.lastCheck = now
	prevState := node.State
	newState := r.computeStateLocked(node)
	node.State = newState
	r.mu.Unlock()

	if newState != prevState {
		metrics.Registry().ObserveStateTransition(newState.String())
		if newState == wire.StatePoSeBanned {
			metrics.Registry().ObservePoseBan()
		}
	}
}

// computeStateLocked evaluates the state cascade in priority order, caller
// must hold r.mu.
func (r *Registry) computeStateLocked(node *ServiceNode) wire.ServiceNodeState {
	tip := r.chain.TipHeight()

	if r.chain.IsOutpointSpent(node.Outpoint) {
		return wire.StateOutpointSpent
	}

	if node.State == wire.StatePoSeBanned {
		if tip < node.PoSeBanUntilHeight {
			return wire.StatePoSeBanned
		}
		if node.PoSeBanScore > 0 {
			node.PoSeBanScore--
		}
	}

	if node.PoSeBanScore >= r.params.PoSe.BanMaxScore {
		node.PoSeBanUntilHeight = tip + uint64(len(r.nodes))
		return wire.StatePoSeBanned
	}

	if node.ProtocolVersion < MinPaymentProtocol || (node.self && node.ProtocolVersion < wire.ProtocolVersionBareOutpoint) {
		return wire.StateUpdateRequired
	}

	pingAge := time.Duration(0)
	if node.LastPing.SigTime > 0 {
		pingAge = r.chain.AdjustedTime().Sub(time.Unix(node.LastPing.SigTime, 0))
	} else {
		pingAge = r.chain.AdjustedTime().Sub(time.Unix(node.SigTime, 0))
	}

	if pingAge >= r.params.Liveness.NewStartRequired {
		return wire.StateNewStartRequired
	}
	if pingAge >= r.params.Liveness.Expiration {
		return wire.StateExpired
	}

	sentinelExpired := pingAge >= r.params.Liveness.SentinelPingMax || !node.LastPing.SentinelIsCurrent
	sentinelGenerallyActive := r.now().Sub(r.lastSentinelActivity) < r.params.Liveness.SentinelPingMax
	if sentinelExpired && sentinelGenerallyActive {
		return wire.StateSentinelPingExpired
	}

	lastPingSigTime := node.LastPing.SigTime
	if lastPingSigTime == 0 {
		lastPingSigTime = node.SigTime
	}
	if time.Duration(lastPingSigTime-node.SigTime)*time.Second < r.params.Liveness.MinPingInterval {
		return wire.StatePreEnabled
	}

	return wire.StateEnabled
}

// SetActiveByStateMetrics recomputes the active-by-state gauge from a
// current snapshot, intended to be called periodically by housekeeping.
func (r *Registry) SetActiveByStateMetrics() {
	counts := make(map[string]int)
	for _, n := range r.Snapshot() {
		counts[n.State.String()]++
	}
	for _, s := range []wire.ServiceNodeState{
		wire.StatePreEnabled, wire.StateEnabled, wire.StateExpired, wire.StateOutpointSpent,
		wire.StateUpdateRequired, wire.StateSentinelPingExpired, wire.StateNewStartRequired, wire.StatePoSeBanned,
	} {
		metrics.Registry().SetActiveByState(s.String(), float64(counts[s.String()]))
	}
}
