package syncdriver

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/ledger"
	"nhbchain/observability/metrics"
	"nhbchain/p2p"
	"nhbchain/registry"
	"nhbchain/wire"
)

var errFullSyncRotation = errors.New("syncdriver: peer already served a full sync, rotating")

// Peer is the subset of *p2p.Peer the driver needs, narrowed to an
// interface so tests can drive the state machine against fakes instead of
// real sockets.
type Peer interface {
	ID() string
	IsInbound() bool
	IsServiceNodeConn() bool
	SendVersion() uint32
	Enqueue(msg *p2p.Message) error
}

// PeerSource supplies the currently connected peers and lets the driver
// drop one for rotation.
type PeerSource interface {
	Peers() []Peer
	Disconnect(id string, reason error)
}

// ServerSource adapts a *p2p.Server to PeerSource.
type ServerSource struct {
	Server *p2p.Server
}

func (s ServerSource) Peers() []Peer {
	peers := s.Server.Peers()
	out := make([]Peer, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out
}

func (s ServerSource) Disconnect(id string, reason error) {
	s.Server.Disconnect(id, reason)
}

// Driver runs the staged sync state machine: Initial -> Waiting -> List ->
// Votes -> Finished, with Failed reachable from List or Votes when that
// stage times out with no request attempts made. Waiting never fails; it
// stays put until an eligible peer is connected.
type Driver struct {
	mu sync.Mutex

	reg    *registry.Registry
	ledger *ledger.Ledger
	chain  chainview.Adapter
	peers  PeerSource
	params config.SyncParams
	quorum config.PaymentQuorum
	selfID string
	log    *slog.Logger
	now    func() time.Time

	onProgress func(Asset, float64)

	state     State
	attemptID uuid.UUID

	lastTick      time.Time
	assetLastBump time.Time
	failedAt      time.Time

	askedSporks    map[string]struct{}
	askedList      map[string]struct{}
	askedVotes     map[string]struct{}
	servedFullSync map[string]struct{}

	listAttempts int
	voteAttempts int
}

// New builds a Driver in StateInitial. onProgress, if non-nil, is invoked
// after every tick with the current asset and fraction complete.
func New(reg *registry.Registry, led *ledger.Ledger, chain chainview.Adapter, peers PeerSource, params config.ServiceNodeParams, selfID string, log *slog.Logger, onProgress func(Asset, float64)) *Driver {
	if log == nil {
		log = slog.Default()
	}
	d := &Driver{
		reg:        reg,
		ledger:     led,
		chain:      chain,
		peers:      peers,
		params:     params.Sync,
		quorum:     params.Payment,
		selfID:     selfID,
		log:        log,
		now:        time.Now,
		onProgress: onProgress,
	}
	d.resetLocked()
	return d
}

// State reports the driver's current stage.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsFinished reports whether the driver has reached steady state.
func (d *Driver) IsFinished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateFinished
}

// AttemptID reports the uuid tagging the current sync attempt, for
// correlating log lines and metrics across peers and retries.
func (d *Driver) AttemptID() uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attemptID
}

// Reset drops all in-flight bookkeeping and returns to StateInitial,
// tagging a fresh attempt uuid.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
}

func (d *Driver) resetLocked() {
	d.state = StateInitial
	d.attemptID = uuid.New()
	now := d.clockLocked()
	d.assetLastBump = now
	d.failedAt = time.Time{}
	d.askedSporks = make(map[string]struct{})
	d.askedList = make(map[string]struct{})
	d.askedVotes = make(map[string]struct{})
	if d.servedFullSync == nil {
		d.servedFullSync = make(map[string]struct{})
	}
	d.listAttempts = 0
	d.voteAttempts = 0
}

// runHousekeepingLocked walks every registry entry through Check, runs the
// same-address PoSe sweep, and purges votes/BlockPayees rows that fell out
// of the retention window. This is the periodic maintenance pass that a
// node still offline (sending no Announce/Ping of its own) relies on to be
// walked through Expired/SentinelPingExpired/NewStartRequired, since
// nothing else re-evaluates its state without a fresh inbound ping.
func (d *Driver) runHousekeepingLocked() {
	if d.reg == nil {
		return
	}
	for _, n := range d.reg.Snapshot() {
		d.reg.Check(n.Outpoint, false)
	}
	d.reg.CheckSameAddr()
	if d.ledger != nil && d.chain != nil {
		tip := d.chain.TipHeight()
		d.ledger.CheckAndRemove(tip, d.reg.Len())
		d.ledger.UpdateLastPaid(d.reg, tip, d.quorum, d.clockLocked())
	}
}

func (d *Driver) clockLocked() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}

// BumpAssetLastTime resets the per-asset timeout clock, called whenever an
// inbound message relevant to the current asset arrives.
func (d *Driver) BumpAssetLastTime(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assetLastBump = d.clockLocked()
	d.log.Debug("syncdriver: asset timer bumped", "reason", reason, "state", d.state.String())
}

func (d *Driver) currentAsset() Asset {
	switch d.state {
	case StateInitial, StateWaiting:
		return AssetSporks
	case StateList:
		return AssetList
	case StateVotes:
		return AssetVotes
	default:
		return AssetGovernance
	}
}

func (d *Driver) attemptCountLocked() int {
	switch d.state {
	case StateList:
		return d.listAttempts
	case StateVotes:
		return d.voteAttempts
	default:
		return 0
	}
}

// Tick runs one global tick: registry/ledger housekeeping, the two
// fault-recovery checks, then the per-peer logic for the current state.
// Callers are expected to invoke Tick roughly every params.Sync.TickInterval
// (6s by default); Tick itself enforces no cadence of its own.
func (d *Driver) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clockLocked()

	d.runHousekeepingLocked()

	if !d.lastTick.IsZero() && now.Sub(d.lastTick) > d.params.StallResetAfter {
		d.log.Warn("syncdriver: tick stalled, resetting", "elapsed", now.Sub(d.lastTick))
		d.resetLocked()
	}
	d.lastTick = now

	if d.state == StateFailed {
		if now.Sub(d.failedAt) >= d.params.FailedCooldown {
			d.log.Info("syncdriver: cooldown elapsed, resetting from failed")
			d.resetLocked()
			return
		} else {
			return
		}
	}

	eligible := d.eligiblePeersLocked(now)

	switch d.state {
	case StateInitial:
		d.state = StateWaiting
		d.assetLastBump = now
	case StateWaiting:
		if len(eligible) > 0 && now.Sub(d.assetLastBump) >= d.params.AssetTimeout {
			d.log.Info("syncdriver: waiting timeout elapsed, advancing to list")
			d.state = StateList
			d.assetLastBump = now
		}
	case StateList:
		d.tickListLocked(eligible, now)
	case StateVotes:
		d.tickVotesLocked(eligible, now)
	case StateFinished:
		for _, p := range eligible {
			d.servedFullSync[p.ID()] = struct{}{}
		}
	}

	if d.onProgress != nil {
		asset := d.currentAsset()
		d.onProgress(asset, Progress(asset, d.attemptCountLocked()))
	}
}

// eligiblePeersLocked skips service-node verification links, inbound
// self-connects, and peers below the minimum protocol for payment-election
// traffic; disconnects any peer that already served a full sync, so a
// fresh connection (presumably to a different peer) takes its place; and
// requests sporks/feature-flags once from every peer that remains.
func (d *Driver) eligiblePeersLocked(now time.Time) []Peer {
	all := d.peers.Peers()
	eligible := make([]Peer, 0, len(all))
	for _, p := range all {
		if p.IsServiceNodeConn() {
			continue
		}
		if p.IsInbound() && p.ID() == d.selfID {
			continue
		}
		if p.SendVersion() != 0 && p.SendVersion() < registry.MinPaymentProtocol {
			continue
		}
		if _, served := d.servedFullSync[p.ID()]; served {
			d.peers.Disconnect(p.ID(), errFullSyncRotation)
			continue
		}
		if _, asked := d.askedSporks[p.ID()]; !asked {
			msg, err := p2p.NewGetSporksMessage()
			if err == nil {
				if err := p.Enqueue(msg); err == nil {
					d.askedSporks[p.ID()] = struct{}{}
				}
			}
		}
		eligible = append(eligible, p)
	}
	return eligible
}

func (d *Driver) tickListLocked(peers []Peer, now time.Time) {
	for _, p := range peers {
		if len(d.askedList) >= d.params.MaxPeersPerAsset {
			break
		}
		if _, asked := d.askedList[p.ID()]; asked {
			continue
		}
		msg, err := p2p.NewDsegRequestMessage(nil)
		if err != nil {
			continue
		}
		if err := p.Enqueue(msg); err != nil {
			continue
		}
		d.askedList[p.ID()] = struct{}{}
		d.listAttempts++
	}

	if now.Sub(d.assetLastBump) >= d.params.AssetTimeout {
		if d.listAttempts == 0 {
			d.log.Warn("syncdriver: list stage timed out with no attempts")
			d.failLocked(now)
			return
		}
		d.log.Info("syncdriver: list stage timed out, advancing to votes", "attempts", d.listAttempts, "registry_size", d.reg.Len())
		d.state = StateVotes
		d.assetLastBump = now
		metrics.Registry().ObserveSyncAttempt("list_complete")
	}
}

func (d *Driver) tickVotesLocked(peers []Peer, now time.Time) {
	tip := d.chain.TipHeight()
	for _, p := range peers {
		if len(d.askedVotes) >= d.params.MaxPeersPerAsset {
			break
		}
		if _, asked := d.askedVotes[p.ID()]; asked {
			continue
		}
		msg, err := p2p.NewPaymentSyncMessage(0, p.SendVersion())
		if err != nil {
			continue
		}
		if err := p.Enqueue(msg); err != nil {
			continue
		}
		d.requestLowDataPaymentBlocksLocked(p, tip)
		d.askedVotes[p.ID()] = struct{}{}
		d.voteAttempts++
	}

	if d.voteAttempts >= d.params.MinAttemptsToAdvance && d.ledger.IsEnoughData(tip, d.quorum.VotesRequired) {
		d.log.Info("syncdriver: payment ledger has enough data, finishing sync")
		d.state = StateFinished
		d.assetLastBump = now
		metrics.Registry().ObserveSyncAttempt("votes_complete")
		return
	}

	if now.Sub(d.assetLastBump) >= d.params.AssetTimeout {
		if d.voteAttempts == 0 {
			d.log.Warn("syncdriver: votes stage timed out with no attempts")
			d.failLocked(now)
			return
		}
		d.assetLastBump = now
	}
}

// requestLowDataPaymentBlocksLocked asks a peer, by height, for the votes
// backing any block in the near-future window whose strongest candidate
// hasn't cleared votes_required yet.
func (d *Driver) requestLowDataPaymentBlocksLocked(p Peer, tip uint64) {
	heights := d.ledger.LowDataHeights(tip, d.quorum.VotesRequired)
	if len(heights) == 0 {
		return
	}
	items := make([]wire.InvVector, len(heights))
	for i, h := range heights {
		items[i] = wire.InvVector{Kind: wire.InvPaymentBlock, Hash: wire.HeightInvHash(h)}
	}
	msg, err := p2p.NewGetDataMessage(items)
	if err != nil {
		return
	}
	_ = p.Enqueue(msg)
}

func (d *Driver) failLocked(now time.Time) {
	d.state = StateFailed
	d.failedAt = now
	metrics.Registry().ObserveSyncAttempt("failed")
}
