// Package ingress wires the peer-to-peer transport to the domain state
// machines: it implements p2p.MessageHandler, decoding each wire command
// and routing it to the registry, payment ledger, or sync driver, then
// turning any returned fault into a peer misbehavior score.
package ingress

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/faults"
	"nhbchain/ledger"
	"nhbchain/p2p"
	"nhbchain/registry"
	"nhbchain/reqcache"
	"nhbchain/syncdriver"
	"nhbchain/wire"
)

// Rate limits applied to requests before FulfilledRequestCache's per-kind
// TTL is even consulted, guarding against a peer hammering a request
// faster than any reply could land in the cache.
const (
	dsegRatePerSecond        = 1.0
	dsegBurst                = 3
	paymentSyncRatePerSecond = 1.0
	paymentSyncBurst         = 3
)

// Handler dispatches inbound wire messages into the registry, ledger, and
// sync driver, implementing p2p.MessageHandler.
type Handler struct {
	reg    *registry.Registry
	led    *ledger.Ledger
	chain  chainview.Adapter
	cache  *reqcache.Cache
	driver *syncdriver.Driver
	bus    p2p.Broadcaster
	params config.ServiceNodeParams

	self        wire.Outpoint
	operatorKey *crypto.PrivateKey

	log *slog.Logger
	now func() time.Time

	mu           sync.Mutex
	announceByOp map[wire.Outpoint]*wire.Announce
	announceByID map[[32]byte]*wire.Announce
	pingByOp     map[wire.Outpoint]*wire.Ping
}

// New builds a Handler. operatorKey may be nil on a node that never
// answers PoSe challenges for its own outpoint.
func New(reg *registry.Registry, led *ledger.Ledger, chain chainview.Adapter, cache *reqcache.Cache, driver *syncdriver.Driver, bus p2p.Broadcaster, params config.ServiceNodeParams, self wire.Outpoint, operatorKey *crypto.PrivateKey, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		reg:          reg,
		led:          led,
		chain:        chain,
		cache:        cache,
		driver:       driver,
		bus:          bus,
		params:       params,
		self:         self,
		operatorKey:  operatorKey,
		log:          log,
		now:          time.Now,
		announceByOp: make(map[wire.Outpoint]*wire.Announce),
		announceByID: make(map[[32]byte]*wire.Announce),
		pingByOp:     make(map[wire.Outpoint]*wire.Ping),
	}
}

// HandleMessage dispatches msg per its Command, satisfying
// p2p.MessageHandler.
func (h *Handler) HandleMessage(from *p2p.Peer, msg *p2p.Message) error {
	switch msg.Command {
	case p2p.CmdAnnounce:
		return h.handleAnnounce(from, msg)
	case p2p.CmdPing:
		return h.handlePing(from, msg)
	case p2p.CmdPaymentVote:
		return h.handlePaymentVote(from, msg)
	case p2p.CmdDsegRequest:
		return h.handleDsegRequest(from, msg)
	case p2p.CmdPaymentSync:
		return h.handlePaymentSync(from, msg)
	case p2p.CmdVerify:
		return h.handleVerify(from, msg)
	case p2p.CmdInv:
		return h.handleInv(from, msg)
	case p2p.CmdGetData:
		return h.handleGetData(from, msg)
	case p2p.CmdSyncStatusCount:
		// Legacy accounting message; this implementation derives sync
		// progress from the driver's own state rather than peer-reported
		// counts, so there is nothing to do beyond accepting it.
		return nil
	case p2p.CmdGetSporks:
		// No spork/feature-flag subsystem exists in this module; the
		// sync driver sends this once per peer and never blocks on a
		// reply, so silently dropping the request is correct.
		return nil
	case p2p.CmdKeepAlive:
		return h.handleKeepAlive(from, msg)
	case p2p.CmdKeepAliveAck:
		return nil
	default:
		h.log.Debug("ingress: unknown command", "command", msg.Command, "peer", from.ID())
		return nil
	}
}

func (h *Handler) misbehave(from *p2p.Peer, fault *faults.Fault) error {
	if fault == nil {
		return nil
	}
	if fault.Score > 0 {
		from.Misbehave(fault.Score)
	}
	h.log.Debug("ingress: fault", "peer", from.ID(), "kind", fault.Kind, "score", fault.Score, "error", fault.Err)
	return fault
}

func (h *Handler) askForFunc(from *p2p.Peer) func(wire.Outpoint) {
	return func(o wire.Outpoint) {
		msg, err := p2p.NewDsegRequestMessage(&o)
		if err != nil {
			return
		}
		_ = from.Enqueue(msg)
	}
}

func (h *Handler) handleAnnounce(from *p2p.Peer, msg *p2p.Message) error {
	a, err := wire.DecodeAnnounce(msg.Payload)
	if err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	if fault := h.reg.AddOrUpdateAnnounce(a, from.ID(), false); fault != nil {
		return h.misbehave(from, fault)
	}
	h.cacheAnnounce(a)
	if h.driver != nil {
		h.driver.BumpAssetLastTime("announce")
	}
	return nil
}

func (h *Handler) handlePing(from *p2p.Peer, msg *p2p.Message) error {
	p, err := wire.DecodePing(msg.Payload)
	if err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	if fault := h.reg.AcceptPing(p, h.askForFunc(from)); fault != nil {
		return h.misbehave(from, fault)
	}
	h.cachePing(p)
	if h.driver != nil {
		h.driver.BumpAssetLastTime("ping")
	}
	return nil
}

func (h *Handler) handlePaymentVote(from *p2p.Peer, msg *p2p.Message) error {
	v, err := wire.DecodeVote(msg.Payload)
	if err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	before := h.led.VoteCount()
	if fault := h.led.AddOrUpdatePaymentVote(v, h.reg, h.chain, h.params, false, h.askForFunc(from)); fault != nil {
		return h.misbehave(from, fault)
	}
	if h.driver != nil {
		h.driver.BumpAssetLastTime("payment_vote")
	}
	if h.bus != nil && h.led.VoteCount() > before {
		if out, err := p2p.NewPaymentVoteMessage(v, 0); err == nil {
			_ = h.bus.Broadcast(out)
		}
	}
	return nil
}

func (h *Handler) handleDsegRequest(from *p2p.Peer, msg *p2p.Message) error {
	var req wire.DsegRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	if !h.cache.Allow(from.RemoteAddr(), reqcache.KindDseg, dsegRatePerSecond, dsegBurst) {
		return h.misbehave(from, faults.RateLimited(fmt.Errorf("dseg request rate exceeded")))
	}

	if !req.IsFullRequest() {
		h.mu.Lock()
		a, ok := h.announceByOp[*req.Outpoint]
		h.mu.Unlock()
		if ok {
			out, err := p2p.NewAnnounceMessage(a, from.SendVersion())
			if err == nil {
				_ = from.Enqueue(out)
			}
		}
		return nil
	}

	if h.cache.Has(from.RemoteAddr(), reqcache.KindDseg) {
		return h.misbehave(from, faults.RateLimited(fmt.Errorf("full dseg already served recently")))
	}

	h.mu.Lock()
	entries := make([]*wire.Announce, 0, len(h.announceByOp))
	for _, n := range h.reg.Snapshot() {
		if a, ok := h.announceByOp[n.Outpoint]; ok && n.State.Relayable() {
			entries = append(entries, a)
		}
	}
	h.mu.Unlock()

	for _, a := range entries {
		out, err := p2p.NewAnnounceMessage(a, from.SendVersion())
		if err != nil {
			continue
		}
		if err := from.Enqueue(out); err != nil {
			break
		}
	}
	h.cache.Add(from.RemoteAddr(), reqcache.KindDseg)
	return nil
}

func (h *Handler) handlePaymentSync(from *p2p.Peer, msg *p2p.Message) error {
	var req wire.PaymentSyncRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	if !h.cache.Allow(from.RemoteAddr(), reqcache.KindPaymentSync, paymentSyncRatePerSecond, paymentSyncBurst) {
		return h.misbehave(from, faults.RateLimited(fmt.Errorf("payment sync request rate exceeded")))
	}
	if h.cache.Has(from.RemoteAddr(), reqcache.KindPaymentSync) {
		return h.misbehave(from, faults.RateLimited(fmt.Errorf("payment sync already served recently")))
	}

	tip := h.chain.TipHeight()
	items := h.led.InvForSync(tip)
	out, err := p2p.NewInvMessage(items)
	if err == nil {
		_ = from.Enqueue(out)
	}
	h.cache.Add(from.RemoteAddr(), reqcache.KindPaymentSync)
	return nil
}

func (h *Handler) handleVerify(from *p2p.Peer, msg *p2p.Message) error {
	m, err := wire.DecodeVerifyMessage(msg.Payload)
	if err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}

	switch {
	case m.IsChallenge():
		reply, fault := h.reg.SendVerifyReply(m, from.RemoteAddr(), h.operatorKey, h.cache)
		if fault != nil {
			return h.misbehave(from, fault)
		}
		if reply != nil {
			out, err := p2p.NewVerifyMessage(reply, from.SendVersion())
			if err == nil {
				_ = from.Enqueue(out)
			}
		}
		return nil
	case m.IsReply():
		broadcast, fault := h.reg.ProcessVerifyReply(h.self, m)
		if fault != nil {
			return h.misbehave(from, fault)
		}
		if broadcast != nil && h.bus != nil {
			out, err := p2p.NewVerifyMessage(broadcast, 0)
			if err == nil {
				_ = h.bus.Broadcast(out)
			}
		}
		return nil
	default: // m.IsBroadcast()
		if fault := h.reg.ProcessVerifyBroadcast(m); fault != nil {
			return h.misbehave(from, fault)
		}
		return nil
	}
}

func (h *Handler) handleInv(from *p2p.Peer, msg *p2p.Message) error {
	var payload wire.InvPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}

	var want []wire.InvVector
	for _, item := range payload.Items {
		key := hex.EncodeToString(item.Hash[:])
		if from.HasAskedFor(key) {
			continue
		}
		from.SetAskFor(key)
		want = append(want, item)
	}
	if len(want) == 0 {
		return nil
	}
	out, err := p2p.NewGetDataMessage(want)
	if err == nil {
		_ = from.Enqueue(out)
	}
	return nil
}

func (h *Handler) handleGetData(from *p2p.Peer, msg *p2p.Message) error {
	var payload wire.InvPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}

	for _, item := range payload.Items {
		key := hex.EncodeToString(item.Hash[:])
		from.ClearAskFor(key)

		switch item.Kind {
		case wire.InvAnnounce:
			h.mu.Lock()
			a, ok := h.announceByID[item.Hash]
			h.mu.Unlock()
			if ok {
				if out, err := p2p.NewAnnounceMessage(a, from.SendVersion()); err == nil {
					_ = from.Enqueue(out)
				}
			}
		case wire.InvPaymentVote:
			if v, ok := h.led.VoteByHash(item.Hash); ok {
				if out, err := p2p.NewPaymentVoteMessage(v, from.SendVersion()); err == nil {
					_ = from.Enqueue(out)
				}
			}
		case wire.InvPaymentBlock:
			height := heightFromInvHash(item.Hash)
			for _, v := range h.led.VotesAtHeight(height) {
				out, err := p2p.NewPaymentVoteMessage(v, from.SendVersion())
				if err != nil {
					continue
				}
				if err := from.Enqueue(out); err != nil {
					break
				}
			}
		}
	}
	return nil
}

func (h *Handler) handleKeepAlive(from *p2p.Peer, msg *p2p.Message) error {
	var ka p2p.KeepAlivePayload
	if err := json.Unmarshal(msg.Payload, &ka); err != nil {
		return h.misbehave(from, faults.Malformed(err))
	}
	ack, err := p2p.NewKeepAliveAckMessage(ka.Nonce, h.clockLocked())
	if err != nil {
		return nil
	}
	_ = from.Enqueue(ack)
	return nil
}

func (h *Handler) cacheAnnounce(a *wire.Announce) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.announceByOp[a.Outpoint] = a
	h.announceByID[a.Hash()] = a
}

func (h *Handler) cachePing(p *wire.Ping) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingByOp[p.Outpoint] = p
}

func (h *Handler) clockLocked() time.Time {
	if h.now == nil {
		return time.Now()
	}
	return h.now()
}

// heightFromInvHash reverses wire.HeightInvHash, the encoding
// requestLowDataPaymentBlocksLocked uses to name a height in a getdata
// request that has no vote hash of its own yet.
func heightFromInvHash(hash [32]byte) uint64 {
	var height uint64
	for i := 0; i < 8; i++ {
		height |= uint64(hash[31-i]) << (8 * uint(i))
	}
	return height
}
