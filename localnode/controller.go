// Package localnode implements the controller a process configured as a
// service node runs locally: the readiness checks that gate entering the
// Started state, and the periodic self-ping that keeps this node's own
// registry entry alive once started.
package localnode

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/registry"
	"nhbchain/syncdriver"
	"nhbchain/wire"
)

// State is the closed enumeration of states the local node controller
// occupies.
type State int

const (
	StateNotCapable State = iota
	StateStarted
)

func (s State) String() string {
	if s == StateStarted {
		return "STARTED"
	}
	return "NOT_CAPABLE"
}

// Reachability probes whether this process's advertised address can be
// connected to, the way a peer on the network would see it. A real
// deployment wires this to a STUN/relay check or an inbound loopback
// dial; tests supply a stub.
type Reachability interface {
	Probe(addr wire.NetAddress, timeout time.Duration) error
}

// DialReachability probes reachability with a plain TCP dial against the
// advertised address, the simplest check available without a STUN peer.
type DialReachability struct{}

func (DialReachability) Probe(addr wire.NetAddress, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr.String(), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Controller drives ManageState for a process configured as a service
// node: every call re-evaluates the readiness checks and, once they all
// pass, transitions to Started and begins a periodic self-ping.
type Controller struct {
	mu sync.Mutex

	reg    *registry.Registry
	driver *syncdriver.Driver
	chain  chainview.Adapter
	signer *crypto.SignerKit
	reach  Reachability
	log    *slog.Logger
	now    func() time.Time

	self          wire.Outpoint
	operatorKey   *crypto.PrivateKey
	listenEnabled bool
	mainnet       bool
	minPing       time.Duration

	state            State
	reason           string
	lastSelfPingTime time.Time
}

// Params bundles the fixed inputs ManageState needs on every call.
type Params struct {
	Self          wire.Outpoint
	OperatorKey   *crypto.PrivateKey
	ListenEnabled bool
	Mainnet       bool
}

// New builds a Controller in StateNotCapable.
func New(reg *registry.Registry, driver *syncdriver.Driver, chain chainview.Adapter, signer *crypto.SignerKit, params config.ServiceNodeParams, p Params, reach Reachability, log *slog.Logger) *Controller {
	if reach == nil {
		reach = DialReachability{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		reg:           reg,
		driver:        driver,
		chain:         chain,
		signer:        signer,
		reach:         reach,
		log:           log,
		now:           time.Now,
		self:          p.Self,
		operatorKey:   p.OperatorKey,
		listenEnabled: p.ListenEnabled,
		mainnet:       p.Mainnet,
		minPing:       params.Liveness.MinPingInterval,
		state:         StateNotCapable,
		reason:        "not yet evaluated",
	}
}

// State reports the controller's current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NotCapableReason reports the human-readable reason this node is not
// currently Started, or "" if it is.
func (c *Controller) NotCapableReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStarted {
		return ""
	}
	return c.reason
}

// ManageState re-evaluates every readiness check and transitions to
// Started if they all pass. Call this whenever sync completes and on
// every tick thereafter. externalAddr is the address this process
// believes it is reachable at.
func (c *Controller) ManageState(externalAddr wire.NetAddress, mainnetPort, testnetPort uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.mainnet && c.driver != nil && !c.driver.IsFinished() {
		c.setNotCapableLocked("blockchain sync not complete")
		return
	}

	if !c.listenEnabled {
		c.setNotCapableLocked("listen is not enabled")
		return
	}

	expectedPort := testnetPort
	if c.mainnet {
		expectedPort = mainnetPort
	}
	if externalAddr.Port != expectedPort {
		c.setNotCapableLocked(fmt.Sprintf("listening port %d does not match required port %d", externalAddr.Port, expectedPort))
		return
	}

	if err := c.reach.Probe(externalAddr, 5*time.Second); err != nil {
		c.setNotCapableLocked(fmt.Sprintf("own address %s is not reachable: %v", externalAddr, err))
		return
	}

	node, known := c.reg.Get(c.self)
	if !known {
		c.setNotCapableLocked("registry does not contain our outpoint yet")
		return
	}
	if node.ProtocolVersion < registry.MinPaymentProtocol {
		c.setNotCapableLocked(fmt.Sprintf("registered protocol version %d below required %d", node.ProtocolVersion, registry.MinPaymentProtocol))
		return
	}
	if !node.NetAddr.Equal(externalAddr) {
		c.setNotCapableLocked(fmt.Sprintf("registered address %s does not match detected address %s", node.NetAddr, externalAddr))
		return
	}

	if c.state != StateStarted {
		c.log.Info("localnode: all readiness checks passed, starting")
	}
	c.state = StateStarted
	c.reason = ""

	c.maybeSelfPingLocked()
}

func (c *Controller) setNotCapableLocked(reason string) {
	if c.state == StateStarted || c.reason != reason {
		c.log.Info("localnode: not capable", "reason", reason)
	}
	c.state = StateNotCapable
	c.reason = reason
}

// maybeSelfPingLocked sends a fresh signed Ping for our own outpoint, no
// more often than min_ping_interval, and runs it through the registry's
// ordinary AcceptPing path so it is recorded and relayed exactly like a
// peer's ping would be.
func (c *Controller) maybeSelfPingLocked() {
	now := c.clockLocked()
	if !c.lastSelfPingTime.IsZero() && now.Sub(c.lastSelfPingTime) < c.minPing {
		return
	}

	tip := c.chain.TipHeight()
	blockHash, err := c.chain.HashAt(tip)
	if err != nil {
		c.log.Warn("localnode: self-ping skipped, no hash at tip", "error", err)
		return
	}

	p := &wire.Ping{
		Outpoint:          c.self,
		BlockHash:         blockHash,
		SigTime:           now.Unix(),
		SentinelIsCurrent: true,
	}
	digest := wire.PingDigest(c.signer.ActiveScheme(), p)
	sig, err := c.signer.Sign(c.operatorKey, digest)
	if err != nil {
		c.log.Warn("localnode: self-ping signing failed", "error", err)
		return
	}
	p.Signature = sig

	if fault := c.reg.AcceptPing(p, nil); fault != nil {
		c.log.Warn("localnode: self-ping rejected", "kind", fault.Kind, "error", fault.Err)
		return
	}
	c.lastSelfPingTime = now
}

func (c *Controller) clockLocked() time.Time {
	if c.now == nil {
		return time.Now()
	}
	return c.now()
}
