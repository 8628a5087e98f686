// Command servicenoded runs the registry, payment ledger, gossip, and
// Proof-of-Service subsystems a process configured as a service node needs,
// wired to a real chain endpoint and TCP peer mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhbchain/chainview"
	"nhbchain/cmd/internal/passphrase"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/ingress"
	"nhbchain/ledger"
	"nhbchain/localnode"
	"nhbchain/observability/logging"
	telemetry "nhbchain/observability/otel"
	"nhbchain/p2p"
	"nhbchain/registry"
	"nhbchain/reqcache"
	"nhbchain/storage"
	"nhbchain/syncdriver"
	"nhbchain/wire"
)

const (
	collateralPassEnv = "NHB_COLLATERAL_PASS"
	operatorPassEnv   = "NHB_OPERATOR_PASS"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("servicenoded", env, filepath.Join(cfg.DataDir, "servicenoded.log"))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "servicenoded",
		Environment: env,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Insecure:    true,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialise telemetry: %v", err))
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	collateralPass := passphrase.NewSource(collateralPassEnv).Get
	operatorPass := passphrase.NewSource(operatorPassEnv).Get

	collateralKey, err := loadKey(cfg.CollateralKeystorePath, collateralPass)
	if err != nil {
		logger.Error("failed to load collateral key", slog.Any("error", err))
		os.Exit(1)
	}
	operatorKey, err := loadKey(cfg.OperatorKeystorePath, operatorPass)
	if err != nil {
		logger.Error("failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}

	self, err := wire.ParseOutpoint(cfg.SelfOutpoint)
	if err != nil {
		logger.Error("failed to parse self outpoint", slog.Any("error", err))
		os.Exit(1)
	}

	externalAddr, err := parseNetAddress(cfg.ExternalAddress)
	if err != nil {
		logger.Error("failed to parse external address", slog.Any("error", err))
		os.Exit(1)
	}

	chain, err := chainview.NewRPCAdapter(chainview.RPCConfig{BaseURL: cfg.ChainRPCAddress})
	if err != nil {
		logger.Error("failed to build chain adapter", slog.Any("error", err))
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to prepare data directory", slog.Any("error", err))
		os.Exit(1)
	}
	snapshot, err := storage.OpenSnapshot(
		filepath.Join(cfg.DataDir, "servicenode.db"),
		filepath.Join(cfg.DataDir, "servicenode.manifest.yaml"),
	)
	if err != nil {
		logger.Error("failed to open snapshot store", slog.Any("error", err))
		os.Exit(1)
	}
	defer snapshot.Close()

	signer := crypto.NewSignerKit(signatureSchemeFor(cfg.ServiceNode.NewSignatureScheme))

	identityKey, err := loadOrCreateIdentity(filepath.Join(cfg.DataDir, "node_key.json"))
	if err != nil {
		logger.Error("failed to load node identity", slog.Any("error", err))
		os.Exit(1)
	}

	dispatch := &handlerBox{}
	p2pServer := p2p.NewServer(dispatch, identityKey, p2p.ServerConfig{
		ListenAddress:              cfg.ListenAddress,
		ChainID:                    0,
		GenesisHash:                nil,
		ClientVersion:              "servicenoded/1.0",
		MaxPeers:                   64,
		MaxInbound:                 48,
		MaxOutbound:                16,
		Bootnodes:                  append([]string{}, cfg.Bootnodes...),
		PersistentPeers:            append([]string{}, cfg.PersistentPeers...),
		PeerBanDuration:            15 * time.Minute,
		ReadTimeout:                90 * time.Second,
		WriteTimeout:               5 * time.Second,
		MaxMessageBytes:            1 << 20,
		RateMsgsPerSec:             32,
		RateBurst:                  200,
		BanScore:                   100,
		GreyScore:                  50,
		ServiceNodeProtocolVersion: wire.ProtocolVersionBareOutpoint,
	})

	reg := registry.New(cfg.ServiceNode, chain, signer, p2pServer, logger, cfg.Testnet, cfg.MainnetPort)
	reg.SetSelfOperatorKey(operatorKey)

	if restored, err := snapshot.LoadRegistryInto(reg.UnmarshalSnapshot); err != nil {
		logger.Error("failed to restore registry snapshot", slog.Any("error", err))
		os.Exit(1)
	} else if restored {
		logger.Info("restored registry from snapshot", slog.Int("nodes", reg.Len()))
	}

	if _, known := reg.Get(self); !known {
		if err := announceSelf(reg, signer, chain, self, externalAddr, collateralKey, operatorKey); err != nil {
			logger.Warn("initial self-announce failed, will rely on a later one", slog.Any("error", err))
		} else {
			logger.Info("broadcast initial self-announce")
		}
	}

	led := ledger.New(signer)

	cache := reqcache.New(map[reqcache.Kind]time.Duration{
		reqcache.KindDseg:        5 * time.Minute,
		reqcache.KindPaymentSync: 5 * time.Minute,
		reqcache.KindVerify:      time.Minute,
	})

	driver := syncdriver.New(reg, led, chain, syncdriver.ServerSource{Server: p2pServer}, cfg.ServiceNode, self.String(), logger, func(asset syncdriver.Asset, frac float64) {
		logger.Info("sync progress", slog.String("asset", assetName(asset)), slog.Float64("fraction", frac))
	})

	handler := ingress.New(reg, led, chain, cache, driver, p2pServer, cfg.ServiceNode, self, operatorKey, logger)
	dispatch.set(handler)

	controller := localnode.New(reg, driver, chain, signer, cfg.ServiceNode, localnode.Params{
		Self:          self,
		OperatorKey:   operatorKey,
		ListenEnabled: true,
		Mainnet:       !cfg.Testnet,
	}, localnode.DialReachability{}, logger)

	statusServer := &http.Server{Addr: cfg.RPCAddress, Handler: controller.StatusRouter()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("status endpoint listening", slog.String("addr", cfg.RPCAddress))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server failed", slog.Any("error", err))
		}
	}()

	go func() {
		if err := p2pServer.Start(); err != nil {
			logger.Error("p2p server stopped", slog.Any("error", err))
		}
	}()

	go runTickLoop(ctx, cfg, reg, driver, controller, snapshot, led, cache, self, operatorKey, signer, chain, p2pServer, externalAddr, logger)

	logger.Info("servicenoded initialised and running", slog.String("self", self.String()))
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("status server shutdown failed", slog.Any("error", err))
	}
	if err := snapshot.Save(reg, led.VoteCount(), cache.Len(), time.Now()); err != nil {
		logger.Warn("final snapshot save failed", slog.Any("error", err))
	}
}

// runTickLoop drives everything that runs on a cadence rather than in
// response to an inbound message: the sync driver's state machine, the
// local node's readiness evaluation, periodic PoSe challenge issuance, and
// the snapshot persisted to disk.
func runTickLoop(ctx context.Context, cfg *config.Config, reg *registry.Registry, driver *syncdriver.Driver, controller *localnode.Controller, snapshot *storage.Snapshot, led *ledger.Ledger, cache *reqcache.Cache, self wire.Outpoint, operatorKey *crypto.PrivateKey, signer *crypto.SignerKit, chain chainview.Adapter, server *p2p.Server, externalAddr wire.NetAddress, logger *slog.Logger) {
	tickInterval := cfg.ServiceNode.Sync.TickInterval
	if tickInterval <= 0 {
		tickInterval = 6 * time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	snapshotTicker := time.NewTicker(time.Minute)
	defer snapshotTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			driver.Tick()
			controller.ManageState(externalAddr, cfg.MainnetPort, externalAddr.Port)
			dispatchPoSeChallenges(reg, self, server, logger)
			originateAndBroadcastVote(reg, driver, controller, led, chain, signer, operatorKey, self, cfg.ServiceNode, server, logger)
		case <-snapshotTicker.C:
			if err := snapshot.Save(reg, led.VoteCount(), cache.Len(), time.Now()); err != nil {
				logger.Warn("periodic snapshot save failed", slog.Any("error", err))
			}
		}
	}
}

// originateAndBroadcastVote casts this node's own payment vote once the
// sync driver has caught up and the local node controller has entered
// Started, mirroring how Controller drives its own periodic self-ping.
// A node still syncing or not yet started has no business voting: its view
// of the registry and payment ledger may not be complete enough to trust.
func originateAndBroadcastVote(reg *registry.Registry, driver *syncdriver.Driver, controller *localnode.Controller, led *ledger.Ledger, chain chainview.Adapter, signer *crypto.SignerKit, operatorKey *crypto.PrivateKey, self wire.Outpoint, params config.ServiceNodeParams, server *p2p.Server, logger *slog.Logger) {
	if !driver.IsFinished() || controller.State() != localnode.StateStarted {
		return
	}
	vote, fault := ledger.OriginateVote(chain.TipHeight(), self, reg, chain, led, signer, operatorKey, params)
	if fault != nil {
		logger.Debug("skipping self vote this tick", slog.Any("error", fault))
		return
	}
	msg, err := p2p.NewPaymentVoteMessage(vote, 0)
	if err != nil {
		logger.Warn("failed to encode self vote", slog.Any("error", err))
		return
	}
	if err := server.Broadcast(msg); err != nil {
		logger.Warn("failed to broadcast self vote", slog.Any("error", err))
	}
}

// dispatchPoSeChallenges delivers each challenge PoSeTick wants issued this
// round to an already-connected peer at the target address. A target this
// node has no open connection to is skipped; establishing fresh outbound
// connections purely to run a PoSe exchange is left for a future pass.
func dispatchPoSeChallenges(reg *registry.Registry, self wire.Outpoint, server *p2p.Server, logger *slog.Logger) {
	challenges := reg.PoSeTick(self)
	if len(challenges) == 0 {
		return
	}
	peers := server.Peers()
	for _, challenge := range challenges {
		var target *p2p.Peer
		for _, peer := range peers {
			if peer.RemoteAddr() == challenge.Addr.String() {
				target = peer
				break
			}
		}
		if target == nil {
			logger.Debug("skipping pose challenge, target not connected", slog.String("addr", challenge.Addr.String()))
			continue
		}
		msg, err := p2p.NewVerifyMessage(&challenge, target.SendVersion())
		if err != nil {
			logger.Warn("failed to encode pose challenge", slog.Any("error", err))
			continue
		}
		if err := target.Enqueue(msg); err != nil {
			logger.Warn("failed to deliver pose challenge", slog.Any("error", err))
		}
	}
}

// handlerBox lets the p2p server be constructed before the message handler
// it will dispatch to exists, since building that handler needs the server
// itself as a broadcaster.
type handlerBox struct {
	mu      sync.Mutex
	handler p2p.MessageHandler
}

func (b *handlerBox) set(h p2p.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *handlerBox) HandleMessage(from *p2p.Peer, msg *p2p.Message) error {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.HandleMessage(from, msg)
}

// announceSelf builds and accepts this process's own signed Announce (with
// an embedded Ping) the first time it runs against a registry that does not
// already know its outpoint. Subsequent liveness is carried entirely by
// Controller's periodic self-ping.
func announceSelf(reg *registry.Registry, signer *crypto.SignerKit, chain chainview.Adapter, self wire.Outpoint, addr wire.NetAddress, collateralKey, operatorKey *crypto.PrivateKey) error {
	now := chain.AdjustedTime()
	tip := chain.TipHeight()
	blockHash, err := chain.HashAt(tip)
	if err != nil {
		return fmt.Errorf("no block hash at tip: %w", err)
	}

	ping := &wire.Ping{
		Outpoint:          self,
		BlockHash:         blockHash,
		SigTime:           now.Unix(),
		SentinelIsCurrent: true,
	}
	pingDigest := wire.PingDigest(signer.ActiveScheme(), ping)
	pingSig, err := signer.Sign(operatorKey, pingDigest)
	if err != nil {
		return fmt.Errorf("sign ping: %w", err)
	}
	ping.Signature = pingSig

	announce := &wire.Announce{
		Outpoint:         self,
		NetAddr:          addr,
		PubKeyCollateral: collateralKey.PubKey().Bytes(),
		PubKeyOperator:   operatorKey.PubKey().Bytes(),
		SigTime:          now.Unix(),
		ProtocolVersion:  wire.ProtocolVersionBareOutpoint,
		Ping:             ping,
	}
	digest := wire.AnnounceDigest(signer.ActiveScheme(), announce)
	sig, err := signer.Sign(collateralKey, digest)
	if err != nil {
		return fmt.Errorf("sign announce: %w", err)
	}
	announce.Signature = sig

	if fault := reg.AddOrUpdateAnnounce(announce, "self", false); fault != nil {
		return fault
	}
	return nil
}

func loadKey(path string, passphrase func() (string, error)) (*crypto.PrivateKey, error) {
	pass := ""
	if passphrase != nil {
		if p, err := passphrase(); err == nil {
			pass = p
		}
	}
	return crypto.LoadFromKeystore(path, pass)
}

func loadOrCreateIdentity(path string) (*crypto.PrivateKey, error) {
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveToKeystore(path, key, ""); err != nil {
		return nil, err
	}
	return key, nil
}

func parseNetAddress(s string) (wire.NetAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return wire.NetAddress{}, fmt.Errorf("malformed external address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.NetAddress{}, fmt.Errorf("malformed external address port %q: %w", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return wire.NetAddress{}, fmt.Errorf("malformed external address host %q", host)
	}
	return wire.NetAddress{IP: ip, Port: uint16(port)}, nil
}

func signatureSchemeFor(newScheme bool) crypto.Scheme {
	if newScheme {
		return crypto.SchemeCurrent
	}
	return crypto.SchemeLegacy
}

func assetName(a syncdriver.Asset) string {
	switch a {
	case syncdriver.AssetSporks:
		return "sporks"
	case syncdriver.AssetList:
		return "list"
	case syncdriver.AssetVotes:
		return "votes"
	case syncdriver.AssetGovernance:
		return "governance"
	default:
		return "unknown"
	}
}
