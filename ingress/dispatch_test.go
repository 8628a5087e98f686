package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/ledger"
	"nhbchain/p2p"
	"nhbchain/registry"
	"nhbchain/reqcache"
	"nhbchain/wire"
)

func testParams() config.ServiceNodeParams {
	return config.DefaultServiceNodeParams()
}

func fixedOutpointAt(b byte, index uint32) wire.Outpoint {
	var o wire.Outpoint
	for i := range o.Hash {
		o.Hash[i] = b
	}
	o.Index = index
	return o
}

func newTestChain(tip uint64) *chainview.Fake {
	now := time.Unix(1_700_000_000, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(tip)
	for h := uint64(0); h <= tip; h++ {
		var hash [32]byte
		hash[0] = byte(h)
		chain.SetHash(h, hash)
	}
	return chain
}

// connectedPeerPair spins up two real p2p servers over loopback and
// returns the local side's view of the inbound connection, so tests can
// exercise HandleMessage against a live *p2p.Peer instead of a fake.
func connectedPeerPair(t *testing.T, handler p2p.MessageHandler) (*p2p.Server, *p2p.Peer) {
	t.Helper()
	genesis := []byte{0xAA}

	mustKey := func() *crypto.PrivateKey {
		k, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		return k
	}

	cfg := p2p.ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		ChainID:          1,
		GenesisHash:      genesis,
		ClientVersion:    "test/1.0",
		MaxPeers:         8,
		MaxInbound:       8,
		MaxOutbound:      8,
		PeerBanDuration:  time.Second,
		ReadTimeout:      time.Second,
		WriteTimeout:     time.Second,
		MaxMessageBytes:  1 << 20,
		RateMsgsPerSec:   50,
		RateBurst:        50,
		BanScore:         20,
		GreyScore:        10,
		HandshakeTimeout: time.Second,
	}

	local := p2p.NewServer(handler, mustKey(), cfg)
	go func() { _ = local.Start() }()

	remote := p2p.NewServer(noopHandler{}, mustKey(), cfg)
	go func() { _ = remote.Start() }()

	var addrs []string
	require.Eventually(t, func() bool {
		addrs = local.ListenAddresses()
		return len(addrs) > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, remote.Connect(addrs[0]))

	var peer *p2p.Peer
	require.Eventually(t, func() bool {
		peers := local.Peers()
		if len(peers) == 0 {
			return false
		}
		peer = peers[0]
		return true
	}, time.Second, 5*time.Millisecond)

	return local, peer
}

type noopHandler struct{}

func (noopHandler) HandleMessage(from *p2p.Peer, msg *p2p.Message) error { return nil }

func newTestHandler(t *testing.T, chain *chainview.Fake) (*Handler, *registry.Registry, *crypto.SignerKit) {
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := registry.New(testParams(), chain, signer, nil, nil, true, 7000)
	led := ledger.New(signer)
	cache := reqcache.New(map[reqcache.Kind]time.Duration{
		reqcache.KindDseg:        time.Hour,
		reqcache.KindPaymentSync: time.Hour,
		reqcache.KindVerify:      time.Hour,
	})
	h := New(reg, led, chain, cache, nil, nil, testParams(), fixedOutpointAt(0x01, 0), nil, nil)
	return h, reg, signer
}

func TestHandleAnnounceAcceptsValidEntry(t *testing.T) {
	chain := newTestChain(100)
	h, reg, signer := newTestHandler(t, chain)
	local, peer := connectedPeerPair(t, h)
	defer local.Disconnect(peer.ID(), nil)

	collateral, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	outpoint := fixedOutpointAt(0x09, 0)
	magic := testParams().Payment.MagicCollateralAmount
	confDepth := uint64(registry.MinConfirmations)
	chain.SetUTXO(outpoint, chainview.Coin{Value: magic, Height: 1, Script: []byte{0x01}}, confDepth)
	var confHash [32]byte
	confHash[0] = byte(confDepth)
	chain.SetHash(confDepth, confHash)
	chain.SetBlockTime(confDepth, time.Unix(1_700_000_000, 0))

	a := &wire.Announce{
		Outpoint:         outpoint,
		NetAddr:          wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 7000},
		PubKeyCollateral: collateral.PubKey().Bytes(),
		PubKeyOperator:   operator.PubKey().Bytes(),
		SigTime:          chain.AdjustedTime().Unix(),
		ProtocolVersion:  wire.ProtocolVersionBareOutpoint,
		Ping: &wire.Ping{
			Outpoint: outpoint,
			SigTime:  chain.AdjustedTime().Unix(),
		},
	}
	digest := wire.AnnounceDigest(signer.ActiveScheme(), a)
	sig, err := signer.Sign(collateral, digest)
	require.NoError(t, err)
	a.Signature = sig

	payload, err := wire.EncodeAnnounce(a, 0)
	require.NoError(t, err)
	msg := &p2p.Message{Command: p2p.CmdAnnounce, Payload: payload}

	require.NoError(t, h.HandleMessage(peer, msg))
	node, ok := reg.Get(outpoint)
	require.True(t, ok)
	require.Equal(t, a.NetAddr, node.NetAddr)
}

func TestHandleAnnounceMalformedPayloadMisbehaves(t *testing.T) {
	chain := newTestChain(100)
	h, _, _ := newTestHandler(t, chain)
	local, peer := connectedPeerPair(t, h)
	defer local.Disconnect(peer.ID(), nil)

	msg := &p2p.Message{Command: p2p.CmdAnnounce, Payload: []byte("not json")}
	err := h.HandleMessage(peer, msg)
	require.Error(t, err)
}

func TestHandlePaymentSyncRefusesRepeatWithinTTL(t *testing.T) {
	chain := newTestChain(2000)
	h, _, _ := newTestHandler(t, chain)
	local, peer := connectedPeerPair(t, h)
	defer local.Disconnect(peer.ID(), nil)

	msg := &p2p.Message{Command: p2p.CmdPaymentSync, Payload: []byte("{}")}
	require.NoError(t, h.HandleMessage(peer, msg))

	// A second immediate request within the cache TTL should be refused.
	err := h.HandleMessage(peer, msg)
	require.Error(t, err)
}

func TestHandleKeepAliveAcksBack(t *testing.T) {
	chain := newTestChain(100)
	h, _, _ := newTestHandler(t, chain)
	local, peer := connectedPeerPair(t, h)
	defer local.Disconnect(peer.ID(), nil)

	msg := &p2p.Message{Command: p2p.CmdKeepAlive, Payload: []byte(`{"nonce":7,"timestamp":0}`)}
	require.NoError(t, h.HandleMessage(peer, msg))
}

func TestHandleUnknownCommandIsNoop(t *testing.T) {
	chain := newTestChain(100)
	h, _, _ := newTestHandler(t, chain)
	local, peer := connectedPeerPair(t, h)
	defer local.Disconnect(peer.ID(), nil)

	msg := &p2p.Message{Command: "bogus", Payload: []byte("{}")}
	require.NoError(t, h.HandleMessage(peer, msg))
}
