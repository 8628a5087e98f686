package localnode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/registry"
	"nhbchain/wire"
)

type stubReachability struct {
	err error
}

func (s stubReachability) Probe(addr wire.NetAddress, timeout time.Duration) error {
	return s.err
}

func testOutpoint(b byte) wire.Outpoint {
	var o wire.Outpoint
	for i := range o.Hash {
		o.Hash[i] = b
	}
	return o
}

// newTestRegistryWithSelf seeds a registry with one live, StateEnabled node
// via the ordinary Announce/Check flow and marks it as this process's own
// outpoint, mirroring how a production node populates its own entry.
func newTestRegistryWithSelf(t *testing.T, chain *chainview.Fake, addr wire.NetAddress, protocolVersion uint32) (*registry.Registry, *crypto.SignerKit, *crypto.PrivateKey, wire.Outpoint) {
	params := config.DefaultServiceNodeParams()
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := registry.New(params, chain, signer, nil, nil, true, addr.Port)

	collateral, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	o := testOutpoint(0x01)
	now := chain.AdjustedTime()
	confDepth := uint64(registry.MinConfirmations)
	chain.SetUTXO(o, chainview.Coin{Value: params.Payment.MagicCollateralAmount, Height: 1, Script: []byte{0x01}}, registry.MinConfirmations)
	var anchorHash [32]byte
	anchorHash[0] = 0xAA
	chain.SetHash(confDepth, anchorHash)
	chain.SetBlockTime(confDepth, now)

	a := &wire.Announce{
		Outpoint:         o,
		NetAddr:          addr,
		PubKeyCollateral: collateral.PubKey().Bytes(),
		PubKeyOperator:   operator.PubKey().Bytes(),
		SigTime:          now.Unix(),
		ProtocolVersion:  protocolVersion,
		Ping: &wire.Ping{
			Outpoint:          o,
			SigTime:           now.Unix(),
			SentinelIsCurrent: true,
		},
	}
	digest := wire.AnnounceDigest(signer.ActiveScheme(), a)
	sig, err := signer.Sign(collateral, digest)
	require.NoError(t, err)
	a.Signature = sig

	fault := reg.AddOrUpdateAnnounce(a, "peer1", false)
	require.Nil(t, fault)
	reg.Check(o, true)
	reg.SetSelf(o)

	return reg, signer, operator, o
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

func newTestController(t *testing.T, addr wire.NetAddress, listenEnabled bool, reach Reachability) (*Controller, wire.NetAddress) {
	chain := newTestChain(100)
	reg, signer, operator, self := newTestRegistryWithSelf(t, chain, addr, registry.MinPaymentProtocol)

	params := config.DefaultServiceNodeParams()
	c := New(reg, nil, chain, signer, params, Params{
		Self:          self,
		OperatorKey:   operator,
		ListenEnabled: listenEnabled,
		Mainnet:       true,
	}, reach, nil)
	return c, addr
}

func TestManageStateStartsWhenAllChecksPass(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, true, stubReachability{})

	c.ManageState(selfAddr, 9999, 19999)
	require.Equal(t, StateStarted, c.State())
	require.Empty(t, c.NotCapableReason())
}

func TestManageStateNotCapableWhenListenDisabled(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, false, stubReachability{})

	c.ManageState(selfAddr, 9999, 19999)
	require.Equal(t, StateNotCapable, c.State())
	require.Contains(t, c.NotCapableReason(), "listen")
}

func TestManageStateNotCapableOnPortMismatch(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, true, stubReachability{})

	c.ManageState(selfAddr, 12345, 19999)
	require.Equal(t, StateNotCapable, c.State())
	require.Contains(t, c.NotCapableReason(), "port")
}

func TestManageStateNotCapableWhenUnreachable(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, true, stubReachability{err: errors.New("refused")})

	c.ManageState(selfAddr, 9999, 19999)
	require.Equal(t, StateNotCapable, c.State())
	require.Contains(t, c.NotCapableReason(), "reachable")
}

func TestManageStateNotCapableOnAddressMismatch(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, _ := newTestController(t, addr, true, stubReachability{})

	mismatched := wire.NetAddress{IP: []byte{10, 0, 0, 5}, Port: 9999}
	c.ManageState(mismatched, 9999, 19999)
	require.Equal(t, StateNotCapable, c.State())
	require.Contains(t, c.NotCapableReason(), "does not match detected")
}

func TestManageStateNotCapableWhenUnknownToRegistry(t *testing.T) {
	chain := newTestChain(100)
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := registry.New(config.DefaultServiceNodeParams(), chain, signer, nil, nil, true, 9999)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	self := testOutpoint(0x02)

	c := New(reg, nil, chain, signer, config.DefaultServiceNodeParams(), Params{
		Self:          self,
		OperatorKey:   operator,
		ListenEnabled: true,
		Mainnet:       true,
	}, stubReachability{}, nil)

	c.ManageState(addr, 9999, 19999)
	require.Equal(t, StateNotCapable, c.State())
	require.Contains(t, c.NotCapableReason(), "registry does not contain")
}

func TestSelfPingRespectsMinInterval(t *testing.T) {
	addr := wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 9999}
	c, selfAddr := newTestController(t, addr, true, stubReachability{})

	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }

	c.ManageState(selfAddr, 9999, 19999)
	first := c.lastSelfPingTime
	require.False(t, first.IsZero())

	c.ManageState(selfAddr, 9999, 19999)
	require.Equal(t, first, c.lastSelfPingTime)

	clock = clock.Add(c.minPing + time.Second)
	c.ManageState(selfAddr, 9999, 19999)
	require.True(t, c.lastSelfPingTime.After(first))
}
