package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
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

func signAnnounce(t *testing.T, signer *crypto.SignerKit, priv *crypto.PrivateKey, a *wire.Announce) {
	digest := wire.AnnounceDigest(signer.ActiveScheme(), a)
	sig, err := signer.Sign(priv, digest)
	require.NoError(t, err)
	a.Signature = sig
}

func newTestRegistry(t *testing.T, chain chainview.Adapter) (*Registry, *crypto.SignerKit) {
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := New(testParams(), chain, signer, nil, nil, true, 7000)
	return reg, signer
}

func buildValidAnnounce(t *testing.T, chain *chainview.Fake, collateral *crypto.PrivateKey, operator *crypto.PrivateKey, signer *crypto.SignerKit, outpoint wire.Outpoint, sigTime int64) *wire.Announce {
	a := &wire.Announce{
		Outpoint:         outpoint,
		NetAddr:          wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 7000},
		PubKeyCollateral: collateral.PubKey().Bytes(),
		PubKeyOperator:   operator.PubKey().Bytes(),
		SigTime:          sigTime,
		ProtocolVersion:  wire.ProtocolVersionBareOutpoint,
		Ping: &wire.Ping{
			Outpoint: outpoint,
			SigTime:  sigTime,
		},
	}
	signAnnounce(t, signer, collateral, a)
	return a
}

func seedCollateral(chain *chainview.Fake, outpoint wire.Outpoint, magic uint64, confHeight uint64, confirmations uint64) {
	chain.SetUTXO(outpoint, chainview.Coin{Value: magic, Height: 1, Script: []byte{0x01}}, confirmations)
	var hash [32]byte
	hash[0] = byte(confHeight)
	chain.SetHash(confHeight, hash)
	chain.SetBlockTime(confHeight, time.Unix(1_700_000_000, 0))
}

func TestAddOrUpdateAnnounceCreatesNewEntry(t *testing.T) {
	now := time.Unix(1_700_003_600, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(100)

	reg, signer := newTestRegistry(t, chain)

	collateral, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	operator, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	outpoint := fixedOutpointAt(0x01, 0)
	magic := reg.params.Payment.MagicCollateralAmount
	confDepth := uint64(1 + MinConfirmations - 1)
	seedCollateral(chain, outpoint, magic, confDepth, MinConfirmations)

	a := buildValidAnnounce(t, chain, collateral, operator, signer, outpoint, now.Unix())

	fault := reg.AddOrUpdateAnnounce(a, "peer1", false)
	require.Nil(t, fault)

	node, ok := reg.Get(outpoint)
	require.True(t, ok)
	require.Equal(t, wire.StatePreEnabled, node.State)
	require.Equal(t, a.SigTime, node.SigTime)
}

func TestAddOrUpdateAnnounceRejectsMissingCollateral(t *testing.T) {
	now := time.Unix(1_700_003_600, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(100)
	reg, signer := newTestRegistry(t, chain)

	collateral, _ := crypto.GeneratePrivateKey()
	operator, _ := crypto.GeneratePrivateKey()
	outpoint := fixedOutpointAt(0x02, 0)

	a := buildValidAnnounce(t, chain, collateral, operator, signer, outpoint, now.Unix())
	fault := reg.AddOrUpdateAnnounce(a, "peer1", false)
	require.NotNil(t, fault)
	require.Equal(t, "collateral_missing", string(fault.Kind))
}

func TestAddOrUpdateAnnounceIdempotentOnDuplicate(t *testing.T) {
	now := time.Unix(1_700_003_600, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(100)
	reg, signer := newTestRegistry(t, chain)

	collateral, _ := crypto.GeneratePrivateKey()
	operator, _ := crypto.GeneratePrivateKey()
	outpoint := fixedOutpointAt(0x03, 0)
	magic := reg.params.Payment.MagicCollateralAmount
	confDepth := uint64(MinConfirmations)
	seedCollateral(chain, outpoint, magic, confDepth, MinConfirmations)

	a := buildValidAnnounce(t, chain, collateral, operator, signer, outpoint, now.Unix())
	require.Nil(t, reg.AddOrUpdateAnnounce(a, "peer1", false))
	require.Nil(t, reg.AddOrUpdateAnnounce(a, "peer1", false))

	require.Equal(t, 1, reg.Len())
}

func TestSimpleCheckRejectsFutureSigTime(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := chainview.NewFake(now)
	reg, _ := newTestRegistry(t, chain)

	collateral, _ := crypto.GeneratePrivateKey()
	operator, _ := crypto.GeneratePrivateKey()
	outpoint := fixedOutpointAt(0x04, 0)
	a := &wire.Announce{
		Outpoint:         outpoint,
		NetAddr:          wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: 7000},
		PubKeyCollateral: collateral.PubKey().Bytes(),
		PubKeyOperator:   operator.PubKey().Bytes(),
		SigTime:          now.Add(2 * time.Hour).Unix(),
		Ping:             &wire.Ping{Outpoint: outpoint, SigTime: now.Unix()},
	}
	fault := reg.SimpleCheck(a)
	require.NotNil(t, fault)
	require.Equal(t, "sig_from_future", string(fault.Kind))
}

func TestComputeRankingDeterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(1000)
	var seedHash [32]byte
	seedHash[0] = 0x99
	chain.SetHash(1000, seedHash)

	reg, _ := newTestRegistry(t, chain)
	reg.mu.Lock()
	for i := byte(1); i <= 5; i++ {
		o := fixedOutpointAt(i, 0)
		reg.nodes[o] = &ServiceNode{
			Outpoint:        o,
			ProtocolVersion: wire.ProtocolVersionBareOutpoint,
			State:           wire.StateEnabled,
		}
	}
	reg.mu.Unlock()

	r1, fault := reg.ComputeRanking(1000, MinPaymentProtocol)
	require.Nil(t, fault)
	r2, fault := reg.ComputeRanking(1000, MinPaymentProtocol)
	require.Nil(t, fault)
	require.Equal(t, len(r1), len(r2))
	for i := range r1 {
		require.Equal(t, r1[i].Node.Outpoint, r2[i].Node.Outpoint)
	}
}

func TestCheckPingExpiryCascade(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	chain := chainview.NewFake(now)
	chain.SetTip(100)
	reg, _ := newTestRegistry(t, chain)

	o := fixedOutpointAt(0x05, 0)
	reg.mu.Lock()
	reg.nodes[o] = &ServiceNode{
		Outpoint:        o,
		ProtocolVersion: wire.ProtocolVersionBareOutpoint,
		State:           wire.StateEnabled,
		SigTime:         now.Add(-200 * time.Minute).Unix(),
		LastPing:        LastPing{SigTime: now.Add(-121 * time.Minute).Unix()},
	}
	reg.mu.Unlock()

	reg.Check(o, true)
	node, _ := reg.Get(o)
	require.Equal(t, wire.StateExpired, node.State)

	reg.mu.Lock()
	reg.nodes[o].LastPing.SigTime = now.Add(-181 * time.Minute).Unix()
	reg.mu.Unlock()
	reg.Check(o, true)
	node, _ = reg.Get(o)
	require.Equal(t, wire.StateNewStartRequired, node.State)
}
