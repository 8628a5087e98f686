package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/registry"
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

// newTestRegistryWithNodes populates a real Registry with n live,
// StateEnabled nodes via the same Announce/Check flow a production peer
// would drive it through, so ledger tests exercise genuine registry
// lookups rather than a seeded map.
func newTestRegistryWithNodes(t *testing.T, chain *chainview.Fake, n int) (*registry.Registry, *crypto.SignerKit, []*crypto.PrivateKey, []wire.Outpoint) {
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := registry.New(testParams(), chain, signer, nil, nil, true, 7000)
	magic := testParams().Payment.MagicCollateralAmount
	now := chain.AdjustedTime()

	var keys []*crypto.PrivateKey
	var outpoints []wire.Outpoint
	for i := 1; i <= n; i++ {
		collateral, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		operator, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)

		o := fixedOutpointAt(byte(i), 0)
		confDepth := uint64(registry.MinConfirmations)
		chain.SetUTXO(o, chainview.Coin{Value: magic, Height: 1, Script: []byte{0x01}}, registry.MinConfirmations)
		var anchorHash [32]byte
		anchorHash[0] = byte(0xF0 + i)
		chain.SetHash(confDepth, anchorHash)
		chain.SetBlockTime(confDepth, now)

		a := &wire.Announce{
			Outpoint:         o,
			NetAddr:          wire.NetAddress{IP: []byte{127, 0, 0, 1}, Port: uint16(7000 + i)},
			PubKeyCollateral: collateral.PubKey().Bytes(),
			PubKeyOperator:   operator.PubKey().Bytes(),
			SigTime:          now.Unix(),
			ProtocolVersion:  wire.ProtocolVersionBareOutpoint,
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

		keys = append(keys, operator)
		outpoints = append(outpoints, o)
	}
	return reg, signer, keys, outpoints
}

func TestAddOrUpdatePaymentVoteAccepted(t *testing.T) {
	chain := newTestChain(1000)
	reg, signer, keys, outpoints := newTestRegistryWithNodes(t, chain, 3)

	l := New(signer)
	voter := outpoints[0]
	target := uint64(1010)

	script, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)

	v := &wire.PaymentVote{VoterOutpoint: voter, TargetHeight: target, PayeeScript: script}
	digest := wire.VoteDigest(signer.ActiveScheme(), v)
	sig, err := signer.Sign(keys[0], digest)
	require.NoError(t, err)
	v.Signature = sig

	fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil)
	require.Nil(t, fault)
	require.Equal(t, 1, l.VoteCount())

	tally, ok := l.BlockPayeesAt(target)
	require.True(t, ok)
	require.Equal(t, 1, tally[string(script)])
}

func TestAddOrUpdatePaymentVoteRejectsBadSignature(t *testing.T) {
	chain := newTestChain(1000)
	reg, signer, _, outpoints := newTestRegistryWithNodes(t, chain, 3)

	l := New(signer)
	voter := outpoints[0]
	target := uint64(1010)

	script, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)

	v := &wire.PaymentVote{VoterOutpoint: voter, TargetHeight: target, PayeeScript: script, Signature: make([]byte, 65)}
	fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil)
	require.NotNil(t, fault)
	require.Equal(t, "invalid_signature", string(fault.Kind))
}

func TestAddOrUpdatePaymentVoteRejectsUnknownVoter(t *testing.T) {
	chain := newTestChain(1000)
	reg, signer, _, outpoints := newTestRegistryWithNodes(t, chain, 3)

	l := New(signer)
	stranger, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	unknown := fixedOutpointAt(0xAA, 0)
	target := uint64(1010)

	script, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)

	v := &wire.PaymentVote{VoterOutpoint: unknown, TargetHeight: target, PayeeScript: script}
	digest := wire.VoteDigest(signer.ActiveScheme(), v)
	sig, err := signer.Sign(stranger, digest)
	require.NoError(t, err)
	v.Signature = sig

	var asked []wire.Outpoint
	fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, func(o wire.Outpoint) {
		asked = append(asked, o)
	})
	require.NotNil(t, fault)
	require.Equal(t, "unknown_outpoint", string(fault.Kind))
	require.Equal(t, []wire.Outpoint{unknown}, asked)
}

func TestAddOrUpdatePaymentVoteRejectsStaleHeight(t *testing.T) {
	chain := newTestChain(10_000)
	reg, signer, keys, outpoints := newTestRegistryWithNodes(t, chain, 3)

	l := New(signer)
	voter := outpoints[0]
	target := uint64(5)

	script, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)

	v := &wire.PaymentVote{VoterOutpoint: voter, TargetHeight: target, PayeeScript: script}
	digest := wire.VoteDigest(signer.ActiveScheme(), v)
	sig, err := signer.Sign(keys[0], digest)
	require.NoError(t, err)
	v.Signature = sig

	fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil)
	require.NotNil(t, fault)
}

func TestRevoteReplacesPriorTally(t *testing.T) {
	chain := newTestChain(1000)
	reg, signer, keys, outpoints := newTestRegistryWithNodes(t, chain, 3)

	l := New(signer)
	voter := outpoints[0]
	target := uint64(1010)

	scriptA, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)
	scriptB, err := payeeScriptFor(mustGet(t, reg, outpoints[2]))
	require.NoError(t, err)

	castVote := func(script []byte) {
		v := &wire.PaymentVote{VoterOutpoint: voter, TargetHeight: target, PayeeScript: script}
		digest := wire.VoteDigest(signer.ActiveScheme(), v)
		sig, err := signer.Sign(keys[0], digest)
		require.NoError(t, err)
		v.Signature = sig
		fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil)
		require.Nil(t, fault)
	}

	castVote(scriptA)
	castVote(scriptB)

	require.Equal(t, 1, l.VoteCount())
	tally, ok := l.BlockPayeesAt(target)
	require.True(t, ok)
	require.Equal(t, 0, tally[string(scriptA)])
	require.Equal(t, 1, tally[string(scriptB)])
}

func TestIsTransactionValidAcceptsAnyWithInsufficientData(t *testing.T) {
	chain := newTestChain(1000)
	_, signer, _, _ := newTestRegistryWithNodes(t, chain, 3)
	l := New(signer)

	valid := l.IsTransactionValid(1010, []CoinbaseOutput{{Script: []byte("x"), Value: 50}}, 50, 6)
	require.True(t, valid)
}

func TestIsTransactionValidRequiresQualifyingPayee(t *testing.T) {
	chain := newTestChain(1000)
	reg, signer, keys, outpoints := newTestRegistryWithNodes(t, chain, 7)
	l := New(signer)

	target := uint64(1010)
	script, err := payeeScriptFor(mustGet(t, reg, outpoints[6]))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		v := &wire.PaymentVote{VoterOutpoint: outpoints[i], TargetHeight: target, PayeeScript: script}
		digest := wire.VoteDigest(signer.ActiveScheme(), v)
		sig, err := signer.Sign(keys[i], digest)
		require.NoError(t, err)
		v.Signature = sig
		fault := l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil)
		require.Nil(t, fault)
	}

	require.True(t, l.IsTransactionValid(target, []CoinbaseOutput{{Script: script, Value: 1000}}, 1000, 6))
	require.False(t, l.IsTransactionValid(target, []CoinbaseOutput{{Script: []byte("other"), Value: 1000}}, 1000, 6))
}

func TestCheckAndRemovePurgesOutOfWindow(t *testing.T) {
	chain := newTestChain(10_000)
	reg, signer, keys, outpoints := newTestRegistryWithNodes(t, chain, 3)
	l := New(signer)

	script, err := payeeScriptFor(mustGet(t, reg, outpoints[1]))
	require.NoError(t, err)
	v := &wire.PaymentVote{VoterOutpoint: outpoints[0], TargetHeight: 9500, PayeeScript: script}
	digest := wire.VoteDigest(signer.ActiveScheme(), v)
	sig, err := signer.Sign(keys[0], digest)
	require.NoError(t, err)
	v.Signature = sig
	require.Nil(t, l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil))
	require.Equal(t, 1, l.VoteCount())

	l.CheckAndRemove(20_000, 3)
	require.Equal(t, 0, l.VoteCount())
}

func mustGet(t *testing.T, reg *registry.Registry, o wire.Outpoint) *registry.ServiceNode {
	n, ok := reg.Get(o)
	require.True(t, ok)
	return &n
}
