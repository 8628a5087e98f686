package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/wire"
)

func TestVoteByHashAndVotesAtHeight(t *testing.T) {
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

	require.Nil(t, l.AddOrUpdatePaymentVote(v, reg, chain, testParams(), false, nil))

	hash := wire.VoteIdentityHash(v)
	found, ok := l.VoteByHash(hash)
	require.True(t, ok)
	require.Equal(t, v.VoterOutpoint, found.VoterOutpoint)

	_, ok = l.VoteByHash([32]byte{0xff})
	require.False(t, ok)

	atHeight := l.VotesAtHeight(target)
	require.Len(t, atHeight, 1)
	require.Equal(t, hash, atHeight[0].Hash())

	require.Empty(t, l.VotesAtHeight(target+1))
}
