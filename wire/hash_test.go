package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedOutpoint() Outpoint {
	var o Outpoint
	for i := range o.Hash {
		o.Hash[i] = byte(i)
	}
	o.Index = 7
	return o
}

func TestAnnounceDigestSchemesDivergeAndCoverSigTime(t *testing.T) {
	a := &Announce{
		Outpoint:         fixedOutpoint(),
		PubKeyCollateral: []byte{0x02, 0x03, 0x04},
		SigTime:          1_700_000_000,
	}

	legacy := AnnounceDigest(SchemeLegacy, a)
	require.Len(t, legacy, 32)
	require.NotEqual(t, [32]byte{}, legacy)

	current := AnnounceDigest(SchemeCurrent, a)
	require.NotEqual(t, legacy, current, "legacy and current schemes must diverge on the same input")

	// Determinism: identical input, identical output, independent of scheme.
	require.Equal(t, legacy, AnnounceDigest(SchemeLegacy, a))
	require.Equal(t, current, AnnounceDigest(SchemeCurrent, a))

	movedSigTime := *a
	movedSigTime.SigTime++
	require.NotEqual(t, legacy, AnnounceDigest(SchemeLegacy, &movedSigTime),
		"sig_time must be covered by the legacy digest")
	require.NotEqual(t, current, AnnounceDigest(SchemeCurrent, &movedSigTime),
		"sig_time must be covered by the current digest")
}

func TestPingDigestSchemesDivergeAndCoverSentinelFlag(t *testing.T) {
	p := &Ping{
		Outpoint:          fixedOutpoint(),
		SigTime:           1_700_000_100,
		SentinelIsCurrent: true,
	}
	legacy := PingDigest(SchemeLegacy, p)
	current := PingDigest(SchemeCurrent, p)
	require.NotEqual(t, legacy, current)

	flippedFlag := *p
	flippedFlag.SentinelIsCurrent = false
	require.NotEqual(t, legacy, PingDigest(SchemeLegacy, &flippedFlag),
		"sentinel flag must be covered by the legacy digest")
}

func TestVoteDigestSchemesDivergeAndCoverTargetHeight(t *testing.T) {
	v := &PaymentVote{
		VoterOutpoint: fixedOutpoint(),
		TargetHeight:  123456,
		PayeeScript:   []byte{0xAA, 0xBB, 0xCC},
	}
	legacy := VoteDigest(SchemeLegacy, v)
	current := VoteDigest(SchemeCurrent, v)
	require.NotEqual(t, legacy, current)

	other := *v
	other.TargetHeight = 123457
	require.NotEqual(t, legacy, VoteDigest(SchemeLegacy, &other),
		"target height must change the digest")
}

func TestVerifyDigestsDiffer(t *testing.T) {
	addr := NetAddress{IP: []byte{10, 0, 0, 1}, Port: 9999}
	var blockHash [32]byte
	blockHash[0] = 0x42

	challenge := VerifyChallengeDigest(addr, 9, blockHash)

	real := fixedOutpoint()
	self := fixedOutpoint()
	self.Index = 1
	broadcast := VerifyBroadcastDigest(addr, 9, blockHash, real, self)

	require.NotEqual(t, challenge, broadcast, "challenge and broadcast digests cover different fields")

	differentNonce := VerifyChallengeDigest(addr, 10, blockHash)
	require.NotEqual(t, challenge, differentNonce)
}

func TestAnnounceIdentityHashIsSchemeIndependent(t *testing.T) {
	a := &Announce{
		Outpoint:         fixedOutpoint(),
		PubKeyCollateral: []byte{0x01},
		SigTime:          42,
	}
	h1 := AnnounceIdentityHash(a)
	h2 := AnnounceIdentityHash(a)
	require.Equal(t, h1, h2)

	other := *a
	other.SigTime = 43
	require.NotEqual(t, h1, AnnounceIdentityHash(&other))
}

func TestVoteIdentityHash(t *testing.T) {
	v := &PaymentVote{
		VoterOutpoint: fixedOutpoint(),
		TargetHeight:  10,
		PayeeScript:   []byte{0x01, 0x02},
	}
	h1 := VoteIdentityHash(v)
	other := *v
	other.PayeeScript = []byte{0x01, 0x03}
	require.NotEqual(t, h1, VoteIdentityHash(&other))
}

func TestRankScoreDeterministic(t *testing.T) {
	var confBlock, seed [32]byte
	confBlock[0] = 0x11
	seed[0] = 0x22

	o := fixedOutpoint()
	s1 := RankScore(o, confBlock, seed)
	s2 := RankScore(o, confBlock, seed)
	require.Equal(t, s1, s2)

	seed[0] = 0x23
	require.NotEqual(t, s1, RankScore(o, confBlock, seed), "ranking seed must affect the score")
}

func TestOutpointCodecRoundTrip(t *testing.T) {
	o := fixedOutpoint()

	legacyEncoded, err := EncodeOutpoint(o, ProtocolVersionLegacyOutpoint)
	require.NoError(t, err)
	require.Contains(t, string(legacyEncoded), "scriptSig")

	decodedLegacy, err := DecodeOutpoint(legacyEncoded)
	require.NoError(t, err)
	require.Equal(t, o, decodedLegacy)

	bareEncoded, err := EncodeOutpoint(o, ProtocolVersionBareOutpoint)
	require.NoError(t, err)
	require.NotContains(t, string(bareEncoded), "scriptSig")

	decodedBare, err := DecodeOutpoint(bareEncoded)
	require.NoError(t, err)
	require.Equal(t, o, decodedBare)
}

func TestAnnounceCodecRoundTripAcrossProtocolVersions(t *testing.T) {
	a := &Announce{
		Outpoint:         fixedOutpoint(),
		NetAddr:          NetAddress{IP: []byte{192, 0, 2, 1}, Port: 9231},
		PubKeyCollateral: []byte{0x01, 0x02},
		PubKeyOperator:   []byte{0x03, 0x04},
		SigTime:          1_700_000_000,
		ProtocolVersion:  ProtocolVersionLegacyOutpoint,
		Signature:        []byte{0xde, 0xad, 0xbe, 0xef},
		Ping: &Ping{
			Outpoint: fixedOutpoint(),
			SigTime:  1_700_000_050,
		},
	}

	for _, sendVersion := range []uint32{ProtocolVersionLegacyOutpoint, ProtocolVersionBareOutpoint} {
		encoded, err := EncodeAnnounce(a, sendVersion)
		require.NoError(t, err)
		decoded, err := DecodeAnnounce(encoded)
		require.NoError(t, err)
		require.Equal(t, a.Outpoint, decoded.Outpoint)
		require.Equal(t, a.PubKeyCollateral, decoded.PubKeyCollateral)
		require.Equal(t, a.Signature, decoded.Signature)
		require.NotNil(t, decoded.Ping)
		require.Equal(t, a.Ping.Outpoint, decoded.Ping.Outpoint)
	}
}

func TestVoteCodecRoundTrip(t *testing.T) {
	v := &PaymentVote{
		VoterOutpoint: fixedOutpoint(),
		TargetHeight:  999,
		PayeeScript:   []byte{0x01, 0x02, 0x03},
		Signature:     []byte{0x05, 0x06},
	}
	encoded, err := EncodeVote(v, ProtocolVersionBareOutpoint)
	require.NoError(t, err)
	decoded, err := DecodeVote(encoded)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}

func TestVerifyMessageCodecRoundTrip(t *testing.T) {
	m := &VerifyMessage{
		OutpointA:   fixedOutpoint(),
		OutpointB:   fixedOutpoint(),
		Addr:        NetAddress{IP: []byte{198, 51, 100, 1}, Port: 15},
		Nonce:       55,
		BlockHeight: 100,
	}
	require.True(t, m.IsChallenge())

	encoded, err := EncodeVerifyMessage(m, ProtocolVersionLegacyOutpoint)
	require.NoError(t, err)
	decoded, err := DecodeVerifyMessage(encoded)
	require.NoError(t, err)
	require.Equal(t, m.OutpointA, decoded.OutpointA)
	require.Equal(t, m.Nonce, decoded.Nonce)
	require.True(t, decoded.IsChallenge())
}

func TestInvVectorJSONEncodesHashAsHex(t *testing.T) {
	var v InvVector
	v.Kind = InvAnnounce
	v.Hash[0] = 0xAB

	data, err := v.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(data), "ab")

	var decoded InvVector
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Equal(t, v, decoded)
}
