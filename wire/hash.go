package wire

import (
	"bytes"
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"lukechampine.com/blake3"

	"nhbchain/crypto"
)

// Scheme re-exports crypto.Scheme so callers building wire messages don't
// need a second import for the signature-scheme tag.
type Scheme = crypto.Scheme

const (
	SchemeLegacy  = crypto.SchemeLegacy
	SchemeCurrent = crypto.SchemeCurrent
)

// legacyOutpointEnvelope reproduces the historical on-wire layout of an
// outpoint when it was embedded inside a transaction input: the raw
// outpoint, followed by a zero-length dummy scriptSig and the
// all-ones sequence number. The hash and index keep the struct's order;
// the two trailing fields are not part of an Outpoint at all. Legacy
// signatures were computed over this longer layout, and peers running old
// software still expect it byte-for-byte.
func legacyOutpointEnvelope(o Outpoint) []byte {
	buf := make([]byte, 0, 32+4+1+4)
	buf = append(buf, o.Hash[:]...)
	buf = appendUint32LE(buf, o.Index)
	buf = append(buf, 0x00) // dummy scriptSig length
	buf = appendUint32LE(buf, 0xffffffff)
	return buf
}

func appendUint32LE(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:]...)
}

func appendUint64LE(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// legacyDigest hashes a plain byte concatenation with Keccak256, matching
// the sizing ECDSA recovery expects from crypto.Sign/SigToPub.
func legacyDigest(parts ...[]byte) [32]byte {
	return [32]byte(ethcrypto.Keccak256(bytes.Join(parts, nil)))
}

// currentDigest hashes the canonical serialization of a message with
// blake3, the current-scheme signing convention.
func currentDigest(canonical []byte) [32]byte {
	return blake3.Sum256(canonical)
}

// AnnounceDigest returns the 32-byte value an Announce's Signature is
// computed over, under the requested scheme. Legacy reproduces the
// field order "outpoint-envelope, pubkey_collateral, sig_time" exactly as
// fixed by the legacy scheme; current hashes the canonical serialization.
func AnnounceDigest(scheme Scheme, a *Announce) [32]byte {
	if scheme == SchemeLegacy {
		return legacyDigest(legacyOutpointEnvelope(a.Outpoint), a.PubKeyCollateral, int64Bytes(a.SigTime))
	}
	return currentDigest(canonicalAnnounceBytes(a))
}

// PingDigest returns the 32-byte value a Ping's Signature is computed
// over, under the requested scheme.
func PingDigest(scheme Scheme, p *Ping) [32]byte {
	if scheme == SchemeLegacy {
		flag := byte(0)
		if p.SentinelIsCurrent {
			flag = 1
		}
		return legacyDigest(legacyOutpointEnvelope(p.Outpoint), p.BlockHash[:], int64Bytes(p.SigTime), []byte{flag})
	}
	return currentDigest(canonicalPingBytes(p))
}

// VoteDigest returns the 32-byte value a PaymentVote's Signature is
// computed over, under the requested scheme. This is also the legacy
// "canonical string concatenation" form used by legacy peers,
// rendered as bytes rather than a formatted string to stay
// allocation-cheap.
func VoteDigest(scheme Scheme, v *PaymentVote) [32]byte {
	if scheme == SchemeLegacy {
		return legacyDigest(legacyOutpointEnvelope(v.VoterOutpoint), uint64Bytes(v.TargetHeight), v.PayeeScript)
	}
	return currentDigest(canonicalVoteBytes(v))
}

// VerifyChallengeDigest returns the digest the responder signs into Sig1:
// (addr, nonce, block_hash_at_height).
func VerifyChallengeDigest(addr NetAddress, nonce uint64, blockHash [32]byte) [32]byte {
	buf := []byte(addr.String())
	buf = appendUint64LE(buf, nonce)
	buf = append(buf, blockHash[:]...)
	return currentDigest(buf)
}

// VerifyBroadcastDigest returns the digest the initiator signs into Sig2:
// (addr, nonce, block_hash, outpoint_real, outpoint_self).
func VerifyBroadcastDigest(addr NetAddress, nonce uint64, blockHash [32]byte, real, self Outpoint) [32]byte {
	buf := []byte(addr.String())
	buf = appendUint64LE(buf, nonce)
	buf = append(buf, blockHash[:]...)
	buf = append(buf, real.Hash[:]...)
	buf = appendUint32LE(buf, real.Index)
	buf = append(buf, self.Hash[:]...)
	buf = appendUint32LE(buf, self.Index)
	return currentDigest(buf)
}

func int64Bytes(v int64) []byte {
	return appendInt64LE(nil, v)
}

func uint64Bytes(v uint64) []byte {
	return appendUint64LE(nil, v)
}

func canonicalAnnounceBytes(a *Announce) []byte {
	buf := append([]byte{}, a.Outpoint.Hash[:]...)
	buf = appendUint32LE(buf, a.Outpoint.Index)
	buf = append(buf, []byte(a.NetAddr.String())...)
	buf = append(buf, a.PubKeyCollateral...)
	buf = append(buf, a.PubKeyOperator...)
	buf = appendInt64LE(buf, a.SigTime)
	buf = appendUint32LE(buf, a.ProtocolVersion)
	return buf
}

func canonicalPingBytes(p *Ping) []byte {
	buf := append([]byte{}, p.Outpoint.Hash[:]...)
	buf = appendUint32LE(buf, p.Outpoint.Index)
	buf = append(buf, p.BlockHash[:]...)
	buf = appendInt64LE(buf, p.SigTime)
	flag := byte(0)
	if p.SentinelIsCurrent {
		flag = 1
	}
	buf = append(buf, flag)
	buf = appendUint32LE(buf, p.SentinelVersion)
	buf = appendUint32LE(buf, p.DaemonVersion)
	return buf
}

func canonicalVoteBytes(v *PaymentVote) []byte {
	buf := append([]byte{}, v.VoterOutpoint.Hash[:]...)
	buf = appendUint32LE(buf, v.VoterOutpoint.Index)
	buf = appendUint64LE(buf, v.TargetHeight)
	buf = append(buf, v.PayeeScript...)
	return buf
}

// AnnounceIdentityHash is the dedup/identity key for an Announce: a hash
// over (outpoint, pubkey_collateral, sig_time), independent of signature
// scheme.
func AnnounceIdentityHash(a *Announce) [32]byte {
	buf := append([]byte{}, a.Outpoint.Hash[:]...)
	buf = appendUint32LE(buf, a.Outpoint.Index)
	buf = append(buf, a.PubKeyCollateral...)
	buf = appendInt64LE(buf, a.SigTime)
	return blake3.Sum256(buf)
}

// PingIdentityHash is the dedup/identity key for a Ping: a hash over
// (outpoint, sig_time), independent of signature scheme.
func PingIdentityHash(p *Ping) [32]byte {
	buf := append([]byte{}, p.Outpoint.Hash[:]...)
	buf = appendUint32LE(buf, p.Outpoint.Index)
	buf = appendInt64LE(buf, p.SigTime)
	return blake3.Sum256(buf)
}

// VoteIdentityHash is the dedup/identity key for a PaymentVote: a hash
// over (payee_script, target_block_height, voter_outpoint).
func VoteIdentityHash(v *PaymentVote) [32]byte {
	buf := append([]byte{}, v.PayeeScript...)
	buf = appendUint64LE(buf, v.TargetHeight)
	buf = append(buf, v.VoterOutpoint.Hash[:]...)
	buf = appendUint32LE(buf, v.VoterOutpoint.Index)
	return blake3.Sum256(buf)
}

// HeightInvHash encodes a block height as the 32-byte hash field of an
// InvPaymentBlock vector, letting a getdata request name a height that has
// no vote hash of its own yet (a low-data backfill request) rather than an
// already-known payload hash.
func HeightInvHash(height uint64) [32]byte {
	var out [32]byte
	for i := 0; i < 8; i++ {
		out[31-i] = byte(height >> (8 * uint(i)))
	}
	return out
}

// RankScore computes the 256-bit ranking score of an outpoint against a
// ranking seed: hash(outpoint || collateral confirmation
// block hash || seed), interpreted as a big-endian unsigned 256-bit
// integer by the caller.
func RankScore(outpoint Outpoint, collateralConfBlockHash [32]byte, seed [32]byte) [32]byte {
	buf := append([]byte{}, outpoint.Hash[:]...)
	buf = appendUint32LE(buf, outpoint.Index)
	buf = append(buf, collateralConfBlockHash[:]...)
	buf = append(buf, seed[:]...)
	return blake3.Sum256(buf)
}
