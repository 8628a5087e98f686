package chainview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/wire"
)

func TestFakeHashAtUnknownHeight(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	_, err := f.HashAt(5)
	require.ErrorIs(t, err, ErrUnknownHeight)

	f.SetHash(5, [32]byte{0x01})
	h, err := f.HashAt(5)
	require.NoError(t, err)
	require.Equal(t, [32]byte{0x01}, h)
}

func TestFakeUTXOSpentLifecycle(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var o wire.Outpoint
	o.Index = 1

	_, err := f.UTXO(o)
	require.ErrorIs(t, err, ErrUnknownOutpoint)

	f.SetUTXO(o, Coin{Value: 1000, Script: []byte{0x01}, Height: 10}, 15)
	c, err := f.UTXO(o)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), c.Value)
	require.Equal(t, uint64(15), f.Confirmations(o))
	require.False(t, f.IsOutpointSpent(o))

	f.Spend(o)
	require.True(t, f.IsOutpointSpent(o))
	_, err = f.UTXO(o)
	require.ErrorIs(t, err, ErrUnknownOutpoint)
}

func TestFakeRandBelowDeterministicCycle(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	require.Equal(t, uint64(0), f.RandBelow(3))
	require.Equal(t, uint64(1), f.RandBelow(3))
	require.Equal(t, uint64(2), f.RandBelow(3))
	require.Equal(t, uint64(0), f.RandBelow(3))
}
