package chainview

import (
	"sync"
	"time"

	"nhbchain/wire"
)

// Fake is an in-memory Adapter backed by a fixed height-to-hash table and a
// UTXO set, enough to drive registry and ledger tests without a real chain.
type Fake struct {
	mu sync.RWMutex

	tip       uint64
	hashes    map[uint64][32]byte
	blockTime map[uint64]time.Time
	utxos     map[wire.Outpoint]Coin
	spent     map[wire.Outpoint]bool
	confs     map[wire.Outpoint]uint64
	now       time.Time
	seq       uint64
}

// NewFake builds an empty Fake adapter with its clock pinned to now.
func NewFake(now time.Time) *Fake {
	return &Fake{
		hashes:    make(map[uint64][32]byte),
		blockTime: make(map[uint64]time.Time),
		utxos:     make(map[wire.Outpoint]Coin),
		spent:     make(map[wire.Outpoint]bool),
		confs:     make(map[wire.Outpoint]uint64),
		now:       now,
	}
}

// SetTip sets the current tip height.
func (f *Fake) SetTip(height uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tip = height
}

// SetHash records the block hash for a given height.
func (f *Fake) SetHash(height uint64, hash [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes[height] = hash
}

// SetBlockTime records the timestamp of the block at a given height.
func (f *Fake) SetBlockTime(height uint64, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockTime[height] = t
}

// SetUTXO records a coin and its confirmation count for an outpoint.
func (f *Fake) SetUTXO(o wire.Outpoint, c Coin, confirmations uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.utxos[o] = c
	f.confs[o] = confirmations
	delete(f.spent, o)
}

// Spend marks an outpoint's UTXO as spent.
func (f *Fake) Spend(o wire.Outpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spent[o] = true
}

// SetNow pins the adapter's wall clock.
func (f *Fake) SetNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func (f *Fake) TipHeight() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.tip
}

func (f *Fake) HashAt(height uint64) ([32]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.hashes[height]
	if !ok {
		return [32]byte{}, ErrUnknownHeight
	}
	return h, nil
}

func (f *Fake) BlockTime(height uint64) (time.Time, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.blockTime[height]
	if !ok {
		return time.Time{}, ErrUnknownHeight
	}
	return t, nil
}

func (f *Fake) UTXO(o wire.Outpoint) (Coin, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.spent[o] {
		return Coin{}, ErrUnknownOutpoint
	}
	c, ok := f.utxos[o]
	if !ok {
		return Coin{}, ErrUnknownOutpoint
	}
	return c, nil
}

func (f *Fake) IsOutpointSpent(o wire.Outpoint) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.spent[o]
}

func (f *Fake) Confirmations(o wire.Outpoint) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.confs[o]
}

func (f *Fake) AdjustedTime() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.now
}

// RandBelow deterministically cycles through [0, n) rather than drawing
// real randomness, so tests relying on it stay reproducible.
func (f *Fake) RandBelow(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.seq % n
	f.seq++
	return v
}
