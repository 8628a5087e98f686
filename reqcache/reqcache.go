// Package reqcache tracks which sync requests a peer has already had
// fulfilled, so a peer cannot re-ask for the same DSEG/PaymentSync/Verify
// exchange faster than its TTL permits.
package reqcache

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Kind enumerates the request kinds this cache rate-limits independently.
type Kind string

const (
	KindDseg        Kind = "dsegfn"
	KindPaymentSync Kind = "fnpaymentsync"
	KindVerify      Kind = "mnverify"
)

// Cache records "peer X already satisfied request R" and enforces a
// per-kind cooldown: the entry expires after the kind's TTL, and until then
// the same peer may not ask again. The per-peer token buckets behind Allow
// are a separate limit, independent of this TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     map[Kind]time.Duration
	entries map[string]*list.Element
	order   *list.List
	limiter map[string]*rate.Limiter
	now     func() time.Time
}

type entry struct {
	key     string
	fulfill time.Time
	expiry  time.Time
}

// New builds a cache using the supplied per-kind TTL (mainnet: 1h, testnet: 5m).
func New(ttl map[Kind]time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		limiter: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

func key(peerAddr string, kind Kind) string {
	return peerAddr + "|" + string(kind)
}

// Has reports whether peerAddr already had a request of this kind fulfilled
// within the kind's TTL.
func (c *Cache) Has(peerAddr string, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	_, ok := c.entries[key(peerAddr, kind)]
	return ok
}

// Add stamps peerAddr as having had a request of this kind fulfilled,
// starting its TTL countdown now.
func (c *Cache) Add(peerAddr string, kind Kind) {
	now := c.now()
	ttl := c.ttl[kind]
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(peerAddr, kind)
	if elem, ok := c.entries[k]; ok {
		rec := elem.Value.(*entry)
		rec.fulfill = now
		rec.expiry = now.Add(ttl)
		c.order.MoveToFront(elem)
		return
	}
	rec := &entry{key: k, fulfill: now, expiry: now.Add(ttl)}
	elem := c.order.PushFront(rec)
	c.entries[k] = elem
}

// Allow reports whether peerAddr may issue a request of this kind right
// now, independent of the fulfilled-request TTL: a token-bucket guard
// against a peer hammering requests before any response has a chance to
// land in the cache.
func (c *Cache) Allow(peerAddr string, kind Kind, ratePerSecond float64, burst int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(peerAddr, kind)
	lim, ok := c.limiter[k]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
		c.limiter[k] = lim
	}
	return lim.Allow()
}

// Forget drops the fulfilled-request record for peerAddr/kind, used when a
// peer disconnects so state doesn't outlive the connection unnecessarily.
func (c *Cache) Forget(peerAddr string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(peerAddr, kind)
	if elem, ok := c.entries[k]; ok {
		c.order.Remove(elem)
		delete(c.entries, k)
	}
	delete(c.limiter, k)
}

func (c *Cache) sweepLocked() {
	now := c.now()
	for {
		elem := c.order.Back()
		if elem == nil {
			return
		}
		rec := elem.Value.(*entry)
		if now.Before(rec.expiry) {
			return
		}
		c.order.Remove(elem)
		delete(c.entries, rec.key)
	}
}

// Len reports how many fulfilled-request records are currently tracked.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	return len(c.entries)
}
