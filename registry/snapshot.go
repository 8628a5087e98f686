package registry

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"nhbchain/wire"
)

// persistedState is the on-disk shape of everything a Registry carries
// across a restart: the node map itself, the announce/ping dedup caches,
// and the last-sentinel-activity timestamp the PoSe expiry check consults.
// In-flight recovery quorums are intentionally not persisted — they are a
// short, bounded collection window that simply restarts cleanly on reload.
type persistedState struct {
	Nodes                []*ServiceNode   `json:"nodes"`
	SeenAnnounce         map[string]int64 `json:"seen_announce"`
	SeenPing             map[string]int64 `json:"seen_ping"`
	LastSentinelActivity int64            `json:"last_sentinel_activity"`
	Self                 *wire.Outpoint   `json:"self,omitempty"`
}

// MarshalSnapshot serializes the registry's persisted state to JSON, for a
// snapshot.Snapshot to store under its registry key.
func (r *Registry) MarshalSnapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := persistedState{
		Nodes:                make([]*ServiceNode, 0, len(r.nodes)),
		SeenAnnounce:         make(map[string]int64, len(r.seenAnnounce)),
		SeenPing:             make(map[string]int64, len(r.seenPing)),
		LastSentinelActivity: r.lastSentinelActivity.Unix(),
		Self:                 r.self,
	}
	for _, n := range r.nodes {
		cp := *n
		state.Nodes = append(state.Nodes, &cp)
	}
	for k, v := range r.seenAnnounce {
		state.SeenAnnounce[hex.EncodeToString(k[:])] = v.Unix()
	}
	for k, v := range r.seenPing {
		state.SeenPing[hex.EncodeToString(k[:])] = v.Unix()
	}
	return json.Marshal(&state)
}

// UnmarshalSnapshot replaces the registry's in-memory state with a
// previously marshaled snapshot. Callers must do this before accepting any
// network traffic; it does not merge with existing state.
func (r *Registry) UnmarshalSnapshot(data []byte) error {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	nodes := make(map[wire.Outpoint]*ServiceNode, len(state.Nodes))
	for _, n := range state.Nodes {
		nodes[n.Outpoint] = n
	}
	seenAnnounce := make(map[[32]byte]time.Time, len(state.SeenAnnounce))
	for k, v := range state.SeenAnnounce {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != 32 {
			continue
		}
		var h [32]byte
		copy(h[:], raw)
		seenAnnounce[h] = time.Unix(v, 0)
	}
	seenPing := make(map[[32]byte]time.Time, len(state.SeenPing))
	for k, v := range state.SeenPing {
		raw, err := hex.DecodeString(k)
		if err != nil || len(raw) != 32 {
			continue
		}
		var h [32]byte
		copy(h[:], raw)
		seenPing[h] = time.Unix(v, 0)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = nodes
	r.seenAnnounce = seenAnnounce
	r.seenPing = seenPing
	r.lastSentinelActivity = time.Unix(state.LastSentinelActivity, 0)
	r.self = state.Self
	if r.self != nil {
		if n, ok := r.nodes[*r.self]; ok {
			n.self = true
		}
	}
	return nil
}
