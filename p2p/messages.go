package p2p

import "nhbchain/wire"

// DsegResponse bundles the announces a peer's dsegfn request resolves to,
// relayed individually as mnannounce gossip rather than as a single
// envelope, matching the "relay inv" fan-out the registry uses everywhere
// else.
type DsegResponse struct {
	Announces []*wire.Announce
}
