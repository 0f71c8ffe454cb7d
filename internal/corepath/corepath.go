// Package corepath derives the per-core storage sub-path from a core's
// discovery key. The layout is a compatibility contract (spec.md §6): it
// must produce byte-identical paths across versions, so it is kept as a
// single pure function rather than inlined at each call site.
package corepath

import "encoding/hex"

// Path returns "h[0:2]/h[2:4]/h" where h is the lowercase hex encoding of
// the 32-byte discovery key.
func Path(discoveryKey [32]byte) string {
	h := hex.EncodeToString(discoveryKey[:])
	return h[0:2] + "/" + h[2:4] + "/" + h
}

// DiscoveryID returns the lowercase hex discoveryId used to route
// setIndexed calls, identical to the "h" used by Path.
func DiscoveryID(discoveryKey [32]byte) string {
	return hex.EncodeToString(discoveryKey[:])
}
